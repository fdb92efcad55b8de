package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/quasar/internal/logging"
)

const redisChannelPrefix = "quasar:queue:notify:"

// RedisNotifier is a distributed notifier that uses PUBLISH/SUBSCRIBE to
// broadcast wake signals across processes sharing one queue table. When a
// message is enqueued on one node, consumers on every node are woken.
type RedisNotifier struct {
	client *redis.Client
	mu     sync.Mutex
	subs   map[string][]*redisSub
	closed bool
}

type redisSub struct {
	ch     chan struct{}
	cancel context.CancelFunc
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		subs:   make(map[string][]*redisSub),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, queue string) error {
	return n.client.Publish(ctx, redisChannelPrefix+queue, "1").Err()
}

// Subscribe returns a channel receiving a signal whenever any node publishes
// a wake for the queue. A background goroutine forwards pub/sub messages.
func (n *RedisNotifier) Subscribe(ctx context.Context, queue string) <-chan struct{} {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		close(ch)
		return ch
	}
	subCtx, cancel := context.WithCancel(ctx)
	rs := &redisSub{ch: ch, cancel: cancel}
	n.subs[queue] = append(n.subs[queue], rs)
	n.mu.Unlock()

	pubsub := n.client.Subscribe(subCtx, redisChannelPrefix+queue)

	go func() {
		defer func() {
			if err := pubsub.Close(); err != nil {
				logging.Op().Debug("close redis pubsub", "queue", queue, "error", err)
			}
			n.removeSub(queue, rs)
			close(ch)
		}()

		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
					// Pending wake already queued.
				}
			}
		}
	}()

	return ch
}

func (n *RedisNotifier) removeSub(queue string, target *redisSub) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	subs := n.subs[queue]
	for i, s := range subs {
		if s == target {
			n.subs[queue] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (n *RedisNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	var cancels []context.CancelFunc
	for _, subs := range n.subs {
		for _, s := range subs {
			cancels = append(cancels, s.cancel)
		}
	}
	n.subs = nil
	n.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
