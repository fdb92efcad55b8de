// Package serde holds the injected payload serializer. The queue persists
// payloads as opaque bytes plus a type tag; the serializer reconstructs the
// typed value on the consumer side.
package serde

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer converts payload values to and from stored bytes.
type Serializer interface {
	// Serialize encodes v and returns its bytes plus a type tag the
	// deserializer can dispatch on.
	Serialize(v any) (data []byte, typeTag string, err error)

	// Deserialize reconstructs the typed value stored under typeTag.
	Deserialize(data []byte, typeTag string) (any, error)
}

// JSONSerializer is the default Serializer. Types registered up front
// round-trip to their concrete Go type; unregistered tags decode to
// map[string]any so consumers can still inspect the payload.
type JSONSerializer struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{types: make(map[string]reflect.Type)}
}

// Register binds a type tag to the concrete type of sample. Payloads stored
// under that tag decode to a value of the same type.
func (s *JSONSerializer) Register(tag string, sample any) error {
	if tag == "" {
		return fmt.Errorf("type tag is required")
	}
	if sample == nil {
		return fmt.Errorf("sample value is required")
	}
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.types[tag] = t
	return nil
}

func (s *JSONSerializer) Serialize(v any) ([]byte, string, error) {
	if v == nil {
		return nil, "", fmt.Errorf("payload is required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("serialize payload: %w", err)
	}
	return data, s.tagFor(v), nil
}

func (s *JSONSerializer) Deserialize(data []byte, typeTag string) (any, error) {
	s.mu.RLock()
	t, ok := s.types[typeTag]
	s.mu.RUnlock()

	if ok {
		ptr := reflect.New(t)
		if err := json.Unmarshal(data, ptr.Interface()); err != nil {
			return nil, fmt.Errorf("deserialize payload %q: %w", typeTag, err)
		}
		return ptr.Elem().Interface(), nil
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("deserialize payload %q: %w", typeTag, err)
	}
	return generic, nil
}

// tagFor returns the registered tag of v's type, falling back to the
// reflected type name for unregistered payloads.
func (s *JSONSerializer) tagFor(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tag, rt := range s.types {
		if rt == t {
			return tag
		}
	}
	if t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}
