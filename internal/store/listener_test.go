package store

import "testing"

func TestParseTableChangeEvent(t *testing.T) {
	ev, err := ParseTableChangeEvent(`{"table":"durable_queue_messages","operation":"insert","id":"m-1","queue_name":"orders"}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Table != "durable_queue_messages" || ev.Operation != "insert" || ev.ID != "m-1" || ev.QueueName != "orders" {
		t.Errorf("parsed event = %+v", ev)
	}
}

func TestParseTableChangeEventRejectsGarbage(t *testing.T) {
	if _, err := ParseTableChangeEvent(`not json`); err == nil {
		t.Errorf("expected error for malformed payload")
	}
	if _, err := ParseTableChangeEvent(`{}`); err == nil {
		t.Errorf("expected error for incomplete event")
	}
}

func TestNilPoolRejected(t *testing.T) {
	if _, err := NewPostgresStoreWithPool(nil, "x"); err == nil {
		t.Errorf("expected error for nil pool")
	}
}
