package network

import (
	"sync"
	"testing"
)

func TestRegistryNotifiesOnInsertAndRemove(t *testing.T) {
	var (
		mu     sync.Mutex
		counts []int
	)
	registry := NewRegistry[string](func(count int) {
		mu.Lock()
		counts = append(counts, count)
		mu.Unlock()
	})

	a, b := newPipePair(t)
	registry.Register(a, "a")
	registry.Register(b, "b")
	registry.Register(a, "a2")

	if registry.Len() != 2 {
		t.Fatalf("expected 2 connections, got %d", registry.Len())
	}
	if state, ok := registry.Lookup(a); !ok || state != "a2" {
		t.Fatalf("expected replaced state a2, got %q", state)
	}

	if !registry.Unregister(a) {
		t.Fatalf("expected Unregister to report a known connection")
	}
	waitClosed(t, a)
	if registry.Contains(a) {
		t.Fatalf("expected a to be removed")
	}
	if registry.Unregister(a) {
		t.Fatalf("expected second Unregister to report false")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 1}
	if len(counts) != len(want) {
		t.Fatalf("unexpected notifications %v", counts)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("unexpected notifications %v", counts)
		}
	}
}

func TestRegistryClearClosesAll(t *testing.T) {
	notified := -1
	registry := NewRegistry[int](func(count int) { notified = count })

	a, b := newPipePair(t)
	registry.Register(a, 1)
	registry.Register(b, 2)

	seen := 0
	registry.Each(func(conn *Connection, state int) {
		seen += state
	})
	if seen != 3 {
		t.Fatalf("expected Each to visit both connections, got sum %d", seen)
	}

	snapshot := registry.Snapshot()
	registry.Clear()
	if registry.Len() != 0 || len(snapshot) != 2 {
		t.Fatalf("expected empty registry and untouched snapshot")
	}
	if notified != 0 {
		t.Fatalf("expected clear to notify 0, got %d", notified)
	}
	waitClosed(t, a)
	waitClosed(t, b)
}

func TestRegistryIgnoresNil(t *testing.T) {
	registry := NewRegistry[int](nil)
	registry.Register(nil, 1)
	if registry.Len() != 0 || registry.Unregister(nil) {
		t.Fatalf("expected nil connection to be ignored")
	}
	registry.Clear()
}
