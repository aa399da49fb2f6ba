package transfer

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"goldrenard/network"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 5 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newConnPair(t *testing.T) (*network.Connection, *network.Connection) {
	t.Helper()

	left, right := net.Pipe()
	opts := network.HandshakeOptions{Logger: quietLogger()}
	a := network.NewConnection(left, opts)
	b := network.NewConnection(right, opts)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()

	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	hook   func(*Negotiator, Event)
}

func (l *eventLog) record(n *Negotiator, event Event) {
	l.mu.Lock()
	l.events = append(l.events, event)
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(n, event)
	}
}

func (l *eventLog) find(match func(Event) bool) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.events {
		if match(event) {
			return event, true
		}
	}
	return Event{}, false
}

func (l *eventLog) count(match func(Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, event := range l.events {
		if match(event) {
			total++
		}
	}
	return total
}

func (l *eventLog) wait(t *testing.T, match func(Event) bool) Event {
	t.Helper()

	var found Event
	require.Eventually(t, func() bool {
		event, ok := l.find(match)
		found = event
		return ok
	}, waitTimeout, pollInterval)
	return found
}

func is(eventType EventType, direction Direction) func(Event) bool {
	return func(event Event) bool {
		return event.Type == eventType && event.Direction == direction
	}
}

type peer struct {
	negotiator *Negotiator
	store      *Store
	events     *eventLog
}

func startPeer(t *testing.T, conn *network.Connection, store *Store, history History, hook func(*Negotiator, Event)) *peer {
	t.Helper()

	events := &eventLog{hook: hook}
	negotiator, err := NewNegotiator(NegotiatorOptions{
		Conn:    conn,
		Store:   store,
		History: history,
		OnEvent: events.record,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = negotiator.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &peer{negotiator: negotiator, store: store, events: events}
}
