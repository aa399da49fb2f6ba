package network

import "sync"

// Registry tracks live connections together with per-connection state such
// as the negotiator serving it. It holds references only; Unregister and
// Clear close what they remove.
type Registry[T any] struct {
	mu    sync.RWMutex
	conns map[*Connection]T

	onChange func(count int)
}

// NewRegistry creates a registry. onChange, if set, is called with the new
// count after every insert or removal, outside the registry lock.
func NewRegistry[T any](onChange func(count int)) *Registry[T] {
	return &Registry[T]{
		conns:    make(map[*Connection]T),
		onChange: onChange,
	}
}

// Register adds conn with its state. Registering a known connection replaces
// its state without a change notification.
func (r *Registry[T]) Register(conn *Connection, state T) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	_, existed := r.conns[conn]
	r.conns[conn] = state
	count := len(r.conns)
	r.mu.Unlock()

	if !existed {
		r.notify(count)
	}
}

// Unregister removes and closes conn. It reports whether conn was registered.
func (r *Registry[T]) Unregister(conn *Connection) bool {
	if conn == nil {
		return false
	}

	r.mu.Lock()
	_, existed := r.conns[conn]
	delete(r.conns, conn)
	count := len(r.conns)
	r.mu.Unlock()

	_ = conn.Close()
	if existed {
		r.notify(count)
	}
	return existed
}

// Clear removes and closes every registered connection.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	removed := make([]*Connection, 0, len(r.conns))
	for conn := range r.conns {
		removed = append(removed, conn)
	}
	r.conns = make(map[*Connection]T)
	r.mu.Unlock()

	for _, conn := range removed {
		_ = conn.Close()
	}
	if len(removed) > 0 {
		r.notify(0)
	}
}

// Lookup returns the state registered for conn.
func (r *Registry[T]) Lookup(conn *Connection) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.conns[conn]
	return state, ok
}

// Contains reports whether conn is registered.
func (r *Registry[T]) Contains(conn *Connection) bool {
	_, ok := r.Lookup(conn)
	return ok
}

// Len returns the number of registered connections.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of the registry contents.
func (r *Registry[T]) Snapshot() map[*Connection]T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[*Connection]T, len(r.conns))
	for conn, state := range r.conns {
		out[conn] = state
	}
	return out
}

// Each calls fn for every registered connection. fn runs outside the lock
// and may call back into the registry.
func (r *Registry[T]) Each(fn func(conn *Connection, state T)) {
	for conn, state := range r.Snapshot() {
		fn(conn, state)
	}
}

func (r *Registry[T]) notify(count int) {
	if r.onChange != nil {
		r.onChange(count)
	}
}
