package gateway

import "sync"

// Entry is the live state of one connection held by the Registry.
type Entry struct {
	// Peer is the bidirectional JSON-RPC endpoint for the connection.
	Peer *Peer

	// Shutdown forcibly closes the connection and reconciles registry and
	// persisted state. Idempotent; safe to call from any goroutine.
	Shutdown func(reason string)
}

// Registry maps live connection identifiers to their transport handles.
//
// It is the only in-process shared structure: the owning connection inserts
// at accept and removes at close/eject; the bus listener and method handlers
// only read. Concurrent connections operate on disjoint keys.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Put inserts or replaces the entry for a connection id.
func (r *Registry) Put(id string, e Entry) {
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
}

// Get returns the entry for a connection id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	return e, ok
}

// Remove deletes the entry for a connection id (no-op when absent).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
