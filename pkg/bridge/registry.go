package bridge

import (
	"sync"

	"edbridge/pkg/transport"
)

// PromoteResult is the outcome of a hello on a registered connection.
type PromoteResult string

// Promotion outcomes.
const (
	Activated            PromoteResult = "activated"
	AlreadyActive        PromoteResult = "already_active"
	ReplacedSameWorker   PromoteResult = "replaced_same_worker"
	RejectedActiveExists PromoteResult = "rejected_active_exists"
	UnknownConnection    PromoteResult = "unknown_connection"
)

// Promoted reports whether the connection became the active one.
func (r PromoteResult) Promoted() bool {
	return r == Activated || r == ReplacedSameWorker
}

// peer is a registered candidate connection.
type peer struct {
	conn       transport.Conn
	instanceID string
}

// Registry tracks candidate connections and which one is active. At most one
// connection is active at a time. No method blocks on I/O; closing replaced
// connections is left to the caller so it happens outside the lock.
type Registry struct {
	mu     sync.Mutex
	peers  map[string]*peer
	active *peer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// Register adds c as a candidate. It never changes the active connection.
func (r *Registry) Register(c transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[c.ID()]; !ok {
		r.peers[c.ID()] = &peer{conn: c}
	}
}

// Promote tries to make c the active connection for workerInstanceID. When a
// previous connection from the same worker instance is superseded it is
// returned so the caller can close it.
func (r *Registry) Promote(c transport.Conn, workerInstanceID string) (PromoteResult, transport.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[c.ID()]
	if !ok {
		return UnknownConnection, nil
	}
	if r.active == p {
		return AlreadyActive, nil
	}

	switch {
	case r.active == nil || !transport.IsOpen(r.active.conn):
		p.instanceID = workerInstanceID
		r.active = p
		return Activated, nil
	case r.active.instanceID == workerInstanceID:
		old := r.active.conn
		p.instanceID = workerInstanceID
		r.active = p
		return ReplacedSameWorker, old
	default:
		return RejectedActiveExists, nil
	}
}

// IsActive reports whether c is the active connection.
func (r *Registry) IsActive(c transport.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil && r.active.conn.ID() == c.ID()
}

// Active returns the active connection, or nil when there is none or it has
// already closed. The stale slot is kept until Remove so the close path can
// still recognise it as the active connection.
func (r *Registry) Active() transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || !transport.IsOpen(r.active.conn) {
		return nil
	}
	return r.active.conn
}

// ActiveInstance returns the worker instance id of the active connection.
func (r *Registry) ActiveInstance() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.instanceID
}

// Remove forgets c. Calling it twice reports wasRegistered=false the second
// time, which lets close handling run once per connection.
func (r *Registry) Remove(c transport.Conn) (wasRegistered, wasActive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[c.ID()]
	if !ok {
		return false, false
	}
	delete(r.peers, c.ID())
	if r.active == p {
		r.active = nil
		return true, true
	}
	return true, false
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// DrainAll clears the registry and returns every connection it held.
func (r *Registry) DrainAll() []transport.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Conn, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.conn)
	}
	r.peers = make(map[string]*peer)
	r.active = nil
	return out
}
