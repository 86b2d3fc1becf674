package relay

import (
	"sync"
)

// ChatIdentity is what a connection declared on join-chat.
type ChatIdentity struct {
	UserID   string
	TenantID string
	Role     string
}

type connEntry struct {
	emitter  Emitter
	stream   *StreamHandle
	identity *ChatIdentity
}

// Registry tracks open connections, their stream handle and chat identity,
// and supports graceful draining. When draining is enabled, new connections
// are rejected while open ones finish naturally.
//
// The mu mutex makes the draining check and wg.Add atomic in Add.
type Registry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	conns    map[string]*connEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connEntry)}
}

// Add registers a connection. Returns false if the registry is draining or
// the id is already taken.
func (r *Registry) Add(e Emitter) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return false
	}
	if _, ok := r.conns[e.ID()]; ok {
		return false
	}
	r.conns[e.ID()] = &connEntry{emitter: e}
	r.wg.Add(1)
	return true
}

// Remove forgets a connection and returns whatever it still held.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (*StreamHandle, *ChatIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, nil
	}
	delete(r.conns, id)
	r.wg.Done()
	return e.stream, e.identity
}

// Emitter returns the connection's emitter, or nil if it is gone.
func (r *Registry) Emitter(id string) Emitter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		return e.emitter
	}
	return nil
}

// BindStream stores h against the connection and returns the handle it
// replaced. ok is false if the connection is gone; h is not stored then.
func (r *Registry) BindStream(id string, h *StreamHandle) (prev *StreamHandle, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.conns[id]
	if !found {
		return nil, false
	}
	prev, e.stream = e.stream, h
	return prev, true
}

// Stream returns the connection's current handle.
func (r *Registry) Stream(id string) *StreamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		return e.stream
	}
	return nil
}

// TakeStream removes and returns the connection's handle.
func (r *Registry) TakeStream(id string) *StreamHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	h := e.stream
	e.stream = nil
	return h
}

// ReleaseStream removes h only if it is still the registered handle.
func (r *Registry) ReleaseStream(id string, h *StreamHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.stream != h || h == nil {
		return false
	}
	e.stream = nil
	return true
}

// SetIdentity replaces the chat identity and returns the previous one.
func (r *Registry) SetIdentity(id string, ident ChatIdentity) (prev *ChatIdentity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.conns[id]
	if !found {
		return nil, false
	}
	prev, e.identity = e.identity, &ident
	return prev, true
}

// Identity returns the chat identity, if the connection joined.
func (r *Registry) Identity(id string) (ChatIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.identity == nil {
		return ChatIdentity{}, false
	}
	return *e.identity, true
}

// StartDraining makes future Add calls return false.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of open connections.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IDs returns the ids of the open connections.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every added connection has been removed.
func (r *Registry) Wait() {
	r.wg.Wait()
}
