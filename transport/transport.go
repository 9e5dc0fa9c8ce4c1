// Package transport manages process-local transport bindings for live
// sessions.
//
// A binding pairs a session id with the in-memory transport carrying its
// messages and with the cancellation root for work spawned on its behalf.
// Bindings never outlive the process and are never persisted: the durable
// session record in storage is the cross-process identity, the binding here
// is this process's live connection state. A session can therefore be valid
// durably while having no binding in a given process.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by stream operations after the stream has been
// closed.
var ErrClosed = errors.New("transport: stream closed")

// Transport is a live message conduit for one session.
type Transport interface {
	// Close releases the transport's resources. Must be idempotent.
	Close() error
}

// Binding ties a session id to its transport and the context governing work
// spawned for that session.
type Binding struct {
	// SessionID is the owning session's identifier.
	SessionID string

	// Transport carries the session's messages.
	Transport Transport

	ctx      context.Context
	cancel   context.CancelFunc
	registry *Registry

	closeOnce sync.Once
}

// Context returns the binding's context. It is canceled when the binding is
// closed; goroutines working on behalf of the session should derive from it.
func (b *Binding) Context() context.Context { return b.ctx }

// Close tears the binding down: cancels the session context, closes the
// transport, and removes the registry entry. The three happen as one unit
// and repeated calls are no-ops, so a connection teardown racing a session
// cleanup cannot half-close a binding.
func (b *Binding) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		if b.Transport != nil {
			_ = b.Transport.Close()
		}
		if b.registry != nil {
			b.registry.remove(b.SessionID)
		}
	})
}

// Registry is the process-local map of session id to live binding.
// All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Provision returns the binding for sessionID, creating one via factory if
// absent. Creation is atomic with the lookup: concurrent callers for the
// same id observe a single binding and the factory runs at most once per
// resident entry. The binding's context derives from ctx.
func (r *Registry) Provision(ctx context.Context, sessionID string, factory func() Transport) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[sessionID]; ok {
		return b
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &Binding{
		SessionID: sessionID,
		Transport: factory(),
		ctx:       bctx,
		cancel:    cancel,
		registry:  r,
	}
	r.bindings[sessionID] = b
	return b
}

// Get returns the binding for sessionID, or false if this process holds
// none.
func (r *Registry) Get(sessionID string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[sessionID]
	return b, ok
}

// Remove closes the binding for sessionID if present.
func (r *Registry) Remove(sessionID string) {
	b, ok := r.Get(sessionID)
	if !ok {
		return
	}
	b.Close()
}

// IDs returns a snapshot of the session ids with a live binding.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// CloseAll closes every binding, for process shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	bs := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		bs = append(bs, b)
	}
	r.mu.RUnlock()

	for _, b := range bs {
		b.Close()
	}
}

// remove drops the map entry without closing; called from Binding.Close.
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, sessionID)
}
