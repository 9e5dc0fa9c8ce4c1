// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/giantswarm/mcp-gateway/storage"
)

// defaultCleanupInterval is how often the janitor sweeps expired records.
const defaultCleanupInterval = time.Minute

// entry wraps a stored record with its expiration deadline.
// A zero expiresAt means the record never expires.
type entry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e entry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory implementation of storage.Store.
// Records carry per-entry deadlines enforced lazily on read and periodically
// by a background janitor, mirroring a TTL-capable backend.
type Store struct {
	mu sync.RWMutex

	sessions map[string]entry[*storage.Session]
	codes    map[string]entry[*storage.AuthorizationCode]
	tokens   map[string]entry[*storage.TokenMetadata]

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is zero or negative, the default is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		sessions:        make(map[string]entry[*storage.Session]),
		codes:           make(map[string]entry[*storage.AuthorizationCode]),
		tokens:          make(map[string]entry[*storage.TokenMetadata]),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets the logger used for cleanup reporting.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Stop terminates the background cleanup goroutine. Safe to call more than
// once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// cleanupLoop periodically removes expired records.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired records in one pass.
func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		if e.expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	for code, e := range s.codes {
		if e.expired(now) {
			delete(s.codes, code)
			removed++
		}
	}
	for jti, e := range s.tokens {
		if e.expired(now) {
			delete(s.tokens, jti)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired records", "removed", removed)
	}
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// ============================================================
// SessionStore Implementation
// ============================================================

// PutSession writes a session record. A non-positive ttl preserves a live
// record's deadline; with no live record to inherit from the write is
// refused with ErrNotFound so a lapsed session cannot come back immortal.
func (s *Store) PutSession(_ context.Context, session *storage.Session, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry[*storage.Session]{value: cloneSession(session)}
	if ttl > 0 {
		e.expiresAt = deadline(ttl)
	} else {
		prev, ok := s.sessions[session.ID]
		if !ok || prev.expired(time.Now()) {
			return storage.ErrNotFound
		}
		e.expiresAt = prev.expiresAt
	}
	s.sessions[session.ID] = e
	return nil
}

// GetSession retrieves a session record.
func (s *Store) GetSession(_ context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	if !ok || e.expired(time.Now()) {
		return nil, storage.ErrNotFound
	}
	return cloneSession(e.value), nil
}

// SessionExists reports whether a live session record is present.
func (s *Store) SessionExists(_ context.Context, sessionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[sessionID]
	return ok && !e.expired(time.Now()), nil
}

// ExpireSession resets the deadline for a session record.
func (s *Store) ExpireSession(_ context.Context, sessionID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[sessionID]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	e.expiresAt = deadline(ttl)
	s.sessions[sessionID] = e
	return true, nil
}

// DeleteSession removes a session record. Absent records are a no-op.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// PutCode stores an authorization code record.
func (s *Store) PutCode(_ context.Context, code *storage.AuthorizationCode, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.codes[code.Code] = entry[*storage.AuthorizationCode]{value: &c, expiresAt: deadline(ttl)}
	return nil
}

// GetCode retrieves an authorization code record.
func (s *Store) GetCode(_ context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.codes[code]
	if !ok || e.expired(time.Now()) {
		return nil, storage.ErrNotFound
	}
	c := *e.value
	return &c, nil
}

// DeleteCode removes an authorization code and reports whether it existed.
func (s *Store) DeleteCode(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.codes[code]
	if !ok {
		return false, nil
	}
	delete(s.codes, code)
	return !e.expired(time.Now()), nil
}

// ============================================================
// TokenMetadataStore Implementation
// ============================================================

// PutTokenMetadata stores a token metadata record.
func (s *Store) PutTokenMetadata(_ context.Context, meta *storage.TokenMetadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := *meta
	s.tokens[meta.JTI] = entry[*storage.TokenMetadata]{value: &m, expiresAt: deadline(ttl)}
	return nil
}

// GetTokenMetadata retrieves a token metadata record by jti.
func (s *Store) GetTokenMetadata(_ context.Context, jti string) (*storage.TokenMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tokens[jti]
	if !ok || e.expired(time.Now()) {
		return nil, storage.ErrNotFound
	}
	m := *e.value
	return &m, nil
}

// MarkTokenRevoked sets revoked=true on a metadata record, keeping its
// deadline.
func (s *Store) MarkTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tokens[jti]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	m := *e.value
	m.Revoked = true
	e.value = &m
	s.tokens[jti] = e
	return true, nil
}

// cloneSession deep-copies a session record so callers cannot mutate stored
// state through a shared Data map.
func cloneSession(in *storage.Session) *storage.Session {
	out := *in
	if in.Data != nil {
		out.Data = make(map[string]any, len(in.Data))
		for k, v := range in.Data {
			out.Data[k] = v
		}
	}
	return &out
}
