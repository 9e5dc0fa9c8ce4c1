package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-gateway/security"
	"github.com/giantswarm/mcp-gateway/storage"
)

// credentialDataKey is the session data key under which an encrypted
// external credential is stored. The value is opaque to the gateway beyond
// StoreCredential/Credential.
const credentialDataKey = "external_credential"

// Manager coordinates session lifecycle against a durable store.
// All methods are safe for concurrent use; concurrent read-modify-write on
// the same session is last-writer-wins, matching the store's lack of
// record-level locking.
type Manager struct {
	store     storage.SessionStore
	ttl       time.Duration
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// NewManager creates a session manager. The ttl is the session validity
// window applied as the backend's physical TTL on creation and extension.
func NewManager(store storage.SessionStore, ttl time.Duration, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// SetEncryptor sets the encryptor used for external credentials at rest.
func (m *Manager) SetEncryptor(enc *security.Encryptor) {
	m.encryptor = enc
}

// TTL returns the configured session validity window.
func (m *Manager) TTL() time.Duration { return m.ttl }

// CreateOrTouch ensures a session exists for the given id, creating it with
// default timestamps and the configured TTL if absent. In all cases the
// session's last_active timestamp is updated to now. A pre-existing id is
// never an error, and touching does not move connected_at, expiry, or the
// backend TTL.
func (m *Manager) CreateOrTouch(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err == nil {
		session.LastActive = time.Now().UTC()
		// ttl<=0 keeps the record's remaining physical TTL. The write fails
		// with ErrNotFound if the record lapsed since the read; fall through
		// and create a fresh one.
		err = m.store.PutSession(ctx, session, 0)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to touch session: %w", err)
		}
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := time.Now().UTC()
	session = &storage.Session{
		ID:          sessionID,
		ConnectedAt: now,
		LastActive:  now,
		Expiry:      now.Add(m.ttl),
		Data:        map[string]any{},
	}
	if err := m.store.PutSession(ctx, session, m.ttl); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.logger.Info("Session created", "session_id", sessionID)
	return session, nil
}

// Retrieve loads a session, updates its last_active timestamp, writes the
// record back, and returns it. Returns ErrNotFound if the record is absent
// and ErrCorruptData if it cannot be decoded.
func (m *Manager) Retrieve(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, storage.ErrCorruptData):
			m.logger.Error("Session record is corrupt", "session_id", sessionID, "error", err)
			return nil, ErrCorruptData
		default:
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}

	session.LastActive = time.Now().UTC()
	if err := m.store.PutSession(ctx, session, 0); err != nil {
		// The record lapsed between the read and the write-back; the
		// session is gone, not resurrected.
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to write back session activity: %w", err)
	}
	return session, nil
}

// Validate reports whether the session's durable record is present. It is a
// pure existence check against the backend; the logical expiry field is not
// consulted.
func (m *Manager) Validate(ctx context.Context, sessionID string) (bool, error) {
	ok, err := m.store.SessionExists(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return ok, nil
}

// ExtendExpiry resets the session's physical TTL to the full validity window
// and updates the logical expiry field to match. Returns false if the
// session does not exist.
func (m *Manager) ExtendExpiry(ctx context.Context, sessionID string) (bool, error) {
	ok, err := m.store.ExpireSession(ctx, sessionID, m.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to extend session ttl: %w", err)
	}
	if !ok {
		m.logger.Warn("Cannot extend expiry for non-existent session", "session_id", sessionID)
		return false, nil
	}

	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		// TTL was reset but the record vanished in between; report absent.
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load session: %w", err)
	}
	session.Expiry = time.Now().UTC().Add(m.ttl)
	if err := m.store.PutSession(ctx, session, 0); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to write back session expiry: %w", err)
	}

	m.logger.Info("Session expiry extended", "session_id", sessionID)
	return true, nil
}

// Cleanup deletes the session's durable record. Deleting an absent session
// is a no-op.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) error {
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.logger.Info("Session cleaned up", "session_id", sessionID)
	return nil
}

// StoreCredential attaches an external credential to the session, encrypted
// at rest when an encryptor is configured. The credential is the durable
// outcome of a secondary login handshake completed outside the gateway.
func (m *Manager) StoreCredential(ctx context.Context, sessionID string, tok *oauth2.Token) error {
	if tok == nil {
		return fmt.Errorf("credential token is required")
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	stored := string(raw)
	if m.encryptor != nil {
		stored, err = m.encryptor.Encrypt(stored)
		if err != nil {
			return fmt.Errorf("failed to encrypt credential: %w", err)
		}
	}

	session, err := m.Retrieve(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Data == nil {
		session.Data = map[string]any{}
	}
	session.Data[credentialDataKey] = stored

	if err := m.store.PutSession(ctx, session, 0); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to write back credential: %w", err)
	}

	m.logger.Info("Stored external credential on session", "session_id", sessionID)
	return nil
}

// Credential returns the session's external credential, decrypting it when
// an encryptor is configured. Returns ErrNoCredential when the session has
// none.
func (m *Manager) Credential(ctx context.Context, sessionID string) (*oauth2.Token, error) {
	session, err := m.Retrieve(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stored, ok := session.Data[credentialDataKey].(string)
	if !ok || stored == "" {
		return nil, ErrNoCredential
	}

	if m.encryptor != nil {
		stored, err = m.encryptor.Decrypt(stored)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt credential: %w", err)
		}
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(stored), &tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return &tok, nil
}
