// Package redis provides a Redis-backed implementation of all storage
// interfaces for multi-process deployments. Session, authorization-code, and
// token-metadata records are stored as JSON strings under a configurable key
// prefix, with physical TTLs enforced by Redis itself.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	redisgo "github.com/redis/go-redis/v9"

	"github.com/giantswarm/mcp-gateway/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys.
	DefaultKeyPrefix = "mcp:"

	// Per-kind key namespaces, appended to the store prefix.
	sessionKeyPrefix = "session:"
	codeKeyPrefix    = "auth_code:"
	tokenKeyPrefix   = "token:"

	// connectVerifyTimeout bounds the initial PING on construction.
	connectVerifyTimeout = 5 * time.Second
)

// Config holds Redis connection settings. Defaults can be loaded from the
// environment via NewFromEnv.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: GATEWAY_KEY_PREFIX
	KeyPrefix string `env:"GATEWAY_KEY_PREFIX,default=mcp:"`
}

// Store is a Redis-backed implementation of storage.Store.
type Store struct {
	client    *redisgo.Client
	keyPrefix string
	logger    *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates a Store and verifies connectivity with a PING.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redisgo.NewClient(&redisgo.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &Store{
		client:    client,
		keyPrefix: prefix,
		logger:    logger,
	}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests and by callers
// that manage connection pooling themselves.
func NewFromClient(client *redisgo.Client, keyPrefix string, logger *slog.Logger) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, keyPrefix: keyPrefix, logger: logger}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(logger *slog.Logger) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode redis config: %w", err)
	}
	return New(cfg, logger)
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

// --- Key helpers ---

func (s *Store) sessionKey(id string) string { return s.keyPrefix + sessionKeyPrefix + id }
func (s *Store) codeKey(code string) string  { return s.keyPrefix + codeKeyPrefix + code }
func (s *Store) tokenKey(jti string) string  { return s.keyPrefix + tokenKeyPrefix + jti }

// set marshals v and writes it at key. A non-positive ttl keeps an existing
// key's remaining TTL (SET ... XX KEEPTTL); the XX guard means a key that
// lapsed since it was read is not recreated as a persistent key, and the
// write reports ErrNotFound instead.
func (s *Store) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if ttl <= 0 {
		ok, err := s.client.SetXX(ctx, key, data, redisgo.KeepTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if !ok {
			return storage.ErrNotFound
		}
		return nil
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

// get reads key and unmarshals into v, mapping redis.Nil to
// storage.ErrNotFound and decode failures to storage.ErrCorruptData.
func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redisgo.Nil) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to read record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrCorruptData, err)
	}
	return nil
}

// ============================================================
// SessionStore Implementation
// ============================================================

// PutSession writes a session record.
func (s *Store) PutSession(ctx context.Context, session *storage.Session, ttl time.Duration) error {
	return s.set(ctx, s.sessionKey(session.ID), session, ttl)
}

// GetSession retrieves a session record.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	var session storage.Session
	if err := s.get(ctx, s.sessionKey(sessionID), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SessionExists reports whether a session record is present.
func (s *Store) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return n > 0, nil
}

// ExpireSession resets the physical TTL for a session record.
func (s *Store) ExpireSession(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.sessionKey(sessionID), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	return ok, nil
}

// DeleteSession removes a session record. Absent records are a no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ============================================================
// CodeStore Implementation
// ============================================================

// PutCode stores an authorization code record.
func (s *Store) PutCode(ctx context.Context, code *storage.AuthorizationCode, ttl time.Duration) error {
	return s.set(ctx, s.codeKey(code.Code), code, ttl)
}

// GetCode retrieves an authorization code record.
func (s *Store) GetCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var rec storage.AuthorizationCode
	if err := s.get(ctx, s.codeKey(code), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteCode removes an authorization code. DEL's reply settles concurrent
// exchanges: exactly one caller observes a positive count for a given code.
func (s *Store) DeleteCode(ctx context.Context, code string) (bool, error) {
	n, err := s.client.Del(ctx, s.codeKey(code)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete code: %w", err)
	}
	return n > 0, nil
}

// ============================================================
// TokenMetadataStore Implementation
// ============================================================

// PutTokenMetadata stores a token metadata record.
func (s *Store) PutTokenMetadata(ctx context.Context, meta *storage.TokenMetadata, ttl time.Duration) error {
	return s.set(ctx, s.tokenKey(meta.JTI), meta, ttl)
}

// GetTokenMetadata retrieves a token metadata record by jti.
func (s *Store) GetTokenMetadata(ctx context.Context, jti string) (*storage.TokenMetadata, error) {
	var meta storage.TokenMetadata
	if err := s.get(ctx, s.tokenKey(jti), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// MarkTokenRevoked sets revoked=true on a metadata record, preserving the
// key's remaining TTL. Concurrent writers on the same jti are last-writer-
// wins; both outcomes leave the record revoked.
func (s *Store) MarkTokenRevoked(ctx context.Context, jti string) (bool, error) {
	meta, err := s.GetTokenMetadata(ctx, jti)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	meta.Revoked = true
	if err := s.set(ctx, s.tokenKey(jti), meta, 0); err != nil {
		// The key can lapse between the read and the write; the token is
		// already unusable then.
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
