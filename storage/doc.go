// Package storage provides interfaces and records for session, authorization
// code, and token metadata persistence.
//
// The storage package defines the core storage interfaces used throughout the
// mcp-gateway library:
//   - SessionStore: Manages durable session records
//   - CodeStore: Manages one-time authorization codes
//   - TokenMetadataStore: Manages per-token (jti-keyed) revocation metadata
//
// Every record kind carries a physical time-to-live enforced by the backend;
// there is no application-level expiry timer.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis-backed distributed storage for production
package storage
