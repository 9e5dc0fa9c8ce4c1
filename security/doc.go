// Package security provides the gateway's cross-cutting security helpers:
// key derivation, credential encryption at rest, per-client rate limiting,
// audit logging with hashed identifiers, response security headers, and
// request-id / client-ip extraction middleware.
package security
