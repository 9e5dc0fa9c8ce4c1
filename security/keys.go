package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Distinct HKDF info strings keep the derived keys cryptographically
// independent. Changing either value invalidates all outstanding tokens or
// stored credentials respectively.
const (
	signingKeyInfo    = "mcp-gateway token signing v1"
	encryptionKeyInfo = "mcp-gateway credential encryption v1"
)

// minMasterKeyLen rejects master keys too short to carry 256 bits of
// entropy.
const minMasterKeyLen = 32

// KeySet holds the gateway's derived key material.
type KeySet struct {
	// Signing is the HS256 secret for bearer tokens.
	Signing []byte

	// Encryption is the AES-256 key for credentials at rest.
	Encryption []byte
}

// DeriveKeys expands a single master key into the gateway's working keys
// using HKDF-SHA256. Operators manage one secret; rotation of the master key
// rotates every derived key at once.
func DeriveKeys(masterKey []byte) (*KeySet, error) {
	if len(masterKey) < minMasterKeyLen {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", minMasterKeyLen, len(masterKey))
	}

	signing, err := deriveKey(masterKey, signingKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	encryption, err := deriveKey(masterKey, encryptionKeyInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return &KeySet{Signing: signing, Encryption: encryption}, nil
}

func deriveKey(masterKey []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
