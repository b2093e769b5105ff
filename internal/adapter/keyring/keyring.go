// Package keyring seals and opens integration credentials with the
// process-level signing key. Credentials are stored sealed; nothing outside
// this package sees plaintext at rest.
package keyring

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/tracefold/engsync/internal/domain"
)

const nonceSize = 24

// Keyring implements domain.Keyring over nacl/secretbox.
type Keyring struct {
	key [32]byte
}

// New derives a Keyring from the hex-encoded 32-byte signing key.
func New(signingKeyHex string) (*Keyring, error) {
	raw, err := hex.DecodeString(signingKeyHex)
	if err != nil {
		return nil, fmt.Errorf("op=keyring.new: decode signing key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("op=keyring.new: signing key must be 32 bytes, got %d: %w", len(raw), domain.ErrInvalidArgument)
	}
	kr := &Keyring{}
	copy(kr.key[:], raw)
	return kr, nil
}

// Seal encrypts plain with a fresh random nonce prepended to the box.
func (k *Keyring) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("op=keyring.seal: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &k.key), nil
}

// Open decrypts a sealed blob produced by Seal.
func (k *Keyring) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("op=keyring.open: sealed blob too short: %w", domain.ErrInvalidArgument)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &k.key)
	if !ok {
		return nil, fmt.Errorf("op=keyring.open: %w", domain.ErrAuthFailure)
	}
	return plain, nil
}
