package kdf

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrEmptySecret is returned when there is no input keying material.
var ErrEmptySecret = errors.New("kdf: empty secret")

// DeriveKey expands an ECDH secret into a size-byte symmetric key with
// HKDF-SHA256. The salt is left empty; info binds the key to its use.
func DeriveKey(secret, info []byte, size int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if size <= 0 || size > 255*sha256.Size {
		return nil, fmt.Errorf("kdf: invalid key size %d", size)
	}

	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return key, nil
}
