// Package e2ee holds the pure cryptographic primitives of the chat encryption:
// P-256 key pairs, their portable string forms, ECDH key agreement and
// AES-256-GCM message encryption. Nothing here performs I/O.
package e2ee

import (
	"crypto/ecdh"
	"crypto/sha256"
	"e2e_call/internal/cryptographic/dh"
	"e2e_call/internal/cryptographic/encryption"
	"e2e_call/internal/cryptographic/kdf"
	"e2e_call/internal/model"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

const sharedKeySize = 32

var sharedKeyInfo = []byte("e2e_call/chat/aes-256-gcm")

var (
	ErrKeyFormat  = errors.New("malformed key")
	ErrDecryption = errors.New("message could not be decrypted")
)

// KeyFormatError reports an import of a key string that is not a valid
// base64 SPKI/PKCS8 P-256 key.
type KeyFormatError struct {
	Kind  string // "public" or "private"
	Cause error
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("malformed %s key: %v", e.Kind, e.Cause)
}

func (e *KeyFormatError) Unwrap() error { return e.Cause }

func (e *KeyFormatError) Is(target error) bool { return target == ErrKeyFormat }

// SharedKey is a derived AES-256-GCM key. Its bytes cannot be read or
// serialised outside this package.
type SharedKey struct {
	key []byte
}

func (k *SharedKey) String() string { return "SharedKey(redacted)" }

func (k *SharedKey) GoString() string { return k.String() }

func (k *SharedKey) MarshalJSON() ([]byte, error) {
	return nil, errors.New("shared key is not extractable")
}

func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	return dh.NewP256KeyPair()
}

func ExportPublicKey(pub *ecdh.PublicKey) (string, error) {
	der, err := dh.MarshalSPKI(pub)
	if err != nil {
		return "", fmt.Errorf("export public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func ExportPrivateKey(priv *ecdh.PrivateKey) (string, error) {
	der, err := dh.MarshalPKCS8(priv)
	if err != nil {
		return "", fmt.Errorf("export private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

func ImportPublicKey(s string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &KeyFormatError{Kind: "public", Cause: err}
	}
	pub, err := dh.ParseSPKI(der)
	if err != nil {
		return nil, &KeyFormatError{Kind: "public", Cause: err}
	}
	return pub, nil
}

func ImportPrivateKey(s string) (*ecdh.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &KeyFormatError{Kind: "private", Cause: err}
	}
	priv, err := dh.ParsePKCS8(der)
	if err != nil {
		return nil, &KeyFormatError{Kind: "private", Cause: err}
	}
	return priv, nil
}

// ExportPublicKeyJWK renders pub as a JSON Web Key for browser peers.
func ExportPublicKeyJWK(pub *ecdh.PublicKey) ([]byte, error) {
	return dh.MarshalJWK(pub)
}

// Fingerprint is the hex SHA-256 of the SPKI encoding, for out-of-band comparison.
func Fingerprint(publicKey string) (string, error) {
	pub, err := ImportPublicKey(publicKey)
	if err != nil {
		return "", err
	}
	der, err := dh.MarshalSPKI(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveSharedKey runs ECDH and stretches the secret with HKDF-SHA256.
// Both peers obtain the same key from (own private, other public).
func DeriveSharedKey(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (*SharedKey, error) {
	secret, err := dh.SharedSecret(priv, peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	key, err := kdf.DeriveKey(secret, sharedKeyInfo, sharedKeySize)
	if err != nil {
		return nil, err
	}
	return &SharedKey{key: key}, nil
}

// EncryptMessage encrypts plaintext under a fresh IV.
func EncryptMessage(plaintext string, key *SharedKey) (model.EncryptedPayload, error) {
	if key == nil {
		return model.EncryptedPayload{}, errors.New("nil shared key")
	}
	iv, ct, err := encryption.AEADSeal(key.key, []byte(plaintext), nil)
	if err != nil {
		return model.EncryptedPayload{}, err
	}
	return model.EncryptedPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// DecryptMessage returns ErrDecryption for every failure cause; wrong key,
// tampered ciphertext and corrupted IV look the same to the caller.
func DecryptMessage(ciphertext, iv string, key *SharedKey) (string, error) {
	if key == nil {
		return "", ErrDecryption
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryption
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", ErrDecryption
	}
	plain, err := encryption.AEADOpen(key.key, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

var (
	supportedOnce sync.Once
	supported     bool
)

// Supported checks once whether P-256 key agreement and AES-GCM work on this platform.
func Supported() bool {
	supportedOnce.Do(func() {
		a, err := GenerateKeyPair()
		if err != nil {
			return
		}
		b, err := GenerateKeyPair()
		if err != nil {
			return
		}
		k, err := DeriveSharedKey(a, b.PublicKey())
		if err != nil {
			return
		}
		p, err := EncryptMessage("self-test", k)
		if err != nil {
			return
		}
		_, err = DecryptMessage(p.Ciphertext, p.IV, k)
		supported = err == nil
	})
	return supported
}
