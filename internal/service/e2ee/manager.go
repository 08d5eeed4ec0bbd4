// Package e2ee manages the chat encryption session of the signed-in user:
// the local key pair, the published public key and one derived key per peer.
package e2ee

import (
	"context"
	"e2e_call/internal/model"
	engine "e2e_call/internal/protocol/e2ee"
	"e2e_call/internal/repository/directory"
	"e2e_call/internal/repository/keystore"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrEncryptionUnavailable = apperr.ErrEncryptionUnavailable
	ErrDecryption            = engine.ErrDecryption
)

type pairKey struct {
	userID string
	peerID string
}

type Manager struct {
	keys      keystore.Store
	directory directory.Directory
	available bool

	generate singleflight.Group

	mu         sync.RWMutex
	sharedKeys map[pairKey]*engine.SharedKey
	peerKeys   map[string]string
	published  map[string]bool
}

// NewManager checks crypto and key-store capability once; when either is
// missing every operation reports ErrEncryptionUnavailable.
func NewManager(ctx context.Context, keys keystore.Store, dir directory.Directory) *Manager {
	m := &Manager{
		keys:       keys,
		directory:  dir,
		sharedKeys: make(map[pairKey]*engine.SharedKey),
		peerKeys:   make(map[string]string),
		published:  make(map[string]bool),
	}
	m.available = engine.Supported() && keys != nil && keys.Supported(ctx)
	if !m.available {
		log.Warn("end-to-end encryption unavailable on this device")
	}
	return m
}

func (m *Manager) Available() bool {
	return m.available
}

// EnsureKeyPair returns the user's key pair, creating it on first use. The
// public key is published once per process; a failed publish is retried by
// the next call.
func (m *Manager) EnsureKeyPair(ctx context.Context, userID string) (*model.KeyPair, error) {
	kp, err := m.storedKeyPair(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	done := m.published[userID]
	m.mu.RUnlock()
	if done {
		return kp, nil
	}
	if err := m.publish(ctx, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// Publish announces the stored public key even if it was published before,
// e.g. after the directory was reset.
func (m *Manager) Publish(ctx context.Context, userID string) error {
	kp, err := m.storedKeyPair(ctx, userID)
	if err != nil {
		return err
	}
	return m.publish(ctx, kp)
}

func (m *Manager) publish(ctx context.Context, kp *model.KeyPair) error {
	if err := m.directory.Publish(ctx, kp.UserID, kp.PublicKey); err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	m.mu.Lock()
	m.published[kp.UserID] = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) storedKeyPair(ctx context.Context, userID string) (*model.KeyPair, error) {
	if !m.available {
		return nil, ErrEncryptionUnavailable
	}
	if userID == "" {
		return nil, apperr.ErrInvalidUserID
	}

	kp, err := m.keys.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	if kp != nil {
		return kp, nil
	}

	v, err, _ := m.generate.Do(userID, func() (any, error) {
		return m.createKeyPair(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.KeyPair), nil
}

func (m *Manager) createKeyPair(ctx context.Context, userID string) (*model.KeyPair, error) {
	priv, err := engine.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pub, err := engine.ExportPublicKey(priv.PublicKey())
	if err != nil {
		return nil, err
	}
	privStr, err := engine.ExportPrivateKey(priv)
	if err != nil {
		return nil, err
	}

	candidate := &model.KeyPair{
		UserID:     userID,
		PublicKey:  pub,
		PrivateKey: privStr,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.keys.Put(ctx, candidate); err != nil {
		return nil, fmt.Errorf("store key pair: %w", err)
	}

	// another process may have stored its pair first
	stored, err := m.keys.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	if stored == nil {
		return nil, fmt.Errorf("key pair for %s vanished after store", userID)
	}
	log.Info("created key pair", zap.String("user_id", userID))
	return stored, nil
}

// SharedKey derives, or returns the cached, key for the conversation between
// userID and peerID. Derived keys live only in memory.
func (m *Manager) SharedKey(ctx context.Context, userID, peerID string) (*engine.SharedKey, error) {
	if !m.available {
		return nil, ErrEncryptionUnavailable
	}

	pk := pairKey{userID: userID, peerID: peerID}
	m.mu.RLock()
	sk, ok := m.sharedKeys[pk]
	m.mu.RUnlock()
	if ok {
		return sk, nil
	}

	peerPub, err := m.peerPublicKey(ctx, peerID)
	if err != nil {
		return nil, err
	}
	pub, err := engine.ImportPublicKey(peerPub)
	if err != nil {
		return nil, err
	}

	kp, err := m.EnsureKeyPair(ctx, userID)
	if err != nil {
		return nil, err
	}
	priv, err := engine.ImportPrivateKey(kp.PrivateKey)
	if err != nil {
		return nil, err
	}

	sk, err = engine.DeriveSharedKey(priv, pub)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if cached, ok := m.sharedKeys[pk]; ok {
		sk = cached
	} else {
		m.sharedKeys[pk] = sk
	}
	m.mu.Unlock()
	return sk, nil
}

func (m *Manager) peerPublicKey(ctx context.Context, peerID string) (string, error) {
	m.mu.RLock()
	key, ok := m.peerKeys[peerID]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}

	key, err := m.directory.PublicKey(ctx, peerID)
	if err != nil {
		return "", fmt.Errorf("fetch public key of %s: %w", peerID, err)
	}

	m.mu.Lock()
	m.peerKeys[peerID] = key
	m.mu.Unlock()
	return key, nil
}

// Fingerprints returns the key fingerprints of userID and peerID for
// comparison over another channel.
func (m *Manager) Fingerprints(ctx context.Context, userID, peerID string) (own, peer string, err error) {
	kp, err := m.EnsureKeyPair(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if own, err = engine.Fingerprint(kp.PublicKey); err != nil {
		return "", "", err
	}

	peerPub, err := m.peerPublicKey(ctx, peerID)
	if err != nil {
		return "", "", err
	}
	if peer, err = engine.Fingerprint(peerPub); err != nil {
		return "", "", err
	}
	return own, peer, nil
}

// Encrypt seals plaintext for peerID. Any failure to obtain the key is
// reported as ErrEncryptionUnavailable so the chat can fall back.
func (m *Manager) Encrypt(ctx context.Context, userID, peerID, plaintext string) (model.EncryptedPayload, error) {
	sk, err := m.SharedKey(ctx, userID, peerID)
	if err != nil {
		return model.EncryptedPayload{}, unavailable(err)
	}
	payload, err := engine.EncryptMessage(plaintext, sk)
	if err != nil {
		return model.EncryptedPayload{}, unavailable(err)
	}
	return payload, nil
}

// Decrypt opens a payload from peerID. A payload that does not authenticate
// is ErrDecryption; a key that cannot be obtained is ErrEncryptionUnavailable.
func (m *Manager) Decrypt(ctx context.Context, userID, peerID string, payload model.EncryptedPayload) (string, error) {
	sk, err := m.SharedKey(ctx, userID, peerID)
	if err != nil {
		return "", unavailable(err)
	}
	return engine.DecryptMessage(payload.Ciphertext, payload.IV, sk)
}

// Forget drops every cached key involving userID, used on sign-out.
func (m *Manager) Forget(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for pk := range m.sharedKeys {
		if pk.userID == userID || pk.peerID == userID {
			delete(m.sharedKeys, pk)
		}
	}
	delete(m.peerKeys, userID)
	delete(m.published, userID)
}

func unavailable(err error) error {
	if errors.Is(err, ErrEncryptionUnavailable) {
		return err
	}
	log.Warn("encryption unavailable", zap.Error(err))
	return apperr.Wrap(apperr.CodeUnavailable, ErrEncryptionUnavailable.Error(), err)
}
