// Package keystore keeps each user's key pair on the local device.
package keystore

import (
	"context"
	"e2e_call/internal/model"
)

// Store is the durable local key-value store for key pairs.
type Store interface {
	// Get returns (nil, nil) when userID has no key pair.
	Get(ctx context.Context, userID string) (*model.KeyPair, error)
	// Put stores kp unless userID already has a pair; the first pair wins.
	Put(ctx context.Context, kp *model.KeyPair) error
	Delete(ctx context.Context, userID string) error
	// Supported reports whether the store is usable on this device.
	Supported(ctx context.Context) bool
}
