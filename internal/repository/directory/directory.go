// Package directory is the shared lookup of users' published public keys.
package directory

import (
	"context"
	apperr "e2e_call/pkg/errors"
)

var ErrNotFound = apperr.ErrPublicKeyNotFound

type Directory interface {
	// Publish records publicKey (base64 SPKI) for userID, replacing any older one.
	Publish(ctx context.Context, userID, publicKey string) error
	// PublicKey returns ErrNotFound when userID never published.
	PublicKey(ctx context.Context, userID string) (string, error)
}
