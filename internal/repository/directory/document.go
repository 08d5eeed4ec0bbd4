package directory

import (
	"context"
	"e2e_call/internal/repository/relay"
	"errors"
	"fmt"
	"time"
)

const usersCollection = "users"

// Document keeps published keys in the relay store under users/{id}.
type Document struct {
	store relay.Store
}

func NewDocument(store relay.Store) *Document {
	return &Document{store: store}
}

func (d *Document) Publish(ctx context.Context, userID, publicKey string) error {
	path := relay.Join(usersCollection, userID)
	fields := relay.Document{
		"publicKey":          publicKey,
		"publicKeyUpdatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}

	err := d.store.Update(ctx, path, fields)
	if errors.Is(err, relay.ErrNotFound) {
		fields["id"] = userID
		err = d.store.Set(ctx, path, fields)
	}
	if err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	return nil
}

func (d *Document) PublicKey(ctx context.Context, userID string) (string, error) {
	doc, err := d.store.Get(ctx, relay.Join(usersCollection, userID))
	if errors.Is(err, relay.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get public key: %w", err)
	}

	key, _ := doc["publicKey"].(string)
	if key == "" {
		return "", ErrNotFound
	}
	return key, nil
}
