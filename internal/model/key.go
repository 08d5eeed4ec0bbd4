package model

import "time"

type (
	// KeyPair is a user's long-lived P-256 key pair. It never leaves the device;
	// only PublicKey is published.
	KeyPair struct {
		UserID     string    `json:"user_id"`
		PublicKey  string    `json:"public_key"`  // base64 SPKI
		PrivateKey string    `json:"private_key"` // base64 PKCS8
		CreatedAt  time.Time `json:"created_at"`
	}

	EncryptedPayload struct {
		Ciphertext string `json:"ciphertext"` // base64
		IV         string `json:"iv"`         // base64, 96 bits
	}

	// PublishedKey is what the shared directory hands out for a user.
	PublishedKey struct {
		UserID    string `json:"user_id"`
		PublicKey string `json:"public_key"`
	}
)
