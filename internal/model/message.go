package model

import "time"

// ChatMessage is one encrypted entry of a conversation. Only the sender id and
// timestamp travel in clear.
type ChatMessage struct {
	SenderID   string    `json:"senderId"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	CreatedAt  time.Time `json:"createdAt"`
}
