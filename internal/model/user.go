package model

import "time"

type (
	User struct {
		ID        string    `json:"id" bson:"_id"`
		Name      string    `json:"name" bson:"name"`
		CreatedAt time.Time `json:"created_at" bson:"created_at"`
	}

	// Identity is the signed-in user as seen by the calling core.
	Identity struct {
		UserID      string `json:"user_id"`
		DisplayName string `json:"display_name"`
		Token       string `json:"token,omitempty"`
	}
)
