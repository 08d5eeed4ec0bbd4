package app

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/service/e2ee"
	"e2e_call/internal/utils/log"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	UnreadableMessage = "[unreadable message]"
	ChatsCollection   = "chats"
)

// Line is one rendered chat message.
type Line struct {
	SenderID   string
	Text       string
	Unreadable bool
	At         time.Time
}

// Chat is an encrypted conversation between the signed-in user and one peer.
type Chat struct {
	store  relay.Store
	crypto *e2ee.Manager
	selfID string
	peerID string
}

func NewChat(store relay.Store, crypto *e2ee.Manager, selfID, peerID string) *Chat {
	return &Chat{store: store, crypto: crypto, selfID: selfID, peerID: peerID}
}

// ConversationID is the same for both participants.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

func (c *Chat) collection() string {
	return relay.Join(ChatsCollection, ConversationID(c.selfID, c.peerID), "messages")
}

// Send encrypts text for the peer. Nothing is sent in clear: when encryption
// is unavailable the error is returned and the message dropped.
func (c *Chat) Send(ctx context.Context, text string) error {
	payload, err := c.crypto.Encrypt(ctx, c.selfID, c.peerID, text)
	if err != nil {
		return err
	}

	doc, err := relay.Encode(model.ChatMessage{
		SenderID:   c.selfID,
		Ciphertext: payload.Ciphertext,
		IV:         payload.IV,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if _, err := c.store.Add(ctx, c.collection(), doc); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Listen delivers the conversation history, then every new message.
// Messages that cannot be decrypted are delivered as UnreadableMessage.
func (c *Chat) Listen(ctx context.Context, fn func(Line)) (relay.Unsubscribe, error) {
	q := relay.Query{Collection: c.collection(), OrderBy: "createdAt"}
	return c.store.WatchCollection(ctx, q, func(changes []relay.Change) {
		for _, ch := range changes {
			if ch.Kind != relay.Added {
				continue
			}
			fn(c.render(ctx, ch.Data))
		}
	})
}

func (c *Chat) render(ctx context.Context, doc relay.Document) Line {
	var msg model.ChatMessage
	if err := relay.Decode(doc, &msg); err != nil {
		log.Warn("malformed chat message", zap.Error(err))
		return Line{Text: UnreadableMessage, Unreadable: true}
	}

	line := Line{SenderID: msg.SenderID, At: msg.CreatedAt}
	text, err := c.crypto.Decrypt(ctx, c.selfID, c.peerID, model.EncryptedPayload{
		Ciphertext: msg.Ciphertext,
		IV:         msg.IV,
	})
	if err != nil {
		if !errors.Is(err, e2ee.ErrDecryption) {
			log.Warn("decrypt chat message failed", zap.String("sender_id", msg.SenderID), zap.Error(err))
		}
		line.Text = UnreadableMessage
		line.Unreadable = true
		return line
	}
	line.Text = text
	return line
}
