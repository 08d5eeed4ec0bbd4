package call

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/service/signaling"
	"e2e_call/internal/utils/log"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// IncomingListener raises one event per ringing call addressed to a user.
// It lives from sign-in until Close.
type IncomingListener struct {
	userID string
	onGone func(callID string)

	mu     sync.Mutex
	seen   map[string]struct{}
	unsub  relay.Unsubscribe
	closed bool
}

type ListenerOption func(*IncomingListener)

// WithCallGone reports raised calls that stopped ringing: answered, declined,
// missed, ended or deleted.
func WithCallGone(fn func(callID string)) ListenerOption {
	return func(l *IncomingListener) {
		l.onGone = fn
	}
}

func NewIncomingListener(ctx context.Context, store relay.Store, userID string, onIncoming func(callID string, rec *model.CallRecord), opts ...ListenerOption) (*IncomingListener, error) {
	l := &IncomingListener{
		userID: userID,
		seen:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	unsub, err := store.WatchCollection(ctx, signaling.IncomingQuery(userID), func(changes []relay.Change) {
		for _, ch := range changes {
			if ch.Kind == relay.Removed {
				if l.onGone != nil && l.wasSeen(ch.ID) {
					l.onGone(ch.ID)
				}
				continue
			}
			if ch.Kind != relay.Added {
				continue
			}
			if !l.markSeen(ch.ID) {
				continue
			}

			var rec model.CallRecord
			if err := relay.Decode(ch.Data, &rec); err != nil {
				log.Warn("skip malformed incoming call", zap.String("call_id", ch.ID), zap.Error(err))
				continue
			}
			rec.ID = ch.ID
			log.Info("incoming call", zap.String("call_id", ch.ID), zap.String("caller_id", rec.CallerID))
			onIncoming(ch.ID, &rec)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("watch incoming calls: %w", err)
	}

	l.unsub = unsub
	return l, nil
}

// markSeen reports whether callID is new and the listener still open.
func (l *IncomingListener) markSeen(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	if _, ok := l.seen[callID]; ok {
		return false
	}
	l.seen[callID] = struct{}{}
	return true
}

// wasSeen reports whether callID was raised and the listener is still open.
func (l *IncomingListener) wasSeen(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[callID]
	return ok && !l.closed
}

// Close stops the subscription. No event is raised after it returns.
func (l *IncomingListener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	unsub := l.unsub
	l.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}
