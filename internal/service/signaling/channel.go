// Package signaling relays call setup (record, offer, answer and ICE
// candidates) between two peers through the relay document store.
package signaling

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/protocol/callstate"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/utils/log"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const CallsCollection = "calls"

type Role string

const (
	Caller Role = "caller"
	Callee Role = "callee"
)

func (r Role) Other() Role {
	if r == Caller {
		return Callee
	}
	return Caller
}

// NewCallID generates the id of a new call record.
func NewCallID() string {
	return uuid.NewString()
}

func RecordPath(callID string) string {
	return relay.Join(CallsCollection, callID)
}

// CandidatesCollection is the append-only stream of candidates sent by role.
func CandidatesCollection(callID string, role Role) string {
	return relay.Join(CallsCollection, callID, string(role)+"Candidates")
}

// IncomingQuery selects ringing calls addressed to userID.
func IncomingQuery(userID string) relay.Query {
	return relay.Query{
		Collection: CallsCollection,
		Where: map[string]any{
			"calleeId": userID,
			"status":   string(model.CallStatusRinging),
		},
		OrderBy: "createdAt",
	}
}

// Channel is one side's view of one call on the relay.
type Channel struct {
	store  relay.Store
	callID string
	role   Role

	appendMu sync.Mutex
	nextSeq  int64
}

func NewChannel(store relay.Store, callID string, role Role) *Channel {
	return &Channel{
		store:  store,
		callID: callID,
		role:   role,
	}
}

func (c *Channel) CallID() string { return c.callID }

func (c *Channel) Role() Role { return c.role }

// CreateCall writes the record in the ringing state. Only the caller creates calls.
func (c *Channel) CreateCall(ctx context.Context, rec *model.CallRecord) error {
	if c.role != Caller {
		return fmt.Errorf("create call: %w", callstate.ErrIllegalTransition)
	}
	if rec.Offer == nil {
		return errors.New("create call: offer is required")
	}

	now := time.Now().UTC()
	rec.ID = c.callID
	rec.Status = model.CallStatusRinging
	rec.Answer = nil
	rec.CreatedAt = now
	rec.UpdatedAt = now

	doc, err := relay.Encode(rec)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, RecordPath(c.callID), doc); err != nil {
		return fmt.Errorf("create call: %w", err)
	}
	return nil
}

// Record reads the current call record.
func (c *Channel) Record(ctx context.Context) (*model.CallRecord, error) {
	doc, err := c.store.Get(ctx, RecordPath(c.callID))
	if err != nil {
		return nil, err
	}
	return decodeRecord(c.callID, doc)
}

// Transition moves the record to status to, attaching answer when given.
// The check and the write are not atomic; observers still apply only the
// first legal transition they see.
func (c *Channel) Transition(ctx context.Context, to model.CallStatus, answer *model.SessionDescription) error {
	rec, err := c.Record(ctx)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	if !callstate.CanTransition(rec.Status, to) {
		return fmt.Errorf("transition %s -> %s: %w", rec.Status, to, callstate.ErrIllegalTransition)
	}

	fields := relay.Document{
		"status":    string(to),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if answer != nil {
		a, err := relay.Encode(answer)
		if err != nil {
			return err
		}
		fields["answer"] = a
	}

	if err := c.store.Update(ctx, RecordPath(c.callID), fields); err != nil {
		return fmt.Errorf("transition to %s: %w", to, err)
	}
	return nil
}

// AppendCandidate adds a local candidate to this side's stream. Appends are
// serialised so sequence numbers have no gaps.
func (c *Channel) AppendCandidate(ctx context.Context, cand model.ICECandidate) error {
	c.appendMu.Lock()
	defer c.appendMu.Unlock()

	rec := model.IceCandidateRecord{
		Seq:          c.nextSeq,
		CreatedAt:    time.Now().UTC(),
		ICECandidate: cand,
	}
	doc, err := relay.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := c.store.Add(ctx, CandidatesCollection(c.callID, c.role), doc); err != nil {
		return fmt.Errorf("append candidate: %w", err)
	}
	c.nextSeq++
	return nil
}

// WatchCandidates delivers the other side's candidates in sequence order,
// each exactly once.
func (c *Channel) WatchCandidates(ctx context.Context, fn func(model.ICECandidate)) (relay.Unsubscribe, error) {
	var (
		mu      sync.Mutex
		next    int64
		pending = make(map[int64]model.ICECandidate)
	)

	q := relay.Query{
		Collection: CandidatesCollection(c.callID, c.role.Other()),
		OrderBy:    "seq",
	}
	return c.store.WatchCollection(ctx, q, func(changes []relay.Change) {
		var ready []model.ICECandidate

		mu.Lock()
		for _, ch := range changes {
			if ch.Kind != relay.Added {
				continue
			}
			var rec model.IceCandidateRecord
			if err := relay.Decode(ch.Data, &rec); err != nil {
				log.Warn("skip malformed candidate", zap.String("call_id", c.callID), zap.Error(err))
				continue
			}
			if rec.Seq < next {
				continue
			}
			pending[rec.Seq] = rec.ICECandidate
		}
		for {
			cand, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			ready = append(ready, cand)
			next++
		}
		mu.Unlock()

		for _, cand := range ready {
			fn(cand)
		}
	})
}

// WatchRecord delivers every snapshot of the call record. A record that
// disappears after it was seen is delivered as ended; a record that does not
// exist yet is not reported at all.
func (c *Channel) WatchRecord(ctx context.Context, fn func(*model.CallRecord)) (relay.Unsubscribe, error) {
	// snapshots of one watch are delivered sequentially
	seen := false
	return c.store.WatchDocument(ctx, RecordPath(c.callID), func(s relay.Snapshot) {
		if !s.Exists {
			if seen {
				fn(&model.CallRecord{ID: c.callID, Status: model.CallStatusEnded})
			}
			return
		}
		rec, err := decodeRecord(c.callID, s.Data)
		if err != nil {
			log.Warn("skip malformed call record", zap.String("call_id", c.callID), zap.Error(err))
			return
		}
		seen = true
		fn(rec)
	})
}

// Purge deletes both candidate streams and the record. It is best effort:
// failures are logged and left for a later cleanup.
func (c *Channel) Purge(ctx context.Context) {
	for _, role := range []Role{Caller, Callee} {
		coll := CandidatesCollection(c.callID, role)
		snaps, err := c.store.List(ctx, relay.Query{Collection: coll})
		if err != nil {
			log.Warn("list candidates for purge failed", zap.String("call_id", c.callID), zap.Error(err))
			continue
		}
		for _, s := range snaps {
			if err := c.store.Delete(ctx, s.Path); err != nil {
				log.Warn("delete candidate failed", zap.String("path", s.Path), zap.Error(err))
			}
		}
	}

	if err := c.store.Delete(ctx, RecordPath(c.callID)); err != nil {
		log.Warn("delete call record failed", zap.String("call_id", c.callID), zap.Error(err))
	}
}

func decodeRecord(callID string, doc relay.Document) (*model.CallRecord, error) {
	var rec model.CallRecord
	if err := relay.Decode(doc, &rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = callID
	}
	if !callstate.Valid(rec.Status) {
		return nil, fmt.Errorf("unknown call status %q", rec.Status)
	}
	return &rec, nil
}
