package app

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/service/call"
	"e2e_call/internal/service/signaling"
	"e2e_call/internal/utils/log"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNoIncomingCall = errors.New("no incoming call")
)

// StreamFactory opens the local media for a new call.
type StreamFactory func(callID string) (call.MediaStream, error)

// Calls runs at most one call session per device and tracks calls ringing
// for the signed-in user. The caller removes the call documents once its
// session is over.
type Calls struct {
	store       relay.Store
	self        model.Identity
	newPeer     call.PeerFactory
	newStream   StreamFactory
	ringTimeout time.Duration
	notify      func(string)

	mu       sync.Mutex
	active   *call.Session
	ringing  map[string]*model.CallRecord
	listener *call.IncomingListener
}

func NewCalls(store relay.Store, self model.Identity, newPeer call.PeerFactory, newStream StreamFactory, ringTimeout time.Duration, notify func(string)) *Calls {
	if notify == nil {
		notify = func(string) {}
	}
	return &Calls{
		store:       store,
		self:        self,
		newPeer:     newPeer,
		newStream:   newStream,
		ringTimeout: ringTimeout,
		notify:      notify,
		ringing:     make(map[string]*model.CallRecord),
	}
}

// Start listens for incoming calls until Close.
func (c *Calls) Start(ctx context.Context) error {
	l, err := call.NewIncomingListener(ctx, c.store, c.self.UserID, c.onIncoming, call.WithCallGone(c.onGone))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	return nil
}

func (c *Calls) onIncoming(callID string, rec *model.CallRecord) {
	c.mu.Lock()
	c.ringing[callID] = rec
	c.mu.Unlock()

	msg := fmt.Sprintf("incoming call from %s", rec.CallerName)
	if rec.OpportunityTitle != "" {
		msg += fmt.Sprintf(" about %q", rec.OpportunityTitle)
	}
	c.notify(msg + ", /accept or /reject")
}

// onGone forgets a call that stopped ringing before it was accepted or rejected here.
func (c *Calls) onGone(callID string) {
	c.mu.Lock()
	rec, ok := c.ringing[callID]
	delete(c.ringing, callID)
	c.mu.Unlock()

	if ok {
		c.notify(fmt.Sprintf("call from %s is over", rec.CallerName))
	}
}

// Active reports the id of the current call, if any.
func (c *Calls) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.CallID(), true
}

// Dial calls peer, optionally about a job opportunity.
func (c *Calls) Dial(ctx context.Context, peer model.Identity, opportunityID, opportunityTitle string) (string, error) {
	var opts []call.Option
	if c.ringTimeout > 0 {
		opts = append(opts, call.WithRingTimeout(c.ringTimeout))
	}
	s := call.NewCallerSession(c.store, c.self.UserID, c.newPeer, opts...)
	if err := c.claim(s); err != nil {
		return "", err
	}

	err := c.setup(ctx, s)
	if err == nil {
		_, err = s.CreateCall(ctx, c.self.DisplayName, peer.UserID, peer.DisplayName, opportunityID, opportunityTitle)
	}
	if err == nil {
		err = c.listen(ctx, s, func() {
			c.notify(fmt.Sprintf("%s declined the call", peer.DisplayName))
			c.finish(s)
		})
	}
	if err != nil {
		c.finish(s)
		return "", err
	}

	c.notify(fmt.Sprintf("calling %s...", peer.DisplayName))
	return s.CallID(), nil
}

// Accept answers the ringing call callID, or the most recent one when empty.
func (c *Calls) Accept(ctx context.Context, callID string) error {
	rec, err := c.takeRinging(callID)
	if err != nil {
		return err
	}
	if rec.Offer == nil {
		return fmt.Errorf("call %s has no offer", rec.ID)
	}

	s := call.NewCalleeSession(c.store, rec.ID, c.newPeer)
	if err := c.claim(s); err != nil {
		return err
	}

	err = c.setup(ctx, s)
	if err == nil {
		err = c.listen(ctx, s, nil)
	}
	if err == nil {
		_, err = s.AnswerCall(ctx, *rec.Offer)
	}
	if err != nil {
		c.finish(s)
		return err
	}

	c.notify(fmt.Sprintf("in call with %s", rec.CallerName))
	return nil
}

// Reject declines the ringing call callID, or the most recent one when empty.
func (c *Calls) Reject(ctx context.Context, callID string) error {
	rec, err := c.takeRinging(callID)
	if err != nil {
		return err
	}
	return call.NewCalleeSession(c.store, rec.ID, c.newPeer).RejectCall(ctx)
}

// Hangup ends the current call.
func (c *Calls) Hangup(ctx context.Context) error {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return ErrNoActiveCall
	}

	err := s.EndCall(ctx)
	c.release(s)
	if s.Role() == signaling.Caller {
		s.DeleteCallDocument(ctx)
	}
	return err
}

// Close ends any call and stops listening for incoming ones.
func (c *Calls) Close(ctx context.Context) {
	if err := c.Hangup(ctx); err != nil && !errors.Is(err, ErrNoActiveCall) {
		log.Warn("hang up on close failed", zap.Error(err))
	}

	c.mu.Lock()
	l := c.listener
	c.listener = nil
	c.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

func (c *Calls) claim(s *call.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return ErrCallInProgress
	}
	c.active = s
	return nil
}

func (c *Calls) release(s *call.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		c.active = nil
	}
}

// setup wires the peer connection, local media and the candidate listener of s.
func (c *Calls) setup(ctx context.Context, s *call.Session) error {
	err := s.InitializePeerConnection(
		func(t call.Track) {
			c.notify(fmt.Sprintf("receiving %s", t.Kind()))
		},
		nil,
		func(state call.ConnectionState) {
			switch state {
			case call.ConnectionStateConnected:
				c.notify("connected")
			case call.ConnectionStateFailed:
				c.notify("connection failed")
				// not from inside the peer connection's own callback
				go c.finish(s)
			}
		},
	)
	if err != nil {
		return err
	}

	if c.newStream != nil {
		stream, err := c.newStream(s.CallID())
		if err != nil {
			return fmt.Errorf("open local media: %w", err)
		}
		if err := s.AddLocalStream(stream); err != nil {
			return err
		}
	}

	// listeners outlive the request context
	return s.ListenForCandidates(context.WithoutCancel(ctx), nil)
}

// listen follows the call record of s. The caller subscribes once the record
// is written.
func (c *Calls) listen(ctx context.Context, s *call.Session, onRejected func()) error {
	return s.ListenForCallUpdates(context.WithoutCancel(ctx),
		func(answer model.SessionDescription) {
			if err := s.HandleAnswer(answer); err != nil {
				log.Warn("apply answer failed", zap.String("call_id", s.CallID()), zap.Error(err))
				c.finish(s)
			}
		},
		func() {
			c.notify("call ended")
			c.finish(s)
		},
		onRejected,
	)
}

// finish tears s down once the call is over for any reason.
func (c *Calls) finish(s *call.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.EndCall(ctx); err != nil {
		log.Warn("end call failed", zap.String("call_id", s.CallID()), zap.Error(err))
	}
	c.release(s)
	if s.Role() == signaling.Caller {
		s.DeleteCallDocument(ctx)
	}
}

func (c *Calls) takeRinging(callID string) (*model.CallRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if callID == "" {
		recs := make([]*model.CallRecord, 0, len(c.ringing))
		for _, r := range c.ringing {
			recs = append(recs, r)
		}
		if len(recs) == 0 {
			return nil, ErrNoIncomingCall
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
		callID = recs[0].ID
	}

	rec, ok := c.ringing[callID]
	if !ok {
		return nil, ErrNoIncomingCall
	}
	delete(c.ringing, callID)
	return rec, nil
}
