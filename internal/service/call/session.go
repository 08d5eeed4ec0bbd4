// Package call drives one WebRTC call over the signaling channel and listens
// for calls addressed to the signed-in user.
package call

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/protocol/callstate"
	"e2e_call/internal/repository/relay"
	"e2e_call/internal/service/signaling"
	"e2e_call/internal/utils/log"
	apperr "e2e_call/pkg/errors"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyInitialized = apperr.ErrAlreadyInitialized
	ErrNotInitialized     = apperr.ErrNotInitialized
	ErrSessionClosed      = apperr.ErrSessionClosed
)

const candidateWriteTimeout = 10 * time.Second

type Option func(*Session)

// WithRingTimeout marks an unanswered call as missed after d. Calls ring
// until the caller hangs up when no timeout is set.
func WithRingTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.ringTimeout = d
	}
}

// Session owns the peer connection, local media and subscriptions of one call.
type Session struct {
	channel     *signaling.Channel
	callerID    string
	newPeer     PeerFactory
	ringTimeout time.Duration

	mu            sync.Mutex
	pc            PeerConnection
	local         MediaStream
	remoteSet     bool
	early         []model.ICECandidate
	unsubs        []relay.Unsubscribe
	ringTimer     *time.Timer
	closed        bool
	onCandidateUI func(model.ICECandidate)
}

// NewCallerSession prepares an outgoing call from callerID under a fresh call id.
func NewCallerSession(store relay.Store, callerID string, newPeer PeerFactory, opts ...Option) *Session {
	s := &Session{
		channel:  signaling.NewChannel(store, signaling.NewCallID(), signaling.Caller),
		callerID: callerID,
		newPeer:  newPeer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewCalleeSession joins the call callID as the callee.
func NewCalleeSession(store relay.Store, callID string, newPeer PeerFactory, opts ...Option) *Session {
	s := &Session{
		channel: signaling.NewChannel(store, callID, signaling.Callee),
		newPeer: newPeer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) CallID() string { return s.channel.CallID() }

func (s *Session) Role() signaling.Role { return s.channel.Role() }

// InitializePeerConnection builds the peer connection and wires its events.
// Local candidates are relayed to the other side, then handed to onIceCandidate.
func (s *Session) InitializePeerConnection(
	onRemoteStream func(Track),
	onIceCandidate func(model.ICECandidate),
	onConnectionStateChange func(ConnectionState),
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.pc != nil {
		return ErrAlreadyInitialized
	}

	pc, err := s.newPeer()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnTrack(func(t Track) {
		if onRemoteStream != nil {
			onRemoteStream(t)
		}
	})
	pc.OnICECandidate(s.relayLocalCandidate)
	pc.OnConnectionStateChange(func(state ConnectionState) {
		log.Debug("peer connection state", zap.String("call_id", s.CallID()), zap.String("state", string(state)))
		if onConnectionStateChange != nil {
			onConnectionStateChange(state)
		}
	})

	s.pc = pc
	s.onCandidateUI = onIceCandidate
	return nil
}

func (s *Session) relayLocalCandidate(cand model.ICECandidate) {
	s.mu.Lock()
	closed, notify := s.closed, s.onCandidateUI
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), candidateWriteTimeout)
	defer cancel()
	if err := s.AddICECandidate(ctx, cand); err != nil {
		log.Warn("relay local candidate failed", zap.String("call_id", s.CallID()), zap.Error(err))
	}
	if notify != nil {
		notify(cand)
	}
}

func (s *Session) peer() (PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.pc == nil {
		return nil, ErrNotInitialized
	}
	return s.pc, nil
}

// AddLocalStream attaches local tracks. Call it before CreateCall or
// AnswerCall so the tracks are negotiated.
func (s *Session) AddLocalStream(stream MediaStream) error {
	pc, err := s.peer()
	if err != nil {
		return err
	}
	for _, t := range stream.Tracks() {
		if err := pc.AddTrack(t); err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	s.mu.Lock()
	s.local = stream
	s.mu.Unlock()
	return nil
}

// CreateCall sends an offer to calleeID and returns it.
func (s *Session) CreateCall(ctx context.Context, callerName, calleeID, calleeName, opportunityID, opportunityTitle string) (model.SessionDescription, error) {
	if s.Role() != signaling.Caller {
		return model.SessionDescription{}, fmt.Errorf("create call: %w", callstate.ErrIllegalTransition)
	}
	pc, err := s.peer()
	if err != nil {
		return model.SessionDescription{}, err
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return model.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return model.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}

	rec := &model.CallRecord{
		CallerID:         s.callerID,
		CallerName:       callerName,
		CalleeID:         calleeID,
		CalleeName:       calleeName,
		OpportunityID:    opportunityID,
		OpportunityTitle: opportunityTitle,
		Offer:            &offer,
	}
	// EndCall may have run while the offer was being built
	if s.isClosed() {
		return model.SessionDescription{}, ErrSessionClosed
	}
	if err := s.channel.CreateCall(ctx, rec); err != nil {
		return model.SessionDescription{}, err
	}
	if s.isClosed() {
		s.channel.Purge(ctx)
		return model.SessionDescription{}, ErrSessionClosed
	}
	log.Info("call created",
		zap.String("call_id", s.CallID()),
		zap.String("caller_id", s.callerID),
		zap.String("callee_id", calleeID),
	)

	s.startRingTimer()
	return offer, nil
}

func (s *Session) startRingTimer() {
	if s.ringTimeout <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ringTimer = time.AfterFunc(s.ringTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), candidateWriteTimeout)
		defer cancel()
		err := s.channel.Transition(ctx, model.CallStatusMissed, nil)
		switch {
		case err == nil:
			log.Info("call missed", zap.String("call_id", s.CallID()))
		case errors.Is(err, callstate.ErrIllegalTransition), errors.Is(err, relay.ErrNotFound):
		default:
			log.Warn("mark call missed failed", zap.String("call_id", s.CallID()), zap.Error(err))
		}
	})
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

// AnswerCall accepts offer and marks the call active with the answer attached.
func (s *Session) AnswerCall(ctx context.Context, offer model.SessionDescription) (model.SessionDescription, error) {
	if s.Role() != signaling.Callee {
		return model.SessionDescription{}, fmt.Errorf("answer call: %w", callstate.ErrIllegalTransition)
	}
	pc, err := s.peer()
	if err != nil {
		return model.SessionDescription{}, err
	}

	if err := s.setRemote(pc, offer); err != nil {
		return model.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return model.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return model.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}

	if err := s.channel.Transition(ctx, model.CallStatusActive, &answer); err != nil {
		return model.SessionDescription{}, err
	}
	log.Info("call answered", zap.String("call_id", s.CallID()))
	return answer, nil
}

// HandleAnswer applies the callee's answer. Repeated deliveries are ignored.
func (s *Session) HandleAnswer(answer model.SessionDescription) error {
	pc, err := s.peer()
	if err != nil {
		return err
	}
	if pc.RemoteDescription() != nil {
		return nil
	}
	if err := s.setRemote(pc, answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// setRemote sets the remote description and flushes candidates that arrived
// before it.
func (s *Session) setRemote(pc PeerConnection, desc model.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	s.remoteSet = true
	early := s.early
	s.early = nil
	s.mu.Unlock()

	for _, cand := range early {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Warn("apply buffered candidate failed", zap.String("call_id", s.CallID()), zap.Error(err))
		}
	}
	return nil
}

// AddICECandidate relays a local candidate to the other side.
func (s *Session) AddICECandidate(ctx context.Context, cand model.ICECandidate) error {
	return s.channel.AppendCandidate(ctx, cand)
}

// ListenForCandidates applies the other side's candidates to the peer
// connection as they arrive. Candidates seen before the remote description
// are held until it is set.
func (s *Session) ListenForCandidates(ctx context.Context, onCandidate func(model.ICECandidate)) error {
	if _, err := s.peer(); err != nil {
		return err
	}

	unsub, err := s.channel.WatchCandidates(ctx, func(cand model.ICECandidate) {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		pc := s.pc
		if !s.remoteSet {
			s.early = append(s.early, cand)
			s.mu.Unlock()
		} else {
			s.mu.Unlock()
			if err := pc.AddICECandidate(cand); err != nil {
				log.Warn("apply remote candidate failed", zap.String("call_id", s.CallID()), zap.Error(err))
			}
		}
		if onCandidate != nil {
			onCandidate(cand)
		}
	})
	if err != nil {
		return fmt.Errorf("listen for candidates: %w", err)
	}
	return s.track(unsub)
}

// ListenForCallUpdates follows the call record. Each status is acted on once;
// stale and replayed snapshots are ignored. onAnswer only fires on the caller.
func (s *Session) ListenForCallUpdates(
	ctx context.Context,
	onAnswer func(model.SessionDescription),
	onCallEnded func(),
	onCallRejected func(),
) error {
	tracker := callstate.NewTracker()
	role := s.Role()

	unsub, err := s.channel.WatchRecord(ctx, func(rec *model.CallRecord) {
		if s.isClosed() || !tracker.Observe(rec.Status) {
			return
		}
		if rec.Status != model.CallStatusRinging {
			s.stopRingTimer()
		}

		switch rec.Status {
		case model.CallStatusActive:
			if role == signaling.Caller && rec.Answer != nil && onAnswer != nil {
				onAnswer(*rec.Answer)
			}
		case model.CallStatusRejected:
			if onCallRejected != nil {
				onCallRejected()
			}
		case model.CallStatusEnded, model.CallStatusMissed:
			if onCallEnded != nil {
				onCallEnded()
			}
		}
	})
	if err != nil {
		return fmt.Errorf("listen for call updates: %w", err)
	}
	return s.track(unsub)
}

func (s *Session) track(unsub relay.Unsubscribe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		unsub()
		return ErrSessionClosed
	}
	s.unsubs = append(s.unsubs, unsub)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close marks the session closed and stops every listener. It reports false
// when the session was already closed.
func (s *Session) close() (PeerConnection, MediaStream, bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, false
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	pc, local := s.pc, s.local
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	return pc, local, true
}

// EndCall marks the call ended, stops local tracks and closes the peer
// connection. Only the first call writes; later calls return nil.
func (s *Session) EndCall(ctx context.Context) error {
	pc, local, ok := s.close()
	if !ok {
		return nil
	}

	err := s.channel.Transition(ctx, model.CallStatusEnded, nil)
	if errors.Is(err, callstate.ErrIllegalTransition) || errors.Is(err, relay.ErrNotFound) {
		err = nil
	}

	if local != nil {
		for _, t := range local.Tracks() {
			if stopErr := t.Stop(); stopErr != nil {
				log.Warn("stop local track failed", zap.String("track_id", t.ID()), zap.Error(stopErr))
			}
		}
	}
	if pc != nil {
		if closeErr := pc.Close(); closeErr != nil {
			log.Warn("close peer connection failed", zap.String("call_id", s.CallID()), zap.Error(closeErr))
		}
	}

	if err != nil {
		return fmt.Errorf("end call: %w", err)
	}
	log.Info("call ended", zap.String("call_id", s.CallID()))
	return nil
}

// RejectCall declines a ringing call. No peer connection is needed.
func (s *Session) RejectCall(ctx context.Context) error {
	if s.Role() != signaling.Callee {
		return fmt.Errorf("reject call: %w", callstate.ErrIllegalTransition)
	}
	if err := s.channel.Transition(ctx, model.CallStatusRejected, nil); err != nil {
		return err
	}
	s.close()
	log.Info("call rejected", zap.String("call_id", s.CallID()))
	return nil
}

// DeleteCallDocument removes the call record and both candidate streams.
// Failures are logged only.
func (s *Session) DeleteCallDocument(ctx context.Context) {
	s.channel.Purge(ctx)
}
