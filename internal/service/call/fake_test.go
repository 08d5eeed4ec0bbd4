package call

import (
	"context"
	"e2e_call/internal/model"
	"e2e_call/internal/repository/relay"
	"errors"
	"sync"
)

type fakeTrack struct {
	id, kind string

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) ID() string   { return t.id }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fakePeer behaves like a peer connection that gathers one candidate when
// its local description is set and refuses candidates without a remote one.
type fakePeer struct {
	name string

	mu          sync.Mutex
	local       *model.SessionDescription
	remote      *model.SessionDescription
	setRemotes  int
	applied     []model.ICECandidate
	tracks      []Track
	closed      bool
	onTrack     func(Track)
	onCandidate func(model.ICECandidate)
	onState     func(ConnectionState)
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func (p *fakePeer) factory() PeerFactory {
	return func() (PeerConnection, error) { return p, nil }
}

func (p *fakePeer) CreateOffer() (model.SessionDescription, error) {
	return model.SessionDescription{Type: "offer", SDP: "offer from " + p.name}, nil
}

func (p *fakePeer) CreateAnswer() (model.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return model.SessionDescription{}, errors.New("no remote offer")
	}
	return model.SessionDescription{Type: "answer", SDP: "answer from " + p.name}, nil
}

func (p *fakePeer) SetLocalDescription(d model.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	onCandidate := p.onCandidate
	p.mu.Unlock()

	if onCandidate != nil {
		onCandidate(model.ICECandidate{Candidate: "candidate:" + p.name})
	}
	p.maybeConnected()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d model.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.setRemotes++
	p.mu.Unlock()

	p.maybeConnected()
	return nil
}

func (p *fakePeer) maybeConnected() {
	p.mu.Lock()
	ready := p.local != nil && p.remote != nil
	onState := p.onState
	p.mu.Unlock()
	if ready && onState != nil {
		onState(ConnectionStateConnected)
	}
}

func (p *fakePeer) RemoteDescription() *model.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddICECandidate(c model.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *fakePeer) AddTrack(t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePeer) OnTrack(fn func(Track)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePeer) OnICECandidate(fn func(model.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	onState := p.onState
	p.mu.Unlock()
	if onState != nil {
		onState(ConnectionStateClosed)
	}
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePeer) remoteSetCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setRemotes
}

// countingStore counts status writes per value.
type countingStore struct {
	relay.Store

	mu     sync.Mutex
	writes map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: relay.NewMemory(), writes: make(map[string]int)}
}

func (s *countingStore) Update(ctx context.Context, path string, fields relay.Document) error {
	if status, ok := fields["status"].(string); ok {
		s.mu.Lock()
		s.writes[status]++
		s.mu.Unlock()
	}
	return s.Store.Update(ctx, path, fields)
}

func (s *countingStore) count(status model.CallStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[string(status)]
}

// slowPeer holds CreateOffer until release is closed.
type slowPeer struct {
	*fakePeer
	started chan struct{}
	release chan struct{}
}

func newSlowPeer(name string) *slowPeer {
	return &slowPeer{
		fakePeer: newFakePeer(name),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (p *slowPeer) factory() PeerFactory {
	return func() (PeerConnection, error) { return p, nil }
}

func (p *slowPeer) CreateOffer() (model.SessionDescription, error) {
	close(p.started)
	<-p.release
	return p.fakePeer.CreateOffer()
}
