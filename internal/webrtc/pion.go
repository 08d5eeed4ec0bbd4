// Package webrtc adapts pion's peer connection to the call session.
package webrtc

import (
	"e2e_call/internal/model"
	"e2e_call/internal/service/call"
	"e2e_call/internal/utils/log"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// Configuration builds the ICE setup from a STUN server list. No TURN relay is
// configured, so peers behind symmetric NATs may fail to connect.
func Configuration(stunServers []string) pion.Configuration {
	cfg := pion.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, pion.ICEServer{URLs: stunServers})
	}
	return cfg
}

// NewFactory returns a call.PeerFactory creating pion peer connections.
func NewFactory(stunServers []string) call.PeerFactory {
	cfg := Configuration(stunServers)
	return func() (call.PeerConnection, error) {
		pc, err := pion.NewPeerConnection(cfg)
		if err != nil {
			return nil, err
		}
		return &peerConnection{pc: pc}, nil
	}
}

type peerConnection struct {
	pc *pion.PeerConnection
}

func (p *peerConnection) CreateOffer() (model.SessionDescription, error) {
	d, err := p.pc.CreateOffer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (p *peerConnection) CreateAnswer() (model.SessionDescription, error) {
	d, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return model.SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (p *peerConnection) SetLocalDescription(d model.SessionDescription) error {
	desc, err := toPion(d)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *peerConnection) SetRemoteDescription(d model.SessionDescription) error {
	desc, err := toPion(d)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *peerConnection) RemoteDescription() *model.SessionDescription {
	d := p.pc.RemoteDescription()
	if d == nil {
		return nil
	}
	out := fromPion(*d)
	return &out
}

func (p *peerConnection) AddICECandidate(c model.ICECandidate) error {
	return p.pc.AddICECandidate(pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConnection) AddTrack(t call.Track) error {
	local, ok := t.(interface{ TrackLocal() pion.TrackLocal })
	if !ok {
		return fmt.Errorf("track %s is not a pion local track", t.ID())
	}
	sender, err := p.pc.AddTrack(local.TrackLocal())
	if err != nil {
		return err
	}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *peerConnection) OnTrack(fn func(call.Track)) {
	p.pc.OnTrack(func(remote *pion.TrackRemote, _ *pion.RTPReceiver) {
		log.Debug("remote track", zap.String("track_id", remote.ID()), zap.String("kind", remote.Kind().String()))
		t := newRemoteTrack(remote)
		go t.drain()
		fn(t)
	})
}

func (p *peerConnection) OnICECandidate(fn func(model.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		ci := c.ToJSON()
		fn(model.ICECandidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(call.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func connectionState(s pion.PeerConnectionState) call.ConnectionState {
	switch s {
	case pion.PeerConnectionStateNew:
		return call.ConnectionStateNew
	case pion.PeerConnectionStateConnecting:
		return call.ConnectionStateConnecting
	case pion.PeerConnectionStateConnected:
		return call.ConnectionStateConnected
	case pion.PeerConnectionStateDisconnected:
		return call.ConnectionStateDisconnected
	case pion.PeerConnectionStateFailed:
		return call.ConnectionStateFailed
	case pion.PeerConnectionStateClosed:
		return call.ConnectionStateClosed
	default:
		return call.ConnectionState(s.String())
	}
}

func fromPion(d pion.SessionDescription) model.SessionDescription {
	return model.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d model.SessionDescription) (pion.SessionDescription, error) {
	t := pion.NewSDPType(d.Type)
	if t == pion.SDPTypeUnknown {
		return pion.SessionDescription{}, fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return pion.SessionDescription{Type: t, SDP: d.SDP}, nil
}

type remoteTrack struct {
	track *pion.TrackRemote

	once sync.Once
	done chan struct{}
}

func newRemoteTrack(t *pion.TrackRemote) *remoteTrack {
	return &remoteTrack{track: t, done: make(chan struct{})}
}

func (t *remoteTrack) ID() string   { return t.track.ID() }
func (t *remoteTrack) Kind() string { return t.track.Kind().String() }

func (t *remoteTrack) Stop() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// drain consumes RTP until the track ends or is stopped. The terminal client
// has no audio output.
func (t *remoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		if _, _, err := t.track.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("remote track closed", zap.String("track_id", t.ID()), zap.Error(err))
			}
			return
		}
	}
}

// opusSilence is a single Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// AudioTrack is a local Opus track. The terminal client has no microphone,
// so it sends silence frames to keep the media path alive.
type AudioTrack struct {
	track *pion.TrackLocalStaticSample

	once sync.Once
	done chan struct{}
}

func NewAudioTrack(streamID string) (*AudioTrack, error) {
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &AudioTrack{track: track, done: make(chan struct{})}
	go t.run()
	return t, nil
}

func (t *AudioTrack) ID() string                  { return t.track.ID() }
func (t *AudioTrack) Kind() string                { return t.track.Kind().String() }
func (t *AudioTrack) TrackLocal() pion.TrackLocal { return t.track }

func (t *AudioTrack) Stop() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *AudioTrack) run() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// fails harmlessly until the track is bound
			_ = t.track.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}
