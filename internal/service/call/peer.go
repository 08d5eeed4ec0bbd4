package call

import "e2e_call/internal/model"

type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

type (
	// Track is one local or remote media track.
	Track interface {
		ID() string
		Kind() string
		Stop() error
	}

	// MediaStream is the set of local tracks a session negotiates.
	MediaStream interface {
		Tracks() []Track
	}

	// PeerConnection is the WebRTC primitive a Session drives.
	PeerConnection interface {
		CreateOffer() (model.SessionDescription, error)
		CreateAnswer() (model.SessionDescription, error)
		SetLocalDescription(model.SessionDescription) error
		SetRemoteDescription(model.SessionDescription) error
		RemoteDescription() *model.SessionDescription
		AddICECandidate(model.ICECandidate) error
		AddTrack(Track) error

		// Handlers must be registered before negotiation starts.
		OnTrack(func(Track))
		OnICECandidate(func(model.ICECandidate))
		OnConnectionStateChange(func(ConnectionState))

		Close() error
	}

	// PeerFactory builds the peer connection of a session.
	PeerFactory func() (PeerConnection, error)
)

// Stream is a MediaStream over a fixed list of tracks.
type Stream []Track

func (s Stream) Tracks() []Track { return s }
