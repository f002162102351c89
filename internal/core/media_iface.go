package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// SubState names one independently observable state machine of a link.
type SubState string

const (
	SubStateConnection    SubState = "connection"
	SubStateICEConnection SubState = "ice-connection"
	SubStateICEGathering  SubState = "ice-gathering"
	SubStateSignaling     SubState = "signaling"
)

// Connection sub-state values the engine reacts to.
const (
	ConnectionConnected    = "connected"
	ConnectionDisconnected = "disconnected"
	ConnectionFailed       = "failed"
	ConnectionClosed       = "closed"
)

// Terminal reports whether a connection sub-state value ends the link.
func Terminal(value string) bool {
	return value == ConnectionFailed || value == ConnectionClosed
}

// TransportLink is one negotiated media connection. Calls are made from a
// single goroutine at a time; callbacks may fire from any goroutine.
type TransportLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// ReplaceTracks swaps every outgoing track for units. It does not
	// renegotiate by itself.
	ReplaceTracks(units []stream.Unit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(sub SubState, value string))
	OnTrack(func(stream.Unit))
	OnTrackRemoved(func(unitID string))

	// Close should stop all underlying media resources.
	Close() error
}

// LinkFactory creates links owned by one remote participant.
type LinkFactory interface {
	NewLink(owner domain.ParticipantID, dir domain.Direction) (TransportLink, error)
}
