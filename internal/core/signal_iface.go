//go:generate go run go.uber.org/mock/mockgen -source=signal_iface.go -destination=mocks/mock_signal_iface.go -package=mocks
package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Protocol words understood by the negotiation engine.
const (
	WordHello           = "hello"
	WordSDP             = "sdp"
	WordCandidate       = "cdt"
	WordNeedContentHint = "needcontenthint"
	WordContentHint     = "contenthint"
)

// Envelope is one signaling message. Values are never mutated after send.
type Envelope struct {
	Word      string               `json:"word"`
	From      domain.ParticipantID `json:"from"`
	To        domain.ParticipantID `json:"to,omitempty"`
	On        domain.ParticipantID `json:"on,omitempty"`
	Data      json.RawMessage      `json:"data,omitempty"`
	IncludeMe bool                 `json:"includeMe,omitempty"`
}

// NewEnvelope marshals data into a fresh envelope. A nil data leaves Data empty.
func NewEnvelope(word string, from, to domain.ParticipantID, data any) (Envelope, error) {
	env := Envelope{Word: word, From: from, To: to}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals Data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(e.Data, v)
}

func (e Envelope) Broadcast() bool { return e.To == "" }

// InboundKind tells what a signaling channel delivered.
type InboundKind int

const (
	InboundEnvelope InboundKind = iota
	InboundEnter
	InboundLeave
)

// Inbound is a delivered envelope or a presence change of Peer.
type Inbound struct {
	Kind     InboundKind
	Envelope Envelope
	Peer     domain.ParticipantID
}

// SignalingChannel is a joined named room able to carry envelopes.
type SignalingChannel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(Envelope) error
	// Subscribe registers fn for every inbound item and returns a function
	// removing it.
	Subscribe(fn func(Inbound)) (unsubscribe func())
}

// Dialer opens a signaling channel for self in a named room. The channel
// is returned unconnected.
type Dialer interface {
	Dial(ctx context.Context, self domain.ParticipantID, name domain.ChannelName) (SignalingChannel, error)
}

// Frame is a raw relay payload.
type Frame []byte

// SignalConnection abstracts the relay side of one client transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}
