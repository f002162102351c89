package core

import (
	"encoding/json"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Relay frame types.
const (
	RelayCreate  = "create"
	RelayCreated = "created"
	RelayJoin    = "join"
	RelayJoined  = "joined"
	RelayEnter   = "enter"
	RelaySignal  = "signal"
	RelayLeave   = "leave"
	RelayPing    = "ping"
	RelayPong    = "pong"
	RelayError   = "error"
)

// RelayMessage is one websocket frame between a relay and its client.
type RelayMessage struct {
	Type      string                 `json:"type"`
	Room      domain.ChannelName     `json:"room,omitempty"`
	ID        domain.ParticipantID   `json:"id,omitempty"`
	Members   []domain.ParticipantID `json:"members,omitempty"`
	IncludeMe bool                   `json:"include_me,omitempty"`
	Payload   json.RawMessage        `json:"payload,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func (m RelayMessage) Encode() (Frame, error) {
	return json.Marshal(m)
}

func DecodeRelayMessage(f Frame) (RelayMessage, error) {
	var m RelayMessage
	err := json.Unmarshal(f, &m)
	return m, err
}
