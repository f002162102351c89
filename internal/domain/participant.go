// Package domain contains entity without logic, just meta-data
package domain

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

const (
	participantTag = "participant_id"
	channelTag     = "channel_name"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator with the identity and channel
// rules registered. Config structs use the same instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation(participantTag, func(fl validator.FieldLevel) bool {
			return participantPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation(channelTag, func(fl validator.FieldLevel) bool {
			return channelPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ParticipantID is the externally assigned identity of a peer.
type ParticipantID string

// NewParticipantID validates raw against the identity format.
func NewParticipantID(raw string) (ParticipantID, error) {
	if err := Validator().Var(raw, participantTag); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidParticipantID, raw)
	}
	return ParticipantID(raw), nil
}

func (id ParticipantID) String() string { return string(id) }

// ChannelName names a signaling room.
type ChannelName string

// NewChannelName validates raw against the channel format.
func NewChannelName(raw string) (ChannelName, error) {
	if err := Validator().Var(raw, channelTag); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannelName, raw)
	}
	return ChannelName(raw), nil
}

func (c ChannelName) String() string { return string(c) }

// Direction is the role a transport link plays for its owner.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Topology selects how participants are connected.
type Topology int

const (
	TopologyMesh Topology = iota
	TopologyHub
)

func (t Topology) String() string {
	switch t {
	case TopologyMesh:
		return "mesh"
	case TopologyHub:
		return "hub"
	default:
		return fmt.Sprintf("topology(%d)", int(t))
	}
}

// ParseTopology accepts "mesh" or "hub" (case-insensitive).
func ParseTopology(s string) (Topology, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mesh":
		return TopologyMesh, nil
	case "hub", "sfu":
		return TopologyHub, nil
	default:
		return 0, fmt.Errorf("unknown topology %q", s)
	}
}

// SessionState is the lifecycle position of a session.
type SessionState int

const (
	StateUnprepared SessionState = iota
	StatePrepared
	StateJoined
)

func (s SessionState) String() string {
	switch s {
	case StateUnprepared:
		return "unprepared"
	case StatePrepared:
		return "prepared"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
