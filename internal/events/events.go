// Package events carries the typed notifications a session publishes.
package events

import (
	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type Kind string

const (
	KindStateChanged          Kind = "state-changed"
	KindParticipantsChanged   Kind = "participants-changed"
	KindTransportStateChanged Kind = "transport-state-changed"
	KindParticipantAdded      Kind = "participant-added"
	KindParticipantRemoved    Kind = "participant-removed"
	KindTrackAdded            Kind = "track-added"
	KindTrackRemoved          Kind = "track-removed"
	KindError                 Kind = "error"
)

// Event is implemented by every payload type below.
type Event interface {
	Kind() Kind
}

type StateChanged struct {
	From domain.SessionState
	To   domain.SessionState
}

type ParticipantsChanged struct {
	Participants []directory.View
}

type TransportStateChanged struct {
	Participant domain.ParticipantID
	Direction   domain.Direction
	SubState    core.SubState
	Value       string
}

type ParticipantAdded struct {
	Participant directory.View
}

type ParticipantRemoved struct {
	Participant directory.View
}

type TrackAdded struct {
	Participant domain.ParticipantID
	UnitID      string
	MediaKind   domain.Kind
}

type TrackRemoved struct {
	Participant domain.ParticipantID
	UnitID      string
}

// Error wraps a failure. Negotiation failures carry a *domain.OpError.
type Error struct {
	Err error
}

func (StateChanged) Kind() Kind          { return KindStateChanged }
func (ParticipantsChanged) Kind() Kind   { return KindParticipantsChanged }
func (TransportStateChanged) Kind() Kind { return KindTransportStateChanged }
func (ParticipantAdded) Kind() Kind      { return KindParticipantAdded }
func (ParticipantRemoved) Kind() Kind    { return KindParticipantRemoved }
func (TrackAdded) Kind() Kind            { return KindTrackAdded }
func (TrackRemoved) Kind() Kind          { return KindTrackRemoved }
func (Error) Kind() Kind                 { return KindError }

func (e Error) Error() string { return e.Err.Error() }
func (e Error) Unwrap() error { return e.Err }

// FromDirectory turns directory changes into participant events on bus.
func FromDirectory(bus *Bus) func(directory.Change) {
	return func(c directory.Change) {
		switch c.Kind {
		case directory.ChangeAdded:
			bus.Emit(ParticipantAdded{Participant: c.Participant})
		case directory.ChangeRemoved:
			bus.Emit(ParticipantRemoved{Participant: c.Participant})
		}
		bus.Emit(ParticipantsChanged{Participants: c.Participants})
	}
}
