package core

import (
	"github.com/dkeye/voicemesh/internal/domain"
)

type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what a relay room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID domain.ParticipantID `json:"id"`
}

// RoomService is the core-facing API of a relay room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	MembersSnapshot() []MemberDTO
	Member(sid SessionID) (MemberSession, bool)

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID) (MemberSession, bool)
	// Broadcast delivers data to every member but from, and to from as
	// well when includeMe is set.
	Broadcast(from SessionID, data Frame, includeMe bool) PublishResult
}

type RoomInfo struct {
	Name        domain.ChannelName `json:"name"`
	MemberCount int                `json:"client_count"`
}

type RoomManager interface {
	// Create is idempotent; created is false when the room already existed.
	Create(name domain.ChannelName) (room RoomService, created bool)
	Get(name domain.ChannelName) (RoomService, bool)
	List() []RoomInfo
	StopRoom(name domain.ChannelName)
}
