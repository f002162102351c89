package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidParticipantID = errors.New("invalid participant id")
	ErrInvalidChannelName   = errors.New("invalid channel name")
	ErrNoLocalStream        = errors.New("no local stream")
	ErrInvalidState         = errors.New("invalid session state")
	ErrClosed               = errors.New("closed")
	ErrNotConnected         = errors.New("signaling not connected")
	ErrLinkTerminated       = errors.New("link reached terminal state")

	ErrRoomNotFound = errors.New("room not found")
	ErrNotInRoom    = errors.New("not in a room")
	ErrRateLimited  = errors.New("rate limited")
)

// OpCode identifies the step that failed.
type OpCode string

const (
	OpNegotiate    OpCode = "negotiate"
	OpAnswerOffer  OpCode = "answer-offer"
	OpApplyAnswer  OpCode = "apply-answer"
	OpAddCandidate OpCode = "add-candidate"
	OpAttachStream OpCode = "attach-stream"
	OpCreateLink   OpCode = "create-link"
	OpContentHint  OpCode = "content-hint"
	OpSignal       OpCode = "signal"
	OpCapture      OpCode = "capture"
)

// OpError carries enough context to log or surface a failure without
// inspecting session internals.
type OpError struct {
	Op          OpCode
	Participant ParticipantID
	Direction   Direction
	Topology    Topology
	Err         error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Op))
	if e.Participant != "" {
		fmt.Fprintf(&b, " participant=%s", e.Participant)
	}
	if e.Direction != "" {
		fmt.Fprintf(&b, " direction=%s", e.Direction)
	}
	fmt.Fprintf(&b, " topology=%s", e.Topology)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Err }
