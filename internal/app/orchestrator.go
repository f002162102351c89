package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/metrics"
)

const fanoutTimeout = 2 * time.Second

// Orchestrator runs the relay: named rooms, addressed-by-payload signal
// frames and enter/leave presence.
type Orchestrator struct {
	Registry *Registry
	Rooms    core.RoomManager
	Policy   Policy

	// Optional.
	Metrics *metrics.Relay
	Fanout  Fanout
	// Instance tells this relay's fanout messages apart from the others'.
	Instance string
}

// CreateRoom is idempotent and reports whether the room is new.
func (o *Orchestrator) CreateRoom(name domain.ChannelName) (bool, error) {
	if _, err := domain.NewChannelName(string(name)); err != nil {
		return false, err
	}
	_, created := o.Rooms.Create(name)
	if created {
		o.updateRoomGauge()
		o.publish(name, nil)
	}
	return created, nil
}

// Join places sid in room under id and returns the ids already there.
// A session already in a room leaves it first.
func (o *Orchestrator) Join(sid core.SessionID, name domain.ChannelName, id domain.ParticipantID) ([]domain.ParticipantID, error) {
	if _, err := domain.NewParticipantID(string(id)); err != nil {
		return nil, err
	}
	room, ok := o.Rooms.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, name)
	}
	sess, ok := o.Registry.Session(sid)
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sid)
	}
	if from, _, ok := o.Registry.RoomOf(sid); ok {
		o.KickBySID(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from_room", from.String()).Msg("left previous room")
	}

	members := lo.Map(room.MembersSnapshot(), func(m core.MemberDTO, _ int) domain.ParticipantID { return m.ID })
	sess = core.NewMemberSession(domain.NewMember(string(sid), id), sess.Signal())
	o.Registry.SetSession(sid, sess)
	room.AddMember(sid, sess)
	o.Registry.UpdateRoom(sid, name)
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("room", name.String()).Str("id", id.String()).Msg("joined room")

	o.broadcast(room, sid, core.RelayMessage{Type: core.RelayEnter, ID: id}, false)
	return members, nil
}

// OnSignal relays payload to the room of sid.
func (o *Orchestrator) OnSignal(sid core.SessionID, payload json.RawMessage, includeMe bool) error {
	name, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return domain.ErrNotInRoom
	}
	room, ok := o.Rooms.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, name)
	}
	o.broadcast(room, sid, core.RelayMessage{Type: core.RelaySignal, Payload: payload}, includeMe)
	return nil
}

// KickBySID removes sid from its room and tells the others.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	name, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.Get(name)
	if !ok {
		return
	}
	if _, ok := room.RemoveMember(sid); !ok {
		return
	}
	o.broadcast(room, sid, core.RelayMessage{Type: core.RelayLeave, ID: sess.Meta().ID}, false)
}

func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.KickBySID(sid)
	if sess, ok := o.Registry.Session(sid); ok {
		sess.Signal().Close()
	}
	o.Registry.Unbind(sid)
}

// EvictRoom disconnects every member of name and forgets the room.
func (o *Orchestrator) EvictRoom(name domain.ChannelName) {
	for _, snap := range o.Registry.MembersOfRoom(name) {
		o.KickBySID(snap.SID)
		o.Registry.Cancel(snap.SID)
	}
	o.Rooms.StopRoom(name)
	o.updateRoomGauge()
}

func (o *Orchestrator) broadcast(room core.RoomService, from core.SessionID, msg core.RelayMessage, includeMe bool) {
	frame, err := msg.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("type", msg.Type).Msg("encode frame")
		return
	}
	o.deliver(room, from, frame, includeMe)
	o.publish(room.Room().Name, frame)
}

// deliver fans frame out to the local members of room and applies the
// backpressure policy to the ones that could not take it.
func (o *Orchestrator) deliver(room core.RoomService, from core.SessionID, frame core.Frame, includeMe bool) {
	res := room.Broadcast(from, frame, includeMe)
	if len(res.Dropped) == 0 || o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		action := o.Policy.OnBackPressure(room, slow)
		if o.Metrics != nil {
			o.Metrics.Dropped.WithLabelValues(action.String()).Inc()
		}
		switch action {
		case KickMember:
			sid := core.SessionID(slow.Meta().SID)
			log.Warn().Str("module", "app.orch").Str("sid", string(sid)).Msg("kicking slow member")
			o.KickBySID(sid)
			o.Registry.Cancel(sid)
		case MarkSlow, DropFrame, NoAction:
		}
	}
}

func (o *Orchestrator) updateRoomGauge() {
	if o.Metrics != nil {
		o.Metrics.Rooms.Set(float64(len(o.Rooms.List())))
	}
}

func (o *Orchestrator) publish(name domain.ChannelName, frame core.Frame) {
	if o.Fanout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
	defer cancel()
	msg := FanoutMessage{Origin: o.Instance, Room: name, Frame: json.RawMessage(frame)}
	if err := o.Fanout.Publish(ctx, msg); err != nil {
		log.Warn().Err(err).Str("module", "app.orch").Str("room", name.String()).Msg("fanout publish")
		return
	}
	if o.Metrics != nil {
		o.Metrics.Fanout.WithLabelValues("out").Inc()
	}
}
