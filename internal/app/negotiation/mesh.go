package negotiation

import (
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
)

func (e *Engine) joinMesh() {
	env, err := core.NewEnvelope(core.WordHello, e.cfg.Self, "", nil)
	if err == nil {
		err = e.channel.Send(env)
	}
	if err != nil {
		e.bus.Emit(events.Error{Err: &domain.OpError{Op: domain.OpSignal, Topology: e.cfg.Topology, Err: err}})
		return
	}
	e.log.Info().Msg("hello sent")
}

// meshHello creates the sender with an outbound and an inbound link and
// offers the local stream when there is one. A known sender re-joined, so
// its previous links are dropped first.
func (e *Engine) meshHello(from domain.ParticipantID) {
	if _, ok := e.dir.Get(from); ok {
		e.log.Info().Str("participant", from.String()).Msg("participant re-announced, replacing links")
		e.dir.Remove(from)
	}
	e.addMeshParticipant(from)
}

func (e *Engine) addMeshParticipant(id domain.ParticipantID) (*directory.Participant, bool) {
	out, err := e.newLink(id, domain.DirectionOut)
	if err != nil {
		e.linkFailed(id, domain.DirectionOut, err)
		return nil, false
	}
	in, err := e.newLink(id, domain.DirectionIn)
	if err != nil {
		_ = out.Close()
		e.linkFailed(id, domain.DirectionIn, err)
		return nil, false
	}

	p, _ := e.dir.Upsert(id)
	p.SetLink(out)
	p.SetLink(in)
	if !e.local.Empty() {
		e.negotiate(out)
	}
	return p, true
}

func (e *Engine) meshSDP(env core.Envelope) {
	var desc webrtc.SessionDescription
	if err := env.Decode(&desc); err != nil {
		e.log.Warn().Err(err).Str("from", env.From.String()).Msg("bad sdp payload")
		return
	}

	switch desc.Type {
	case webrtc.SDPTypeOffer:
		p, ok := e.dir.Get(env.From)
		if !ok {
			// first contact counts as a hello
			if p, ok = e.addMeshParticipant(env.From); !ok {
				return
			}
		}
		in, ok := p.Link(domain.DirectionIn)
		if !ok {
			e.linkFailed(env.From, domain.DirectionIn, errUnknownParticipant)
			return
		}
		e.answer(in, desc)
	case webrtc.SDPTypeAnswer:
		p, ok := e.dir.Get(env.From)
		if !ok {
			e.log.Warn().Str("from", env.From.String()).Msg("answer from unknown participant ignored")
			return
		}
		out, ok := p.Link(domain.DirectionOut)
		if !ok {
			return
		}
		e.applyAnswer(out, desc)
	default:
		e.log.Debug().Str("type", desc.Type.String()).Msg("sdp type ignored")
	}
}

// meshCandidate applies a remote candidate to the link paired with the
// sender's gathering link: its outbound link pairs with our inbound one.
func (e *Engine) meshCandidate(env core.Envelope) {
	var c candidatePayload
	if err := env.Decode(&c); err != nil {
		e.log.Warn().Err(err).Str("from", env.From.String()).Msg("bad cdt payload")
		return
	}
	p, ok := e.dir.Get(env.From)
	if !ok {
		e.log.Debug().Str("from", env.From.String()).Msg("candidate from unknown participant ignored")
		return
	}
	dir := domain.DirectionOut
	if c.Direction == domain.DirectionOut {
		dir = domain.DirectionIn
	}
	l, ok := p.Link(dir)
	if !ok {
		return
	}
	e.addCandidate(l, c.ICECandidateInit)
}

func (e *Engine) linkFailed(owner domain.ParticipantID, dir domain.Direction, err error) {
	if errors.Is(err, domain.ErrClosed) {
		return
	}
	e.log.Error().Err(err).Str("participant", owner.String()).Str("direction", string(dir)).Msg("create link")
	e.bus.Emit(events.Error{Err: &domain.OpError{
		Op:          domain.OpCreateLink,
		Participant: owner,
		Direction:   dir,
		Topology:    e.cfg.Topology,
		Err:         err,
	}})
}
