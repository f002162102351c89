package negotiation

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
)

// joinHub opens the uplink, greets the hub and offers the local stream.
func (e *Engine) joinHub() {
	up, err := e.newLink(e.cfg.HubID, domain.DirectionOut)
	if err != nil {
		e.linkFailed(e.cfg.HubID, domain.DirectionOut, err)
		return
	}
	if prev := e.dir.SetUplink(up); prev != nil {
		_ = prev.Close()
	}

	env, err := core.NewEnvelope(core.WordHello, e.cfg.Self, e.cfg.HubID, nil)
	if err == nil {
		err = e.channel.Send(env)
	}
	if err != nil {
		e.bus.Emit(events.Error{Err: &domain.OpError{Op: domain.OpSignal, Participant: e.cfg.HubID, Topology: e.cfg.Topology, Err: err}})
		return
	}
	e.log.Info().Str("hub", e.cfg.HubID.String()).Msg("hello sent to hub")

	if !e.local.Empty() {
		e.negotiate(up)
	}
}

// hubHello handles the hub's reply listing the participants already present.
func (e *Engine) hubHello(env core.Envelope) {
	if env.From != e.cfg.HubID {
		return
	}
	var ids []domain.ParticipantID
	if err := env.Decode(&ids); err != nil {
		e.log.Warn().Err(err).Msg("bad hub hello payload")
		return
	}
	for _, id := range ids {
		if id == e.cfg.Self || id == e.cfg.HubID {
			continue
		}
		e.ensureDownlink(id)
	}
}

// ensureDownlink returns the participant for id with its downlink attached.
func (e *Engine) ensureDownlink(id domain.ParticipantID) (*directory.Participant, *directory.Link, bool) {
	if p, ok := e.dir.Get(id); ok {
		if l, ok := p.Link(domain.DirectionIn); ok {
			return p, l, true
		}
	}
	l, err := e.newLink(id, domain.DirectionIn)
	if err != nil {
		e.linkFailed(id, domain.DirectionIn, err)
		return nil, nil, false
	}
	p, _ := e.dir.Upsert(id)
	if prev := p.SetLink(l); prev != nil {
		_ = prev.Close()
	}
	return p, l, true
}

// hubSDP routes descriptions from the hub: offers naming a participant go
// to its downlink, answers without one complete the uplink exchange.
func (e *Engine) hubSDP(env core.Envelope) {
	if env.From != e.cfg.HubID {
		e.log.Debug().Str("from", env.From.String()).Msg("sdp from non-hub sender ignored")
		return
	}
	var desc webrtc.SessionDescription
	if err := env.Decode(&desc); err != nil {
		e.log.Warn().Err(err).Msg("bad sdp payload")
		return
	}

	switch {
	case desc.Type == webrtc.SDPTypeOffer && env.On != "":
		if env.On == e.cfg.Self {
			return
		}
		_, l, ok := e.ensureDownlink(env.On)
		if !ok {
			return
		}
		e.answer(l, desc)
	case desc.Type == webrtc.SDPTypeAnswer && env.On == "":
		up, ok := e.dir.Uplink()
		if !ok {
			e.log.Warn().Msg("answer without uplink ignored")
			return
		}
		e.applyAnswer(up, desc)
	default:
		e.log.Debug().Str("type", desc.Type.String()).Str("on", env.On.String()).Msg("sdp ignored")
	}
}

func (e *Engine) hubCandidate(env core.Envelope) {
	if env.From != e.cfg.HubID {
		return
	}
	var c candidatePayload
	if err := env.Decode(&c); err != nil {
		e.log.Warn().Err(err).Msg("bad cdt payload")
		return
	}
	if env.On == "" {
		if up, ok := e.dir.Uplink(); ok {
			e.addCandidate(up, c.ICECandidateInit)
		}
		return
	}
	p, ok := e.dir.Get(env.On)
	if !ok {
		e.log.Debug().Str("on", env.On.String()).Msg("candidate for unknown participant ignored")
		return
	}
	if l, ok := p.Link(domain.DirectionIn); ok {
		e.addCandidate(l, c.ICECandidateInit)
	}
}
