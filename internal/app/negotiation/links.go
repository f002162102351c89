package negotiation

import (
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
	"github.com/dkeye/voicemesh/internal/stream"
)

// candidatePayload is the cdt data: the candidate plus the direction of
// the link that gathered it.
type candidatePayload struct {
	webrtc.ICECandidateInit
	Direction domain.Direction `json:"direction,omitempty"`
}

// newLink creates a transport link and routes its callbacks to the loop.
// Callbacks arriving after the link is closed are dropped.
func (e *Engine) newLink(owner domain.ParticipantID, dir domain.Direction) (*directory.Link, error) {
	if e.stopped.Load() {
		return nil, domain.ErrClosed
	}
	t, err := e.factory.NewLink(owner, dir)
	if err != nil {
		return nil, err
	}
	l := directory.NewLink(owner, dir, t)

	t.OnICECandidate(directory.Guard(l, func(c webrtc.ICECandidateInit) {
		// queued behind the running chain so the description goes out first
		l.Do(func(core.TransportLink) { e.sendCandidate(l, c) })
	}))
	t.OnStateChange(func(sub core.SubState, value string) {
		if l.Closed() {
			return
		}
		e.post(func() { e.onLinkState(l, sub, value) })
	})
	t.OnTrack(directory.Guard(l, func(u stream.Unit) {
		e.post(func() { e.onTrack(l, u) })
	}))
	t.OnTrackRemoved(directory.Guard(l, func(id string) {
		e.post(func() { e.onTrackRemoved(l, id) })
	}))
	return l, nil
}

// negotiate pushes the local units onto l and sends a fresh offer.
func (e *Engine) negotiate(l *directory.Link) {
	units := e.localUnits()
	l.Do(func(t core.TransportLink) {
		if err := t.ReplaceTracks(units); err != nil {
			e.fail(domain.OpAttachStream, l, err)
			return
		}
		if l.Closed() {
			return
		}
		offer, err := t.CreateOffer()
		if err != nil {
			e.fail(domain.OpNegotiate, l, err)
			return
		}
		if l.Closed() {
			return
		}
		if err := t.SetLocalDescription(offer); err != nil {
			e.fail(domain.OpNegotiate, l, err)
			return
		}
		if l.Closed() {
			return
		}
		l.SetOfferPending(true)
		if err := e.send(core.WordSDP, l, descriptionOr(t.LocalDescription(), offer)); err != nil {
			e.fail(domain.OpSignal, l, err)
			return
		}
		e.log.Debug().Str("participant", l.Owner().String()).Str("direction", string(l.Direction())).Int("units", len(units)).Msg("offer sent")
	})
}

// answer applies a remote offer on l and replies with the answer.
func (e *Engine) answer(l *directory.Link, offer webrtc.SessionDescription) {
	l.Do(func(t core.TransportLink) {
		if err := t.SetRemoteDescription(offer); err != nil {
			e.fail(domain.OpAnswerOffer, l, err)
			return
		}
		// a link closed mid-chain skips the remaining steps
		if l.Closed() {
			return
		}
		ans, err := t.CreateAnswer()
		if err != nil {
			e.fail(domain.OpAnswerOffer, l, err)
			return
		}
		if l.Closed() {
			return
		}
		if err := t.SetLocalDescription(ans); err != nil {
			e.fail(domain.OpAnswerOffer, l, err)
			return
		}
		if l.Closed() {
			return
		}
		if err := e.send(core.WordSDP, l, descriptionOr(t.LocalDescription(), ans)); err != nil {
			e.fail(domain.OpSignal, l, err)
			return
		}
		e.log.Debug().Str("participant", l.Owner().String()).Str("direction", string(l.Direction())).Msg("answer sent")
	})
}

// applyAnswer completes an exchange started by negotiate. Answers with no
// outstanding offer on l leave the link untouched.
func (e *Engine) applyAnswer(l *directory.Link, ans webrtc.SessionDescription) {
	l.Do(func(t core.TransportLink) {
		if !l.OfferPending() {
			e.log.Warn().Str("participant", l.Owner().String()).Msg("answer without outstanding offer ignored")
			return
		}
		if err := t.SetRemoteDescription(ans); err != nil {
			e.fail(domain.OpApplyAnswer, l, err)
			return
		}
		l.SetOfferPending(false)
	})
}

func (e *Engine) addCandidate(l *directory.Link, c webrtc.ICECandidateInit) {
	l.Do(func(t core.TransportLink) {
		if err := t.AddICECandidate(c); err != nil {
			e.fail(domain.OpAddCandidate, l, err)
		}
	})
}

func (e *Engine) sendCandidate(l *directory.Link, c webrtc.ICECandidateInit) {
	payload := candidatePayload{ICECandidateInit: c, Direction: l.Direction()}
	if err := e.send(core.WordCandidate, l, payload); err != nil {
		e.fail(domain.OpSignal, l, err)
	}
}

// outboundLinks lists the links the local stream is sent on.
func (e *Engine) outboundLinks() []*directory.Link {
	if e.cfg.Topology == domain.TopologyHub {
		if up, ok := e.dir.Uplink(); ok {
			return []*directory.Link{up}
		}
		return nil
	}
	return lo.FilterMap(e.dir.All(), func(p *directory.Participant, _ int) (*directory.Link, bool) {
		return p.Link(domain.DirectionOut)
	})
}

func (e *Engine) onLinkState(l *directory.Link, sub core.SubState, value string) {
	if l.Closed() {
		return
	}
	owner := l.Owner()
	e.bus.Emit(events.TransportStateChanged{
		Participant: owner,
		Direction:   l.Direction(),
		SubState:    sub,
		Value:       value,
	})
	if sub != core.SubStateConnection {
		return
	}
	switch {
	case value == core.ConnectionDisconnected:
		e.log.Warn().Str("participant", owner.String()).Str("direction", string(l.Direction())).Msg("link disconnected")
	case core.Terminal(value):
		e.onTerminal(l, value)
	}
}

// onTerminal closes a dead link. A participant left without links is
// removed; in hub topology a dead downlink removes its participant.
func (e *Engine) onTerminal(l *directory.Link, value string) {
	owner := l.Owner()
	e.log.Info().Str("participant", owner.String()).Str("direction", string(l.Direction())).Str("state", value).Msg("link terminated")

	if e.isUplink(l) {
		e.dropUplink(l)
		return
	}
	p, ok := e.dir.Get(owner)
	if !ok {
		_ = l.Close()
		return
	}
	if e.cfg.Topology == domain.TopologyHub {
		e.dir.Remove(owner)
		return
	}
	remaining := p.DetachLink(l)
	_ = l.Close()
	if !remaining {
		e.dir.Remove(owner)
	}
}

func (e *Engine) dropUplink(l *directory.Link) {
	if !e.dir.DetachUplink(l) {
		return
	}
	_ = l.Close()
	e.bus.Emit(events.Error{Err: &domain.OpError{
		Op:          domain.OpNegotiate,
		Participant: e.cfg.HubID,
		Direction:   domain.DirectionOut,
		Topology:    e.cfg.Topology,
		Err:         domain.ErrLinkTerminated,
	}})
}

func (e *Engine) onTrack(l *directory.Link, u stream.Unit) {
	if l.Direction() != domain.DirectionIn {
		e.log.Warn().Str("participant", l.Owner().String()).Str("unit", u.ID()).Msg("track on outbound link ignored")
		return
	}
	p, ok := e.dir.Get(l.Owner())
	if !ok {
		u.Stop()
		return
	}
	if !p.Incoming().Add(u) {
		return
	}
	p.Redecompose()
	e.bus.Emit(events.TrackAdded{Participant: p.ID(), UnitID: u.ID(), MediaKind: u.Kind()})
	e.publishParticipants()
	e.requestContentHint(p)
}

func (e *Engine) onTrackRemoved(l *directory.Link, id string) {
	p, ok := e.dir.Get(l.Owner())
	if !ok {
		return
	}
	u, ok := p.Incoming().Remove(id)
	if !ok {
		return
	}
	u.Stop()
	p.Redecompose()
	e.bus.Emit(events.TrackRemoved{Participant: p.ID(), UnitID: id})
	e.publishParticipants()
}

func descriptionOr(d *webrtc.SessionDescription, fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if d == nil {
		return fallback
	}
	return *d
}
