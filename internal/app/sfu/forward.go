package sfu

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// Forwarder is a received unit the hub can copy onto other links.
type Forwarder interface {
	stream.Unit
	Forward(dst domain.ParticipantID) (stream.Unit, error)
	Unforward(dst domain.ParticipantID)
}

// newLink creates a link to c. pub is empty for the uplink and names the
// publisher for a downlink.
func (h *Hub) newLink(c *client, dir domain.Direction, pub domain.ParticipantID) (*directory.Link, error) {
	t, err := h.factory.NewLink(c.id, dir)
	if err != nil {
		return nil, err
	}
	l := directory.NewLink(c.id, dir, t)

	t.OnICECandidate(directory.Guard(l, func(cand webrtc.ICECandidateInit) {
		l.Do(func(core.TransportLink) { h.send(core.WordCandidate, c.id, pub, candidate{ICECandidateInit: cand}) })
	}))
	t.OnStateChange(func(sub core.SubState, value string) {
		if l.Closed() || sub != core.SubStateConnection || !core.Terminal(value) {
			return
		}
		h.loop.Push(func() { h.onTerminal(c, l, pub, value) })
	})
	if dir == domain.DirectionIn {
		t.OnTrack(directory.Guard(l, func(u stream.Unit) {
			h.loop.Push(func() { h.onPublished(c, l, u) })
		}))
		t.OnTrackRemoved(directory.Guard(l, func(id string) {
			h.loop.Push(func() { h.onUnpublished(c, l, id) })
		}))
	}
	return l, nil
}

// current reports whether c and l are still the live registrations.
func (h *Hub) current(c *client, l *directory.Link) bool {
	got, ok := h.clients.Get(c.id)
	return ok && got == c && !l.Closed()
}

func (h *Hub) onTerminal(c *client, l *directory.Link, pub domain.ParticipantID, value string) {
	if !h.current(c, l) {
		return
	}
	h.log.Info().Str("client", c.id.String()).Str("on", pub.String()).Str("state", value).Msg("link terminated")
	if pub == "" {
		h.removeClient(c.id)
		return
	}
	if d, ok := c.downlinks[pub]; ok && d.link == l {
		h.dropDownlink(c, pub)
	}
}

func (h *Hub) onPublished(c *client, l *directory.Link, u stream.Unit) {
	if !h.current(c, l) || c.uplink != l {
		u.Stop()
		return
	}
	if !c.published.Add(u) {
		return
	}
	h.log.Info().Str("client", c.id.String()).Str("unit", u.ID()).Str("kind", string(u.Kind())).Msg("unit published")
	for _, sub := range h.clients.Others(c.id) {
		h.refreshDownlink(sub, c)
	}
}

func (h *Hub) onUnpublished(c *client, l *directory.Link, id string) {
	if !h.current(c, l) {
		return
	}
	u, ok := c.published.Remove(id)
	if !ok {
		return
	}
	u.Stop()
	h.log.Info().Str("client", c.id.String()).Str("unit", id).Msg("unit unpublished")
	for _, sub := range h.clients.Others(c.id) {
		h.refreshDownlink(sub, c)
	}
}

// refreshDownlink brings the downlink of pub's units to sub up to date
// and offers it again.
func (h *Hub) refreshDownlink(sub, pub *client) {
	d, ok := sub.downlinks[pub.id]
	if !ok {
		if pub.published.Empty() {
			return
		}
		l, err := h.newLink(sub, domain.DirectionOut, pub.id)
		if err != nil {
			h.log.Error().Err(err).Str("client", sub.id.String()).Str("on", pub.id.String()).Msg("create downlink")
			return
		}
		d = &downlink{link: l, units: make(map[string]stream.Unit)}
		h.clients.SetDownlink(sub, pub.id, d)
	}

	published := pub.published.Units()
	keep := make(map[string]bool, len(published))
	for _, u := range published {
		keep[u.ID()] = true
		if _, ok := d.units[u.ID()]; ok {
			continue
		}
		f, ok := u.(Forwarder)
		if !ok {
			h.log.Warn().Str("unit", u.ID()).Msg("unit cannot be forwarded")
			continue
		}
		fu, err := f.Forward(sub.id)
		if err != nil {
			h.log.Warn().Err(err).Str("unit", u.ID()).Str("client", sub.id.String()).Msg("forward")
			continue
		}
		d.units[u.ID()] = fu
	}
	for id, fu := range d.units {
		if !keep[id] {
			fu.Stop()
			delete(d.units, id)
		}
	}

	units := make([]stream.Unit, 0, len(d.units))
	for _, u := range published {
		if fu, ok := d.units[u.ID()]; ok {
			units = append(units, fu)
		}
	}
	h.offer(sub.id, pub.id, d.link, units)
}

func (h *Hub) dropDownlink(sub *client, pub domain.ParticipantID) {
	d, ok := h.clients.DeleteDownlink(sub, pub)
	if !ok {
		return
	}
	_ = d.link.Close()
	for _, fu := range d.units {
		fu.Stop()
	}
	if p, ok := h.clients.Get(pub); ok {
		for _, u := range p.published.Units() {
			if f, ok := u.(Forwarder); ok {
				f.Unforward(sub.id)
			}
		}
	}
}

func (h *Hub) offer(to, on domain.ParticipantID, l *directory.Link, units []stream.Unit) {
	l.Do(func(t core.TransportLink) {
		if err := t.ReplaceTracks(units); err != nil {
			h.log.Error().Err(err).Str("client", to.String()).Str("on", on.String()).Msg("replace tracks")
			return
		}
		offer, err := t.CreateOffer()
		if err == nil {
			err = t.SetLocalDescription(offer)
		}
		if err != nil {
			h.log.Error().Err(err).Str("client", to.String()).Str("on", on.String()).Msg("create offer")
			return
		}
		l.SetOfferPending(true)
		h.send(core.WordSDP, to, on, describe(t, offer))
		h.log.Debug().Str("client", to.String()).Str("on", on.String()).Int("units", len(units)).Msg("offer sent")
	})
}

// answer applies the client's uplink offer and replies to it.
func (h *Hub) answer(c *client, l *directory.Link, offer webrtc.SessionDescription) {
	l.Do(func(t core.TransportLink) {
		err := t.SetRemoteDescription(offer)
		var ans webrtc.SessionDescription
		if err == nil {
			ans, err = t.CreateAnswer()
		}
		if err == nil {
			err = t.SetLocalDescription(ans)
		}
		if err != nil {
			h.log.Error().Err(err).Str("client", c.id.String()).Msg("answer uplink offer")
			return
		}
		h.send(core.WordSDP, c.id, "", describe(t, ans))
	})
}

func (h *Hub) applyAnswer(l *directory.Link, ans webrtc.SessionDescription) {
	l.Do(func(t core.TransportLink) {
		if !l.OfferPending() {
			h.log.Warn().Str("client", l.Owner().String()).Msg("answer without outstanding offer ignored")
			return
		}
		if err := t.SetRemoteDescription(ans); err != nil {
			h.log.Error().Err(err).Str("client", l.Owner().String()).Msg("apply answer")
			return
		}
		l.SetOfferPending(false)
	})
}

func describe(t core.TransportLink, fallback webrtc.SessionDescription) webrtc.SessionDescription {
	if d := t.LocalDescription(); d != nil {
		return *d
	}
	return fallback
}
