// Package sfu is the hub side of the hub topology: every client sends one
// uplink to the hub, and the hub forwards each client's units to every
// other client on a downlink of its own.
package sfu

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/pkg/serial"
)

// candidate is the cdt payload, shaped like the one clients send.
type candidate struct {
	webrtc.ICECandidateInit
	Direction domain.Direction `json:"direction,omitempty"`
}

type Hub struct {
	id      domain.ParticipantID
	channel core.SignalingChannel
	factory core.LinkFactory
	log     zerolog.Logger

	loop        *serial.Queue
	clients     *Registry
	unsubscribe func()
}

func New(id domain.ParticipantID, channel core.SignalingChannel, factory core.LinkFactory) *Hub {
	return &Hub{
		id:      id,
		channel: channel,
		factory: factory,
		log:     log.With().Str("module", "sfu").Str("hub", id.String()).Logger(),
		loop:    serial.New(),
		clients: NewRegistry(),
	}
}

func (h *Hub) ID() domain.ParticipantID { return h.id }
func (h *Hub) Clients() []ClientSnap    { return h.clients.Snapshot() }

// Start connects to the channel and begins serving clients.
func (h *Hub) Start(ctx context.Context) error {
	h.unsubscribe = h.channel.Subscribe(func(in core.Inbound) {
		h.loop.Push(func() { h.handleInbound(in) })
	})
	if err := h.channel.Connect(ctx); err != nil {
		h.unsubscribe()
		return err
	}
	h.log.Info().Msg("hub started")
	return nil
}

// Sync waits for everything queued on the hub loop so far.
func (h *Hub) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !h.loop.Push(func() { close(done) }) {
		return domain.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes every link and leaves the channel.
func (h *Hub) Stop() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	done := make(chan struct{})
	if h.loop.Push(func() {
		for _, id := range h.clients.IDs() {
			h.removeClient(id)
		}
		close(done)
	}) {
		<-done
	}
	h.loop.Close()
	if err := h.channel.Disconnect(); err != nil {
		h.log.Warn().Err(err).Msg("disconnect")
	}
	h.log.Info().Msg("hub stopped")
}

func (h *Hub) handleInbound(in core.Inbound) {
	switch in.Kind {
	case core.InboundLeave:
		h.removeClient(in.Peer)
	case core.InboundEnter:
		h.log.Debug().Str("client", in.Peer.String()).Msg("client entered")
	case core.InboundEnvelope:
		h.handleEnvelope(in.Envelope)
	}
}

func (h *Hub) handleEnvelope(env core.Envelope) {
	if env.From == h.id || env.From == "" || env.To != h.id {
		return
	}
	switch env.Word {
	case core.WordHello:
		h.onHello(env.From)
	case core.WordSDP:
		h.onSDP(env)
	case core.WordCandidate:
		h.onCandidate(env)
	default:
		h.log.Debug().Str("word", env.Word).Str("from", env.From.String()).Msg("word ignored")
	}
}

// onHello registers the sender, tells it who is already here and starts
// forwarding what the others publish.
func (h *Hub) onHello(from domain.ParticipantID) {
	if _, ok := h.clients.Get(from); ok {
		h.log.Info().Str("client", from.String()).Msg("client re-joined")
		h.removeClient(from)
	}
	c, _ := h.clients.GetOrCreate(from)

	others := h.clients.Others(from)
	ids := make([]domain.ParticipantID, 0, len(others))
	for _, o := range others {
		ids = append(ids, o.id)
	}
	h.send(core.WordHello, from, "", ids)

	for _, o := range others {
		h.refreshDownlink(c, o)
	}
}

func (h *Hub) onSDP(env core.Envelope) {
	var desc webrtc.SessionDescription
	if err := env.Decode(&desc); err != nil {
		h.log.Warn().Err(err).Str("from", env.From.String()).Msg("bad sdp payload")
		return
	}
	switch {
	case desc.Type == webrtc.SDPTypeOffer && env.On == "":
		c, _ := h.clients.GetOrCreate(env.From)
		up := c.uplink
		if up == nil {
			var err error
			if up, err = h.newLink(c, domain.DirectionIn, ""); err != nil {
				h.log.Error().Err(err).Str("client", c.id.String()).Msg("create uplink")
				return
			}
			h.clients.SetUplink(c, up)
		}
		h.answer(c, up, desc)
	case desc.Type == webrtc.SDPTypeAnswer && env.On != "":
		c, ok := h.clients.Get(env.From)
		if !ok {
			return
		}
		d, ok := c.downlinks[env.On]
		if !ok {
			h.log.Debug().Str("client", c.id.String()).Str("on", env.On.String()).Msg("answer for unknown downlink")
			return
		}
		h.applyAnswer(d.link, desc)
	default:
		h.log.Debug().Str("type", desc.Type.String()).Str("on", env.On.String()).Msg("sdp ignored")
	}
}

func (h *Hub) onCandidate(env core.Envelope) {
	var cand candidate
	if err := env.Decode(&cand); err != nil {
		h.log.Warn().Err(err).Str("from", env.From.String()).Msg("bad cdt payload")
		return
	}
	c, ok := h.clients.Get(env.From)
	if !ok {
		return
	}
	var l *directory.Link
	if env.On == "" {
		l = c.uplink
	} else if d, ok := c.downlinks[env.On]; ok {
		l = d.link
	}
	if l == nil {
		return
	}
	l.Do(func(t core.TransportLink) {
		if err := t.AddICECandidate(cand.ICECandidateInit); err != nil {
			h.log.Warn().Err(err).Str("client", c.id.String()).Str("on", env.On.String()).Msg("add candidate")
		}
	})
}

// removeClient closes everything the client sent or received and stops
// forwarding its units to the others.
func (h *Hub) removeClient(id domain.ParticipantID) {
	c, ok := h.clients.Remove(id)
	if !ok {
		return
	}
	if c.uplink != nil {
		_ = c.uplink.Close()
	}
	for pub := range c.downlinks {
		h.dropDownlink(c, pub)
	}
	for _, o := range h.clients.All() {
		h.dropDownlink(o, id)
	}
	c.published.Stop()
}

func (h *Hub) send(word string, to, on domain.ParticipantID, data any) {
	env, err := core.NewEnvelope(word, h.id, to, data)
	if err != nil {
		h.log.Error().Err(err).Str("word", word).Msg("encode envelope")
		return
	}
	env.On = on
	if err := h.channel.Send(env); err != nil {
		h.log.Warn().Err(err).Str("word", word).Str("to", to.String()).Msg("send")
	}
}
