// Package negotiation drives the offer/answer/candidate exchange with every
// known participant, in mesh or hub topology.
package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
	"github.com/dkeye/voicemesh/internal/pkg/serial"
	"github.com/dkeye/voicemesh/internal/stream"
)

// DefaultHubID is the participant id a hub announces itself with.
const DefaultHubID domain.ParticipantID = "hub"

type Config struct {
	Self     domain.ParticipantID
	Topology domain.Topology

	// HubID addresses the hub in hub topology.
	HubID domain.ParticipantID
}

// Engine reacts to inbound envelopes and link callbacks on one event loop.
// Each negotiation chain runs on the queue of the link it concerns.
type Engine struct {
	cfg     Config
	channel core.SignalingChannel
	factory core.LinkFactory
	dir     *directory.Directory
	bus     *events.Bus
	log     zerolog.Logger

	loop *serial.Queue
	// set while a loop task runs, so handlers re-entering Stop do not
	// wait for the loop they are running on
	inLoop  atomic.Bool
	stopped atomic.Bool

	mu          sync.Mutex
	unsubscribe func()
	joined      bool

	// owned by the loop
	local *stream.Composite
}

func New(cfg Config, channel core.SignalingChannel, factory core.LinkFactory, dir *directory.Directory, bus *events.Bus) *Engine {
	if cfg.HubID == "" {
		cfg.HubID = DefaultHubID
	}
	logger := log.With().
		Str("module", "negotiation").
		Str("self", cfg.Self.String()).
		Str("topology", cfg.Topology.String()).
		Logger()
	return &Engine{
		cfg:     cfg,
		channel: channel,
		factory: factory,
		dir:     dir,
		bus:     bus,
		log:     logger,
		loop:    serial.New(),
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Join starts consuming the channel and announces the local participant.
func (e *Engine) Join(local *stream.Composite) error {
	e.mu.Lock()
	if e.joined {
		e.mu.Unlock()
		return domain.ErrInvalidState
	}
	if e.loop.Closed() {
		e.mu.Unlock()
		return domain.ErrClosed
	}
	e.joined = true
	e.unsubscribe = e.channel.Subscribe(func(in core.Inbound) {
		e.post(func() { e.handleInbound(in) })
	})
	e.mu.Unlock()

	e.post(func() {
		e.local = local
		switch e.cfg.Topology {
		case domain.TopologyHub:
			e.joinHub()
		default:
			e.joinMesh()
		}
	})
	return nil
}

// SetLocalStream replaces the outbound composite and renegotiates every
// outbound link once.
func (e *Engine) SetLocalStream(local *stream.Composite) {
	e.post(func() {
		e.local = local
		for _, l := range e.outboundLinks() {
			e.negotiate(l)
		}
	})
}

// Sync waits until everything posted to the loop before the call has run.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !e.loop.Push(func() { close(done) }) {
		return domain.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop detaches from the channel, stops the loop and closes every link.
// Work still queued on the loop or on links is discarded. Called from an
// event handler it returns without waiting for the running task.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	e.loop.Close()
	if !e.inLoop.Load() {
		<-e.loop.Done()
	}
	e.dir.Close()
	e.log.Info().Msg("engine stopped")
}

func (e *Engine) Participants() []directory.View { return e.dir.Views() }

func (e *Engine) post(fn func()) {
	e.loop.Push(func() {
		e.inLoop.Store(true)
		defer e.inLoop.Store(false)
		fn()
	})
}

func (e *Engine) emit(ev events.Event) {
	e.post(func() { e.bus.Emit(ev) })
}

func (e *Engine) publishParticipants() {
	e.bus.Emit(events.ParticipantsChanged{Participants: e.dir.Views()})
}

// fail reports a link-scoped failure. It is safe from any goroutine.
func (e *Engine) fail(op domain.OpCode, l *directory.Link, err error) {
	opErr := &domain.OpError{
		Op:          op,
		Participant: l.Owner(),
		Direction:   l.Direction(),
		Topology:    e.cfg.Topology,
		Err:         err,
	}
	e.log.Error().Err(err).
		Str("op", string(op)).
		Str("participant", l.Owner().String()).
		Str("direction", string(l.Direction())).
		Msg("negotiation step failed")
	e.emit(events.Error{Err: opErr})
}

func (e *Engine) handleInbound(in core.Inbound) {
	switch in.Kind {
	case core.InboundEnter:
		e.onEnter(in.Peer)
	case core.InboundLeave:
		e.onLeave(in.Peer)
	case core.InboundEnvelope:
		e.handleEnvelope(in.Envelope)
	}
}

func (e *Engine) handleEnvelope(env core.Envelope) {
	if env.From == e.cfg.Self {
		return
	}
	if env.To != "" && env.To != e.cfg.Self {
		return
	}
	if env.From == "" {
		e.log.Warn().Str("word", env.Word).Msg("envelope without sender dropped")
		return
	}

	switch env.Word {
	case core.WordHello:
		e.onHello(env)
	case core.WordSDP:
		e.onSDP(env)
	case core.WordCandidate:
		e.onCandidate(env)
	case core.WordNeedContentHint:
		e.onNeedContentHint(env)
	case core.WordContentHint:
		e.onContentHint(env)
	default:
		e.log.Debug().Str("word", env.Word).Str("from", env.From.String()).Msg("unknown word ignored")
	}
}

func (e *Engine) onHello(env core.Envelope) {
	if e.cfg.Topology == domain.TopologyHub {
		e.hubHello(env)
		return
	}
	e.meshHello(env.From)
}

func (e *Engine) onSDP(env core.Envelope) {
	if e.cfg.Topology == domain.TopologyHub {
		e.hubSDP(env)
		return
	}
	e.meshSDP(env)
}

func (e *Engine) onCandidate(env core.Envelope) {
	if e.cfg.Topology == domain.TopologyHub {
		e.hubCandidate(env)
		return
	}
	e.meshCandidate(env)
}

func (e *Engine) onEnter(peer domain.ParticipantID) {
	if peer == e.cfg.Self {
		return
	}
	if e.cfg.Topology == domain.TopologyHub && peer != e.cfg.HubID {
		e.ensureDownlink(peer)
		return
	}
	e.log.Debug().Str("participant", peer.String()).Msg("peer entered")
}

func (e *Engine) onLeave(peer domain.ParticipantID) {
	if e.cfg.Topology == domain.TopologyHub && peer == e.cfg.HubID {
		e.log.Warn().Msg("hub left the channel")
		if up, ok := e.dir.Uplink(); ok {
			e.dropUplink(up)
		}
		return
	}
	if e.dir.Remove(peer) {
		e.log.Info().Str("participant", peer.String()).Msg("participant left")
	}
}

// send addresses an envelope on behalf of link l.
func (e *Engine) send(word string, l *directory.Link, data any) error {
	to, on := e.route(l)
	env, err := core.NewEnvelope(word, e.cfg.Self, to, data)
	if err != nil {
		return err
	}
	env.On = on
	return e.channel.Send(env)
}

// route returns the recipient and the hub "on" field for traffic of l.
func (e *Engine) route(l *directory.Link) (to, on domain.ParticipantID) {
	if e.cfg.Topology != domain.TopologyHub {
		return l.Owner(), ""
	}
	if e.isUplink(l) {
		return e.cfg.HubID, ""
	}
	return e.cfg.HubID, l.Owner()
}

func (e *Engine) isUplink(l *directory.Link) bool {
	up, ok := e.dir.Uplink()
	return ok && up == l
}

func (e *Engine) localUnits() []stream.Unit {
	if e.local == nil {
		return nil
	}
	return e.local.Units()
}

var errUnknownParticipant = errors.New("unknown participant")
