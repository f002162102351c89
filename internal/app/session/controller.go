// Package session owns one participant's lifecycle: identity, signaling,
// local capture and the negotiation engine.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/app/negotiation"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
	"github.com/dkeye/voicemesh/internal/stream"
)

// Options are the collaborators a controller is built from.
type Options struct {
	Topology domain.Topology
	HubID    domain.ParticipantID

	Dialer   core.Dialer
	Links    core.LinkFactory
	Capturer core.Capturer
}

// Controller moves a session through Unprepared, Prepared and Joined.
// Lifecycle calls are serialized; accessors never block on them.
type Controller struct {
	opts     Options
	bus      *events.Bus
	composer *stream.Composer

	ops sync.Mutex

	mu      sync.RWMutex
	state   domain.SessionState
	self    domain.ParticipantID
	name    domain.ChannelName
	channel core.SignalingChannel
	dir     *directory.Directory
	engine  *negotiation.Engine
	capture domain.CaptureConfig
}

func NewController(opts Options) *Controller {
	return &Controller{
		opts:     opts,
		bus:      events.NewBus(),
		composer: stream.NewComposer(),
	}
}

// outbox holds the events of one lifecycle call. They are published once
// the call has released its lock, so handlers may call back into the
// controller.
type outbox []events.Event

func (o *outbox) add(ev events.Event) { *o = append(*o, ev) }

func (o *outbox) flush(bus *events.Bus) {
	for _, ev := range *o {
		bus.Emit(ev)
	}
}

// Prepare validates the identity, connects signaling and captures the local
// stream. A capture failure tears everything down again.
func (c *Controller) Prepare(ctx context.Context, id, channel string, capture domain.CaptureConfig) error {
	var out outbox
	defer out.flush(c.bus)
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() != domain.StateUnprepared {
		return domain.ErrInvalidState
	}
	self, err := domain.NewParticipantID(id)
	if err != nil {
		return err
	}
	name, err := domain.NewChannelName(channel)
	if err != nil {
		return err
	}

	ch, err := c.opts.Dialer.Dial(ctx, self, name)
	if err != nil {
		return fmt.Errorf("dial %s: %w", name, err)
	}
	if err := ch.Connect(ctx); err != nil {
		if derr := ch.Disconnect(); derr != nil {
			log.Warn().Str("module", "session").Err(derr).Msg("disconnect after failed connect")
		}
		return fmt.Errorf("connect %s: %w", name, err)
	}

	c.mu.Lock()
	c.self, c.name, c.channel = self, name, ch
	c.dir = directory.New(events.FromDirectory(c.bus))
	c.mu.Unlock()

	if err := c.recompose(ctx, capture, &out); err != nil {
		c.teardown(c.detach(&out))
		return err
	}

	log.Info().Str("module", "session").Str("self", self.String()).Str("channel", name.String()).Msg("prepared")
	c.transition(domain.StatePrepared, &out)
	return nil
}

// Join starts negotiating with the channel.
func (c *Controller) Join(_ context.Context) error {
	var out outbox
	defer out.flush(c.bus)
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() != domain.StatePrepared {
		return domain.ErrInvalidState
	}
	local := c.composer.Current()
	if local.Empty() {
		return domain.ErrNoLocalStream
	}

	c.mu.Lock()
	engine := negotiation.New(negotiation.Config{
		Self:     c.self,
		Topology: c.opts.Topology,
		HubID:    c.opts.HubID,
	}, c.channel, c.opts.Links, c.dir, c.bus)
	c.engine = engine
	c.mu.Unlock()

	if err := engine.Join(local); err != nil {
		return err
	}
	log.Info().Str("module", "session").Str("self", c.self.String()).Str("topology", c.opts.Topology.String()).Msg("joined")
	c.transition(domain.StateJoined, &out)
	return nil
}

// SetStreamConfiguration recaptures the local stream and renegotiates every
// outbound link. On failure the previous stream stays in place. An empty
// configuration drops the local stream.
func (c *Controller) SetStreamConfiguration(ctx context.Context, capture domain.CaptureConfig) error {
	var out outbox
	defer out.flush(c.bus)
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.State() == domain.StateUnprepared {
		return domain.ErrInvalidState
	}
	if err := c.recompose(ctx, capture, &out); err != nil {
		return err
	}
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()
	if engine != nil {
		engine.SetLocalStream(c.composer.Current())
	}
	return nil
}

// Hangup returns to Unprepared from any state. Every link is closed and
// every local unit stopped. It may be called from an event handler.
func (c *Controller) Hangup() {
	var out outbox
	defer out.flush(c.bus)
	c.ops.Lock()
	res := c.detach(&out)
	c.ops.Unlock()
	c.teardown(res)
}

// resources are what a session holds while prepared or joined.
type resources struct {
	engine  *negotiation.Engine
	dir     *directory.Directory
	channel core.SignalingChannel
}

// detach resets the controller to Unprepared and hands back what still has
// to be closed. Callers hold c.ops.
func (c *Controller) detach(out *outbox) resources {
	c.mu.Lock()
	res := resources{engine: c.engine, dir: c.dir, channel: c.channel}
	c.engine, c.dir, c.channel = nil, nil, nil
	c.self, c.name = "", ""
	c.capture = domain.CaptureConfig{}
	c.mu.Unlock()

	c.composer.Release()
	c.transition(domain.StateUnprepared, out)
	return res
}

func (c *Controller) teardown(res resources) {
	if res.engine != nil {
		res.engine.Stop()
	}
	if res.dir != nil {
		res.dir.Close()
	}
	if res.channel != nil {
		if err := res.channel.Disconnect(); err != nil {
			log.Warn().Str("module", "session").Err(err).Msg("disconnect signaling")
		}
	}
}

func (c *Controller) recompose(ctx context.Context, capture domain.CaptureConfig, out *outbox) error {
	if capture.Empty() {
		c.composer.Release()
		c.mu.Lock()
		c.capture = capture
		c.mu.Unlock()
		return nil
	}
	sources, err := c.opts.Capturer.Capture(ctx, capture)
	if err != nil {
		c.mu.RLock()
		self := c.self
		c.mu.RUnlock()
		opErr := &domain.OpError{Op: domain.OpCapture, Participant: self, Topology: c.opts.Topology, Err: err}
		out.add(events.Error{Err: opErr})
		return opErr
	}
	local := c.composer.Compose(sources)

	c.mu.Lock()
	c.capture = capture
	c.mu.Unlock()
	log.Debug().Str("module", "session").Str("stream", local.ID()).Strs("units", local.UnitIDs()).Msg("local stream composed")
	return nil
}

func (c *Controller) transition(to domain.SessionState, out *outbox) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	log.Info().Str("module", "session").Str("from", from.String()).Str("to", to.String()).Msg("state changed")
	out.add(events.StateChanged{From: from, To: to})
}

func (c *Controller) State() domain.SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) Self() domain.ParticipantID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

func (c *Controller) Channel() domain.ChannelName {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Capture returns the configuration the local stream was captured with.
func (c *Controller) Capture() domain.CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capture
}

// Participants returns a snapshot of the known remote participants.
func (c *Controller) Participants() []directory.View {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	if dir == nil {
		return nil
	}
	return dir.Views()
}

// LiveLinks counts transport links that are not closed yet.
func (c *Controller) LiveLinks() int {
	c.mu.RLock()
	dir := c.dir
	c.mu.RUnlock()
	if dir == nil {
		return 0
	}
	return dir.LiveLinks()
}

func (c *Controller) LocalStream() *stream.Composite { return c.composer.Current() }

// Subscribe registers fn for every session event.
func (c *Controller) Subscribe(fn events.Handler) (unsubscribe func()) {
	return c.bus.Subscribe(fn)
}

// Sync waits until the engine has handled everything delivered so far.
func (c *Controller) Sync(ctx context.Context) error {
	c.mu.RLock()
	engine := c.engine
	c.mu.RUnlock()
	if engine == nil {
		return nil
	}
	return engine.Sync(ctx)
}
