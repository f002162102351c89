// Package loopback is an in-process signaling relay: named rooms, broadcast
// envelopes and enter/leave presence, without a network in between.
package loopback

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type Relay struct {
	mu    sync.RWMutex
	rooms map[domain.ChannelName]*room
}

type room struct {
	members []*Channel
}

func NewRelay() *Relay {
	return &Relay{rooms: make(map[domain.ChannelName]*room)}
}

// CreateRoom is idempotent: it reports whether the room was created now.
func (r *Relay) CreateRoom(name domain.ChannelName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[name]; ok {
		return false
	}
	r.rooms[name] = &room{}
	log.Info().Str("module", "loopback").Str("room", name.String()).Msg("room created")
	return true
}

// SendToRoom delivers env to every member but the sender, and to the
// sender too when includeMe is set.
func (r *Relay) SendToRoom(name domain.ChannelName, from *Channel, env core.Envelope, includeMe bool) {
	r.mu.RLock()
	rm, ok := r.rooms[name]
	var targets []*Channel
	if ok {
		targets = lo.Filter(rm.members, func(c *Channel, _ int) bool { return c != from || includeMe })
	}
	r.mu.RUnlock()

	for _, c := range targets {
		env := env
		env.Data = bytes.Clone(env.Data)
		c.deliver(core.Inbound{Kind: core.InboundEnvelope, Envelope: env})
	}
}

// Members returns the ids present in name.
func (r *Relay) Members(name domain.ChannelName) []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[name]
	if !ok {
		return nil
	}
	return lo.Map(rm.members, func(c *Channel, _ int) domain.ParticipantID { return c.self })
}

func (r *Relay) join(c *Channel) []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm := r.rooms[c.room]
	others := append([]*Channel(nil), rm.members...)
	rm.members = append(rm.members, c)
	return others
}

func (r *Relay) leave(c *Channel) []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[c.room]
	if !ok {
		return nil
	}
	rm.members = lo.Without(rm.members, c)
	return append([]*Channel(nil), rm.members...)
}

// Channel is one participant's view of a relay room.
type Channel struct {
	relay *Relay
	self  domain.ParticipantID
	room  domain.ChannelName

	mu        sync.RWMutex
	connected bool
	next      int
	subs      map[int]func(core.Inbound)
}

var _ core.SignalingChannel = (*Channel)(nil)

func (r *Relay) Channel(self domain.ParticipantID, name domain.ChannelName) *Channel {
	return &Channel{
		relay: r,
		self:  self,
		room:  name,
		subs:  make(map[int]func(core.Inbound)),
	}
}

// Dial returns an unconnected channel for self in name.
func (r *Relay) Dial(_ context.Context, self domain.ParticipantID, name domain.ChannelName) (core.SignalingChannel, error) {
	return r.Channel(self, name), nil
}

func (c *Channel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = true
	c.mu.Unlock()

	c.relay.CreateRoom(c.room)
	for _, o := range c.relay.join(c) {
		o.deliver(core.Inbound{Kind: core.InboundEnter, Peer: c.self})
	}
	return nil
}

func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.mu.Unlock()

	for _, o := range c.relay.leave(c) {
		o.deliver(core.Inbound{Kind: core.InboundLeave, Peer: c.self})
	}
	return nil
}

func (c *Channel) Send(env core.Envelope) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return domain.ErrNotConnected
	}
	c.relay.SendToRoom(c.room, c, env, env.IncludeMe)
	return nil
}

func (c *Channel) Subscribe(fn func(core.Inbound)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Channel) deliver(in core.Inbound) {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return
	}
	ids := lo.Keys(c.subs)
	c.mu.RUnlock()
	slices.Sort(ids)

	for _, id := range ids {
		c.mu.RLock()
		fn, ok := c.subs[id]
		c.mu.RUnlock()
		if ok {
			fn(in)
		}
	}
}
