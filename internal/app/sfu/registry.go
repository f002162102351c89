package sfu

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// downlink carries one publisher's forwarded units to one subscriber.
type downlink struct {
	link  *directory.Link
	units map[string]stream.Unit
}

type client struct {
	id        domain.ParticipantID
	uplink    *directory.Link
	published *stream.Composite
	downlinks map[domain.ParticipantID]*downlink
}

// ClientSnap is a read-only view of one connected client.
type ClientSnap struct {
	ID         domain.ParticipantID
	Published  []string
	Subscribed []domain.ParticipantID
	HasUplink  bool
	LiveLinks  int
}

// Registry tracks hub clients in join order.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.ParticipantID]*client
	order   []domain.ParticipantID
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.ParticipantID]*client)}
}

func (r *Registry) GetOrCreate(id domain.ParticipantID) (*client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok {
		return c, false
	}
	c := &client{
		id:        id,
		published: stream.NewComposite(string(id)),
		downlinks: make(map[domain.ParticipantID]*downlink),
	}
	r.clients[id] = c
	r.order = append(r.order, id)
	log.Info().Str("module", "sfu.registry").Str("client", id.String()).Msg("client registered")
	return c, true
}

func (r *Registry) Get(id domain.ParticipantID) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Remove forgets id and returns its entry for cleanup.
func (r *Registry) Remove(id domain.ParticipantID) (*client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}
	delete(r.clients, id)
	r.order = lo.Without(r.order, id)
	log.Info().Str("module", "sfu.registry").Str("client", id.String()).Msg("client removed")
	return c, true
}

// Others returns every client but id, in join order.
func (r *Registry) Others(id domain.ParticipantID) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.order))
	for _, cid := range r.order {
		if cid != id {
			out = append(out, r.clients[cid])
		}
	}
	return out
}

// The setters below run on the hub loop; they lock so Snapshot can read
// concurrently.

func (r *Registry) SetUplink(c *client, l *directory.Link) *directory.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := c.uplink
	c.uplink = l
	return prev
}

func (r *Registry) SetDownlink(c *client, pub domain.ParticipantID, d *downlink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.downlinks[pub] = d
}

func (r *Registry) DeleteDownlink(c *client, pub domain.ParticipantID) (*downlink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := c.downlinks[pub]
	delete(c.downlinks, pub)
	return d, ok
}

func (r *Registry) IDs() []domain.ParticipantID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) All() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id domain.ParticipantID, _ int) *client { return r.clients[id] })
}

// Snapshot is safe to call from any goroutine.
func (r *Registry) Snapshot() []ClientSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Map(r.order, func(id domain.ParticipantID, _ int) ClientSnap {
		c := r.clients[id]
		live := 0
		if c.uplink != nil && !c.uplink.Closed() {
			live++
		}
		subscribed := lo.Keys(c.downlinks)
		slices.Sort(subscribed)
		for _, d := range c.downlinks {
			if !d.link.Closed() {
				live++
			}
		}
		return ClientSnap{
			ID:         id,
			Published:  c.published.UnitIDs(),
			Subscribed: subscribed,
			HasUplink:  c.uplink != nil,
			LiveLinks:  live,
		}
	})
}
