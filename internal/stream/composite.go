// Package stream composes outbound media units into one composite stream and
// splits inbound composites back into per-intent sub-streams.
package stream

import (
	"maps"
	"sync"

	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Unit is one media track contributed to or received in a composite.
type Unit interface {
	ID() string
	Kind() domain.Kind
	// Stop releases the underlying source. It must be idempotent.
	Stop()
}

// Composite is an ordered, intent-tagged collection of units.
// It is safe for concurrent use.
type Composite struct {
	id string

	mu      sync.RWMutex
	units   []Unit
	intents map[string]domain.Intent
}

func NewComposite(id string, units ...Unit) *Composite {
	c := &Composite{
		id:      id,
		intents: make(map[string]domain.Intent),
	}
	for _, u := range units {
		c.Add(u)
	}
	return c
}

func (c *Composite) ID() string { return c.id }

// Units returns a copy of the units in insertion order.
func (c *Composite) Units() []Unit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Unit, len(c.units))
	copy(out, c.units)
	return out
}

func (c *Composite) UnitIDs() []string {
	return lo.Map(c.Units(), func(u Unit, _ int) string { return u.ID() })
}

func (c *Composite) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.units)
}

func (c *Composite) Empty() bool { return c == nil || c.Len() == 0 }

func (c *Composite) Unit(id string) (Unit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Find(c.units, func(u Unit) bool { return u.ID() == id })
}

// Add appends u unless a unit with the same id is already present.
func (c *Composite) Add(u Unit) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lo.ContainsBy(c.units, func(x Unit) bool { return x.ID() == u.ID() }) {
		return false
	}
	c.units = append(c.units, u)
	return true
}

// Remove drops the unit with the given id and its intent tag.
func (c *Composite) Remove(id string) (Unit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range c.units {
		if u.ID() == id {
			c.units = append(c.units[:i:i], c.units[i+1:]...)
			delete(c.intents, id)
			return u, true
		}
	}
	return nil, false
}

// Tag labels a present unit with an intent. Unknown ids are ignored.
func (c *Composite) Tag(id string, intent domain.Intent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !lo.ContainsBy(c.units, func(u Unit) bool { return u.ID() == id }) {
		return false
	}
	c.intents[id] = intent
	return true
}

func (c *Composite) Intent(id string) (domain.Intent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	in, ok := c.intents[id]
	return in, ok
}

// Intents returns a copy of the unit id to intent map.
func (c *Composite) Intents() map[string]domain.Intent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.intents)
}

// Stop stops every unit.
func (c *Composite) Stop() {
	if c == nil {
		return
	}
	for _, u := range c.Units() {
		u.Stop()
	}
}
