package stream

import (
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/domain"
)

// Source is one captured unit and the intent it was captured for.
type Source struct {
	Unit   Unit
	Intent domain.Intent
}

// Composer owns the local composite. Each Compose rebuilds it in full.
type Composer struct {
	mu      sync.Mutex
	current *Composite
}

func NewComposer() *Composer {
	return &Composer{}
}

// Compose stops every unit of the previous composite and returns a new one
// built from sources, tagged with their intents.
func (c *Composer) Compose(sources []Source) *Composite {
	next := NewComposite(uuid.NewString())
	for _, s := range sources {
		if s.Unit == nil {
			continue
		}
		next.Add(s.Unit)
		if s.Intent != "" {
			next.Tag(s.Unit.ID(), s.Intent)
		}
	}

	c.mu.Lock()
	prev := c.current
	c.current = next
	c.mu.Unlock()

	prev.Stop()
	return next
}

// Current returns the last composed stream, or nil.
func (c *Composer) Current() *Composite {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Release stops and forgets the current composite.
func (c *Composer) Release() {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	c.mu.Unlock()
	prev.Stop()
}

// Decompose partitions s by intent. When intents is nil the composite's own
// tags are used. Units without a resolved intent appear in no sub-stream.
func Decompose(s *Composite, intents map[string]domain.Intent) map[domain.Intent]*Composite {
	out := make(map[domain.Intent]*Composite)
	if s == nil {
		return out
	}
	if intents == nil {
		intents = s.Intents()
	}
	for _, u := range s.Units() {
		intent, ok := intents[u.ID()]
		if !ok || intent == "" {
			continue
		}
		sub, ok := out[intent]
		if !ok {
			sub = NewComposite(s.ID() + "/" + string(intent))
			out[intent] = sub
		}
		sub.Add(u)
		sub.Tag(u.ID(), intent)
	}
	return out
}

// Split folds a decomposed view into the user stream (camera and
// microphone) and the display stream (screen).
func Split(view map[domain.Intent]*Composite) (user, display *Composite) {
	units := func(intents ...domain.Intent) []Unit {
		return lo.FlatMap(intents, func(in domain.Intent, _ int) []Unit {
			if sub, ok := view[in]; ok {
				return sub.Units()
			}
			return nil
		})
	}
	user = NewComposite("user", units(domain.IntentCamera, domain.IntentMicrophone)...)
	display = NewComposite("display", units(domain.IntentScreen)...)
	return user, display
}
