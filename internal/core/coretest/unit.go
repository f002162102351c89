// Package coretest provides in-memory stand-ins for the media transport and
// capture capabilities.
package coretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// Unit is a media unit with no backing device.
type Unit struct {
	id      string
	kind    domain.Kind
	stopped atomic.Bool
}

func NewUnit(id string, kind domain.Kind) *Unit {
	return &Unit{id: id, kind: kind}
}

func (u *Unit) ID() string        { return u.id }
func (u *Unit) Kind() domain.Kind { return u.kind }
func (u *Unit) Stop()             { u.stopped.Store(true) }
func (u *Unit) Stopped() bool     { return u.stopped.Load() }

// Forward returns a copy with the same id, the way a hub relays a track.
func (u *Unit) Forward(domain.ParticipantID) (stream.Unit, error) {
	if u.Stopped() {
		return nil, fmt.Errorf("unit %s stopped", u.id)
	}
	return NewUnit(u.id, u.kind), nil
}

func (u *Unit) Unforward(domain.ParticipantID) {}

// Capturer hands out fresh units for each requested source.
type Capturer struct {
	Prefix string
	Err    error

	mu    sync.Mutex
	seq   int
	units []*Unit
}

func (c *Capturer) Capture(_ context.Context, cfg domain.CaptureConfig) ([]stream.Source, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stream.Source
	add := func(intent domain.Intent, kind domain.Kind) {
		c.seq++
		u := NewUnit(fmt.Sprintf("%s%s-%d", c.Prefix, intent, c.seq), kind)
		c.units = append(c.units, u)
		out = append(out, stream.Source{Unit: u, Intent: intent})
	}
	if cfg.Camera {
		add(domain.IntentCamera, domain.KindVideo)
	}
	if cfg.Screen {
		add(domain.IntentScreen, domain.KindVideo)
	}
	if cfg.Microphone {
		add(domain.IntentMicrophone, domain.KindAudio)
	}
	return out, nil
}

// Units returns every unit ever captured.
func (c *Capturer) Units() []*Unit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Unit(nil), c.units...)
}
