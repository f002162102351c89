// Package directory keeps the authoritative map of remote participants and
// the transport links each of them owns.
package directory

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/domain"
)

type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
)

// Change is delivered to the observer after a participant is created or
// removed. Participants is the directory content right after the change.
type Change struct {
	Kind         ChangeKind
	Participant  View
	Participants []View
}

type Directory struct {
	mu           sync.RWMutex
	participants map[domain.ParticipantID]*Participant
	order        []domain.ParticipantID
	uplink       *Link
	closed       bool

	onChange func(Change)
}

// New returns an empty directory. onChange may be nil.
func New(onChange func(Change)) *Directory {
	return &Directory{
		participants: make(map[domain.ParticipantID]*Participant),
		onChange:     onChange,
	}
}

// Upsert returns the participant for id, creating it when absent. Once the
// directory is closed it returns a detached participant that closes every
// link attached to it.
func (d *Directory) Upsert(id domain.ParticipantID) (*Participant, bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		p := newParticipant(id)
		p.close()
		return p, false
	}
	if p, ok := d.participants[id]; ok {
		d.mu.Unlock()
		return p, false
	}
	p := newParticipant(id)
	d.participants[id] = p
	d.order = append(d.order, id)
	d.mu.Unlock()

	log.Info().Str("module", "directory").Str("participant", id.String()).Msg("participant added")
	d.notify(Change{Kind: ChangeAdded, Participant: p.View(), Participants: d.Views()})
	return p, true
}

func (d *Directory) Get(id domain.ParticipantID) (*Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[id]
	return p, ok
}

// Remove closes the participant's links, stops its incoming units and
// forgets it.
func (d *Directory) Remove(id domain.ParticipantID) bool {
	d.mu.Lock()
	p, ok := d.participants[id]
	if ok {
		delete(d.participants, id)
		d.order = lo.Without(d.order, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	view := p.View()
	p.close()
	log.Info().Str("module", "directory").Str("participant", id.String()).Msg("participant removed")
	d.notify(Change{Kind: ChangeRemoved, Participant: view, Participants: d.Views()})
	return true
}

// All returns a snapshot in creation order. Later mutations of the
// directory are not visible through it.
func (d *Directory) All() []*Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Map(d.order, func(id domain.ParticipantID, _ int) *Participant {
		return d.participants[id]
	})
}

func (d *Directory) IDs() []domain.ParticipantID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.order)
}

func (d *Directory) Views() []View {
	return lo.Map(d.All(), func(p *Participant, _ int) View { return p.View() })
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.participants)
}

// SetUplink stores the shared hub uplink and returns the one it replaced.
// A closed directory closes l instead.
func (d *Directory) SetUplink(l *Link) *Link {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = l.Close()
		return nil
	}
	defer d.mu.Unlock()
	prev := d.uplink
	d.uplink = l
	return prev
}

func (d *Directory) Uplink() (*Link, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.uplink, d.uplink != nil
}

// DetachUplink forgets l if it is still the current uplink.
func (d *Directory) DetachUplink(l *Link) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.uplink != l {
		return false
	}
	d.uplink = nil
	return true
}

// LiveLinks counts links not yet closed, uplink included.
func (d *Directory) LiveLinks() int {
	n := 0
	if up, ok := d.Uplink(); ok && !up.Closed() {
		n++
	}
	for _, p := range d.All() {
		n += lo.CountBy(p.Links(), func(l *Link) bool { return !l.Closed() })
	}
	return n
}

// Clear removes every participant and closes the uplink.
func (d *Directory) Clear() {
	for _, id := range d.IDs() {
		d.Remove(id)
	}
	d.mu.Lock()
	up := d.uplink
	d.uplink = nil
	d.mu.Unlock()
	if up != nil {
		_ = up.Close()
	}
}

// Close clears the directory for good: later participants and uplinks are
// closed as soon as links are attached to them.
func (d *Directory) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.Clear()
}

func (d *Directory) notify(c Change) {
	if d.onChange != nil {
		d.onChange(c)
	}
}
