package directory

import (
	"maps"
	"sync"

	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

// Participant is one remote peer and the links it owns.
type Participant struct {
	id domain.ParticipantID

	mu       sync.RWMutex
	closed   bool
	links    map[domain.Direction]*Link
	incoming *stream.Composite
	hints    map[string]domain.Intent
	view     map[domain.Intent]*stream.Composite
}

func newParticipant(id domain.ParticipantID) *Participant {
	return &Participant{
		id:       id,
		links:    make(map[domain.Direction]*Link),
		incoming: stream.NewComposite(string(id)),
		hints:    make(map[string]domain.Intent),
		view:     make(map[domain.Intent]*stream.Composite),
	}
}

func (p *Participant) ID() domain.ParticipantID { return p.id }

func (p *Participant) Link(dir domain.Direction) (*Link, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.links[dir]
	return l, ok
}

// SetLink attaches l for its direction and returns the link it replaced.
// A removed participant closes l instead.
func (p *Participant) SetLink(l *Link) *Link {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = l.Close()
		return nil
	}
	defer p.mu.Unlock()
	prev := p.links[l.Direction()]
	p.links[l.Direction()] = l
	return prev
}

// DetachLink removes l if it is still the link for its direction.
// It reports whether any link is left.
func (p *Participant) DetachLink(l *Link) (remaining bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.links[l.Direction()]; ok && cur == l {
		delete(p.links, l.Direction())
	}
	return len(p.links) > 0
}

func (p *Participant) Links() []*Link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.Values(p.links)
}

// Incoming is the composite of units received from this participant.
func (p *Participant) Incoming() *stream.Composite { return p.incoming }

// ApplyHints records intent labels for incoming units and recomputes the
// decomposed view.
func (p *Participant) ApplyHints(hints map[string]domain.Intent) map[domain.Intent]*stream.Composite {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, intent := range hints {
		if !intent.Valid() {
			continue
		}
		p.hints[id] = intent
		p.incoming.Tag(id, intent)
	}
	p.view = stream.Decompose(p.incoming, p.hints)
	return maps.Clone(p.view)
}

// Redecompose rebuilds the view after the incoming composite changed.
func (p *Participant) Redecompose() map[domain.Intent]*stream.Composite {
	return p.ApplyHints(nil)
}

func (p *Participant) Decomposed() map[domain.Intent]*stream.Composite {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.view)
}

// close closes every link and stops every incoming unit.
func (p *Participant) close() {
	p.mu.Lock()
	p.closed = true
	links := lo.Values(p.links)
	p.links = make(map[domain.Direction]*Link)
	p.view = make(map[domain.Intent]*stream.Composite)
	p.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	p.incoming.Stop()
}

// View is a read-only snapshot of a participant.
type View struct {
	ID         domain.ParticipantID
	Directions []domain.Direction
	Incoming   []string
	Streams    map[domain.Intent]*stream.Composite
	User       *stream.Composite
	Display    *stream.Composite
}

func (p *Participant) View() View {
	p.mu.RLock()
	dirs := lo.Keys(p.links)
	view := maps.Clone(p.view)
	p.mu.RUnlock()

	user, display := stream.Split(view)
	return View{
		ID:         p.id,
		Directions: sortDirections(dirs),
		Incoming:   p.incoming.UnitIDs(),
		Streams:    view,
		User:       user,
		Display:    display,
	}
}

func sortDirections(dirs []domain.Direction) []domain.Direction {
	out := make([]domain.Direction, 0, len(dirs))
	for _, d := range []domain.Direction{domain.DirectionOut, domain.DirectionIn} {
		if lo.Contains(dirs, d) {
			out = append(out, d)
		}
	}
	return out
}
