package directory

import (
	"sync/atomic"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/pkg/serial"
)

// Link is a transport link bound to its owner, with its own sequential
// task queue. Work for one link never overlaps; different links proceed
// independently.
type Link struct {
	owner     domain.ParticipantID
	dir       domain.Direction
	transport core.TransportLink
	queue     *serial.Queue

	offerPending atomic.Bool
	closed       atomic.Bool
}

func NewLink(owner domain.ParticipantID, dir domain.Direction, t core.TransportLink) *Link {
	return &Link{
		owner:     owner,
		dir:       dir,
		transport: t,
		queue:     serial.New(),
	}
}

func (l *Link) Owner() domain.ParticipantID   { return l.owner }
func (l *Link) Direction() domain.Direction   { return l.dir }
func (l *Link) Transport() core.TransportLink { return l.transport }
func (l *Link) Closed() bool                  { return l.closed.Load() }
func (l *Link) OfferPending() bool            { return l.offerPending.Load() }
func (l *Link) SetOfferPending(pending bool)  { l.offerPending.Store(pending) }

// Do schedules fn on the link queue. fn is skipped when the link closes
// before it starts.
func (l *Link) Do(fn func(core.TransportLink)) bool {
	if l.Closed() {
		return false
	}
	return l.queue.Push(func() {
		if l.Closed() {
			return
		}
		fn(l.transport)
	})
}

// Guard wraps a transport callback so it is dropped once the link is closed.
func Guard[T any](l *Link, fn func(T)) func(T) {
	return func(v T) {
		if l.Closed() {
			return
		}
		fn(v)
	}
}

// Done is closed once the link is closed and the task running at that
// moment, if any, has returned.
func (l *Link) Done() <-chan struct{} { return l.queue.Done() }

// Close discards queued work and closes the transport. It is idempotent.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.queue.Close()
	return l.transport.Close()
}
