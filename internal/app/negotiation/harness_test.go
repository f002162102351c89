package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/core/mocks"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
	"github.com/dkeye/voicemesh/internal/stream"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// recorder keeps every event published on a bus.
type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got = append(r.got, e)
	})
	return r
}

func (r *recorder) errors() []*domain.OpError {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OpError
	for _, e := range r.got {
		if ev, ok := e.(events.Error); ok {
			if opErr, ok := ev.Err.(*domain.OpError); ok {
				out = append(out, opErr)
			}
		}
	}
	return out
}

func (r *recorder) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.got {
		if e.Kind() == kind {
			n++
		}
	}
	return n
}

// scripted is an engine wired to a mocked channel: the test plays the
// remote side by injecting inbound items and reading sent envelopes.
type scripted struct {
	engine  *Engine
	factory *coretest.Factory
	dir     *directory.Directory
	bus     *events.Bus
	events  *recorder

	mu      sync.Mutex
	inbound func(core.Inbound)
	sent    []core.Envelope
}

func newScripted(t *testing.T, cfg Config) *scripted {
	t.Helper()
	ctrl := gomock.NewController(t)
	channel := mocks.NewMockSignalingChannel(ctrl)

	s := &scripted{factory: coretest.NewNetwork().Factory(cfg.Self)}
	channel.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn func(core.Inbound)) func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inbound = fn
		return func() {}
	}).Times(1)
	channel.EXPECT().Send(gomock.Any()).DoAndReturn(func(env core.Envelope) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sent = append(s.sent, env)
		return nil
	}).AnyTimes()

	bus := events.NewBus()
	s.bus = bus
	s.events = record(bus)
	s.dir = directory.New(events.FromDirectory(bus))
	s.engine = New(cfg, channel, s.factory, s.dir, bus)
	t.Cleanup(s.engine.Stop)
	return s
}

func (s *scripted) deliver(t *testing.T, word string, from, to domain.ParticipantID, data any) {
	t.Helper()
	env, err := core.NewEnvelope(word, from, to, data)
	require.NoError(t, err)
	s.deliverEnvelope(env)
}

func (s *scripted) deliverEnvelope(env core.Envelope) {
	s.mu.Lock()
	fn := s.inbound
	s.mu.Unlock()
	fn(core.Inbound{Kind: core.InboundEnvelope, Envelope: env})
}

func (s *scripted) presence(kind core.InboundKind, peer domain.ParticipantID) {
	s.mu.Lock()
	fn := s.inbound
	s.mu.Unlock()
	fn(core.Inbound{Kind: kind, Peer: peer})
}

func (s *scripted) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, s.engine.Sync(ctx))
}

// sentWith returns the envelopes sent so far with the given word.
func (s *scripted) sentWith(word string) []core.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Envelope
	for _, env := range s.sent {
		if env.Word == word {
			out = append(out, env)
		}
	}
	return out
}

func (s *scripted) link(t *testing.T, owner domain.ParticipantID, dir domain.Direction) *coretest.Link {
	t.Helper()
	l, ok := s.factory.Latest(owner, dir)
	require.True(t, ok, "no %s link for %s", dir, owner)
	return l
}

// composite builds a local stream of fake units tagged with intents.
func composite(tags map[string]domain.Intent, order ...string) *stream.Composite {
	var sources []stream.Source
	for _, id := range order {
		kind := domain.KindVideo
		if tags[id] == domain.IntentMicrophone {
			kind = domain.KindAudio
		}
		sources = append(sources, stream.Source{Unit: coretest.NewUnit(id, kind), Intent: tags[id]})
	}
	return stream.NewComposer().Compose(sources)
}
