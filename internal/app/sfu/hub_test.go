package sfu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/adapters/loopback"
	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/app/negotiation"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
	"github.com/dkeye/voicemesh/internal/stream"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	room    = domain.ChannelName("room-01")
)

type hubClient struct {
	engine  *negotiation.Engine
	factory *coretest.Factory
	dir     *directory.Directory
	channel *loopback.Channel
}

func newHubClient(t *testing.T, relay *loopback.Relay, net *coretest.Network, id domain.ParticipantID, local *stream.Composite) *hubClient {
	t.Helper()
	ch := relay.Channel(id, room)
	require.NoError(t, ch.Connect(context.Background()))
	bus := events.NewBus()
	c := &hubClient{
		factory: net.Factory(id),
		dir:     directory.New(events.FromDirectory(bus)),
		channel: ch,
	}
	c.engine = negotiation.New(negotiation.Config{Self: id, Topology: domain.TopologyHub}, ch, c.factory, c.dir, bus)
	t.Cleanup(c.engine.Stop)
	require.NoError(t, c.engine.Join(local))
	return c
}

func startHub(t *testing.T, relay *loopback.Relay, net *coretest.Network) (*Hub, *coretest.Factory) {
	t.Helper()
	f := net.Factory(negotiation.DefaultHubID)
	h := New(negotiation.DefaultHubID, relay.Channel(negotiation.DefaultHubID, room), f)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	return h, f
}

func local(units map[string]domain.Intent, order ...string) *stream.Composite {
	c := stream.NewComposite("local")
	for _, id := range order {
		kind := domain.KindVideo
		if units[id] == domain.IntentMicrophone {
			kind = domain.KindAudio
		}
		c.Add(coretest.NewUnit(id, kind))
		c.Tag(id, units[id])
	}
	return c
}

func snap(h *Hub, id domain.ParticipantID) (ClientSnap, bool) {
	for _, s := range h.Clients() {
		if s.ID == id {
			return s, true
		}
	}
	return ClientSnap{}, false
}

func TestHub_ForwardsPublishedUnitsToLaterClient(t *testing.T) {
	req := require.New(t)
	relay := loopback.NewRelay()
	net := coretest.NewNetwork()
	h, _ := startHub(t, relay, net)

	// Given A publishing a camera and a microphone through the hub
	newHubClient(t, relay, net, "A", local(map[string]domain.Intent{
		"a-cam": domain.IntentCamera,
		"a-mic": domain.IntentMicrophone,
	}, "a-cam", "a-mic"))
	req.Eventually(func() bool {
		s, ok := snap(h, "A")
		return ok && len(s.Published) == 2
	}, waitFor, tick)

	// When B joins with a microphone only
	b := newHubClient(t, relay, net, "B", local(map[string]domain.Intent{"b-mic": domain.IntentMicrophone}, "b-mic"))

	// Then B receives A's units over its downlink and sorts them by intent
	req.Eventually(func() bool {
		p, ok := b.dir.Get("A")
		if !ok {
			return false
		}
		view := p.Decomposed()
		cam, mic := view[domain.IntentCamera], view[domain.IntentMicrophone]
		return cam != nil && mic != nil &&
			len(cam.UnitIDs()) == 1 && cam.UnitIDs()[0] == "a-cam" &&
			len(mic.UnitIDs()) == 1 && mic.UnitIDs()[0] == "a-mic"
	}, waitFor, tick)

	// And the hub carries A to B and B to A
	req.Eventually(func() bool {
		sa, okA := snap(h, "A")
		sb, okB := snap(h, "B")
		return okA && okB &&
			len(sb.Subscribed) == 1 && sb.Subscribed[0] == "A" &&
			len(sa.Subscribed) == 1 && sa.Subscribed[0] == "B"
	}, waitFor, tick)

	down, ok := b.factory.Latest("A", domain.DirectionIn)
	req.True(ok)
	req.Equal(core.ConnectionConnected, down.State(core.SubStateConnection))
}

func TestHub_LeavingClientIsForgotten(t *testing.T) {
	req := require.New(t)
	relay := loopback.NewRelay()
	net := coretest.NewNetwork()
	h, _ := startHub(t, relay, net)

	newHubClient(t, relay, net, "A", local(map[string]domain.Intent{"a-mic": domain.IntentMicrophone}, "a-mic"))
	b := newHubClient(t, relay, net, "B", local(map[string]domain.Intent{"b-mic": domain.IntentMicrophone}, "b-mic"))
	req.Eventually(func() bool {
		sa, ok := snap(h, "A")
		return ok && len(sa.Subscribed) == 1
	}, waitFor, tick)

	// When B leaves the channel
	b.engine.Stop()
	req.NoError(b.channel.Disconnect())

	// Then the hub drops B and the downlink carrying B to A
	req.Eventually(func() bool {
		_, okB := snap(h, "B")
		sa, okA := snap(h, "A")
		return !okB && okA && len(sa.Subscribed) == 0
	}, waitFor, tick)
}

func TestHub_IgnoresTrafficNotAddressedToIt(t *testing.T) {
	req := require.New(t)
	relay := loopback.NewRelay()
	net := coretest.NewNetwork()
	h, _ := startHub(t, relay, net)

	peer := relay.Channel("X", room)
	req.NoError(peer.Connect(context.Background()))

	// When X greets someone else and broadcasts a hello
	env, err := core.NewEnvelope(core.WordHello, "X", "Y", nil)
	req.NoError(err)
	req.NoError(peer.Send(env))
	env.To = ""
	req.NoError(peer.Send(env))

	// Then the hub registers nobody
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	req.NoError(h.Sync(ctx))
	req.Empty(h.Clients())
}

func TestHub_DeadUplinkRemovesClient(t *testing.T) {
	req := require.New(t)
	relay := loopback.NewRelay()
	net := coretest.NewNetwork()
	h, f := startHub(t, relay, net)

	newHubClient(t, relay, net, "A", local(map[string]domain.Intent{"a-mic": domain.IntentMicrophone}, "a-mic"))
	req.Eventually(func() bool {
		s, ok := snap(h, "A")
		return ok && len(s.Published) == 1
	}, waitFor, tick)

	// When the hub side of A's uplink fails
	up, ok := f.Latest("A", domain.DirectionIn)
	req.True(ok)
	up.Fail()

	// Then A is forgotten
	req.Eventually(func() bool {
		_, ok := snap(h, "A")
		return !ok
	}, waitFor, tick)
}
