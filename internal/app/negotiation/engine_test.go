package negotiation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/adapters/loopback"
	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
	"github.com/dkeye/voicemesh/internal/stream"
)

func meshConfig(self domain.ParticipantID) Config {
	return Config{Self: self, Topology: domain.TopologyMesh}
}

func TestEngine_JoinSendsHello(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))

	req.NoError(s.engine.Join(nil))
	s.sync(t)

	hellos := s.sentWith(core.WordHello)
	req.Len(hellos, 1)
	req.True(hellos[0].Broadcast())
	req.Equal(domain.ParticipantID("A"), hellos[0].From)
	req.ErrorIs(s.engine.Join(nil), domain.ErrInvalidState)
}

func TestEngine_HelloWithLocalStreamOffersOnce(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	local := composite(map[string]domain.Intent{"cam": domain.IntentCamera}, "cam")
	req.NoError(s.engine.Join(local))

	// When an unknown participant says hello
	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)

	// Then exactly one participant exists with both links
	req.Equal([]domain.ParticipantID{"B"}, s.dir.IDs())
	p, _ := s.dir.Get("B")
	req.Len(p.Links(), 2)

	// And exactly one offer goes to B carrying the local unit
	req.Eventually(func() bool { return len(s.sentWith(core.WordSDP)) == 1 }, waitFor, tick)
	offer := s.sentWith(core.WordSDP)[0]
	req.Equal(domain.ParticipantID("B"), offer.To)
	var desc webrtc.SessionDescription
	req.NoError(offer.Decode(&desc))
	req.Equal(webrtc.SDPTypeOffer, desc.Type)
	out := s.link(t, "B", domain.DirectionOut)
	req.Equal(1, out.Calls("CreateOffer"))
	req.Equal([]string{"cam"}, out.Tracks())
	req.Equal(1, s.events.count(events.KindParticipantAdded))
}

func TestEngine_HelloWithoutLocalStreamDoesNotOffer(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(stream.NewComposite("empty")))

	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)

	req.Equal(1, s.dir.Len())
	req.Equal(0, s.link(t, "B", domain.DirectionOut).Calls("CreateOffer"))
	req.Empty(s.sentWith(core.WordSDP))
}

func TestEngine_DropsSelfAndMisaddressedEnvelopes(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))

	s.deliver(t, core.WordHello, "A", "", nil)
	s.deliver(t, core.WordHello, "B", "C", nil)
	s.deliver(t, "chat", "B", "", map[string]string{"text": "hi"})
	s.sync(t)

	req.Zero(s.dir.Len())
	req.Empty(s.factory.Links())
}

func TestEngine_UnmatchedAnswerIsNoOp(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))

	// Given B is known but no offer was sent to it
	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)
	out := s.link(t, "B", domain.DirectionOut)

	// When B sends an answer, followed by a candidate for the same link
	s.deliver(t, core.WordSDP, "B", "A", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"})
	s.deliver(t, core.WordCandidate, "B", "A", candidatePayload{
		ICECandidateInit: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"},
		Direction:        domain.DirectionIn,
	})

	// Then the candidate ran after the answer and the answer changed nothing
	req.Eventually(func() bool { return out.Calls("AddICECandidate") == 1 }, waitFor, tick)
	req.Zero(out.Calls("SetRemoteDescription"))
	req.Nil(out.RemoteDescription())
	req.Empty(s.events.errors())
}

func TestEngine_OfferFromUnknownSenderIsImplicitHello(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	local := composite(map[string]domain.Intent{"mic": domain.IntentMicrophone}, "mic")
	req.NoError(s.engine.Join(local))

	s.deliver(t, core.WordSDP, "B", "A", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=B->A\r\n"})

	// Then B exists, the offer is answered on the inbound link and A offers back
	req.Eventually(func() bool { return len(s.sentWith(core.WordSDP)) == 2 }, waitFor, tick)
	in := s.link(t, "B", domain.DirectionIn)
	req.Equal("v=0\r\ns=B->A\r\n", in.RemoteDescription().SDP)
	req.NotNil(in.LocalDescription())
	req.Equal(webrtc.SDPTypeAnswer, in.LocalDescription().Type)
	req.Equal(1, s.link(t, "B", domain.DirectionOut).Calls("CreateOffer"))
}

func TestEngine_CandidateDirectionPicksPairedLink(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))
	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)

	fromOut := candidatePayload{ICECandidateInit: webrtc.ICECandidateInit{Candidate: "candidate:out"}, Direction: domain.DirectionOut}
	legacy := candidatePayload{ICECandidateInit: webrtc.ICECandidateInit{Candidate: "candidate:legacy"}}
	s.deliver(t, core.WordCandidate, "B", "A", fromOut)
	s.deliver(t, core.WordCandidate, "B", "A", legacy)

	in := s.link(t, "B", domain.DirectionIn)
	out := s.link(t, "B", domain.DirectionOut)
	req.Eventually(func() bool { return len(in.Candidates()) == 1 && len(out.Candidates()) == 1 }, waitFor, tick)
	req.Equal("candidate:out", in.Candidates()[0].Candidate)
	req.Equal("candidate:legacy", out.Candidates()[0].Candidate)
}

func TestEngine_LocalStreamChangeRenegotiatesEachOutboundLinkOnce(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(composite(map[string]domain.Intent{"cam-1": domain.IntentCamera}, "cam-1")))

	peers := []domain.ParticipantID{"B", "C", "D"}
	for _, id := range peers {
		s.deliver(t, core.WordHello, id, "", nil)
	}
	req.Eventually(func() bool { return len(s.sentWith(core.WordSDP)) == len(peers) }, waitFor, tick)

	// When the local stream changes
	s.engine.SetLocalStream(composite(map[string]domain.Intent{"cam-2": domain.IntentCamera, "mic-2": domain.IntentMicrophone}, "cam-2", "mic-2"))

	// Then every outbound link offers exactly once more and no inbound link offers
	req.Eventually(func() bool { return len(s.sentWith(core.WordSDP)) == 2*len(peers) }, waitFor, tick)
	s.sync(t)
	for _, id := range peers {
		out := s.link(t, id, domain.DirectionOut)
		req.Equal(2, out.Calls("CreateOffer"))
		req.Equal([]string{"cam-2", "mic-2"}, out.Tracks())
		req.Zero(s.link(t, id, domain.DirectionIn).Calls("CreateOffer"))
	}
}

func TestEngine_NeedContentHintRepliesWithKnownIDsOnly(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(composite(map[string]domain.Intent{"t1": domain.IntentScreen}, "t1")))

	s.deliver(t, core.WordNeedContentHint, "B", "A", []string{"t1", "t2"})
	s.sync(t)

	replies := s.sentWith(core.WordContentHint)
	req.Len(replies, 1)
	req.Equal(domain.ParticipantID("B"), replies[0].To)
	var hints map[string]domain.Intent
	req.NoError(replies[0].Decode(&hints))
	req.Equal(map[string]domain.Intent{"t1": domain.IntentScreen}, hints)
	req.NotContains(hints, "t2")
}

func TestEngine_FailedStepEmitsOpErrorScopedToLink(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))
	s.deliver(t, core.WordHello, "B", "", nil)
	s.deliver(t, core.WordHello, "C", "", nil)
	s.sync(t)

	cause := errors.New("dtls fingerprint mismatch")
	s.link(t, "B", domain.DirectionIn).FailOn("SetRemoteDescription", cause)

	// When both send offers
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	s.deliver(t, core.WordSDP, "B", "A", offer)
	s.deliver(t, core.WordSDP, "C", "A", offer)

	// Then B's failure is reported with context and C is still answered
	req.Eventually(func() bool { return len(s.events.errors()) == 1 }, waitFor, tick)
	opErr := s.events.errors()[0]
	req.Equal(domain.OpAnswerOffer, opErr.Op)
	req.Equal(domain.ParticipantID("B"), opErr.Participant)
	req.Equal(domain.DirectionIn, opErr.Direction)
	req.Equal(domain.TopologyMesh, opErr.Topology)
	req.ErrorIs(opErr, cause)

	req.Eventually(func() bool {
		for _, env := range s.sentWith(core.WordSDP) {
			if env.To == "C" {
				return true
			}
		}
		return false
	}, waitFor, tick)
	req.Equal(2, s.dir.Len())
}

func TestEngine_TerminalLinksRemoveParticipantWhenLastOneDies(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))
	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)

	// When the outbound link fails
	out := s.link(t, "B", domain.DirectionOut)
	out.Fail()
	s.sync(t)

	// Then it is closed and detached but B stays
	req.True(out.IsClosed())
	p, ok := s.dir.Get("B")
	req.True(ok)
	_, hasOut := p.Link(domain.DirectionOut)
	req.False(hasOut)

	// When the inbound link fails too
	s.link(t, "B", domain.DirectionIn).Fail()
	s.sync(t)

	// Then B is gone
	req.Zero(s.dir.Len())
	req.Equal(1, s.events.count(events.KindParticipantRemoved))
	req.Zero(s.dir.LiveLinks())
}

func TestEngine_PresenceLeaveRemovesParticipant(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))
	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)

	s.presence(core.InboundLeave, "B")
	s.sync(t)

	req.Zero(s.dir.Len())
	req.True(s.link(t, "B", domain.DirectionIn).IsClosed())
	req.True(s.link(t, "B", domain.DirectionOut).IsClosed())
}

func TestEngine_RepeatedHelloReplacesParticipant(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))

	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)
	first := s.link(t, "B", domain.DirectionOut)

	s.deliver(t, core.WordHello, "B", "", nil)
	s.sync(t)

	req.Equal(1, s.dir.Len())
	req.True(first.IsClosed())
	req.NotSame(first, s.link(t, "B", domain.DirectionOut))
}

func TestEngine_StopClosesEverything(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	req.NoError(s.engine.Join(nil))
	s.deliver(t, core.WordHello, "B", "", nil)
	s.deliver(t, core.WordHello, "C", "", nil)
	s.sync(t)

	s.engine.Stop()

	req.Zero(s.dir.Len())
	for _, l := range s.factory.Links() {
		req.True(l.IsClosed())
	}
	req.ErrorIs(s.engine.Sync(context.Background()), domain.ErrClosed)
}

// Two sessions on one relay and one simulated network.
type meshPeer struct {
	engine  *Engine
	factory *coretest.Factory
	dir     *directory.Directory
	channel *loopback.Channel
}

func newMeshPeer(t *testing.T, relay *loopback.Relay, net *coretest.Network, id domain.ParticipantID, local *stream.Composite) *meshPeer {
	t.Helper()
	ch := relay.Channel(id, "room-01")
	require.NoError(t, ch.Connect(context.Background()))
	bus := events.NewBus()
	p := &meshPeer{
		factory: net.Factory(id),
		dir:     directory.New(events.FromDirectory(bus)),
		channel: ch,
	}
	p.engine = New(meshConfig(id), ch, p.factory, p.dir, bus)
	t.Cleanup(p.engine.Stop)
	require.NoError(t, p.engine.Join(local))
	return p
}

func TestEngine_TwoSessionsConnectInRoom(t *testing.T) {
	req := require.New(t)
	relay := loopback.NewRelay()
	net := coretest.NewNetwork()

	b := newMeshPeer(t, relay, net, "B", composite(map[string]domain.Intent{"b-cam": domain.IntentCamera}, "b-cam"))
	a := newMeshPeer(t, relay, net, "A", composite(map[string]domain.Intent{
		"a-cam": domain.IntentCamera,
		"a-mic": domain.IntentMicrophone,
	}, "a-cam", "a-mic"))

	// Then B knows exactly A and A knows exactly B
	req.Eventually(func() bool { return len(b.dir.IDs()) == 1 && b.dir.IDs()[0] == "A" }, waitFor, tick)
	req.Eventually(func() bool { return len(a.dir.IDs()) == 1 && a.dir.IDs()[0] == "B" }, waitFor, tick)

	// And B's offer reached A's inbound link and both sides connected
	bOut := func() *coretest.Link { l, _ := b.factory.Latest("A", domain.DirectionOut); return l }
	aIn := func() *coretest.Link { l, _ := a.factory.Latest("B", domain.DirectionIn); return l }
	req.Eventually(func() bool {
		return bOut().State(core.SubStateConnection) == core.ConnectionConnected &&
			aIn().State(core.SubStateConnection) == core.ConnectionConnected
	}, waitFor, tick)
	req.Equal(bOut().LocalDescription().SDP, aIn().RemoteDescription().SDP)
	req.Equal(bOut().RemoteDescription().SDP, aIn().LocalDescription().SDP)

	// And B decomposes A's units by the hinted intents
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

	view := b.engine.Participants()[0]
	req.Equal([]string{"a-cam", "a-mic"}, view.User.UnitIDs())
	req.True(view.Display.Empty())
}

// holdInbound parks SetRemoteDescription on the next inbound link the
// factory creates and hands that link over once the call has started.
func holdInbound(s *scripted) (held <-chan *coretest.Link, release func()) {
	ch := make(chan *coretest.Link, 1)
	var (
		mu  sync.Mutex
		rel func()
	)
	s.factory.Created = func(l *coretest.Link) {
		if l.Dir != domain.DirectionIn {
			return
		}
		entered, r := l.Hold("SetRemoteDescription")
		mu.Lock()
		rel = r
		mu.Unlock()
		go func() {
			<-entered
			ch <- l
		}()
	}
	return ch, func() {
		mu.Lock()
		defer mu.Unlock()
		if rel != nil {
			rel()
		}
	}
}

func waitHeld(t *testing.T, held <-chan *coretest.Link) *coretest.Link {
	t.Helper()
	select {
	case l := <-held:
		return l
	case <-time.After(waitFor):
		require.FailNow(t, "answer chain did not start")
		return nil
	}
}

func TestEngine_CandidateWaitsForRunningAnswer(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	held, release := holdInbound(s)
	defer release()
	req.NoError(s.engine.Join(nil))

	// Given B's offer is being applied on the inbound link
	s.deliver(t, core.WordSDP, "B", "A", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=B->A\r\n"})
	in := waitHeld(t, held)

	// When a candidate for that link arrives mid-chain
	s.deliver(t, core.WordCandidate, "B", "A", candidatePayload{
		ICECandidateInit: webrtc.ICECandidateInit{Candidate: "candidate:early"},
		Direction:        domain.DirectionOut,
	})
	s.sync(t)

	// Then it waits for the chain
	req.Zero(in.Calls("AddICECandidate"))
	req.Empty(s.sentWith(core.WordSDP))

	// And is applied only after the answer went out
	release()
	req.Eventually(func() bool { return in.Calls("AddICECandidate") == 1 }, waitFor, tick)
	req.Equal([]string{"SetRemoteDescription", "CreateAnswer", "SetLocalDescription", "AddICECandidate"}, in.Order())
	req.Len(s.sentWith(core.WordSDP), 1)
}

func TestEngine_StopDiscardsRunningChain(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	held, release := holdInbound(s)
	defer release()
	req.NoError(s.engine.Join(nil))

	// Given an answer chain in flight with a candidate queued behind it
	s.deliver(t, core.WordSDP, "B", "A", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=B->A\r\n"})
	in := waitHeld(t, held)
	p, ok := s.dir.Get("B")
	req.True(ok)
	link, ok := p.Link(domain.DirectionIn)
	req.True(ok)
	s.deliver(t, core.WordCandidate, "B", "A", candidatePayload{
		ICECandidateInit: webrtc.ICECandidateInit{Candidate: "candidate:late"},
		Direction:        domain.DirectionOut,
	})
	s.sync(t)

	// When the engine stops before the chain resumes
	s.engine.Stop()
	release()

	// Then no later step of the chain runs
	select {
	case <-link.Done():
	case <-time.After(waitFor):
		req.FailNow("link queue did not drain")
	}
	req.True(in.IsClosed())
	req.Zero(in.Calls("CreateAnswer"))
	req.Zero(in.Calls("SetLocalDescription"))
	req.Zero(in.Calls("AddICECandidate"))
	req.Empty(s.sentWith(core.WordSDP))
	req.Empty(s.sentWith(core.WordCandidate))
}

func TestEngine_StopFromEventHandler(t *testing.T) {
	req := require.New(t)
	s := newScripted(t, meshConfig("A"))
	var once sync.Once
	s.bus.Subscribe(func(e events.Event) {
		if e.Kind() == events.KindParticipantAdded {
			once.Do(s.engine.Stop)
		}
	})
	req.NoError(s.engine.Join(composite(map[string]domain.Intent{"cam": domain.IntentCamera}, "cam")))

	// When a handler stops the engine while the loop creates B
	s.deliver(t, core.WordHello, "B", "", nil)

	// Then the loop winds down and nothing is left open
	req.Eventually(func() bool {
		return errors.Is(s.engine.Sync(context.Background()), domain.ErrClosed)
	}, waitFor, tick)
	req.Eventually(func() bool {
		links := s.factory.Links()
		for _, l := range links {
			if !l.IsClosed() {
				return false
			}
		}
		return len(links) == 2
	}, waitFor, tick)
	req.Zero(s.dir.Len())
	req.Empty(s.sentWith(core.WordSDP))
}
