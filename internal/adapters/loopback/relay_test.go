package loopback

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
)

type inbox struct {
	mu  sync.Mutex
	got []core.Inbound
}

func (b *inbox) add(in core.Inbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, in)
}

func (b *inbox) all() []core.Inbound {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.Inbound(nil), b.got...)
}

func TestRelay_CreateRoomIsIdempotent(t *testing.T) {
	req := require.New(t)
	relay := NewRelay()

	req.True(relay.CreateRoom("room-01"))
	req.False(relay.CreateRoom("room-01"))
}

func TestChannel_PresenceAndBroadcast(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	relay := NewRelay()

	a := relay.Channel("A", "room-01")
	b := relay.Channel("B", "room-01")
	var aIn, bIn inbox
	a.Subscribe(aIn.add)
	b.Subscribe(bIn.add)

	// Given A then B connect
	req.NoError(a.Connect(ctx))
	req.NoError(b.Connect(ctx))
	req.Equal([]domain.ParticipantID{"A", "B"}, relay.Members("room-01"))

	// Then A saw B enter
	req.Len(aIn.all(), 1)
	req.Equal(core.InboundEnter, aIn.all()[0].Kind)
	req.Equal(domain.ParticipantID("B"), aIn.all()[0].Peer)

	// When A broadcasts without includeMe
	env, err := core.NewEnvelope(core.WordHello, "A", "", nil)
	req.NoError(err)
	req.NoError(a.Send(env))

	// Then only B receives it
	req.Len(aIn.all(), 1)
	req.Len(bIn.all(), 1)
	req.Equal(core.WordHello, bIn.all()[0].Envelope.Word)

	// When A broadcasts with includeMe
	env.IncludeMe = true
	req.NoError(a.Send(env))
	req.Len(aIn.all(), 2)
	req.Len(bIn.all(), 2)

	// When B disconnects
	req.NoError(b.Disconnect())
	req.Equal(core.InboundLeave, aIn.all()[2].Kind)
	req.ErrorIs(b.Send(env), domain.ErrNotConnected)
}

func TestChannel_Unsubscribe(t *testing.T) {
	req := require.New(t)
	relay := NewRelay()
	a := relay.Channel("A", "room-01")
	b := relay.Channel("B", "room-01")
	req.NoError(a.Connect(context.Background()))
	req.NoError(b.Connect(context.Background()))

	var bIn inbox
	unsubscribe := b.Subscribe(bIn.add)
	unsubscribe()

	env, err := core.NewEnvelope(core.WordHello, "A", "", nil)
	req.NoError(err)
	req.NoError(a.Send(env))
	req.Empty(bIn.all())
}
