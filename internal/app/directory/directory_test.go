package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
)

func newTestLink(t *testing.T, f *coretest.Factory, owner domain.ParticipantID, dir domain.Direction) (*Link, *coretest.Link) {
	t.Helper()
	tl, err := f.NewLink(owner, dir)
	require.NoError(t, err)
	return NewLink(owner, dir, tl), tl.(*coretest.Link)
}

func TestDirectory_UpsertRemoveNotify(t *testing.T) {
	req := require.New(t)
	var changes []Change
	d := New(func(c Change) { changes = append(changes, c) })

	// Given two participants
	b, created := d.Upsert("B")
	req.True(created)
	_, created = d.Upsert("C")
	req.True(created)
	again, created := d.Upsert("B")
	req.False(created)
	req.Same(b, again)
	req.Equal([]domain.ParticipantID{"B", "C"}, d.IDs())

	// When B is removed
	req.True(d.Remove("B"))
	req.False(d.Remove("B"))

	// Then observers saw two additions and one removal with the content after each
	req.Len(changes, 3)
	req.Equal(ChangeAdded, changes[0].Kind)
	req.Equal(ChangeRemoved, changes[2].Kind)
	req.Equal(domain.ParticipantID("B"), changes[2].Participant.ID)
	req.Len(changes[2].Participants, 1)
	req.Equal(domain.ParticipantID("C"), changes[2].Participants[0].ID)
}

func TestDirectory_RemoveClosesLinksAndStopsIncoming(t *testing.T) {
	req := require.New(t)
	f := coretest.NewNetwork().Factory("A")
	d := New(nil)

	p, _ := d.Upsert("B")
	out, outT := newTestLink(t, f, "B", domain.DirectionOut)
	in, inT := newTestLink(t, f, "B", domain.DirectionIn)
	p.SetLink(out)
	p.SetLink(in)
	unit := coretest.NewUnit("u1", domain.KindAudio)
	p.Incoming().Add(unit)
	req.Equal(2, d.LiveLinks())

	d.Remove("B")

	req.True(outT.IsClosed())
	req.True(inT.IsClosed())
	req.True(unit.Stopped())
	req.Zero(d.LiveLinks())
}

func TestDirectory_UplinkLifecycle(t *testing.T) {
	req := require.New(t)
	f := coretest.NewNetwork().Factory("A")
	d := New(nil)

	up, upT := newTestLink(t, f, "hub", domain.DirectionOut)
	req.Nil(d.SetUplink(up))
	req.Equal(1, d.LiveLinks())

	other, _ := newTestLink(t, f, "hub", domain.DirectionOut)
	req.False(d.DetachUplink(other))

	d.Clear()
	req.True(upT.IsClosed())
	_, ok := d.Uplink()
	req.False(ok)
}

func TestParticipant_DetachLinkReportsRemaining(t *testing.T) {
	req := require.New(t)
	f := coretest.NewNetwork().Factory("A")
	p := newParticipant("B")
	out, _ := newTestLink(t, f, "B", domain.DirectionOut)
	in, _ := newTestLink(t, f, "B", domain.DirectionIn)
	p.SetLink(out)
	p.SetLink(in)

	stale, _ := newTestLink(t, f, "B", domain.DirectionOut)
	req.True(p.DetachLink(stale))
	req.Len(p.Links(), 2)

	req.True(p.DetachLink(out))
	req.False(p.DetachLink(in))
	req.Equal([]domain.Direction{}, p.View().Directions)
}

func TestParticipant_HintsSurviveLateUnits(t *testing.T) {
	req := require.New(t)
	p := newParticipant("B")
	p.Incoming().Add(coretest.NewUnit("cam", domain.KindVideo))

	// Given hints for a present and a not yet received unit
	view := p.ApplyHints(map[string]domain.Intent{
		"cam":   domain.IntentCamera,
		"scr":   domain.IntentScreen,
		"bogus": domain.Intent("hologram"),
	})
	req.Len(view, 1)

	// When the screen unit arrives
	p.Incoming().Add(coretest.NewUnit("scr", domain.KindVideo))
	view = p.Redecompose()

	// Then it is decomposed with the earlier hint
	req.Equal([]string{"scr"}, view[domain.IntentScreen].UnitIDs())
	v := p.View()
	req.Equal([]string{"cam"}, v.User.UnitIDs())
	req.Equal([]string{"scr"}, v.Display.UnitIDs())
	req.Equal([]string{"cam", "scr"}, v.Incoming)
}

func TestLink_DoSkipsWorkAfterClose(t *testing.T) {
	req := require.New(t)
	f := coretest.NewNetwork().Factory("A")
	l, tl := newTestLink(t, f, "B", domain.DirectionOut)

	ran := make(chan struct{})
	req.True(l.Do(func(core.TransportLink) { close(ran) }))
	<-ran

	req.NoError(l.Close())
	req.NoError(l.Close())
	req.True(tl.IsClosed())
	req.False(l.Do(func(core.TransportLink) { t.Error("ran after close") }))

	called := false
	Guard(l, func(string) { called = true })("x")
	req.False(called)
}

func TestDirectory_ClosedDirectoryClosesLateLinks(t *testing.T) {
	req := require.New(t)
	f := coretest.NewNetwork().Factory("A")
	var changes []Change
	d := New(func(c Change) { changes = append(changes, c) })
	d.Upsert("B")

	// When the directory is closed
	d.Close()
	req.Zero(d.Len())
	seen := len(changes)

	// Then participants and uplinks attached afterwards never stay open
	p, created := d.Upsert("C")
	req.False(created)
	l, tl := newTestLink(t, f, "C", domain.DirectionOut)
	p.SetLink(l)
	req.True(tl.IsClosed())
	req.True(l.Closed())

	up, upT := newTestLink(t, f, "hub", domain.DirectionOut)
	req.Nil(d.SetUplink(up))
	req.True(upT.IsClosed())

	req.Zero(d.Len())
	req.Len(changes, seen)
}
