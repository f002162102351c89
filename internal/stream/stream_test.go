package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/domain"
)

type fakeUnit struct {
	id      string
	kind    domain.Kind
	stopped int
}

func (u *fakeUnit) ID() string        { return u.id }
func (u *fakeUnit) Kind() domain.Kind { return u.kind }
func (u *fakeUnit) Stop()             { u.stopped++ }

func video(id string) *fakeUnit { return &fakeUnit{id: id, kind: domain.KindVideo} }
func audio(id string) *fakeUnit { return &fakeUnit{id: id, kind: domain.KindAudio} }

func TestComposite_AddDedupesAndKeepsOrder(t *testing.T) {
	req := require.New(t)
	c := NewComposite("c", video("v1"), audio("a1"))

	req.False(c.Add(video("v1")))
	req.True(c.Add(video("v2")))
	req.Equal([]string{"v1", "a1", "v2"}, c.UnitIDs())

	u, ok := c.Remove("a1")
	req.True(ok)
	req.Equal("a1", u.ID())
	_, ok = c.Remove("a1")
	req.False(ok)
	req.Equal([]string{"v1", "v2"}, c.UnitIDs())
}

func TestComposite_TagOnlyPresentUnits(t *testing.T) {
	req := require.New(t)
	c := NewComposite("c", video("v1"))

	req.True(c.Tag("v1", domain.IntentScreen))
	req.False(c.Tag("ghost", domain.IntentCamera))
	req.Equal(map[string]domain.Intent{"v1": domain.IntentScreen}, c.Intents())

	// removing a unit drops its tag
	c.Remove("v1")
	_, ok := c.Intent("v1")
	req.False(ok)
}

func TestComposite_EmptyIsNilSafe(t *testing.T) {
	req := require.New(t)
	var c *Composite

	req.True(c.Empty())
	req.NotPanics(c.Stop)
	req.True(NewComposite("c").Empty())
}

func TestComposer_ComposeReplacesAndStopsPrevious(t *testing.T) {
	req := require.New(t)
	composer := NewComposer()
	cam, mic := video("cam"), audio("mic")

	// Given a first composite
	first := composer.Compose([]Source{{Unit: cam, Intent: domain.IntentCamera}, {Unit: mic, Intent: domain.IntentMicrophone}})
	req.Equal([]string{"cam", "mic"}, first.UnitIDs())
	req.NotEmpty(first.ID())

	// When composing again
	screen := video("screen")
	second := composer.Compose([]Source{{Unit: screen, Intent: domain.IntentScreen}, {Unit: nil}})

	// Then the old units are stopped exactly once and the new one is current
	req.Equal(1, cam.stopped)
	req.Equal(1, mic.stopped)
	req.Zero(screen.stopped)
	req.Same(second, composer.Current())
	req.NotEqual(first.ID(), second.ID())

	composer.Release()
	req.Equal(1, screen.stopped)
	req.Nil(composer.Current())
}

func TestDecompose_RoundTripsComposedIntents(t *testing.T) {
	req := require.New(t)
	s := NewComposer().Compose([]Source{
		{Unit: video("cam"), Intent: domain.IntentCamera},
		{Unit: audio("mic"), Intent: domain.IntentMicrophone},
		{Unit: video("scr"), Intent: domain.IntentScreen},
		{Unit: video("untagged")},
	})

	view := Decompose(s, nil)

	req.Len(view, 3)
	req.Equal([]string{"cam"}, view[domain.IntentCamera].UnitIDs())
	req.Equal([]string{"mic"}, view[domain.IntentMicrophone].UnitIDs())
	req.Equal([]string{"scr"}, view[domain.IntentScreen].UnitIDs())
	req.Equal(s.ID()+"/screen", view[domain.IntentScreen].ID())
}

func TestDecompose_ExplicitIntentsOverrideTags(t *testing.T) {
	req := require.New(t)
	s := NewComposite("in", video("t1"), video("t2"))

	view := Decompose(s, map[string]domain.Intent{"t1": domain.IntentScreen, "ghost": domain.IntentCamera})

	req.Len(view, 1)
	req.Equal([]string{"t1"}, view[domain.IntentScreen].UnitIDs())
	req.Empty(Decompose(nil, nil))
}

func TestSplit_UserAndDisplay(t *testing.T) {
	req := require.New(t)
	view := map[domain.Intent]*Composite{
		domain.IntentMicrophone: NewComposite("m", audio("mic")),
		domain.IntentCamera:     NewComposite("c", video("cam")),
		domain.IntentScreen:     NewComposite("s", video("scr")),
	}

	user, display := Split(view)

	req.Equal([]string{"cam", "mic"}, user.UnitIDs())
	req.Equal([]string{"scr"}, display.UnitIDs())

	user, display = Split(nil)
	req.True(user.Empty())
	req.True(display.Empty())
}
