package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/app/sfu"
	"github.com/dkeye/voicemesh/internal/core/coretest"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

func TestRenderParticipants(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer

	user := stream.NewComposite("A", coretest.NewUnit("a-cam", domain.KindVideo), coretest.NewUnit("a-mic", domain.KindAudio))
	renderParticipants(&buf, []directory.View{
		{ID: "A", Directions: []domain.Direction{domain.DirectionOut, domain.DirectionIn}, Incoming: []string{"a-cam", "a-mic"}, User: user},
		{ID: "B"},
	})

	out := buf.String()
	req.Contains(out, "PARTICIPANT")
	req.Contains(out, "a-cam,a-mic")
	req.Contains(out, "out,in")
	req.Contains(out, "B")
}

func TestRenderClients(t *testing.T) {
	req := require.New(t)
	var buf bytes.Buffer

	renderClients(&buf, []sfu.ClientSnap{{ID: "A", Published: []string{"a-mic"}, Subscribed: []domain.ParticipantID{"B"}, HasUplink: true, LiveLinks: 2}})

	out := buf.String()
	req.Contains(out, "a-mic")
	req.Contains(out, "LIVE LINKS")
}
