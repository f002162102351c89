package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/dkeye/voicemesh/internal/app/directory"
	"github.com/dkeye/voicemesh/internal/app/sfu"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/stream"
)

func unitList(c *stream.Composite) string {
	if c.Empty() {
		return ""
	}
	return strings.Join(c.UnitIDs(), ",")
}

func renderParticipants(w io.Writer, views []directory.View) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Participant", "Links", "User", "Display", "Units"})
	for _, v := range views {
		links := lo.Map(v.Directions, func(d domain.Direction, _ int) string { return string(d) })
		table.Append([]string{
			v.ID.String(),
			strings.Join(links, ","),
			unitList(v.User),
			unitList(v.Display),
			fmt.Sprint(len(v.Incoming)),
		})
	}
	table.Render()
}

func renderClients(w io.Writer, clients []sfu.ClientSnap) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Client", "Published", "Subscribed", "Live links"})
	for _, c := range clients {
		subscribed := lo.Map(c.Subscribed, func(id domain.ParticipantID, _ int) string { return id.String() })
		table.Append([]string{
			c.ID.String(),
			strings.Join(c.Published, ","),
			strings.Join(subscribed, ","),
			fmt.Sprint(c.LiveLinks),
		})
	}
	table.Render()
}
