package app

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/domain"
)

// FanoutMessage carries a room frame between relay instances. An empty
// Frame announces the room only.
type FanoutMessage struct {
	Origin string             `json:"origin"`
	Room   domain.ChannelName `json:"room"`
	Frame  json.RawMessage    `json:"frame,omitempty"`
}

// Fanout connects relay instances serving the same rooms.
type Fanout interface {
	Publish(ctx context.Context, msg FanoutMessage) error
	// Subscribe calls fn for every message until ctx is done.
	Subscribe(ctx context.Context, fn func(FanoutMessage)) error
}

// RunFanout delivers frames published by other instances to the local
// members of their room. It returns when ctx is done.
func (o *Orchestrator) RunFanout(ctx context.Context) error {
	if o.Fanout == nil {
		return nil
	}
	log.Info().Str("module", "app.orch").Str("instance", o.Instance).Msg("fanout started")
	return o.Fanout.Subscribe(ctx, o.onFanout)
}

func (o *Orchestrator) onFanout(msg FanoutMessage) {
	if msg.Origin == o.Instance {
		return
	}
	if o.Metrics != nil {
		o.Metrics.Fanout.WithLabelValues("in").Inc()
	}
	room, created := o.Rooms.Create(msg.Room)
	if created {
		o.updateRoomGauge()
	}
	if len(msg.Frame) == 0 {
		return
	}
	o.deliver(room, "", []byte(msg.Frame), false)
}
