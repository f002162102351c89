package main

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/app/session"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/events"
)

func newJoinCmd(v *viper.Viper) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a channel with synthetic media and print the participants",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(v, cmd, map[string]string{
				"client.id":         "id",
				"client.topology":   "topology",
				"client.hub_id":     "hub-id",
				"client.camera":     "camera",
				"client.screen":     "screen",
				"client.microphone": "microphone",
			})
			if err != nil {
				return err
			}
			c := cfg.Client
			if c.Channel == "" {
				return errors.New("--channel is required")
			}
			if c.ID == "" {
				c.ID = "guest-" + uuid.NewString()[:8]
			}
			topology, err := domain.ParseTopology(c.Topology)
			if err != nil {
				return err
			}

			factory, err := rtc.NewFactory(rtc.Config{
				ICEServers:  c.ICEServers,
				PLIInterval: c.PLIInterval,
				LogLevel:    zerolog.WarnLevel,
			})
			if err != nil {
				return err
			}
			ctrl := session.NewController(session.Options{
				Topology: topology,
				HubID:    domain.ParticipantID(c.HubID),
				Dialer:   wsclient.NewDialer(c.Server),
				Links:    factory,
				Capturer: &rtc.SyntheticCapturer{},
			})
			session.SetDefault(ctrl)
			unsubscribe := ctrl.Subscribe(logEvent)
			defer unsubscribe()

			ctx := cmd.Context()
			if err := ctrl.Prepare(ctx, c.ID, c.Channel, c.Capture()); err != nil {
				return err
			}
			defer ctrl.Hangup()
			if err := ctrl.Join(ctx); err != nil {
				return err
			}
			log.Info().Str("id", c.ID).Str("channel", c.Channel).Str("topology", topology.String()).Msg("joined")

			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					renderParticipants(os.Stdout, ctrl.Participants())
				}
			}
		},
	}
	f := cmd.Flags()
	f.String("id", "", "participant id (random when empty)")
	f.String("topology", "", "mesh or hub")
	f.String("hub-id", "", "participant id of the hub")
	f.Bool("camera", true, "send a synthetic camera track")
	f.Bool("screen", false, "send a synthetic screen track")
	f.Bool("microphone", true, "send a synthetic microphone track")
	f.DurationVar(&every, "every", 5*time.Second, "participant table refresh period")
	return cmd
}

func logEvent(e events.Event) {
	switch ev := e.(type) {
	case events.StateChanged:
		log.Info().Str("module", "voice").Str("from", ev.From.String()).Str("to", ev.To.String()).Msg("session state")
	case events.ParticipantAdded:
		log.Info().Str("module", "voice").Str("participant", ev.Participant.ID.String()).Msg("participant added")
	case events.ParticipantRemoved:
		log.Info().Str("module", "voice").Str("participant", ev.Participant.ID.String()).Msg("participant removed")
	case events.TrackAdded:
		log.Info().Str("module", "voice").Str("participant", ev.Participant.String()).Str("unit", ev.UnitID).Str("kind", string(ev.MediaKind)).Msg("track added")
	case events.TransportStateChanged:
		log.Debug().Str("module", "voice").Str("participant", ev.Participant.String()).Str("direction", string(ev.Direction)).Str("sub", string(ev.SubState)).Str("value", ev.Value).Msg("transport state")
	case events.Error:
		log.Warn().Err(ev.Err).Str("module", "voice").Msg("session error")
	}
}
