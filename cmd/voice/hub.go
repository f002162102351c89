package main

import (
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/app/sfu"
	"github.com/dkeye/voicemesh/internal/domain"
)

func newHubCmd(v *viper.Viper) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve a channel as the SFU hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(v, cmd, map[string]string{"client.hub_id": "id"})
			if err != nil {
				return err
			}
			c := cfg.Client
			if c.Channel == "" {
				return errors.New("--channel is required")
			}
			id, err := domain.NewParticipantID(c.HubID)
			if err != nil {
				return err
			}
			name, err := domain.NewChannelName(c.Channel)
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
			ctx := cmd.Context()
			ch, err := wsclient.NewDialer(c.Server).Dial(ctx, id, name)
			if err != nil {
				return err
			}
			h := sfu.New(id, ch, factory)
			if err := h.Start(ctx); err != nil {
				return err
			}
			defer h.Stop()
			log.Info().Str("hub", id.String()).Str("channel", name.String()).Msg("hub serving")

			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					renderClients(os.Stdout, h.Clients())
				}
			}
		},
	}
	cmd.Flags().String("id", "", "participant id the hub announces")
	cmd.Flags().DurationVar(&every, "every", 5*time.Second, "client table refresh period")
	return cmd
}
