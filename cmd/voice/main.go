// Command voice runs a headless voicemesh participant or an SFU hub.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/voicemesh/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("voice")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "voice",
		Short:         "Headless voicemesh participant and SFU hub",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.String("server", "", "relay websocket URL")
	pf.String("channel", "", "channel to join")
	pf.String("log-level", "", "trace, debug, info, warn or error")
	pf.StringSlice("ice", nil, "ICE server URLs")

	root.AddCommand(newJoinCmd(v), newHubCmd(v))
	return root
}

// load binds the shared and command flags and reads the configuration.
func load(v *viper.Viper, cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	shared := map[string]string{
		"client.server":      "server",
		"client.channel":     "channel",
		"client.ice_servers": "ice",
		"log_level":          "log-level",
	}
	if err := config.BindFlags(v, cmd.Flags(), shared); err != nil {
		return nil, err
	}
	if err := config.BindFlags(v, cmd.Flags(), keys); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, nil
}
