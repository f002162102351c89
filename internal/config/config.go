package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/voicemesh/internal/domain"
)

type Config struct {
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	Server   Server `mapstructure:"server"`
	Client   Client `mapstructure:"client"`
}

// Server configures the relay.
type Server struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=512"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	SendBuffer int           `mapstructure:"send_buffer" validate:"min=1"`
	RateLimit  float64       `mapstructure:"rate_limit" validate:"min=0"`
	RateBurst  int           `mapstructure:"rate_burst" validate:"min=0"`
	Secret     string        `mapstructure:"secret" validate:"required"`
	Policy     string        `mapstructure:"policy" validate:"oneof=kick drop"`
	Redis      Redis         `mapstructure:"redis"`
}

// Redis enables cross-instance fan-out when Addr is set.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Channel  string `mapstructure:"channel"`
}

// Client configures a voice participant or hub.
type Client struct {
	Server      string        `mapstructure:"server" validate:"required,url"`
	ID          string        `mapstructure:"id" validate:"omitempty,participant_id"`
	Channel     string        `mapstructure:"channel" validate:"omitempty,channel_name"`
	Topology    string        `mapstructure:"topology" validate:"oneof=mesh hub"`
	HubID       string        `mapstructure:"hub_id" validate:"participant_id"`
	ICEServers  []string      `mapstructure:"ice_servers"`
	PLIInterval time.Duration `mapstructure:"pli_interval" validate:"min=0"`
	Camera      bool          `mapstructure:"camera"`
	Screen      bool          `mapstructure:"screen"`
	Microphone  bool          `mapstructure:"microphone"`
}

// New returns a viper instance with every default set and environment
// overrides enabled (VOICEMESH_SERVER_PORT and so on).
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("voicemesh")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", "info")

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.static_path", "")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.rate_limit", 50)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.secret", "voicemesh-dev-secret")
	v.SetDefault("server.policy", "kick")
	v.SetDefault("server.redis.addr", "")
	v.SetDefault("server.redis.password", "")
	v.SetDefault("server.redis.db", 0)
	v.SetDefault("server.redis.channel", "voicemesh:rooms")

	v.SetDefault("client.server", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.id", "")
	v.SetDefault("client.channel", "")
	v.SetDefault("client.topology", "mesh")
	v.SetDefault("client.hub_id", "hub")
	v.SetDefault("client.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("client.pli_interval", "3s")
	v.SetDefault("client.camera", true)
	v.SetDefault("client.screen", false)
	v.SetDefault("client.microphone", true)
	return v
}

// BindFlags binds each viper key to the flag of the given name.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

// Load reads .env and config/config.<CONFIG_ENV>.yaml into v, then
// decodes and validates the result. Missing files are not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("read .env")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := domain.Validator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Capture returns the requested capture configuration.
func (c Client) Capture() domain.CaptureConfig {
	return domain.CaptureConfig{Camera: c.Camera, Screen: c.Screen, Microphone: c.Microphone}
}
