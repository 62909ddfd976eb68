package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "BRIDGE"

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	LogLevel   string        `mapstructure:"log_level"`
	LogFormat  string        `mapstructure:"log_format"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`

	TokenURL         string        `mapstructure:"token_url"`
	ModelURL         string        `mapstructure:"model_url"`
	NegotiateTimeout time.Duration `mapstructure:"negotiate_timeout"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	ICEServers       []string      `mapstructure:"ice_servers"`
	IncludeLoopback  bool          `mapstructure:"include_loopback"`
	KeepalivePeriod  time.Duration `mapstructure:"keepalive_period"`

	Room  RoomConfig  `mapstructure:"room"`
	Audio AudioConfig `mapstructure:"audio"`
	API   APIConfig   `mapstructure:"api"`
}

type RoomConfig struct {
	Server          string        `mapstructure:"server"`
	ID              uint64        `mapstructure:"id"`
	Display         string        `mapstructure:"display"`
	ListenerDisplay string        `mapstructure:"listener_display"`
	Enabled         bool          `mapstructure:"enabled"`
	JoinRetries     int           `mapstructure:"join_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type AudioConfig struct {
	// Microphone is an Ogg/Opus file streamed as the local source; empty means none.
	Microphone        string `mapstructure:"microphone"`
	RequireMicrophone bool   `mapstructure:"require_microphone"`
	Loop              bool   `mapstructure:"loop"`
	// Playback is where routed model audio is recorded; empty discards it.
	Playback string `mapstructure:"playback"`
}

type APIConfig struct {
	RateLimit    int           `mapstructure:"rate_limit"`
	RateInterval time.Duration `mapstructure:"rate_interval"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"mode":        "mode",
	"port":        "port",
	"log-level":   "log_level",
	"log-format":  "log_format",
	"token-url":   "token_url",
	"model-url":   "model_url",
	"room-server": "room.server",
	"room-id":     "room.id",
	"no-room":     "room.disabled",
	"mic":         "audio.microphone",
	"playback":    "audio.playback",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")

	v.SetDefault("token_url", "http://localhost:3000/token")
	v.SetDefault("model_url", "https://api.openai.com/v1/realtime")
	v.SetDefault("negotiate_timeout", "10s")
	v.SetDefault("http_timeout", "15s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("include_loopback", false)
	v.SetDefault("keepalive_period", "25s")

	v.SetDefault("room.server", "ws://localhost:8188")
	v.SetDefault("room.id", 1234)
	v.SetDefault("room.display", "OpenAI User")
	v.SetDefault("room.listener_display", "OpenAI Listener")
	v.SetDefault("room.enabled", true)
	v.SetDefault("room.disabled", false)
	v.SetDefault("room.join_retries", 0)
	v.SetDefault("room.retry_delay", "2s")

	v.SetDefault("audio.microphone", "")
	v.SetDefault("audio.require_microphone", false)
	v.SetDefault("audio.loop", false)
	v.SetDefault("audio.playback", "")

	v.SetDefault("api.rate_limit", 5)
	v.SetDefault("api.rate_interval", "1s")
}

// Load reads config/config.<CONFIG_ENV>.yaml when present, then BRIDGE_* environment
// variables, then flags. Later sources win.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if v.GetBool("room.disabled") {
		cfg.Room.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Bool("room", cfg.Room.Enabled).
		Uint64("room_id", cfg.Room.ID).
		Msg("config ready")
	return &cfg, nil
}

var (
	ErrNoTokenURL   = errors.New("token_url is required")
	ErrNoRoomServer = errors.New("room.server is required when the room bridge is enabled")
	ErrMicRequired  = errors.New("audio.microphone is required when audio.require_microphone is set")
)

func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return ErrNoTokenURL
	}
	if c.Room.Enabled && c.Room.Server == "" {
		return ErrNoRoomServer
	}
	if err := domain.ValidateDisplay(c.Room.Display); err != nil {
		return fmt.Errorf("room.display: %w", err)
	}
	if err := domain.ValidateDisplay(c.Room.ListenerDisplay); err != nil {
		return fmt.Errorf("room.listener_display: %w", err)
	}
	if c.Audio.RequireMicrophone && c.Audio.Microphone == "" {
		return ErrMicRequired
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
