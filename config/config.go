package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all client configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Avatar    AvatarConfig    `mapstructure:"avatar"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

// ServerConfig identifies the agent endpoint
type ServerConfig struct {
	URL      string `mapstructure:"url"`
	UserID   string `mapstructure:"user_id"`
	TextOnly bool   `mapstructure:"text_only"`
}

// TransportConfig tunes the reconnecting channel
type TransportConfig struct {
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// wireSampleRate is the only PCM16 rate the agent accepts
const wireSampleRate = 24000

// AudioConfig configures capture and playback. SampleRate is the wire rate;
// devices running at other rates are resampled to it.
type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate"`
	FrameSize        int           `mapstructure:"frame_size"`
	LevelInterval    time.Duration `mapstructure:"level_interval"`
	LevelGain        float64       `mapstructure:"level_gain"`
	LevelWindow      int           `mapstructure:"level_window"`
	EchoCancellation bool          `mapstructure:"echo_cancellation"`
	NoiseSuppression bool          `mapstructure:"noise_suppression"`
}

// AvatarConfig configures the avatar media connection
type AvatarConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

// RedisConfig configures the session archive
type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	Password   string        `mapstructure:"password"`
	ArchiveTTL time.Duration `mapstructure:"archive_ttl"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

// DevServerConfig configures the loopback agent
type DevServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	WordDelay      time.Duration `mapstructure:"word_delay"`
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://localhost:8000/ws")
	v.SetDefault("server.user_id", "anonymous")
	v.SetDefault("server.text_only", false)

	v.SetDefault("transport.reconnect_base", time.Second)
	v.SetDefault("transport.reconnect_max", 30*time.Second)
	v.SetDefault("transport.write_timeout", 10*time.Second)

	v.SetDefault("audio.sample_rate", wireSampleRate)
	v.SetDefault("audio.frame_size", 4096)
	v.SetDefault("audio.level_interval", 16*time.Millisecond)
	v.SetDefault("audio.level_gain", 5.0)
	v.SetDefault("audio.level_window", 2048)
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)

	v.SetDefault("avatar.enabled", true)
	v.SetDefault("avatar.gather_timeout", 10*time.Second)

	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.archive_ttl", 30*24*time.Hour)

	v.SetDefault("metrics.addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.console", true)

	v.SetDefault("devserver.addr", ":8000")
	v.SetDefault("devserver.allowed_origins", []string{"*"})
	v.SetDefault("devserver.word_delay", 40*time.Millisecond)
}

// LoadConfig loads configuration from .env, an optional voicedesk.yaml and
// VOICEDESK_* environment variables, in increasing precedence.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("voicedesk")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".voicedesk"))
	}

	v.SetEnvPrefix("VOICEDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("invalid server.url: must not be empty")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("invalid server.url %q: must be a ws:// or wss:// URL", c.Server.URL)
	}
	if c.Transport.ReconnectBase <= 0 {
		return fmt.Errorf("invalid transport.reconnect_base: must be positive")
	}
	if c.Transport.ReconnectMax < c.Transport.ReconnectBase {
		return fmt.Errorf("invalid transport.reconnect_max: must be >= reconnect_base")
	}
	if c.Audio.SampleRate != wireSampleRate {
		return fmt.Errorf("invalid audio.sample_rate %d: the wire rate is fixed at %d", c.Audio.SampleRate, wireSampleRate)
	}
	if c.Audio.FrameSize <= 0 {
		return fmt.Errorf("invalid audio.frame_size: %d", c.Audio.FrameSize)
	}
	if c.Audio.LevelWindow <= 0 {
		return fmt.Errorf("invalid audio.level_window: %d", c.Audio.LevelWindow)
	}
	if c.Audio.LevelInterval <= 0 {
		return fmt.Errorf("invalid audio.level_interval: must be positive")
	}
	if c.Avatar.GatherTimeout <= 0 {
		return fmt.Errorf("invalid avatar.gather_timeout: must be positive")
	}
	return nil
}
