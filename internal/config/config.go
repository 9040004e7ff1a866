package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	ChannelCapacity int           `mapstructure:"channel_capacity"`
	StunURLs        []string      `mapstructure:"stun_urls"`
	TurnURL         string        `mapstructure:"turn_url"`
	TurnSecret      string        `mapstructure:"turn_secret"`
	TurnTTL         time.Duration `mapstructure:"turn_ttl"`
	MessageRate     float64       `mapstructure:"message_rate"`
	MessageBurst    int           `mapstructure:"message_burst"`
}

type TransmitConfig struct {
	Mode           string        `mapstructure:"mode"`
	PTTKeybind     string        `mapstructure:"ptt_keybind"`
	ReleaseDelay   time.Duration `mapstructure:"release_delay"`
	VADSensitivity int           `mapstructure:"vad_sensitivity"`
}

type CaptureConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Channels   int    `mapstructure:"channels"`
	MicDevice  string `mapstructure:"mic_device"`
}

type ClientConfig struct {
	ServerURL       string         `mapstructure:"server_url"`
	AuthToken       string         `mapstructure:"auth_token"`
	StatsInterval   time.Duration  `mapstructure:"stats_interval"`
	DegradedTimeout time.Duration  `mapstructure:"degraded_timeout"`
	PeerRetryLimit  int            `mapstructure:"peer_retry_limit"`
	Transmit        TransmitConfig `mapstructure:"transmit"`
	Capture         CaptureConfig  `mapstructure:"capture"`
}

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Client ClientConfig `mapstructure:"client"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.channel_capacity", 16)
	v.SetDefault("server.stun_urls", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("server.turn_ttl", "1h")
	v.SetDefault("server.message_rate", 25)
	v.SetDefault("server.message_burst", 50)

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.stats_interval", "1500ms")
	v.SetDefault("client.degraded_timeout", "12s")
	v.SetDefault("client.peer_retry_limit", 1)
	v.SetDefault("client.transmit.mode", "voice-activity")
	v.SetDefault("client.transmit.release_delay", "250ms")
	v.SetDefault("client.transmit.vad_sensitivity", 50)
	v.SetDefault("client.capture.sample_rate", 48000)
	v.SetDefault("client.capture.channels", 1)

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
