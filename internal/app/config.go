package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	Environment string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	SentryDSN   string `mapstructure:"SENTRY_DSN"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// JWT Authentication
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// Socket
	SocketPath      string        `mapstructure:"SOCKET_PATH"`
	WSReadLimit     int64         `mapstructure:"WS_READ_LIMIT"`
	WSSendBuffer    int           `mapstructure:"WS_SEND_BUFFER"`
	WSPingPeriod    time.Duration `mapstructure:"WS_PING_PERIOD"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`

	// Speech to text
	STTProvider   string `mapstructure:"STT_PROVIDER"`
	STTLanguage   string `mapstructure:"STT_LANGUAGE"`
	STTSampleRate int    `mapstructure:"STT_SAMPLE_RATE"`
	AWSRegion     string `mapstructure:"AWS_REGION"`
	DeepgramModel string `mapstructure:"DEEPGRAM_MODEL"`

	// APNs Push Notifications
	APNsKeyPath    string `mapstructure:"APNS_KEY_PATH"`
	APNsKeyID      string `mapstructure:"APNS_KEY_ID"`
	APNsTeamID     string `mapstructure:"APNS_TEAM_ID"`
	APNsBundleID   string `mapstructure:"APNS_BUNDLE_ID"`
	APNsProduction bool   `mapstructure:"APNS_PRODUCTION"`

	// Notifications
	DiscordWebhookURL string `mapstructure:"DISCORD_WEBHOOK_URL"`
}

var configKeys = []string{
	"HTTP_ADDR", "ENVIRONMENT", "LOG_LEVEL", "SENTRY_DSN", "DATABASE_URL",
	"JWT_SECRET",
	"SOCKET_PATH", "WS_READ_LIMIT", "WS_SEND_BUFFER", "WS_PING_PERIOD", "SHUTDOWN_TIMEOUT",
	"STT_PROVIDER", "STT_LANGUAGE", "STT_SAMPLE_RATE", "AWS_REGION", "DEEPGRAM_MODEL",
	"APNS_KEY_PATH", "APNS_KEY_ID", "APNS_TEAM_ID", "APNS_BUNDLE_ID", "APNS_PRODUCTION",
	"DISCORD_WEBHOOK_URL",
}

// LoadConfig reads an optional .env file and the environment. Environment
// variables win over the file.
func LoadConfig(envFile string) (Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SOCKET_PATH", "/socket")
	v.SetDefault("WS_READ_LIMIT", 1<<20)
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_PING_PERIOD", "30s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("STT_PROVIDER", "aws")
	v.SetDefault("STT_LANGUAGE", "pt-BR")
	v.SetDefault("STT_SAMPLE_RATE", 16000)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("DEEPGRAM_MODEL", "nova-2")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range configKeys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine, an unreadable one is not
	if envFile != "" {
		if err := v.ReadInConfig(); err != nil && !envFileMissing(err) {
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envFileMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return fmt.Errorf("SOCKET_PATH must start with /, got %q", c.SocketPath)
	}
	if c.WSReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	if c.WSPingPeriod < time.Second {
		return fmt.Errorf("WS_PING_PERIOD must be at least 1s")
	}
	if c.STTSampleRate < 8000 || c.STTSampleRate > 48000 {
		return fmt.Errorf("STT_SAMPLE_RATE %d out of range 8000-48000", c.STTSampleRate)
	}
	switch strings.ToLower(c.STTProvider) {
	case "aws", "deepgram":
	default:
		return fmt.Errorf("STT_PROVIDER must be aws or deepgram, got %q", c.STTProvider)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// IsDev reports whether the server runs in development mode.
func (c Config) IsDev() bool {
	return c.Environment == "development"
}
