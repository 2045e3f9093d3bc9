package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is shared by runtime settings and CLI flag bindings.
const EnvPrefix = "STAGELINE"

// Settings holds server runtime configuration loaded from environment variables.
type Settings struct {
	Addr      string `envconfig:"ADDR" default:"127.0.0.1:8080"`
	BasePath  string `envconfig:"BASE_PATH" default:"/v0"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`

	JWTSecret              string `envconfig:"JWT_SECRET"`
	JWTIssuer              string `envconfig:"JWT_ISSUER"`
	JWTAudience            string `envconfig:"JWT_AUDIENCE"`
	AllowLegacyActorHeader bool   `envconfig:"ALLOW_LEGACY_ACTOR_HEADER" default:"false"`

	MaxPageSize int `envconfig:"MAX_PAGE_SIZE" default:"100"`

	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisChannel  string        `envconfig:"REDIS_CHANNEL" default:"stageline.progress"`
	SlackToken    string        `envconfig:"SLACK_TOKEN"`
	SlackChannel  string        `envconfig:"SLACK_CHANNEL"`
	NotifyTimeout time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s"`

	OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	OTLPInsecure bool   `envconfig:"OTLP_INSECURE" default:"true"`
}

// LoadSettings reads runtime settings from STAGELINE_* variables.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if s.MaxPageSize <= 0 || s.MaxPageSize > 100 {
		s.MaxPageSize = 100
	}
	return &s, nil
}

// RedisEnabled reports whether a Redis notifier should be wired.
func (s *Settings) RedisEnabled() bool { return s.RedisAddr != "" }

func (s *Settings) SlackEnabled() bool { return s.SlackToken != "" && s.SlackChannel != "" }

// SlackChannelOr prefers the environment channel over the file one.
func (s *Settings) SlackChannelOr(fallback string) string {
	if s.SlackChannel != "" {
		return s.SlackChannel
	}
	return fallback
}
