// Package config loads the closed set of recognized options from a .env
// file, environment variables, and CLI overrides, in that ascending order
// of priority.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full set of options this service recognizes. Unknown
// environment variables are ignored by env.Parse.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	MaxAIRetries  int     `env:"MAX_AI_RETRIES" envDefault:"5"`
	AIFailureRate float64 `env:"AI_FAILURE_RATE" envDefault:"0.25"`

	STTProvider string        `env:"STT_PROVIDER" envDefault:"fault-injector"`
	STTURL      string        `env:"STT_URL"`
	STTTimeout  time.Duration `env:"STT_TIMEOUT" envDefault:"10s"`

	HTTPAddr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`

	AuthEnabled        bool   `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool   // true when auto-generated (not from env/config)
	WriteToken         string `env:"WRITE_TOKEN"`

	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	OrphanStaleness time.Duration `env:"ORPHAN_STALENESS" envDefault:"5m"`
	NudgeDir        string        `env:"NUDGE_DIR"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopic     string `env:"MQTT_TOPIC" envDefault:"callkernel/packets"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"callkernel"`

	EventRingSize int `env:"EVENT_RING_SIZE" envDefault:"256"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
}

// Load reads configuration from a .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
		cfg.WriteToken = ""
	} else if cfg.AuthToken == "" {
		// Auto-generate a token so the API is never accidentally open. The
		// token changes every restart; set AUTH_TOKEN for a persistent one.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}
