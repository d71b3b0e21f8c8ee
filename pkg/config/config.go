// Package config loads the captchad runtime configuration.
// Values start from the `default` struct tags and are then overridden by
// environment variables named in the `env` tags.
package config

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Env    string `env:"APP_ENV" default:"development"`
	Debug  bool   `env:"CAPTCHAD_DEBUG" default:"false"`
	APIKey string `env:"API_KEY"`

	HTTP struct {
		Addr        string `env:"CAPTCHAD_HTTP_ADDR" default:":8081"`
		MetricsAddr string `env:"CAPTCHAD_METRICS_ADDR" default:":8080"`
	}

	Redis struct {
		Addr string `env:"CAPTCHAD_REDIS_ADDR" default:"127.0.0.1:6379"`
	}

	Captcha struct {
		// Timeout is how long a task waits for a connected operator.
		Timeout time.Duration `env:"CAPTCHAD_TIMEOUT" default:"50s"`
		// ClientTTL is how long an operator session counts as connected after its last poll.
		ClientTTL time.Duration `env:"CAPTCHAD_CLIENT_TTL" default:"30s"`
		// SyncSpec is the cron expression for mirroring the registry into Redis.
		SyncSpec    string `env:"CAPTCHAD_SYNC_SPEC" default:"@every 5s"`
		AnswerRate  int    `env:"CAPTCHAD_ANSWER_RATE" default:"5"`
		AnswerBurst int    `env:"CAPTCHAD_ANSWER_BURST" default:"10"`
	}
}

// Load reads the configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	defaults.SetDefaults(cfg)

	// Environment values win over defaults; unset variables keep the default.
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		Lookuper:         lookuper,
		DefaultOverwrite: true,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Production reports whether the service runs with production logging.
func (c *Config) Production() bool {
	return c.Env == "production"
}
