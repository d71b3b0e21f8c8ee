package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.Debug)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 50*time.Second, cfg.Captcha.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Captcha.ClientTTL)
	assert.Equal(t, "@every 5s", cfg.Captcha.SyncSpec)
	assert.False(t, cfg.Production())
}

func TestLoadEnvOverrides(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"APP_ENV":             "production",
		"CAPTCHAD_DEBUG":      "true",
		"CAPTCHAD_TIMEOUT":    "2m",
		"CAPTCHAD_REDIS_ADDR": "redis:6379",
		"API_KEY":             "secret",
	}))
	require.NoError(t, err)

	assert.True(t, cfg.Production())
	assert.True(t, cfg.Debug)
	assert.Equal(t, 2*time.Minute, cfg.Captcha.Timeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.APIKey)
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Captcha.AnswerRate)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"CAPTCHAD_TIMEOUT": "soon",
	}))
	assert.Error(t, err)
}
