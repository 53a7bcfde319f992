package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.RedisHost)
	assert.Equal(t, uint16(6379), cfg.RedisPort)
	assert.Equal(t, BackendRedis, cfg.BroadcastBackend)
	assert.True(t, cfg.RequireSecureTransport)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 30*time.Second, cfg.PresenceLeaseTTL)
	assert.Equal(t, 4000, cfg.ChatMaxContentLength)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BROADCAST_BACKEND", "nats")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("REQUIRE_SECURE_TRANSPORT", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, BackendNats, cfg.BroadcastBackend)
	assert.Equal(t, "nats://bus:4222", cfg.NatsURL)
	assert.Len(t, cfg.AllowedOrigins, 2)
	assert.False(t, cfg.RequireSecureTransport)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown backend", "BROADCAST_BACKEND", "kafka"},
		{"port out of range", "HTTP_SERVER_PORT", "80"},
		{"lease shorter than renew", "PRESENCE_LEASE_TTL", "5s"},
		{"bad jwks url", "JWT_JWKS_URL", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}
