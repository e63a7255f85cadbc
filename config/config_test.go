package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "token")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, 10*time.Second, cfg.ChatCallTimeout)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 5, cfg.ReconcileMaxAttempts)
	assert.Equal(t, 4, cfg.JoinFanoutLimit)
	assert.Equal(t, 0xE74C3C, cfg.RoleColor)
	assert.Equal(t, int64(104126528), cfg.RolePermissions)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "guildsync", cfg.MongoDB)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.False(t, cfg.AdminAuthConfigured())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "token")
	t.Setenv("DISCORD_GUILD_ID", "123")
	t.Setenv("STORE_BACKEND", "mongo")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("CHAT_CALL_TIMEOUT", "3s")
	t.Setenv("ROLE_COLOR", "255")
	t.Setenv("JOIN_FANOUT_LIMIT", "8")
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "123", cfg.DiscordGuildID)
	assert.Equal(t, BackendMongo, cfg.StoreBackend)
	assert.Equal(t, 3*time.Second, cfg.ChatCallTimeout)
	assert.Equal(t, 255, cfg.RoleColor)
	assert.Equal(t, 8, cfg.JoinFanoutLimit)
	assert.True(t, cfg.AdminAuthConfigured())
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing token", map[string]string{"DISCORD_TOKEN": ""}},
		{"unknown backend", map[string]string{"STORE_BACKEND": "sqlite"}},
		{"mongo without uri", map[string]string{"STORE_BACKEND": "mongo"}},
		{"fanout zero", map[string]string{"JOIN_FANOUT_LIMIT": "0"}},
		{"bad duration", map[string]string{"CHAT_CALL_TIMEOUT": "soon"}},
		{"negative timeout", map[string]string{"CHAT_CALL_TIMEOUT": "-1s"}},
		{"tiny interval", map[string]string{"RECONCILE_INTERVAL": "10ms"}},
		{"half basic auth", map[string]string{"ADMIN_USERNAME": "admin"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DISCORD_TOKEN", "token")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
