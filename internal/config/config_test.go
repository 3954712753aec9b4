// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers duration parsing, defaults, and required-field errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/var/lib/relieflink/relieflink.db"
auth:
  jwt_secret: "test-secret"
  token_ttl: "720h"
presence:
  ttl: "90s"
  redis:
    enabled: true
    addr: "localhost:6379"
    db: 2
messaging:
  dedupe_window: "10m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/relieflink/relieflink.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 720*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 90*time.Second, cfg.Presence.TTL)
	assert.True(t, cfg.Presence.Redis.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Presence.Redis.Addr)
	assert.Equal(t, 2, cfg.Presence.Redis.DB)
	assert.Equal(t, 10*time.Minute, cfg.Messaging.DedupeWindow)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "relieflink.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, 2*time.Minute, cfg.Presence.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Messaging.DedupeWindow)
	assert.False(t, cfg.Presence.Redis.Enabled)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("RELIEFLINK_TEST_SECRET", "expanded-secret")
	t.Setenv("RELIEFLINK_TEST_DB", "from-env.db")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "${RELIEFLINK_TEST_DB}"
auth:
  jwt_secret: "${RELIEFLINK_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "expanded-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "from-env.db", cfg.Database.Path)
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "relieflink.db"
auth:
  jwt_secret: "${RELIEFLINK_DOES_NOT_EXIST}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "relieflink.db"
auth:
  token_ttl: "not-a-duration"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_ttl")
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name: "redis enabled without addr",
			mutate: func(c *Config) {
				c.Presence.Redis.Enabled = true
				c.Presence.Redis.Addr = ""
			},
			wantErr: "presence.redis.addr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Server:   ServerConfig{HTTPAddr: ":8080"},
				Database: DatabaseConfig{Path: "relieflink.db"},
			}
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
