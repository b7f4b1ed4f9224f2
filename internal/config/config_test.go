package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/nowplaying/internal/model"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// clearEnv unsets every variable the loader would pick up, so the host
// environment can't leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for name := range legacyEnv {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if envKey(name) != "" {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

// =========================================================================
// Loading
// =========================================================================

func TestLoadFile_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "data/nowplaying.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Reconcile.Schedule)
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadFile_YAMLOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
server:
  port: 9000
  cors_origins: ["https://obs.example", "https://twitch.example"]
database:
  path: /var/lib/nowplaying/prod.db
auth:
  session_ttl: 2h
reconcile:
  schedule: "@daily"
logging:
  format: json
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://obs.example", "https://twitch.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/nowplaying/prod.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "@daily", cfg.Reconcile.Schedule)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "info", cfg.Logging.Level, "keys missing from the file keep their default")
}

func TestLoadFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "server:\n  port: 9000\n")
	t.Setenv("NOWPLAYING_SERVER__PORT", "9100")
	t.Setenv("NOWPLAYING_SERVER__CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("NOWPLAYING_RECONCILE__SCHEDULE", "*/30 * * * *")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "*/30 * * * *", cfg.Reconcile.Schedule)
}

func TestLoadFile_LegacyEnvNames(t *testing.T) {
	clearEnv(t)
	admin := model.NewOwnerID()
	t.Setenv("PORT", "3000")
	t.Setenv("DB_PATH", "/tmp/np.db")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("SPOTIFY_CLIENT_ID", "client")
	t.Setenv("SPOTIFY_CLIENT_SECRET", "secret")
	t.Setenv("NOWPLAYING_AUTH__ADMIN_OWNERS", admin.String())

	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/tmp/np.db", cfg.Database.Path)
	assert.True(t, cfg.AuthEnabled())
	assert.Equal(t, cfg.Auth.JWTSecret, cfg.Auth.TokenKey, "sealing key falls back to the JWT secret")

	ids := cfg.AdminOwnerIDs()
	require.Len(t, ids, 1)
	assert.True(t, ids[0].Equal(admin))
}

func TestLoadFile_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadFile_InvalidValuesFail(t *testing.T) {
	clearEnv(t)
	t.Setenv("NOWPLAYING_SERVER__PORT", "0")

	_, err := LoadFile("")
	require.ErrorContains(t, err, "server.port")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"NOWPLAYING_SERVER__PORT":     "server.port",
		"NOWPLAYING_AUTH__JWT_SECRET": "auth.jwt_secret",
		"NOWPLAYING_LOGGING__LEVEL":   "logging.level",
		"JWT_SECRET":                  "auth.jwt_secret",
		"DB_PATH":                     "database.path",
		"NOWPLAYING_":                 "",
		"HOME":                        "",
		"nowplaying_server__port":     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

// =========================================================================
// Validate
// =========================================================================

func validConfig() *Config {
	cfg := defaults()
	cfg.Auth.JWTSecret = "0123456789abcdef"
	cfg.Auth.TokenKey = "fedcba9876543210"
	cfg.Spotify.ClientID = "client"
	cfg.Spotify.ClientSecret = "secret"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"auth disabled needs no secrets", func(c *Config) { c.Auth.JWTSecret, c.Auth.TokenKey = "", "" }, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"negative rate limit", func(c *Config) { c.Server.PublicRateLimit = -1 }, "public_rate_limit"},
		{"blank db path", func(c *Config) { c.Database.Path = "  " }, "database.path"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"short token key", func(c *Config) { c.Auth.TokenKey = "short" }, "auth.token_key"},
		{"missing client secret", func(c *Config) { c.Spotify.ClientSecret = "" }, "spotify.client_secret"},
		{"bad admin owner", func(c *Config) { c.Auth.AdminOwners = []string{"root"} }, "auth.admin_owners"},
		{"bad cron", func(c *Config) { c.Reconcile.Schedule = "every tuesday" }, "reconcile.schedule"},
		{"good cron", func(c *Config) { c.Reconcile.Schedule = "0 4 * * *" }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Port = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "logging.format")
}
