// Package config loads server configuration from defaults, an optional YAML
// file and the environment.
//
// PRECEDENCE (lowest to highest):
//  1. defaults()            → built-in values, enough to run locally
//  2. config.yaml           → optional file (CONFIG_PATH overrides the location)
//  3. NOWPLAYING_* env vars → NOWPLAYING_SERVER__PORT sets server.port
//
// A .env file in the working directory is loaded into the environment first, so
// local development needs no exported variables.
//
// WHY KOANF?
// The previous setup read each os.Getenv by hand in main.go. That was fine for
// four variables; with nested sections, durations and lists it turns into a
// pile of strconv calls. koanf merges the three layers into one tree and
// unmarshals it into the Config struct in one go.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/sakif/nowplaying/internal/model"
)

// EnvPrefix is stripped from environment variables; a double underscore
// separates nesting levels.
const EnvPrefix = "NOWPLAYING_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

// MinSecretLength applies to both the JWT secret and the token sealing key.
const MinSecretLength = 16

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Auth      AuthConfig      `koanf:"auth"`
	Spotify   SpotifyConfig   `koanf:"spotify"`
	Reconcile ReconcileConfig `koanf:"reconcile"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// CORSOrigins applies to the public display and overlay routes only.
	CORSOrigins []string `koanf:"cors_origins"`
	// PublicRateLimit is requests per minute per client IP on public routes.
	PublicRateLimit int `koanf:"public_rate_limit"`
}

type DatabaseConfig struct {
	Path string `koanf:"path"`
}

type AuthConfig struct {
	// JWTSecret signs session cookies. Empty disables login entirely.
	JWTSecret  string        `koanf:"jwt_secret"`
	SessionTTL time.Duration `koanf:"session_ttl"`
	// TokenKey seals OAuth tokens at rest. Falls back to JWTSecret when empty.
	TokenKey string `koanf:"token_key"`
	// AdminOwners lists owner ids granted the admin role.
	AdminOwners  []string `koanf:"admin_owners"`
	SecureCookie bool     `koanf:"secure_cookie"`
}

type SpotifyConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	CallbackURL  string `koanf:"callback_url"`
}

type ReconcileConfig struct {
	// Schedule is a standard 5-field cron expression (or a descriptor such as
	// "@daily"). Empty disables the background job.
	Schedule string `koanf:"schedule"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			PublicRateLimit: 120,
		},
		Database: DatabaseConfig{
			Path: "data/nowplaying.db",
		},
		Auth: AuthConfig{
			SessionTTL:   24 * time.Hour,
			AdminOwners:  []string{},
			SecureCookie: false,
		},
		Reconcile: ReconcileConfig{
			Schedule: "",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// legacyEnv keeps the variable names the server has always read working.
var legacyEnv = map[string]string{
	"PORT":                  "server.port",
	"DB_PATH":               "database.path",
	"JWT_SECRET":            "auth.jwt_secret",
	"SPOTIFY_CLIENT_ID":     "spotify.client_id",
	"SPOTIFY_CLIENT_SECRET": "spotify.client_secret",
	"SPOTIFY_CALLBACK_URL":  "spotify.callback_url",
}

// listKeys arrive from the environment as comma-separated strings.
var listKeys = []string{"server.cors_origins", "auth.admin_owners"}

// Load reads .env (if present), then builds the layered configuration and validates it.
func Load() (*Config, error) {
	// A missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}
	return LoadFile(findConfigFile())
}

// LoadFile is Load without the .env step and with an explicit YAML path
// ("" skips the file layer).
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if cfg.Auth.TokenKey == "" {
		cfg.Auth.TokenKey = cfg.Auth.JWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps an environment variable to a koanf path, or "" to ignore it.
//
//	NOWPLAYING_SERVER__PORT      → server.port
//	NOWPLAYING_AUTH__JWT_SECRET  → auth.jwt_secret
//	JWT_SECRET                   → auth.jwt_secret (legacy)
func envKey(name string) string {
	if path, ok := legacyEnv[name]; ok {
		return path
	}
	rest, ok := strings.CutPrefix(name, EnvPrefix)
	if !ok || rest == "" {
		return ""
	}
	return strings.ToLower(strings.ReplaceAll(rest, "__", "."))
}

func splitLists(k *koanf.Koanf) error {
	for _, key := range listKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		items := []string{}
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		if err := k.Set(key, items); err != nil {
			return fmt.Errorf("config: setting %s: %w", key, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate reports every problem at once, joined into one error.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.PublicRateLimit < 0 {
		errs = append(errs, errors.New("server.public_rate_limit must not be negative"))
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.AuthEnabled() {
		if len(c.Auth.JWTSecret) < MinSecretLength {
			errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least %d characters", MinSecretLength))
		}
		if len(c.Auth.TokenKey) < MinSecretLength {
			errs = append(errs, fmt.Errorf("auth.token_key must be at least %d characters", MinSecretLength))
		}
		if c.Spotify.ClientSecret == "" {
			errs = append(errs, errors.New("spotify.client_secret is required when spotify.client_id is set"))
		}
	}
	for _, raw := range c.Auth.AdminOwners {
		if _, err := model.ParseOwnerID(raw); err != nil {
			errs = append(errs, fmt.Errorf("auth.admin_owners: %q is not an owner id", raw))
		}
	}

	if c.Reconcile.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reconcile.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reconcile.schedule: %w", err))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// AuthEnabled reports whether Spotify login should be mounted. Both a session
// secret and an OAuth client are needed.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != "" && c.Spotify.ClientID != ""
}

// Addr is the listen address for http.Server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// AdminOwnerIDs returns the parsed admin owners. Validate has already rejected
// anything unparsable.
func (c *Config) AdminOwnerIDs() []model.OwnerID {
	ids := make([]model.OwnerID, 0, len(c.Auth.AdminOwners))
	for _, raw := range c.Auth.AdminOwners {
		if id, err := model.ParseOwnerID(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
