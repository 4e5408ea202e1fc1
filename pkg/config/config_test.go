package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tableapi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.REST.ListenAddr)
	assert.Equal(t, "/api", cfg.REST.BaseURL)
	assert.Equal(t, "public", cfg.REST.Schema)
	assert.Equal(t, 30*time.Second, cfg.REST.RequestTimeout)
	assert.Equal(t, int32(10), cfg.REST.PG.MaxConns)
	assert.Equal(t, []string{"*"}, cfg.REST.CORS.AllowedOrigins)
	assert.Equal(t, TokenStoreFile, cfg.Tokens.Store)
	assert.Equal(t, "tokens.json", cfg.Tokens.File)
	assert.Equal(t, 10*time.Second, cfg.Tokens.TTL)
	assert.Equal(t, "tableapi", cfg.Events.SubjectPrefix)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
rest:
  listenAddr: ":9000"
  requestTimeout: 5s
  pg:
    connString: postgres://u@localhost/db
    maxConns: 4
  rateLimit:
    rps: 2.5
    burst: 5
  cors:
    allowedOrigins: https://a.example,https://b.example
tokens:
  store: postgres
  ttl: 1m
events:
  natsURL: nats://localhost:4222
  stream: rows
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.REST.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.REST.RequestTimeout)
	assert.Equal(t, "postgres://u@localhost/db", cfg.REST.PG.ConnString)
	assert.Equal(t, int32(4), cfg.REST.PG.MaxConns)
	assert.Equal(t, 2.5, cfg.REST.RateLimit.RPS)
	assert.Equal(t, 5, cfg.REST.RateLimit.Burst)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.REST.CORS.AllowedOrigins)
	assert.Equal(t, TokenStorePostgres, cfg.Tokens.Store)
	assert.Equal(t, time.Minute, cfg.Tokens.TTL)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.URL)
	assert.Equal(t, "rows", cfg.Events.Stream)
	// untouched keys keep their defaults
	assert.Equal(t, "/api", cfg.REST.BaseURL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "rest:\n  schema: app\n")
	t.Setenv("TABLEAPI_REST_SCHEMA", "reporting")
	t.Setenv("TABLEAPI_TOKENS_TTL", "3s")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "reporting", cfg.REST.Schema)
	assert.Equal(t, 3*time.Second, cfg.Tokens.TTL)
}

func TestLoadExplicitValueWins(t *testing.T) {
	v := viper.New()
	v.Set("rest.listenAddr", ":7000")

	cfg, err := Load(v, writeConfig(t, "rest:\n  listenAddr: \":9000\"\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.REST.ListenAddr)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit config file must exist")

	_, err = Load(viper.New(), writeConfig(t, "rest: [unterminated"))
	assert.ErrorContains(t, err, "error reading config file")

	_, err = Load(viper.New(), writeConfig(t, "tokens:\n  store: redis\n"))
	assert.ErrorContains(t, err, "tokens.store")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			REST:   RESTConfig{BaseURL: "/api", RequestTimeout: time.Second},
			Tokens: TokensConfig{Store: TokenStoreFile, File: "tokens.json", TTL: time.Second},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres store needs no file", func(c *Config) { c.Tokens.Store, c.Tokens.File = TokenStorePostgres, "" }, ""},
		{"file store without file", func(c *Config) { c.Tokens.File = "" }, "tokens.file"},
		{"unknown store", func(c *Config) { c.Tokens.Store = "memory" }, "tokens.store"},
		{"zero timeout", func(c *Config) { c.REST.RequestTimeout = 0 }, "rest.requestTimeout"},
		{"negative ttl", func(c *Config) { c.Tokens.TTL = -time.Second }, "tokens.ttl"},
		{"negative max conns", func(c *Config) { c.REST.PG.MaxConns = -1 }, "rest.pg.maxConns"},
		{"negative rps", func(c *Config) { c.REST.RateLimit.RPS = -1 }, "rest.rateLimit.rps"},
		{"relative base url", func(c *Config) { c.REST.BaseURL = "api" }, "rest.baseURL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
