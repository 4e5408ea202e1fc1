package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/tableapi/pkg/events"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/tableapi/pkg/config.Version=..."
var Version = "dev"

const (
	EnvPrefix  = "TABLEAPI"
	ConfigName = "tableapi"

	TokenStoreFile     = "file"
	TokenStorePostgres = "postgres"
)

// Config holds application-wide configuration
type Config struct {
	REST    RESTConfig        `mapstructure:"rest"`
	Tokens  TokensConfig      `mapstructure:"tokens"`
	Metrics MetricsConfig     `mapstructure:"metrics"`
	Events  events.NATSConfig `mapstructure:"events"`
}

type RESTConfig struct {
	PG             PGConfig        `mapstructure:"pg"`
	ListenAddr     string          `mapstructure:"listenAddr"`
	BaseURL        string          `mapstructure:"baseURL"`
	Schema         string          `mapstructure:"schema"`
	RequestTimeout time.Duration   `mapstructure:"requestTimeout"`
	MaxRetries     uint64          `mapstructure:"maxRetries"`
	RateLimit      RateLimitConfig `mapstructure:"rateLimit"`
	CORS           CORSConfig      `mapstructure:"cors"`
}

type PGConfig struct {
	ConnString string `mapstructure:"connString"`
	MaxConns   int32  `mapstructure:"maxConns"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

// TokensConfig selects where bearer tokens live.
type TokensConfig struct {
	Store string        `mapstructure:"store"` // "file" or "postgres"
	File  string        `mapstructure:"file"`
	Table string        `mapstructure:"table"`
	TTL   time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// SetDefaults registers every known key on v. AutomaticEnv only resolves keys
// viper already knows about, so this also makes each key settable from the
// environment.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("rest.listenAddr", ":8080")
	v.SetDefault("rest.baseURL", "/api")
	v.SetDefault("rest.schema", "public")
	v.SetDefault("rest.requestTimeout", 30*time.Second)
	v.SetDefault("rest.maxRetries", 3)
	v.SetDefault("rest.pg.connString", "")
	v.SetDefault("rest.pg.maxConns", 10)
	v.SetDefault("rest.rateLimit.rps", 0)
	v.SetDefault("rest.rateLimit.burst", 0)
	v.SetDefault("rest.cors.allowedOrigins", []string{"*"})

	v.SetDefault("tokens.store", TokenStoreFile)
	v.SetDefault("tokens.file", "tokens.json")
	v.SetDefault("tokens.table", "api_tokens")
	v.SetDefault("tokens.ttl", 10*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")

	v.SetDefault("events.natsURL", "")
	v.SetDefault("events.subjectPrefix", events.DefaultSubjectPrefix)
	v.SetDefault("events.stream", "")
	v.SetDefault("events.username", "")
	v.SetDefault("events.password", "")
}

// Load reads config from file or environment into v. Flags bound to v take
// precedence over both. cfgFile may be empty, in which case tableapi.yaml is
// looked up in $HOME/.config and the working directory, and a missing file is
// not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail late, after the server
// has started.
func (c *Config) Validate() error {
	var errs []error
	switch c.Tokens.Store {
	case TokenStoreFile:
		if c.Tokens.File == "" {
			errs = append(errs, errors.New("tokens.file is required for the file token store"))
		}
	case TokenStorePostgres:
	default:
		errs = append(errs, fmt.Errorf("tokens.store must be %q or %q, got %q", TokenStoreFile, TokenStorePostgres, c.Tokens.Store))
	}
	if c.REST.RequestTimeout <= 0 {
		errs = append(errs, errors.New("rest.requestTimeout must be positive"))
	}
	if c.Tokens.TTL < 0 {
		errs = append(errs, errors.New("tokens.ttl must not be negative"))
	}
	if c.REST.PG.MaxConns < 0 {
		errs = append(errs, errors.New("rest.pg.maxConns must not be negative"))
	}
	if c.REST.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rest.rateLimit.rps must not be negative"))
	}
	if !strings.HasPrefix(c.REST.BaseURL, "/") {
		errs = append(errs, fmt.Errorf("rest.baseURL must start with /, got %q", c.REST.BaseURL))
	}
	return errors.Join(errs...)
}
