package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Poller    PollerConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Journal   JournalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

// StoreConfig points at the external clinic store that owns appointments
// and the per-stage queue collections.
type StoreConfig struct {
	BaseURL string
	Timeout time.Duration
	// Outbound limiter shared by all store calls
	RequestsPerSecond float64
	Burst             int
}

type PollerConfig struct {
	Interval time.Duration
	// Timezone used to normalise record dates to a local calendar day
	Timezone string
}

// Location resolves the poller timezone, falling back to the process zone.
func (p PollerConfig) Location() *time.Location {
	if p.Timezone == "" || strings.EqualFold(p.Timezone, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

type AuthConfig struct {
	JWTSecret string
	// RequireToken rejects requests without a bearer token. When false the
	// staff role may be passed in RoleHeader.
	RequireToken bool
	RoleHeader   string
	// JournalRoles may read the transition journal. Empty means any caller.
	JournalRoles []string
}

type RateLimitConfig struct {
	RPS   int
	Burst int
}

// JournalConfig controls the append-only transition trail.
type JournalConfig struct {
	Enabled bool
	// Sink: "kurrentdb", "postgres" or "memory"
	Sink      string
	KurrentDB KurrentDBConfig
	Database  DatabaseConfig
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
	Stream   string
}

// ConnectionString returns the esdb:// connection string.
func (k KurrentDBConfig) ConnectionString() string {
	var auth string
	if k.Username != "" && k.Password != "" {
		auth = fmt.Sprintf("%s:%s@", k.Username, k.Password)
	}

	var params string
	if k.Insecure {
		params = "?tls=false&tlsVerifyCert=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, k.Host, k.Port, params)
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

type LogConfig struct {
	Level string
}

// Load reads configuration from the environment, with an optional .env file
// in the working directory.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path. A missing file is not an
// error; an unreadable or malformed one is.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	return FromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("ENV", "development")

	v.SetDefault("STORE_BASE_URL", "http://localhost:8000/api")
	v.SetDefault("STORE_TIMEOUT", "10s")
	v.SetDefault("STORE_RPS", 20.0)
	v.SetDefault("STORE_BURST", 10)

	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("POLL_TIMEZONE", "Local")

	v.SetDefault("JWT_SECRET", "dev-secret-change-in-prod")
	v.SetDefault("AUTH_REQUIRE_TOKEN", false)
	v.SetDefault("AUTH_ROLE_HEADER", "X-Staff-Role")
	v.SetDefault("AUTH_JOURNAL_ROLES", "")

	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	v.SetDefault("JOURNAL_ENABLED", false)
	v.SetDefault("JOURNAL_SINK", "kurrentdb")
	v.SetDefault("KURRENTDB_HOST", "localhost")
	v.SetDefault("KURRENTDB_PORT", 2113)
	v.SetDefault("KURRENTDB_INSECURE", true)
	v.SetDefault("KURRENTDB_USERNAME", "")
	v.SetDefault("KURRENTDB_PASSWORD", "")
	v.SetDefault("KURRENTDB_STREAM", "patientflow-transitions")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "patientflow")
	v.SetDefault("DB_PASSWORD", "patientflow")
	v.SetDefault("DB_NAME", "patientflow")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)

	v.SetDefault("LOG_LEVEL", "info")
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("SERVER_PORT"),
			Env:  v.GetString("ENV"),
		},
		Store: StoreConfig{
			BaseURL:           strings.TrimRight(v.GetString("STORE_BASE_URL"), "/"),
			Timeout:           v.GetDuration("STORE_TIMEOUT"),
			RequestsPerSecond: v.GetFloat64("STORE_RPS"),
			Burst:             v.GetInt("STORE_BURST"),
		},
		Poller: PollerConfig{
			Interval: v.GetDuration("POLL_INTERVAL"),
			Timezone: v.GetString("POLL_TIMEZONE"),
		},
		Auth: AuthConfig{
			JWTSecret:    v.GetString("JWT_SECRET"),
			RequireToken: v.GetBool("AUTH_REQUIRE_TOKEN"),
			RoleHeader:   v.GetString("AUTH_ROLE_HEADER"),
			JournalRoles: splitList(v.GetString("AUTH_JOURNAL_ROLES")),
		},
		RateLimit: RateLimitConfig{
			RPS:   v.GetInt("RATE_LIMIT_RPS"),
			Burst: v.GetInt("RATE_LIMIT_BURST"),
		},
		Journal: JournalConfig{
			Enabled: v.GetBool("JOURNAL_ENABLED"),
			Sink:    strings.ToLower(v.GetString("JOURNAL_SINK")),
			KurrentDB: KurrentDBConfig{
				Host:     v.GetString("KURRENTDB_HOST"),
				Port:     v.GetInt("KURRENTDB_PORT"),
				Insecure: v.GetBool("KURRENTDB_INSECURE"),
				Username: v.GetString("KURRENTDB_USERNAME"),
				Password: v.GetString("KURRENTDB_PASSWORD"),
				Stream:   v.GetString("KURRENTDB_STREAM"),
			},
			Database: DatabaseConfig{
				Host:     v.GetString("DB_HOST"),
				Port:     v.GetInt("DB_PORT"),
				User:     v.GetString("DB_USER"),
				Password: v.GetString("DB_PASSWORD"),
				Database: v.GetString("DB_NAME"),
				SSLMode:  v.GetString("DB_SSLMODE"),
				MaxConns: v.GetInt32("DB_MAX_CONNS"),
				MinConns: v.GetInt32("DB_MIN_CONNS"),
			},
		},
		Log: LogConfig{
			Level: v.GetString("LOG_LEVEL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.Store.BaseURL == "" {
		return fmt.Errorf("STORE_BASE_URL is required")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Poller.Interval)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.Store.Timeout)
	}
	if c.Journal.Enabled {
		switch c.Journal.Sink {
		case "kurrentdb", "postgres", "memory":
		default:
			return fmt.Errorf("unknown JOURNAL_SINK %q", c.Journal.Sink)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
