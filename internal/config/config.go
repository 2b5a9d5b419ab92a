package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/sessionkeeper/internal/authserver"
	"github.com/alexjbarnes/sessionkeeper/internal/state"
	"github.com/alexjbarnes/sessionkeeper/internal/storage"
)

// Durable store backends selectable with SESSIONKEEPER_STORE.
const (
	StoreBolt   = "bolt"
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds the environment-based configuration of the session client.
type Config struct {
	// Base URL of the auth server, e.g. https://api.example.com.
	APIURL string `env:"SESSIONKEEPER_API_URL"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Durable storage for the token pair and session identity.
	Store     string        `env:"SESSIONKEEPER_STORE" envDefault:"bolt"`
	StatePath string        `env:"SESSIONKEEPER_STATE_PATH"`
	FilePath  string        `env:"SESSIONKEEPER_FILE_PATH"`
	StoreKey  string        `env:"SESSIONKEEPER_STORE_KEY"`
	RedisURL  string        `env:"REDIS_URL"`
	RedisNS   string        `env:"SESSIONKEEPER_REDIS_NAMESPACE" envDefault:"default"`
	RedisTTL  time.Duration `env:"SESSIONKEEPER_REDIS_TTL" envDefault:"720h"`

	RefreshLead time.Duration `env:"SESSIONKEEPER_REFRESH_LEAD" envDefault:"60s"`
	ClockSkew   time.Duration `env:"SESSIONKEEPER_CLOCK_SKEW" envDefault:"30s"`
	HTTPTimeout time.Duration `env:"SESSIONKEEPER_HTTP_TIMEOUT" envDefault:"30s"`

	// Device name sent with sign-in requests. Defaults to the hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Events enables the server-pushed session event stream.
	Events bool `env:"SESSIONKEEPER_EVENTS" envDefault:"false"`

	// Empty disables the listener.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR"`

	// Empty serves MCP over stdio.
	MCPListenAddr string `env:"MCP_LISTEN_ADDR"`
}

// ServerConfig configures the reference auth server.
type ServerConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr    string        `env:"AUTHSERVER_LISTEN_ADDR" envDefault:":8080"`
	PublicURL     string        `env:"AUTHSERVER_PUBLIC_URL"`
	SigningKey    string        `env:"AUTHSERVER_SIGNING_KEY"`
	Users         string        `env:"AUTHSERVER_USERS"`
	AccessTTL     time.Duration `env:"AUTHSERVER_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL    time.Duration `env:"AUTHSERVER_REFRESH_TTL" envDefault:"720h"`
	TwoFactorCode string        `env:"AUTHSERVER_TWO_FACTOR_CODE" envDefault:"123456"`
}

// signingKeyMinLen matches the HS256 key floor the server enforces.
const signingKeyMinLen = 32

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "sessionkeeper"
		}

		cfg.DeviceName = hostname
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Store paths are resolved once so a later chdir cannot move them.
	for _, p := range []*string{&cfg.StatePath, &cfg.FilePath} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving store path: %w", err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("SESSIONKEEPER_API_URL is required")
	}

	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SESSIONKEEPER_API_URL must be an http(s) URL")
	}

	switch c.Store {
	case StoreBolt, StoreMemory:
	case StoreFile:
		if c.FilePath == "" {
			return fmt.Errorf("SESSIONKEEPER_FILE_PATH is required when SESSIONKEEPER_STORE=file")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSIONKEEPER_STORE=redis")
		}
	default:
		return fmt.Errorf("SESSIONKEEPER_STORE must be one of bolt, file, redis, memory (got %q)", c.Store)
	}

	if c.RefreshLead < 0 {
		return fmt.Errorf("SESSIONKEEPER_REFRESH_LEAD must not be negative")
	}

	if c.ClockSkew < 0 {
		return fmt.Errorf("SESSIONKEEPER_CLOCK_SKEW must not be negative")
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("SESSIONKEEPER_HTTP_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// OpenStore opens the configured durable store. The returned close
// function releases it and is never nil.
func (c *Config) OpenStore() (storage.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Store {
	case StoreMemory:
		return storage.NewMemory(), noop, nil

	case StoreFile:
		f, err := storage.NewFile(c.FilePath, c.StoreKey)
		if err != nil {
			return nil, nil, err
		}

		return f, noop, nil

	case StoreRedis:
		r, err := storage.NewRedisFromURL(c.RedisURL, c.RedisNS, c.RedisTTL)
		if err != nil {
			return nil, nil, err
		}

		return r, r.Close, nil

	default:
		path := c.StatePath
		if path == "" {
			p, err := state.DefaultPath()
			if err != nil {
				return nil, nil, err
			}

			path = p
		}

		s, err := state.LoadAt(path)
		if err != nil {
			return nil, nil, err
		}

		return s, s.Close, nil
	}
}

// LoadServer reads the reference auth server's configuration.
func LoadServer() (*ServerConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &ServerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.PublicURL == "" {
		host := cfg.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}

		cfg.PublicURL = "http://" + host
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *ServerConfig) validate() error {
	if len(c.SigningKey) < signingKeyMinLen {
		return fmt.Errorf("AUTHSERVER_SIGNING_KEY must be at least %d characters", signingKeyMinLen)
	}

	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("AUTHSERVER_ACCESS_TTL and AUTHSERVER_REFRESH_TTL must be positive")
	}

	if c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("AUTHSERVER_REFRESH_TTL must be longer than AUTHSERVER_ACCESS_TTL")
	}

	if c.TwoFactorCode == "" {
		return fmt.Errorf("AUTHSERVER_TWO_FACTOR_CODE must not be empty")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ParseUsers parses AUTHSERVER_USERS into seed accounts.
// Format: "alice@example.com:password,bob@example.com:password:2fa"
func (c *ServerConfig) ParseUsers() ([]authserver.Seed, error) {
	if c.Users == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var seeds []authserver.Seed

	for _, entry := range strings.Split(c.Users, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		idx := strings.Index(entry, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid user entry (missing ':')")
		}

		email := strings.ToLower(entry[:idx])
		password := entry[idx+1:]

		twoFactor := false
		if rest, ok := strings.CutSuffix(password, ":2fa"); ok {
			password, twoFactor = rest, true
		}

		if email == "" || password == "" {
			return nil, fmt.Errorf("empty email or password in entry %d", len(seeds)+1)
		}

		if _, dup := seen[email]; dup {
			return nil, fmt.Errorf("duplicate email %q in AUTHSERVER_USERS", email)
		}

		seen[email] = struct{}{}
		seeds = append(seeds, authserver.Seed{Email: email, Password: password, TwoFactor: twoFactor})
	}

	return seeds, nil
}
