// Package config loads server configuration from an optional YAML file, an
// optional .env file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the order engine server.
type Config struct {
	Env      string   `yaml:"env"`
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Auth     Auth     `yaml:"auth"`
	Scanner  Scanner  `yaml:"scanner"`
	Pricing  Pricing  `yaml:"pricing"`
	Logging  Logging  `yaml:"logging"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Database selects the gorm dialector. Driver is "sqlite" or "postgres".
type Database struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type Auth struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AdminAPIKey    string        `yaml:"admin_api_key"`
	AdminAPISecret string        `yaml:"admin_api_secret"`
}

// Scanner controls the pending order sweep
type Scanner struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

// Pricing selects the price oracle. Source is "static", "database" or "alpaca".
type Pricing struct {
	Source       string        `yaml:"source"`
	QuoteTimeout time.Duration `yaml:"quote_timeout"`
	Alpaca       Alpaca        `yaml:"alpaca"`
}

type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// Default returns a configuration that runs locally against a SQLite file.
func Default() *Config {
	return &Config{
		Env:    "development",
		Server: Server{Addr: ":8080"},
		Database: Database{
			Driver:       "sqlite",
			DSN:          "file:papertrade.db?_busy_timeout=5000&_txlock=immediate",
			MaxOpenConns: 1,
		},
		Auth: Auth{
			TokenTTL: 24 * time.Hour,
		},
		Scanner: Scanner{
			Interval: 5 * time.Second,
			Workers:  4,
		},
		Pricing: Pricing{
			Source:       "database",
			QuoteTimeout: 3 * time.Second,
		},
		Logging: Logging{Level: "info"},
	}
}

// Load builds the configuration. An empty path skips the YAML file; a
// missing .env file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = strings.ToLower(v)
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PORT"); v != "" && os.Getenv("HTTP_ADDR") == "" {
		cfg.Server.Addr = ":" + v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DB_MAX_OPEN_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
		}
		cfg.Database.MaxOpenConns = n
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid JWT_TTL: %w", err)
		}
		cfg.Auth.TokenTTL = d
	}
	if v := os.Getenv("ADMIN_API_KEY"); v != "" {
		cfg.Auth.AdminAPIKey = v
	}
	if v := os.Getenv("ADMIN_API_SECRET"); v != "" {
		cfg.Auth.AdminAPISecret = v
	}
	if v := os.Getenv("SCAN_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SCAN_INTERVAL: %w", err)
		}
		cfg.Scanner.Interval = d
	}
	if v := os.Getenv("SCAN_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SCAN_WORKERS: %w", err)
		}
		cfg.Scanner.Workers = n
	}
	if v := os.Getenv("PRICE_SOURCE"); v != "" {
		cfg.Pricing.Source = strings.ToLower(v)
	}
	if v := os.Getenv("QUOTE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid QUOTE_TIMEOUT: %w", err)
		}
		cfg.Pricing.QuoteTimeout = d
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Pricing.Alpaca.DataURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}

	// Standard Alpaca env vars, the names the SDK itself reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Pricing.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Pricing.Alpaca.APISecret = v
	}
	return nil
}

// Validate reports every problem at once rather than the first one found.
func (c *Config) Validate() error {
	var problems []string
	if c.Env != "development" && c.Env != "production" {
		problems = append(problems, "env must be development or production")
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if c.Auth.TokenTTL <= 0 {
		problems = append(problems, "auth.token_ttl must be positive")
	}
	if (c.Auth.AdminAPIKey == "") != (c.Auth.AdminAPISecret == "") {
		problems = append(problems, "ADMIN_API_KEY and ADMIN_API_SECRET must be set together")
	}
	if c.Scanner.Interval <= 0 {
		problems = append(problems, "scanner.interval must be positive")
	}
	if c.Scanner.Workers < 1 {
		problems = append(problems, "scanner.workers must be at least 1")
	}
	switch c.Pricing.Source {
	case "static", "database":
	case "alpaca":
		if c.Pricing.Alpaca.APIKey == "" || c.Pricing.Alpaca.APISecret == "" {
			problems = append(problems, "alpaca pricing requires APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported price source %q", c.Pricing.Source))
	}
	if c.Pricing.QuoteTimeout <= 0 {
		problems = append(problems, "pricing.quote_timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("unsupported log level %q", c.Logging.Level))
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
