package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	Port       int      `yaml:"port"`
	Database   Database `yaml:"database"`
	FGLocation string   `yaml:"fg_location"`
	SeedFile   string   `yaml:"seed_file"`
	RateLimit  Rate     `yaml:"rate_limit"`
	Telemetry  Tracing  `yaml:"telemetry"`
}

// Database selects the SQL driver and connection string.
type Database struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	MaxRetries int    `yaml:"max_retries"`
}

// Rate configures the API rate limiter. A zero RPS disables it.
type Rate struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Tracing configures the OTLP trace exporter. An empty endpoint disables export.
type Tracing struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port: 9000,
		Database: Database{
			Driver:     "sqlite",
			DSN:        "workcell.db",
			MaxRetries: 3,
		},
		FGLocation: "FG",
		RateLimit:  Rate{RPS: 20, Burst: 40},
		Telemetry:  Tracing{ServiceName: "workcell"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file and WORKCELL_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("config: .env: %v", err)
	}

	if path == "" {
		path = os.Getenv("WORKCELL_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("WORKCELL_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKCELL_PORT: %w", err)
		}
		c.Port = p
	}
	if v := os.Getenv("WORKCELL_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("WORKCELL_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("WORKCELL_FG_LOCATION"); v != "" {
		c.FGLocation = v
	}
	if v := os.Getenv("WORKCELL_SEED_FILE"); v != "" {
		c.SeedFile = v
	}
	if v := os.Getenv("WORKCELL_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("WORKCELL_RATE_LIMIT"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("WORKCELL_RATE_LIMIT: %w", err)
		}
		c.RateLimit.RPS = rps
	}
	if v := os.Getenv("WORKCELL_RATE_BURST"); v != "" {
		b, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WORKCELL_RATE_BURST: %w", err)
		}
		c.RateLimit.Burst = b
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Database.MaxRetries < 1 {
		return errors.New("database max_retries must be at least 1")
	}
	if c.RateLimit.RPS < 0 || (c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1) {
		return errors.New("rate_limit needs a non-negative rps and a positive burst")
	}
	if c.FGLocation == "" {
		return errors.New("fg_location is required")
	}
	return nil
}
