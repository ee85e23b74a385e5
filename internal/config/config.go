package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend  string `yaml:"backend"`
	DBSource string `yaml:"db_source"`
	WALPath  string `yaml:"wal_path"`
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
}

// Load reads configuration from the environment, with a .env file as a
// convenience for development and an optional YAML file (CONFIG_FILE) whose
// values act as defaults for anything the environment leaves unset.
func Load() (*Config, error) {
	// Missing .env is fine; production relies on real env variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	overlay(&cfg.Backend, "BACKEND", BackendMemory)
	overlay(&cfg.DBSource, "DB_SOURCE", "")
	overlay(&cfg.WALPath, "WAL_PATH", "cardops.wal")
	overlay(&cfg.Port, "SERVER_PORT", "8080")
	overlay(&cfg.Env, "ENVIRONMENT", "development")

	switch cfg.Backend {
	case BackendMemory:
	case BackendPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE is required when BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// overlay applies env on top of the file value, then the fallback.
func overlay(dst *string, key, fallback string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
	if *dst == "" {
		*dst = fallback
	}
}
