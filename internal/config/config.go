// Package config loads gateway settings from the environment, with an
// optional YAML file overlay for deployments that prefer checked-in config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr           string        `yaml:"http_addr"`
	AdminToken         string        `yaml:"admin_token"`
	StoreBackend       string        `yaml:"store_backend"` // memory | redis | mysql
	RedisAddr          string        `yaml:"redis_addr"`
	MySQLDSN           string        `yaml:"mysql_dsn"`
	KeyEncMasterB64    string        `yaml:"key_enc_master_b64"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		StoreBackend:       "memory",
		CORSAllowedOrigins: []string{"*"},
		UpstreamTimeout:    5 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

// Load builds the config from defaults, an optional YAML file, then the
// environment. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.AdminToken = getenvDefault("ADMIN_TOKEN", cfg.AdminToken)
	cfg.StoreBackend = getenvDefault("STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisAddr = getenvDefault("REDIS_ADDR", cfg.RedisAddr)
	cfg.MySQLDSN = getenvDefault("MYSQL_DSN", cfg.MySQLDSN)
	cfg.KeyEncMasterB64 = getenvDefault("KEY_ENC_MASTER_B64", cfg.KeyEncMasterB64)
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); strings.TrimSpace(v) != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("UPSTREAM_TIMEOUT_SECONDS"); strings.TrimSpace(v) != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT_SECONDS %q", v)
		}
		cfg.UpstreamTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); strings.TrimSpace(v) != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return Config{}, fmt.Errorf("invalid SWEEP_INTERVAL_SECONDS %q", v)
		}
		cfg.SweepInterval = time.Duration(secs) * time.Second
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis store backend")
		}
	case "mysql":
		if strings.TrimSpace(c.MySQLDSN) == "" {
			return fmt.Errorf("MYSQL_DSN is required for the mysql store backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	// AdminToken is optional: without one the admin surface answers 503.
	return nil
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
