// Package config loads process configuration from the environment, with an
// optional .env file for local development and an optional YAML file of
// provider base-URL overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sune-org/us.proxy.sune.chat/logger"
	"github.com/sune-org/us.proxy.sune.chat/providers"
)

const defaultPort = 8080

// Config is everything the process reads at startup.
type Config struct {
	// Port is the TCP port the ingress listens on. PORT, default 8080.
	Port int

	// NtfyURL is the ntfy topic for run notifications. NTFY_URL, empty
	// disables notifications.
	NtfyURL string

	// RedisAddr selects the Redis state store. REDIS_ADDR, empty selects the
	// in-memory store.
	RedisAddr string

	// MetricsAddr is the listen address for the Prometheus exporter.
	// METRICS_ADDR, empty disables the exporter.
	MetricsAddr string

	// OTLPEndpoint is the OTLP/HTTP trace collector URL.
	// OTEL_EXPORTER_OTLP_ENDPOINT, empty disables tracing.
	OTLPEndpoint string

	// Providers holds base-URL overrides loaded from PROVIDERS_CONFIG.
	Providers providers.Config
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not load .env file", "error", err)
	}

	cfg := &Config{
		Port:         defaultPort,
		NtfyURL:      os.Getenv("NTFY_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", raw)
		}
		cfg.Port = port
	}

	if path := os.Getenv("PROVIDERS_CONFIG"); path != "" {
		if err := loadProviders(path, &cfg.Providers); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadProviders(path string, out *providers.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read providers config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parse providers config %s: %w", path, err)
	}
	return nil
}
