// Package config loads wakeproxyd's runtime configuration: a handful
// of environment variables (with an optional .env file for local
// development) plus a TOML file describing the services to supervise.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/wakeproxy/wakeproxy/internal/descriptor"
)

// Config holds the process-wide settings read once at startup.
type Config struct {
	// DescriptorsPath points at the TOML file listing supervised
	// services. Required.
	DescriptorsPath string

	// AdminAddr is the bind address for the admin HTTP server
	// (/health, /status, /events). Empty disables it.
	AdminAddr string

	// AuditDBPath is where the SQLite audit log is kept. Empty
	// disables audit logging entirely.
	AuditDBPath string

	// LogLevel is a zerolog level name: "debug", "info", "warn", "error".
	LogLevel string

	// LogFormat is "console" (human-readable, colorized) or "json".
	LogFormat string
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// Load reads a .env file if present (missing is not an error), then
// overlays process environment variables on top of defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		DescriptorsPath: getEnv("WAKEPROXY_DESCRIPTORS", "services.toml"),
		AdminAddr:       getEnv("WAKEPROXY_ADMIN_ADDR", ""),
		AuditDBPath:     getEnv("WAKEPROXY_AUDIT_DB", ""),
		LogLevel:        getEnv("WAKEPROXY_LOG_LEVEL", "info"),
		LogFormat:       getEnv("WAKEPROXY_LOG_FORMAT", "console"),
	}
	return cfg, nil
}

// NewLogger builds a zerolog.Logger configured per cfg.LogLevel and
// cfg.LogFormat, writing to stderr. An unrecognized LogFormat falls
// back to the human-readable console writer.
func NewLogger(cfg *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// descriptorFile is the on-disk shape of the TOML descriptors file:
// a top-level array of [[service]] tables.
type descriptorFile struct {
	Service []descriptor.Service `toml:"service"`
}

// LoadDescriptors parses and validates the TOML file at path,
// returning one descriptor.Service per [[service]] table.
func LoadDescriptors(path string) ([]*descriptor.Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read descriptors %s: %w", path, err)
	}

	var file descriptorFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse descriptors %s: %w", path, err)
	}

	services := make([]*descriptor.Service, 0, len(file.Service))
	for i := range file.Service {
		svc := &file.Service[i]
		if err := svc.Validate(); err != nil {
			return nil, fmt.Errorf("config: descriptors %s, entry %d: %w", path, i, err)
		}
		services = append(services, svc)
	}
	return services, nil
}
