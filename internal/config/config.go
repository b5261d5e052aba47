// Package config loads service settings from defaults, an optional YAML
// file and HEALTHGATE_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	envPrefix = "HEALTHGATE_"
	// FileEnv names the variable holding the optional YAML file path.
	FileEnv = envPrefix + "CONFIG_FILE"
)

type Config struct {
	HTTP     HTTPConfig     `koanf:"http"`
	Database DatabaseConfig `koanf:"database"`
	Security SecurityConfig `koanf:"security"`
	Audit    AuditConfig    `koanf:"audit"`
	Log      LogConfig      `koanf:"log"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	RateBurst       int           `koanf:"rate_burst"`
	RatePerSec      float64       `koanf:"rate_per_sec"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies are CIDRs or addresses whose X-Forwarded-For is believed.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type SecurityConfig struct {
	// FieldKey is the base64 or hex field encryption key.
	FieldKey  string        `koanf:"field_key"`
	JWTSecret string        `koanf:"jwt_secret"`
	JWTIssuer string        `koanf:"jwt_issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

type AuditConfig struct {
	QueueSize    int           `koanf:"queue_size"`
	DrainTimeout time.Duration `koanf:"drain_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			RateBurst:       40,
			RatePerSec:      20,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			JWTIssuer: "healthgate",
			TokenTTL:  15 * time.Minute,
		},
		Audit: AuditConfig{
			QueueSize:    1024,
			DrainTimeout: 5 * time.Second,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file named by HEALTHGATE_CONFIG_FILE, if any, then the
// environment.
func Load() (Config, error) {
	return LoadFrom(strings.TrimSpace(os.Getenv(FileEnv)))
}

// LoadFrom is Load with an explicit file path. An empty path skips the file.
// Environment keys map as HEALTHGATE_HTTP__RATE_BURST -> http.rate_burst.
func LoadFrom(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	err := k.Load(env.Provider(envPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Database.DSN = strings.TrimSpace(cfg.Database.DSN)
	cfg.Security.FieldKey = strings.TrimSpace(cfg.Security.FieldKey)
	return cfg, nil
}

// Validate reports settings the API server cannot start without. A missing
// or bad field key is not an error here; protected fields then fail closed.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.RatePerSec < 0 || c.HTTP.RateBurst < 0 {
		errs = append(errs, errors.New("http rate limits must not be negative"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		errs = append(errs, errors.New("security.jwt_secret is required"))
	}
	if c.Audit.QueueSize <= 0 {
		errs = append(errs, errors.New("audit.queue_size must be positive"))
	}
	return errors.Join(errs...)
}
