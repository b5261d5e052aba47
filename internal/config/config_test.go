package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Audit.QueueSize != 1024 || cfg.Security.JWTIssuer != "healthgate" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "healthgate.yaml")
	yaml := strings.Join([]string{
		"http:",
		"  addr: \":9090\"",
		"  rate_burst: 5",
		"  trusted_proxies:",
		"    - 10.0.0.0/8",
		"    - 192.168.1.5",
		"database:",
		"  dsn: postgres://file",
		"log:",
		"  level: debug",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("HEALTHGATE_DATABASE__DSN", "postgres://env")
	t.Setenv("HEALTHGATE_AUDIT__QUEUE_SIZE", "64")
	t.Setenv("HEALTHGATE_SECURITY__TOKEN_TTL", "5m")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.HTTP.RateBurst != 5 || cfg.Log.Level != "debug" || len(cfg.HTTP.TrustedProxies) != 2 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Database.DSN != "postgres://env" {
		t.Fatalf("environment must override file, got %q", cfg.Database.DSN)
	}
	if cfg.Audit.QueueSize != 64 || cfg.Security.TokenTTL != 5*time.Minute {
		t.Fatalf("environment values not applied: %+v", cfg)
	}
	if cfg.HTTP.RatePerSec != 20 {
		t.Fatalf("untouched defaults must survive, got %v", cfg.HTTP.RatePerSec)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected errors for missing dsn and secret")
	}
	for _, want := range []string{"database.dsn", "security.jwt_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
	cfg.Database.DSN = "postgres://x"
	cfg.Security.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
