package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_DefaultsWithSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Scanner.Interval != 5*time.Second || cfg.Scanner.Workers != 4 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.IsProduction() {
		t.Error("default env should be development")
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
env: production
server:
  addr: ":9000"
auth:
  jwt_secret: from-file
scanner:
  interval: 30s
  workers: 8
pricing:
  source: static
`)
	t.Setenv("SCAN_WORKERS", "2")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsProduction() || cfg.Server.Addr != ":9000" || cfg.Auth.JWTSecret != "from-file" {
		t.Errorf("yaml not applied: %+v", cfg)
	}
	if cfg.Scanner.Interval != 30*time.Second {
		t.Errorf("interval = %s", cfg.Scanner.Interval)
	}
	if cfg.Scanner.Workers != 2 || cfg.Logging.Level != "debug" {
		t.Errorf("env overrides not applied: workers %d level %s", cfg.Scanner.Workers, cfg.Logging.Level)
	}
	if cfg.Pricing.Source != "static" {
		t.Errorf("source = %s", cfg.Pricing.Source)
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SCAN_INTERVAL", "soon")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "SCAN_INTERVAL") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	cfg.Auth.AdminAPIKey = "key"
	cfg.Pricing.Source = "alpaca"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"mysql", "JWT_SECRET", "ADMIN_API_SECRET", "APCA_API_KEY_ID"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
