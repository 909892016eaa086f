package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: " :6000 "
data_dir: /var/lib/lending
clock:
  genesis: "2024-01-01T00:00:00Z"
oracle:
  primary:
    kind: coingecko
tls:
  allow_insecure: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Storage.Engine != "leveldb" || cfg.Storage.Path != filepath.Join("/var/lib/lending", "state") {
		t.Fatalf("unexpected storage defaults %+v", cfg.Storage)
	}
	if cfg.PoolConfig != filepath.Join("/var/lib/lending", "pool.toml") {
		t.Fatalf("unexpected pool config path %q", cfg.PoolConfig)
	}
	if cfg.Clock.Mode != "wall" || cfg.Clock.BlockTime != 10*time.Minute {
		t.Fatalf("unexpected clock defaults %+v", cfg.Clock)
	}
	if cfg.Oracle.PollInterval != 30*time.Second || cfg.Oracle.MaxAge != 5*time.Minute {
		t.Fatalf("unexpected oracle defaults %+v", cfg.Oracle)
	}
	if cfg.Auth.AdminScope != "lending:admin" || cfg.Auth.HMACSecretEnv != "LENDING_JWT_SECRET" {
		t.Fatalf("unexpected auth defaults %+v", cfg.Auth)
	}
	genesis, err := cfg.Clock.GenesisTime()
	if err != nil || genesis.Year() != 2024 {
		t.Fatalf("unexpected genesis %v %v", genesis, err)
	}
}

func TestLoadParsesDurationsAndSources(t *testing.T) {
	path := writeConfig(t, `
storage:
  engine: bolt
history:
  dsn: "postgres://lending@db/lending"
clock:
  mode: manual
  start_height: 42
oracle:
  primary:
    kind: coingecko
    api_key_env: CG_KEY
    ids:
      STX: blockstack
  secondary:
    kind: static
    prices:
      STX: "2.10"
  poll_interval: 15s
auth:
  enabled: true
  audience: [" lending ", ""]
rate_limit:
  rps: 2.5
tls:
  allow_insecure: true
cors:
  allowed_origins: ["https://app.example"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 {
		t.Fatalf("unexpected cors origins %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Storage.Path != filepath.Join(defaultDataDir, "state.bolt") {
		t.Fatalf("unexpected bolt path %q", cfg.Storage.Path)
	}
	if cfg.Clock.StartHeight != 42 || cfg.Oracle.PollInterval != 15*time.Second {
		t.Fatalf("unexpected parse %+v %+v", cfg.Clock, cfg.Oracle)
	}
	if cfg.Oracle.Secondary.Prices["STX"] != "2.10" {
		t.Fatalf("static prices not parsed")
	}
	if len(cfg.Auth.Audience) != 1 || cfg.Auth.Audience[0] != "lending" {
		t.Fatalf("unexpected audience %v", cfg.Auth.Audience)
	}
	if cfg.RateLimit.Burst != 2 {
		t.Fatalf("expected burst derived from rps, got %d", cfg.RateLimit.Burst)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := map[string]string{
		"engine": `
storage: {engine: rocks}
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}`,
		"genesis": `
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}`,
		"primary": `
clock: {mode: manual}
tls: {allow_insecure: true}`,
		"static prices": `
clock: {mode: manual}
oracle: {primary: {kind: static}}
tls: {allow_insecure: true}`,
		"tls": `
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}`,
		"dev header with auth": `
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}
auth: {enabled: true, dev_principal_header: X-Principal}`,
		"auth off in prod": `
environment: prod
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}`,
		"plain webhook in prod": `
environment: prod
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}
auth: {enabled: true}
webhook: {url: "http://alerts.internal/hook"}`,
		"unknown field": `
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}
grpc: true`,
	}
	for name, contents := range cases {
		if _, err := Load(writeConfig(t, contents)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestAuthSecretFromEnvironment(t *testing.T) {
	cfg := AuthConfig{Enabled: true, HMACSecretEnv: "LENDING_TEST_SECRET"}
	t.Setenv("LENDING_TEST_SECRET", "")
	if _, err := cfg.Secret(); err == nil || !strings.Contains(err.Error(), "LENDING_TEST_SECRET") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	t.Setenv("LENDING_TEST_SECRET", " s3cret ")
	secret, err := cfg.Secret()
	if err != nil || secret != "s3cret" {
		t.Fatalf("unexpected secret %q %v", secret, err)
	}
	if secret, err := (AuthConfig{}).Secret(); err != nil || secret != "" {
		t.Fatalf("disabled auth should not need a secret")
	}
}

func TestWebhookDefaults(t *testing.T) {
	path := writeConfig(t, `
clock: {mode: manual}
oracle: {primary: {kind: coingecko}}
tls: {allow_insecure: true}
webhook:
  url: " http://127.0.0.1:9000/hook "
  events: [lending.loan.liquidated]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.URL != "http://127.0.0.1:9000/hook" || cfg.Webhook.SecretEnv != "LENDING_WEBHOOK_SECRET" {
		t.Fatalf("unexpected webhook config %+v", cfg.Webhook)
	}
	t.Setenv("LENDING_WEBHOOK_SECRET", "hook-secret")
	if secret, err := cfg.Webhook.Secret(); err != nil || secret != "hook-secret" {
		t.Fatalf("unexpected webhook secret %q %v", secret, err)
	}
}
