package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const yamlConfig = `
server:
  address: ":9090"
storage:
  receipts:
    driver: sqlite
idempotency:
  driver: redis
  redis:
    address: "127.0.0.1:6379"
events:
  driver: nats
  nats:
    url: "nats://127.0.0.1:4222"
alerting:
  log: true
  webhooks:
    - kind: slack
      url: https://hooks.slack.example/T000
web3:
  chain_config: chains.yaml
  default_chain: local
agents:
  catalog: agents.yaml
settlement:
  fee_bps: 2000
  protocol_payout: "0x3000000000000000000000000000000000000003"
  payer_key_env: TEST_AGENTPAY_PAYER
orchestrator:
  coordinator_timeout_seconds: 90
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLAppliesDefaultsAndResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agentpay.yaml", yamlConfig)
	t.Setenv("TEST_AGENTPAY_PAYER", "0xabc123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" || cfg.Server.WriteTimeoutSeconds != 300 {
		t.Fatalf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Storage.Receipts.DSN != filepath.Join(dir, "data", "receipts.db") {
		t.Fatalf("sqlite dsn should default into the data dir, got %q", cfg.Storage.Receipts.DSN)
	}
	if cfg.Web3.ChainConfig != filepath.Join(dir, "chains.yaml") || cfg.Agents.Catalog != filepath.Join(dir, "agents.yaml") {
		t.Fatalf("relative paths not resolved: %+v %+v", cfg.Web3, cfg.Agents)
	}
	if cfg.Orchestrator.SimpleTimeout() != 30*time.Second || cfg.Orchestrator.CoordinatorTimeout() != 90*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg.Orchestrator)
	}
	if cfg.Settlement.PayerKey() != "0xabc123" {
		t.Fatalf("payer key should come from the named env var")
	}
	if cfg.Settlement.ProtocolPayoutAddress().Hex() != "0x3000000000000000000000000000000000000003" {
		t.Fatalf("unexpected payout %s", cfg.Settlement.ProtocolPayoutAddress().Hex())
	}
	if cfg.Settlement.Confirm.MaxPolls != 8 || cfg.Settlement.Confirm.InitialDelay() != 500*time.Millisecond {
		t.Fatalf("unexpected confirm defaults %+v", cfg.Settlement.Confirm)
	}
	if cfg.Idempotency.PendingTTL() != 10*time.Minute || cfg.Idempotency.SettledTTL() != 24*time.Hour {
		t.Fatalf("unexpected ttl defaults %+v", cfg.Idempotency)
	}
}

func TestLoadJSONWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agentpay.json", `{"server":{"address":":8081"},"settlement":{"fee_bps":100}}`)
	t.Setenv("AGENTPAY_SERVER_ADDRESS", ":7070")
	t.Setenv("AGENTPAY_FEE_BPS", "250")
	t.Setenv("AGENTPAY_RECEIPT_DRIVER", "mysql")
	t.Setenv("AGENTPAY_RECEIPT_DSN", "user:pass@tcp(127.0.0.1:3306)/agentpay?parseTime=true")
	t.Setenv("AGENTPAY_METRICS_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" || cfg.Settlement.FeeBps != 250 || !cfg.Metrics.Enabled {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Storage.Receipts.Driver != "mysql" || cfg.Events.Driver != "none" || cfg.Idempotency.Driver != "memory" {
		t.Fatalf("unexpected drivers %+v", cfg)
	}
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agentpay.yaml", "server:\n  address: \":8080\"\n")
	writeFile(t, dir, ".env", "AGENTPAY_PAYER_KEY=0xfeedface\n")
	t.Cleanup(func() { os.Unsetenv("AGENTPAY_PAYER_KEY") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Settlement.PayerKey() != "0xfeedface" {
		t.Fatalf("payer key from .env not applied, got %q", cfg.Settlement.PayerKey())
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"unknown receipt driver": `{"storage":{"receipts":{"driver":"mongo"}}}`,
		"mysql without dsn":      `{"storage":{"receipts":{"driver":"mysql"}}}`,
		"redis without address":  `{"idempotency":{"driver":"redis"}}`,
		"rabbitmq without url":   `{"events":{"driver":"rabbitmq"}}`,
		"unknown events driver":  `{"events":{"driver":"kafka"}}`,
		"bad webhook kind":       `{"alerting":{"webhooks":[{"kind":"pager","url":"http://x"}]}}`,
		"fee above 100%":         `{"settlement":{"fee_bps":10001}}`,
		"bad payout":             `{"settlement":{"protocol_payout":"not-an-address"}}`,
		"unknown auth mode":      `{"auth":{"mode":"jwt"}}`,
		"api_key without keys":   `{"auth":{"mode":"api_key"}}`,
		"api key without secret": `{"auth":{"mode":"api_key","keys":[{"id":"ops"}]}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "agentpay.json", body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestInvalidEnvOverride(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agentpay.json", `{}`)
	t.Setenv("AGENTPAY_FEE_BPS", "lots")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for malformed fee override")
	}
}

func TestAuthKeysFromEnv(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agentpay.json",
		`{"auth":{"mode":"api_key","keys":[{"id":"ops","key_env":"TEST_AGENTPAY_OPS_KEY","permissions":["calls:create"]}]}}`)
	t.Setenv("TEST_AGENTPAY_OPS_KEY", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Mode != "api_key" || cfg.Auth.Keys[0].Secret() != "s3cret" {
		t.Fatalf("unexpected auth config %+v", cfg.Auth)
	}
}
