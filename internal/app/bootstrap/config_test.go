package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DB_URL", "POSTGRES_URL", "REDIS_URL", "KAFKA_BROKERS", "HTTP_PORT", "PLATFORM_FEE_BPS",
		"ESCROW_CURRENCY", "ONBOARDING_REFRESH_URL", "ONBOARDING_RETURN_URL", "PROCESSOR_TIMEOUT_MS",
		"PROCESSOR_MAX_RETRIES", "RUN_MIGRATIONS", "CORS_ALLOWED_ORIGINS", "RATE_LIMIT_RPS",
	} {
		t.Setenv(name, "")
	}
}

const baseYAML = `
service:
  http_port: 8181
dependencies:
  postgres_url: postgres://file/escrow
  kafka_brokers: [" kafka-1:9092 ", ""]
processor:
  timeout_ms: 5000
  max_retries: 0
release:
  platform_fee_bps: 750
  currency: EUR
onboarding:
  refresh_url: https://app.example/refresh
  return_url: https://app.example/return
`

func TestLoadConfigAppliesFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, baseYAML)
	t.Setenv("DB_URL", "postgres://env/escrow")
	t.Setenv("PLATFORM_FEE_BPS", "500")
	t.Setenv("RUN_MIGRATIONS", "false")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DatabaseURL != "postgres://env/escrow" {
		t.Fatalf("env must override file, got %q", cfg.DatabaseURL)
	}
	if cfg.HTTPPort != 8181 || cfg.GRPCPort != 9090 {
		t.Fatalf("unexpected ports %d/%d", cfg.HTTPPort, cfg.GRPCPort)
	}
	if cfg.PlatformFeeBps != 500 || cfg.Currency != "eur" {
		t.Fatalf("unexpected release settings %d %q", cfg.PlatformFeeBps, cfg.Currency)
	}
	if cfg.ProcessorTimeout != 5*time.Second || cfg.ProcessorMaxRetries != 0 {
		t.Fatalf("unexpected processor settings %v %d", cfg.ProcessorTimeout, cfg.ProcessorMaxRetries)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "kafka-1:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.RunMigrations {
		t.Fatalf("expected migrations disabled by env")
	}
	if cfg.Policy != domain.DefaultGovernancePolicy() {
		t.Fatalf("expected default policy, got %+v", cfg.Policy)
	}
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URL", "postgres://env/escrow")
	t.Setenv("ONBOARDING_REFRESH_URL", "https://app.example/refresh")
	t.Setenv("ONBOARDING_RETURN_URL", "https://app.example/return")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PlatformFeeBps != 1000 || cfg.Currency != "usd" || cfg.ProcessorMaxRetries != 3 || !cfg.RunMigrations {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("expected permissive origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadConfigKeepsZeroPlatformFee(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, strings.Replace(baseYAML, "platform_fee_bps: 750", "platform_fee_bps: 0", 1))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PlatformFeeBps != 0 {
		t.Fatalf("expected a zero fee from the file, got %d", cfg.PlatformFeeBps)
	}

	t.Setenv("PLATFORM_FEE_BPS", "0")
	cfg, err = LoadConfig(writeConfig(t, baseYAML))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PlatformFeeBps != 0 {
		t.Fatalf("expected a zero fee from the environment, got %d", cfg.PlatformFeeBps)
	}
}

func TestLoadConfigRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr error
	}{
		{
			name: "policy does not sum to one",
			yaml: baseYAML + `
governance:
  lead_share: 0.6
  squad_share: 0.2
  platform_fee: 0.15
  compute_fee: 0.05
  growth_fee: 0.05
`,
			wantErr: domain.ErrInvalidPolicy,
		},
		{
			name: "negative fraction",
			yaml: baseYAML + `
governance:
  lead_share: 1.1
  squad_share: -0.1
  platform_fee: 0
  compute_fee: 0
  growth_fee: 0
`,
			wantErr: domain.ErrInvalidPolicy,
		},
		{name: "fee too large", yaml: baseYAML, env: map[string]string{"PLATFORM_FEE_BPS": "10000"}},
		{name: "bad currency", yaml: baseYAML, env: map[string]string{"ESCROW_CURRENCY": "dollars"}},
		{name: "missing database", yaml: "onboarding:\n  refresh_url: a\n  return_url: b\n"},
		{name: "missing onboarding urls", yaml: "dependencies:\n  postgres_url: postgres://x\n"},
		{name: "malformed yaml", yaml: "service: [unterminated"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestEscrowTopicsCoverEveryEvent(t *testing.T) {
	t.Parallel()

	topics := escrowTopics("financial.escrow.events")
	for _, eventType := range []string{
		domain.EventEscrowHoldCreated,
		domain.EventEscrowHoldConfirmed,
		domain.EventEscrowPaymentCaptured,
		domain.EventEscrowPaymentReleased,
		domain.EventSolverSubAccountLinked,
	} {
		if topics[eventType] != "financial.escrow.events" {
			t.Fatalf("event %s is not routed", eventType)
		}
	}
}
