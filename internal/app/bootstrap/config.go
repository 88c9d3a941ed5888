package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	MaxDBConns   int32

	KafkaTopicEscrowEvents string

	StripeSecretKey        string
	StripeBaseURL          string
	StripeWebhookSecret    string
	WebhookTolerance       time.Duration
	ProcessorTimeout       time.Duration
	ProcessorMaxRetries    int
	ProcessorRetryBaseWait time.Duration

	Policy         domain.GovernancePolicy
	PlatformFeeBps int64
	Currency       string

	OnboardingRefreshURL string
	OnboardingReturnURL  string

	LockTTL     time.Duration
	LockWait    time.Duration
	SagaTimeout time.Duration

	AllowedOrigins []string
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	ReconcileInterval  time.Duration
	ReconcileBatchSize int
	EventDedupTTL      time.Duration

	RunMigrations bool
}

type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL            string   `yaml:"postgres_url"`
		RedisURL               string   `yaml:"redis_url"`
		KafkaBrokers           []string `yaml:"kafka_brokers"`
		KafkaTopicEscrowEvents string   `yaml:"kafka_topic_escrow_events"`
	} `yaml:"dependencies"`
	Processor struct {
		BaseURL                 string `yaml:"base_url"`
		TimeoutMS               int    `yaml:"timeout_ms"`
		MaxRetries              *int   `yaml:"max_retries"`
		RetryBaseMS             int    `yaml:"retry_base_ms"`
		WebhookToleranceSeconds int    `yaml:"webhook_tolerance_seconds"`
	} `yaml:"processor"`
	Governance *domain.GovernancePolicy `yaml:"governance"`
	Release    struct {
		PlatformFeeBps     *int64 `yaml:"platform_fee_bps"`
		Currency           string `yaml:"currency"`
		SagaTimeoutSeconds int    `yaml:"saga_timeout_seconds"`
	} `yaml:"release"`
	Onboarding struct {
		RefreshURL string `yaml:"refresh_url"`
		ReturnURL  string `yaml:"return_url"`
	} `yaml:"onboarding"`
	Locking struct {
		TTLSeconds  int `yaml:"ttl_seconds"`
		WaitSeconds int `yaml:"wait_seconds"`
	} `yaml:"locking"`
	API struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		RateLimitRPS   float64  `yaml:"rate_limit_rps"`
		RateLimitBurst int      `yaml:"rate_limit_burst"`
	} `yaml:"api"`
	Workers struct {
		OutboxPollSeconds        int `yaml:"outbox_poll_seconds"`
		OutboxBatchSize          int `yaml:"outbox_batch_size"`
		ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`
		ReconcileBatchSize       int `yaml:"reconcile_batch_size"`
	} `yaml:"workers"`
}

// LoadConfig applies defaults, then the yaml file when present, then the
// environment. Secrets are only read from the environment.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:              "M15-Bounty-Escrow-Service",
		HTTPPort:               8080,
		GRPCPort:               9090,
		MaxDBConns:             20,
		KafkaTopicEscrowEvents: "financial.escrow.events",
		WebhookTolerance:       5 * time.Minute,
		ProcessorTimeout:       15 * time.Second,
		ProcessorMaxRetries:    3,
		ProcessorRetryBaseWait: 250 * time.Millisecond,
		Policy:                 domain.DefaultGovernancePolicy(),
		PlatformFeeBps:         1000,
		Currency:               "usd",
		LockTTL:                2 * time.Minute,
		LockWait:               10 * time.Second,
		SagaTimeout:            time.Minute,
		AllowedOrigins:         []string{"*"},
		RateLimitRPS:           20,
		RateLimitBurst:         40,
		OutboxPollInterval:     2 * time.Second,
		OutboxBatchSize:        100,
		ReconcileInterval:      time.Minute,
		ReconcileBatchSize:     50,
		EventDedupTTL:          7 * 24 * time.Hour,
		RunMigrations:          true,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		applyFile(&cfg, f)
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaTopicEscrowEvents = envOrDefault("KAFKA_TOPIC_ESCROW_EVENTS", cfg.KafkaTopicEscrowEvents)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RunMigrations = envBool("RUN_MIGRATIONS", cfg.RunMigrations)

	cfg.StripeSecretKey = envOrDefault("STRIPE_SECRET_KEY", cfg.StripeSecretKey)
	cfg.StripeBaseURL = envOrDefault("STRIPE_BASE_URL", cfg.StripeBaseURL)
	cfg.StripeWebhookSecret = envOrDefault("STRIPE_WEBHOOK_SECRET", cfg.StripeWebhookSecret)
	cfg.ProcessorTimeout = time.Duration(envInt("PROCESSOR_TIMEOUT_MS", int(cfg.ProcessorTimeout.Milliseconds()))) * time.Millisecond
	cfg.ProcessorMaxRetries = envInt("PROCESSOR_MAX_RETRIES", cfg.ProcessorMaxRetries)
	cfg.WebhookTolerance = time.Duration(envInt("WEBHOOK_TOLERANCE_SECONDS", int(cfg.WebhookTolerance.Seconds()))) * time.Second

	cfg.PlatformFeeBps = int64(envInt("PLATFORM_FEE_BPS", int(cfg.PlatformFeeBps)))
	cfg.Currency = strings.ToLower(envOrDefault("ESCROW_CURRENCY", cfg.Currency))
	cfg.OnboardingRefreshURL = envOrDefault("ONBOARDING_REFRESH_URL", cfg.OnboardingRefreshURL)
	cfg.OnboardingReturnURL = envOrDefault("ONBOARDING_RETURN_URL", cfg.OnboardingReturnURL)
	cfg.LockTTL = time.Duration(envInt("LOCK_TTL_SECONDS", int(cfg.LockTTL.Seconds()))) * time.Second
	cfg.LockWait = time.Duration(envInt("LOCK_WAIT_SECONDS", int(cfg.LockWait.Seconds()))) * time.Second
	cfg.SagaTimeout = time.Duration(envInt("SAGA_TIMEOUT_SECONDS", int(cfg.SagaTimeout.Seconds()))) * time.Second

	cfg.AllowedOrigins = envCSV("CORS_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.JWTSecret = envOrDefault("API_JWT_SECRET", cfg.JWTSecret)
	cfg.RateLimitRPS = envFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = envInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)

	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.ReconcileInterval = time.Duration(envInt("RECONCILE_INTERVAL_SECONDS", int(cfg.ReconcileInterval.Seconds()))) * time.Second
	cfg.ReconcileBatchSize = envInt("RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize)
	cfg.EventDedupTTL = time.Duration(envInt("EVENT_DEDUP_TTL_HOURS", int(cfg.EventDedupTTL.Hours()))) * time.Hour

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaTopicEscrowEvents != "" {
		cfg.KafkaTopicEscrowEvents = f.Dependencies.KafkaTopicEscrowEvents
	}
	if f.Processor.BaseURL != "" {
		cfg.StripeBaseURL = f.Processor.BaseURL
	}
	if f.Processor.TimeoutMS > 0 {
		cfg.ProcessorTimeout = time.Duration(f.Processor.TimeoutMS) * time.Millisecond
	}
	if f.Processor.MaxRetries != nil {
		cfg.ProcessorMaxRetries = *f.Processor.MaxRetries
	}
	if f.Processor.RetryBaseMS > 0 {
		cfg.ProcessorRetryBaseWait = time.Duration(f.Processor.RetryBaseMS) * time.Millisecond
	}
	if f.Processor.WebhookToleranceSeconds > 0 {
		cfg.WebhookTolerance = time.Duration(f.Processor.WebhookToleranceSeconds) * time.Second
	}
	if f.Governance != nil {
		cfg.Policy = *f.Governance
	}
	if f.Release.PlatformFeeBps != nil {
		cfg.PlatformFeeBps = *f.Release.PlatformFeeBps
	}
	if f.Release.Currency != "" {
		cfg.Currency = strings.ToLower(f.Release.Currency)
	}
	if f.Release.SagaTimeoutSeconds > 0 {
		cfg.SagaTimeout = time.Duration(f.Release.SagaTimeoutSeconds) * time.Second
	}
	if f.Onboarding.RefreshURL != "" {
		cfg.OnboardingRefreshURL = f.Onboarding.RefreshURL
	}
	if f.Onboarding.ReturnURL != "" {
		cfg.OnboardingReturnURL = f.Onboarding.ReturnURL
	}
	if f.Locking.TTLSeconds > 0 {
		cfg.LockTTL = time.Duration(f.Locking.TTLSeconds) * time.Second
	}
	if f.Locking.WaitSeconds > 0 {
		cfg.LockWait = time.Duration(f.Locking.WaitSeconds) * time.Second
	}
	if len(f.API.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = trimNonEmpty(f.API.AllowedOrigins)
	}
	if f.API.RateLimitRPS > 0 {
		cfg.RateLimitRPS = f.API.RateLimitRPS
	}
	if f.API.RateLimitBurst > 0 {
		cfg.RateLimitBurst = f.API.RateLimitBurst
	}
	if f.Workers.OutboxPollSeconds > 0 {
		cfg.OutboxPollInterval = time.Duration(f.Workers.OutboxPollSeconds) * time.Second
	}
	if f.Workers.OutboxBatchSize > 0 {
		cfg.OutboxBatchSize = f.Workers.OutboxBatchSize
	}
	if f.Workers.ReconcileIntervalSeconds > 0 {
		cfg.ReconcileInterval = time.Duration(f.Workers.ReconcileIntervalSeconds) * time.Second
	}
	if f.Workers.ReconcileBatchSize > 0 {
		cfg.ReconcileBatchSize = f.Workers.ReconcileBatchSize
	}
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("governance policy: %w", err)
	}
	if c.PlatformFeeBps < 0 || c.PlatformFeeBps >= 10000 {
		return fmt.Errorf("platform fee bps %d must be in [0, 10000)", c.PlatformFeeBps)
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("currency %q must be a three-letter ISO code", c.Currency)
	}
	if c.OnboardingRefreshURL == "" || c.OnboardingReturnURL == "" {
		return fmt.Errorf("missing ONBOARDING_REFRESH_URL/ONBOARDING_RETURN_URL")
	}
	if c.ProcessorMaxRetries < 0 {
		return fmt.Errorf("processor max retries must not be negative")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
