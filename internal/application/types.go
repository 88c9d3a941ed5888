package application

import (
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

type Config struct {
	ServiceName string

	Policy         domain.GovernancePolicy
	PlatformFeeBps int64
	Currency       string

	OnboardingRefreshURL string
	OnboardingReturnURL  string

	LockTTL            time.Duration
	LockWait           time.Duration
	SagaTimeout        time.Duration
	EventDedupTTL      time.Duration
	ReconcileBatchSize int
}

type Dependencies struct {
	Config Config

	Bounties   ports.BountyRepository
	Profiles   ports.ProfileRepository
	Earnings   ports.EarningsRepository
	Releases   ports.ReleaseRepository
	Outbox     ports.OutboxRepository
	EventDedup ports.EventDedupRepository

	Processor ports.MoneyProcessor
	Locker    ports.Locker
	Metrics   ports.Metrics
}

type Service struct {
	cfg Config

	bounties   ports.BountyRepository
	profiles   ports.ProfileRepository
	earnings   ports.EarningsRepository
	releases   ports.ReleaseRepository
	outbox     ports.OutboxRepository
	eventDedup ports.EventDedupRepository

	processor ports.MoneyProcessor
	locker    ports.Locker
	metrics   ports.Metrics
	nowFn     func() time.Time
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "M15-Bounty-Escrow-Service"
	}
	if cfg.Policy == (domain.GovernancePolicy{}) {
		cfg.Policy = domain.DefaultGovernancePolicy()
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	if cfg.SagaTimeout <= 0 {
		cfg.SagaTimeout = time.Minute
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 7 * 24 * time.Hour
	}
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = 50
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &Service{
		cfg:        cfg,
		bounties:   deps.Bounties,
		profiles:   deps.Profiles,
		earnings:   deps.Earnings,
		releases:   deps.Releases,
		outbox:     deps.Outbox,
		eventDedup: deps.EventDedup,
		processor:  deps.Processor,
		locker:     deps.Locker,
		metrics:    metrics,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateEscrowInput struct {
	BountyID string
	Amount   int64
	Title    string
	FunderID string
}

type CreateEscrowResult struct {
	ClientSecret string
	HoldRef      string
}

type ConnectStatus struct {
	IsOnboarded        bool
	CanReceivePayments bool
	Email              string
}

type ReleaseInput struct {
	BountyID string
	SolverID string
	HoldRef  string
}

type ReleaseResult struct {
	Success      bool
	TransferRef  string
	SolverAmount int64
	PlatformFee  int64
}

type SyncResult struct {
	EscrowStatus domain.EscrowStatus
	HoldRef      string
	HoldStatus   ports.HoldStatus
}

type EscrowState struct {
	Bounty           domain.Bounty
	Release          *domain.ReleaseRecord
	EarningsRecorded bool
}

// ReconcileSummary counts what one reconciliation pass resolved.
type ReconcileSummary struct {
	Confirmed int
	Settled   int
	Failed    int
	// Purged counts webhook dedup records dropped after their window closed.
	Purged int
}
