package ports

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
)

type BountyRepository interface {
	Create(ctx context.Context, bounty domain.Bounty) error
	GetByID(ctx context.Context, bountyID string) (domain.Bounty, error)
	// UpdateEscrow persists bounty only if the stored escrow status still
	// equals expected. A stale write returns domain.ErrConflict.
	UpdateEscrow(ctx context.Context, bounty domain.Bounty, expected domain.EscrowStatus) error
	ListByEscrowStatus(ctx context.Context, status domain.EscrowStatus, limit int) ([]domain.Bounty, error)
}

type ProfileRepository interface {
	Create(ctx context.Context, profile domain.Profile) error
	GetByUserID(ctx context.Context, userID string) (domain.Profile, error)
	// SetSubAccountRef writes the reference only while none is stored.
	SetSubAccountRef(ctx context.Context, userID, ref string, at time.Time) error
	MarkOnboardingComplete(ctx context.Context, userID string, at time.Time) error
}

type EarningsRepository interface {
	// Append returns domain.ErrConflict when (solver, bounty) already exists.
	Append(ctx context.Context, record domain.EarningsRecord) error
	Get(ctx context.Context, solverID, bountyID string) (domain.EarningsRecord, error)
	ListBySolver(ctx context.Context, solverID string) ([]domain.EarningsRecord, error)
}

type ReleaseRepository interface {
	Create(ctx context.Context, record domain.ReleaseRecord) error
	GetByBountyID(ctx context.Context, bountyID string) (domain.ReleaseRecord, error)
	Update(ctx context.Context, record domain.ReleaseRecord) error
	ListUnsettled(ctx context.Context, limit int) ([]domain.ReleaseRecord, error)
}

type OutboxEvent struct {
	EventID          uuid.UUID
	EventType        string
	PartitionKey     string
	PartitionKeyPath string
	Payload          []byte
	OccurredAt       time.Time
	SchemaVersion    string
	TraceID          string
}

type OutboxRecord struct {
	OutboxID     uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	RetryCount   int
	PublishedAt  *time.Time
	LastError    *string
	LastErrorAt  *time.Time
	FirstSeenAt  time.Time
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, errMsg string, at time.Time) error
}

// ProcessedEvent records an applied processor webhook until ExpiresAt.
type ProcessedEvent struct {
	Processor string
	EventID   string
	EventType string
	ObjectRef string
	BountyID  string
	ExpiresAt time.Time
}

type EventDedupRepository interface {
	IsDuplicate(ctx context.Context, processor, eventID string, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, event ProcessedEvent) error
	// PurgeExpired drops records whose window closed at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
