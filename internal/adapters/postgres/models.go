package postgres

import (
	"time"

	"github.com/google/uuid"
)

type bountyModel struct {
	BountyID      string     `gorm:"column:bounty_id;primaryKey"`
	Title         string     `gorm:"column:title"`
	FunderID      string     `gorm:"column:funder_id"`
	Amount        int64      `gorm:"column:amount"`
	Currency      string     `gorm:"column:currency"`
	Status        string     `gorm:"column:status"`
	EscrowStatus  string     `gorm:"column:escrow_status"`
	EscrowHoldRef *string    `gorm:"column:escrow_hold_ref"`
	EscrowAmount  int64      `gorm:"column:escrow_amount"`
	CompletedBy   *string    `gorm:"column:completed_by"`
	CompletedAt   *time.Time `gorm:"column:completed_at"`
	TransferRef   *string    `gorm:"column:transfer_ref"`
	CreatedAt     time.Time  `gorm:"column:created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at"`
}

func (bountyModel) TableName() string { return "bounties" }

type profileModel struct {
	UserID             string    `gorm:"column:user_id;primaryKey"`
	Email              string    `gorm:"column:email"`
	SubAccountRef      *string   `gorm:"column:sub_account_ref"`
	OnboardingComplete bool      `gorm:"column:onboarding_complete"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (profileModel) TableName() string { return "escrow_profiles" }

type releaseRecordModel struct {
	BountyID         string     `gorm:"column:bounty_id;primaryKey"`
	SolverID         string     `gorm:"column:solver_id"`
	HoldRef          string     `gorm:"column:hold_ref"`
	Phase            string     `gorm:"column:phase"`
	CapturedAmount   int64      `gorm:"column:captured_amount"`
	PlatformFee      int64      `gorm:"column:platform_fee"`
	SolverAmount     int64      `gorm:"column:solver_amount"`
	FeeModel         string     `gorm:"column:fee_model"`
	TargetSplit      *string    `gorm:"column:target_split;type:jsonb"`
	TransferRef      *string    `gorm:"column:transfer_ref"`
	CaptureAttempts  int        `gorm:"column:capture_attempts"`
	TransferAttempts int        `gorm:"column:transfer_attempts"`
	LastError        string     `gorm:"column:last_error"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
	CapturedAt       *time.Time `gorm:"column:captured_at"`
	TransferredAt    *time.Time `gorm:"column:transferred_at"`
}

func (releaseRecordModel) TableName() string { return "release_records" }

type earningsModel struct {
	SolverID    string    `gorm:"column:solver_id;primaryKey"`
	BountyID    string    `gorm:"column:bounty_id;primaryKey"`
	GrossAmount int64     `gorm:"column:gross_amount"`
	PlatformFee int64     `gorm:"column:platform_fee"`
	TransferRef string    `gorm:"column:transfer_ref"`
	Status      string    `gorm:"column:status"`
	FeeModel    string    `gorm:"column:fee_model"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (earningsModel) TableName() string { return "solver_earnings" }

type escrowOutboxModel struct {
	OutboxID         uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType        string     `gorm:"column:event_type"`
	PartitionKey     string     `gorm:"column:partition_key"`
	PartitionKeyPath string     `gorm:"column:partition_key_path"`
	Payload          string     `gorm:"column:payload"`
	SchemaVersion    string     `gorm:"column:schema_version"`
	TraceID          string     `gorm:"column:trace_id"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	FirstSeenAt      time.Time  `gorm:"column:first_seen_at"`
	PublishedAt      *time.Time `gorm:"column:published_at"`
	RetryCount       int        `gorm:"column:retry_count"`
	LastError        *string    `gorm:"column:last_error"`
	LastErrorAt      *time.Time `gorm:"column:last_error_at"`
}

func (escrowOutboxModel) TableName() string { return "escrow_outbox" }

type escrowEventDedupModel struct {
	Processor   string    `gorm:"column:processor;primaryKey"`
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	ObjectRef   string    `gorm:"column:object_ref"`
	BountyID    string    `gorm:"column:bounty_id"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (escrowEventDedupModel) TableName() string { return "escrow_event_dedup" }
