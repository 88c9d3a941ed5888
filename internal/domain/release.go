package domain

import "time"

// ReleasePhase is the durable progress marker of the capture -> transfer saga.
type ReleasePhase string

const (
	// ReleasePhaseCapturePending is written before the capture call. If it is
	// still set on the next attempt, the capture outcome is unknown and must be
	// read back from the processor before capturing again.
	ReleasePhaseCapturePending ReleasePhase = "capture_pending"
	// ReleasePhaseCaptured means the processor acknowledged the capture and the
	// solver transfer has not been acknowledged yet.
	ReleasePhaseCaptured    ReleasePhase = "captured"
	ReleasePhaseTransferred ReleasePhase = "transferred"
	ReleasePhaseCompleted   ReleasePhase = "completed"
)

const (
	FeeModelFlatPlatformFee = "flat_platform_fee"
	EarningsStatusPaid      = "paid"
)

type ReleaseRecord struct {
	BountyID         string       `json:"bounty_id"`
	SolverID         string       `json:"solver_id"`
	HoldRef          string       `json:"hold_ref"`
	Phase            ReleasePhase `json:"phase"`
	CapturedAmount   int64        `json:"captured_amount"`
	PlatformFee      int64        `json:"platform_fee"`
	SolverAmount     int64        `json:"solver_amount"`
	FeeModel         string       `json:"fee_model,omitempty"`
	TargetSplit      *PayoutSplit `json:"target_split,omitempty"`
	TransferRef      string       `json:"transfer_ref,omitempty"`
	CaptureAttempts  int          `json:"capture_attempts"`
	TransferAttempts int          `json:"transfer_attempts"`
	LastError        string       `json:"last_error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CapturedAt       *time.Time   `json:"captured_at,omitempty"`
	TransferredAt    *time.Time   `json:"transferred_at,omitempty"`
}

// CaptureAcknowledged reports whether money already left the funder's hold.
func (r ReleaseRecord) CaptureAcknowledged() bool {
	switch r.Phase {
	case ReleasePhaseCaptured, ReleasePhaseTransferred, ReleasePhaseCompleted:
		return true
	default:
		return false
	}
}

// EarningsRecord is appended once per (solver, bounty) at successful release.
type EarningsRecord struct {
	SolverID    string    `json:"solver_id"`
	BountyID    string    `json:"bounty_id"`
	GrossAmount int64     `json:"gross_amount"`
	PlatformFee int64     `json:"platform_fee"`
	TransferRef string    `json:"transfer_ref"`
	Status      string    `json:"status"`
	FeeModel    string    `json:"fee_model"`
	CreatedAt   time.Time `json:"created_at"`
}

// EarningsFromRelease rebuilds the earnings record from a transferred release.
func EarningsFromRelease(r ReleaseRecord, now time.Time) EarningsRecord {
	return EarningsRecord{
		SolverID:    r.SolverID,
		BountyID:    r.BountyID,
		GrossAmount: r.SolverAmount,
		PlatformFee: r.PlatformFee,
		TransferRef: r.TransferRef,
		Status:      EarningsStatusPaid,
		FeeModel:    r.FeeModel,
		CreatedAt:   now,
	}
}
