package contracts

import (
	"encoding/json"
	"time"
)

type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	OccurredAt       time.Time       `json:"occurred_at"`
	PartitionKeyPath string          `json:"partition_key_path"`
	PartitionKey     string          `json:"partition_key"`
	SourceService    string          `json:"source_service"`
	TraceID          string          `json:"trace_id"`
	SchemaVersion    string          `json:"schema_version"`
	Data             json.RawMessage `json:"data"`
}

type EscrowHoldCreatedPayload struct {
	BountyID string `json:"bounty_id"`
	FunderID string `json:"funder_id"`
	HoldRef  string `json:"hold_ref"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	HeldAt   string `json:"held_at"`
}

type EscrowHoldConfirmedPayload struct {
	BountyID    string `json:"bounty_id"`
	HoldRef     string `json:"hold_ref"`
	Amount      int64  `json:"amount"`
	ConfirmedAt string `json:"confirmed_at"`
}

type EscrowPaymentCapturedPayload struct {
	BountyID       string `json:"bounty_id"`
	SolverID       string `json:"solver_id"`
	HoldRef        string `json:"hold_ref"`
	CapturedAmount int64  `json:"captured_amount"`
	CapturedAt     string `json:"captured_at"`
}

type EscrowPaymentReleasedPayload struct {
	BountyID     string `json:"bounty_id"`
	SolverID     string `json:"solver_id"`
	TransferRef  string `json:"transfer_ref"`
	SolverAmount int64  `json:"solver_amount"`
	PlatformFee  int64  `json:"platform_fee"`
	FeeModel     string `json:"fee_model"`
	ReleasedAt   string `json:"released_at"`
}

type SolverSubAccountLinkedPayload struct {
	SolverID      string `json:"solver_id"`
	SubAccountRef string `json:"sub_account_ref"`
	LinkedAt      string `json:"linked_at"`
}
