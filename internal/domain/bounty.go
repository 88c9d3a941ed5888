package domain

import (
	"fmt"
	"strings"
	"time"
)

type BountyStatus string

const (
	BountyStatusOpen          BountyStatus = "open"
	BountyStatusEscrowPending BountyStatus = "escrow_pending"
	BountyStatusEscrowHeld    BountyStatus = "escrow_held"
	BountyStatusCompleted     BountyStatus = "completed"
)

// EscrowStatus only moves forward, one step at a time:
// none -> pending -> held -> released.
type EscrowStatus string

const (
	EscrowStatusNone     EscrowStatus = "none"
	EscrowStatusPending  EscrowStatus = "pending"
	EscrowStatusHeld     EscrowStatus = "held"
	EscrowStatusReleased EscrowStatus = "released"
)

func (s EscrowStatus) rank() int {
	switch s {
	case EscrowStatusNone, "":
		return 0
	case EscrowStatusPending:
		return 1
	case EscrowStatusHeld:
		return 2
	case EscrowStatusReleased:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a single forward step.
func (s EscrowStatus) CanTransition(next EscrowStatus) bool {
	from, to := s.rank(), next.rank()
	return from >= 0 && to >= 0 && to == from+1
}

type Bounty struct {
	BountyID      string       `json:"bounty_id"`
	Title         string       `json:"title"`
	FunderID      string       `json:"funder_id"`
	Amount        int64        `json:"amount"`
	Currency      string       `json:"currency"`
	Status        BountyStatus `json:"status"`
	EscrowStatus  EscrowStatus `json:"escrow_status"`
	EscrowHoldRef string       `json:"escrow_hold_ref,omitempty"`
	EscrowAmount  int64        `json:"escrow_amount"`
	CompletedBy   *string      `json:"completed_by,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	TransferRef   *string      `json:"transfer_ref,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// MarkEscrowPending records a freshly created hold.
func (b *Bounty) MarkEscrowPending(holdRef string, amount int64, funderID string, now time.Time) error {
	if err := b.advance(EscrowStatusPending); err != nil {
		return err
	}
	b.Status = BountyStatusEscrowPending
	b.EscrowHoldRef = holdRef
	b.EscrowAmount = amount
	if strings.TrimSpace(funderID) != "" {
		b.FunderID = funderID
	}
	b.UpdatedAt = now
	return nil
}

// MarkEscrowHeld records that the funder's payment method authorized the hold.
func (b *Bounty) MarkEscrowHeld(now time.Time) error {
	if err := b.advance(EscrowStatusHeld); err != nil {
		return err
	}
	b.Status = BountyStatusEscrowHeld
	b.UpdatedAt = now
	return nil
}

// MarkReleased completes the bounty after the solver transfer was acknowledged.
func (b *Bounty) MarkReleased(solverID, transferRef string, now time.Time) error {
	if err := b.advance(EscrowStatusReleased); err != nil {
		return err
	}
	completedAt := now
	b.Status = BountyStatusCompleted
	b.CompletedBy = &solverID
	b.CompletedAt = &completedAt
	b.TransferRef = &transferRef
	b.UpdatedAt = now
	return nil
}

func (b *Bounty) advance(next EscrowStatus) error {
	current := b.EscrowStatus
	if current == "" {
		current = EscrowStatusNone
	}
	if !current.CanTransition(next) {
		return fmt.Errorf("%w: escrow for bounty %s cannot move from %s to %s", ErrValidation, b.BountyID, current, next)
	}
	b.EscrowStatus = next
	return nil
}

// TransferGroup ties every money movement of one bounty together at the processor.
func TransferGroup(bountyID string) string {
	return "bounty_" + bountyID
}
