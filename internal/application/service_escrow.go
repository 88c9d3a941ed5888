package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// CreateEscrow places a manual-capture hold on the funder's payment method.
// Repeating the call for a bounty whose hold already exists returns that hold.
func (s *Service) CreateEscrow(ctx context.Context, input CreateEscrowInput) (CreateEscrowResult, error) {
	input.BountyID = strings.TrimSpace(input.BountyID)
	input.FunderID = strings.TrimSpace(input.FunderID)
	input.Title = strings.TrimSpace(input.Title)
	if input.BountyID == "" || input.Title == "" || input.FunderID == "" {
		return CreateEscrowResult{}, fmt.Errorf("%w: bountyId, title and companyId are required", domain.ErrValidation)
	}
	if input.Amount <= 0 {
		return CreateEscrowResult{}, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}

	var out CreateEscrowResult
	err := s.withLock(ctx, bountyLockKey(input.BountyID), func(ctx context.Context) error {
		bounty, err := s.bounties.GetByID(ctx, input.BountyID)
		if err != nil {
			return err
		}
		switch bounty.EscrowStatus {
		case domain.EscrowStatusPending, domain.EscrowStatusHeld:
			if bounty.EscrowAmount != input.Amount {
				return fmt.Errorf("%w: escrow already exists with a different amount (hold %s)", domain.ErrValidation, bounty.EscrowHoldRef)
			}
			hold, err := s.processor.RetrieveHold(ctx, bounty.EscrowHoldRef)
			s.metrics.ObserveProcessorCall("retrieve_hold", outcomeOf(err))
			if err != nil {
				return err
			}
			out = CreateEscrowResult{ClientSecret: hold.ClientSecret, HoldRef: bounty.EscrowHoldRef}
			return nil
		case domain.EscrowStatusReleased:
			return fmt.Errorf("%w: escrow for bounty %s was already released", domain.ErrValidation, bounty.BountyID)
		}

		hold, err := s.processor.CreateHold(ctx, ports.HoldRequest{
			BountyID:       bounty.BountyID,
			FunderID:       input.FunderID,
			Title:          input.Title,
			Amount:         input.Amount,
			Currency:       s.currencyFor(bounty),
			TransferGroup:  domain.TransferGroup(bounty.BountyID),
			IdempotencyKey: "escrow:" + bounty.BountyID,
		})
		s.metrics.ObserveProcessorCall("create_hold", outcomeOf(err))
		if err != nil {
			return err
		}

		expected := bounty.EscrowStatus
		now := s.nowFn()
		if err := bounty.MarkEscrowPending(hold.Ref, input.Amount, input.FunderID, now); err != nil {
			return err
		}
		if bounty.Title == "" {
			bounty.Title = input.Title
		}
		if err := s.bounties.UpdateEscrow(ctx, bounty, expected); err != nil {
			s.metrics.ObserveLedgerWriteFailure("create_escrow")
			logger().ErrorContext(ctx, "escrow hold not recorded",
				"operation", "create_escrow",
				"outcome", "failure",
				"error_kind", "LedgerWriteError",
				"bounty_id", bounty.BountyID,
				"hold_ref", hold.Ref,
				"error", err,
			)
			return fmt.Errorf("%w: hold %s created but bounty %s not updated: %w", domain.ErrLedgerWrite, hold.Ref, bounty.BountyID, err)
		}
		s.enqueueHoldCreated(ctx, bounty, hold.Ref)
		out = CreateEscrowResult{ClientSecret: hold.ClientSecret, HoldRef: hold.Ref}
		return nil
	})
	return out, err
}

// ConfirmHold moves a pending escrow to held once the processor reports the
// funds as authorized. Any other processor state leaves the escrow untouched.
func (s *Service) ConfirmHold(ctx context.Context, bountyID string) (SyncResult, error) {
	bountyID = strings.TrimSpace(bountyID)
	if bountyID == "" {
		return SyncResult{}, fmt.Errorf("%w: bountyId is required", domain.ErrValidation)
	}
	var out SyncResult
	err := s.withLock(ctx, bountyLockKey(bountyID), func(ctx context.Context) error {
		bounty, err := s.bounties.GetByID(ctx, bountyID)
		if err != nil {
			return err
		}
		out, err = s.confirmHold(ctx, bounty)
		return err
	})
	return out, err
}

func (s *Service) confirmHold(ctx context.Context, bounty domain.Bounty) (SyncResult, error) {
	out := SyncResult{EscrowStatus: bounty.EscrowStatus, HoldRef: bounty.EscrowHoldRef}
	switch bounty.EscrowStatus {
	case domain.EscrowStatusHeld, domain.EscrowStatusReleased:
		return out, nil
	case domain.EscrowStatusPending:
	default:
		return out, fmt.Errorf("%w: bounty %s has no escrow", domain.ErrValidation, bounty.BountyID)
	}

	hold, err := s.processor.RetrieveHold(ctx, bounty.EscrowHoldRef)
	s.metrics.ObserveProcessorCall("retrieve_hold", outcomeOf(err))
	if err != nil {
		return out, err
	}
	out.HoldStatus = hold.Status
	if hold.Status != ports.HoldStatusRequiresCapture {
		return out, nil
	}
	if err := bounty.MarkEscrowHeld(s.nowFn()); err != nil {
		return out, err
	}
	if err := s.bounties.UpdateEscrow(ctx, bounty, domain.EscrowStatusPending); err != nil {
		return out, err
	}
	out.EscrowStatus = bounty.EscrowStatus
	s.enqueueHoldConfirmed(ctx, bounty)
	return out, nil
}

// GetEscrowState is the read-only support view of one bounty's money trail.
func (s *Service) GetEscrowState(ctx context.Context, bountyID string) (EscrowState, error) {
	bountyID = strings.TrimSpace(bountyID)
	if bountyID == "" {
		return EscrowState{}, fmt.Errorf("%w: bountyId is required", domain.ErrValidation)
	}
	bounty, err := s.bounties.GetByID(ctx, bountyID)
	if err != nil {
		return EscrowState{}, err
	}
	out := EscrowState{Bounty: bounty}
	rec, found, err := s.loadRelease(ctx, bountyID)
	if err != nil {
		return EscrowState{}, err
	}
	if !found {
		return out, nil
	}
	out.Release = &rec
	if _, err := s.earnings.Get(ctx, rec.SolverID, bountyID); err == nil {
		out.EarningsRecorded = true
	} else if !errors.Is(err, domain.ErrNotFound) {
		return EscrowState{}, err
	}
	return out, nil
}

func (s *Service) currencyFor(bounty domain.Bounty) string {
	if c := strings.ToLower(strings.TrimSpace(bounty.Currency)); c != "" {
		return c
	}
	return s.cfg.Currency
}
