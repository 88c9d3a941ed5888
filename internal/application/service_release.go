package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// ReleasePayment captures the held funds, pays the solver share into the
// solver's sub-account and records the payout. Progress is persisted in the
// release record after every processor acknowledgement, so a retry with the
// same bounty resumes where the previous attempt stopped.
func (s *Service) ReleasePayment(ctx context.Context, input ReleaseInput) (ReleaseResult, error) {
	input.BountyID = strings.TrimSpace(input.BountyID)
	input.SolverID = strings.TrimSpace(input.SolverID)
	input.HoldRef = strings.TrimSpace(input.HoldRef)
	if input.BountyID == "" || input.SolverID == "" || input.HoldRef == "" {
		return ReleaseResult{}, fmt.Errorf("%w: bountyId, solverId and holdReference are required", domain.ErrValidation)
	}

	var out ReleaseResult
	err := s.withLock(ctx, bountyLockKey(input.BountyID), func(ctx context.Context) error {
		var err error
		out, err = s.releasePayment(ctx, input)
		return err
	})
	s.metrics.ObserveRelease(outcomeOf(err))
	return out, err
}

func (s *Service) releasePayment(ctx context.Context, input ReleaseInput) (ReleaseResult, error) {
	bounty, err := s.bounties.GetByID(ctx, input.BountyID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if bounty.EscrowHoldRef != input.HoldRef {
		return ReleaseResult{}, fmt.Errorf("%w: hold %s does not belong to bounty %s", domain.ErrValidation, input.HoldRef, bounty.BountyID)
	}
	if bounty.EscrowStatus == domain.EscrowStatusReleased {
		transferRef := ""
		if bounty.TransferRef != nil {
			transferRef = *bounty.TransferRef
		}
		return ReleaseResult{}, fmt.Errorf("%w: escrow for bounty %s was already released (transfer %s)", domain.ErrValidation, bounty.BountyID, transferRef)
	}
	if bounty.EscrowStatus != domain.EscrowStatusHeld {
		return ReleaseResult{}, fmt.Errorf("%w: escrow for bounty %s is %s, not held (hold %s)", domain.ErrValidation, bounty.BountyID, bounty.EscrowStatus, bounty.EscrowHoldRef)
	}

	rec, found, err := s.loadRelease(ctx, bounty.BountyID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if found && rec.SolverID != input.SolverID {
		return ReleaseResult{}, fmt.Errorf("%w: bounty %s is already being released to another solver", domain.ErrConflict, bounty.BountyID)
	}

	if !found || !rec.CaptureAcknowledged() {
		status, err := s.CanReceivePayments(ctx, input.SolverID)
		if err != nil {
			return ReleaseResult{}, err
		}
		if !status.CanReceivePayments {
			return ReleaseResult{}, fmt.Errorf("%w: solver %s must finish payout onboarding", domain.ErrNotReady, input.SolverID)
		}
		rec, err = s.capture(ctx, bounty, input.SolverID, rec, found)
		if err != nil {
			return ReleaseResult{}, err
		}
	}

	// Funds are captured from here on; the caller going away must not stop
	// the transfer and ledger writes.
	sagaCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SagaTimeout)
	defer cancel()
	return s.settle(sagaCtx, bounty, rec)
}

// capture persists the attempt before calling the processor. A record left in
// capture_pending by an earlier attempt is resolved by readback first, so the
// hold is never captured twice.
func (s *Service) capture(ctx context.Context, bounty domain.Bounty, solverID string, rec domain.ReleaseRecord, found bool) (domain.ReleaseRecord, error) {
	now := s.nowFn()
	if !found {
		rec = domain.ReleaseRecord{
			BountyID:  bounty.BountyID,
			SolverID:  solverID,
			HoldRef:   bounty.EscrowHoldRef,
			Phase:     domain.ReleasePhaseCapturePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.releases.Create(ctx, rec); err != nil {
			return rec, fmt.Errorf("persist release for bounty %s: %w", bounty.BountyID, err)
		}
	} else if rec.CaptureAttempts > 0 {
		hold, err := s.processor.RetrieveHold(ctx, rec.HoldRef)
		s.metrics.ObserveProcessorCall("retrieve_hold", outcomeOf(err))
		if err != nil {
			return rec, err
		}
		switch hold.Status {
		case ports.HoldStatusSucceeded:
			logger().InfoContext(ctx, "earlier capture landed, resuming release",
				"operation", "release_payment",
				"outcome", "resumed",
				"bounty_id", rec.BountyID,
				"hold_ref", rec.HoldRef,
			)
			return s.recordCapture(ctx, rec, hold)
		case ports.HoldStatusCanceled:
			return rec, fmt.Errorf("%w: hold %s was canceled", domain.ErrProcessorPermanent, rec.HoldRef)
		case ports.HoldStatusRequiresCapture:
		default:
			return rec, fmt.Errorf("%w: hold %s is %s", domain.ErrProcessorTransient, rec.HoldRef, hold.Status)
		}
	}

	rec.CaptureAttempts++
	rec.UpdatedAt = now
	if err := s.releases.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("persist capture attempt for bounty %s: %w", rec.BountyID, err)
	}

	// One key per attempt: the processor replays a cached rejection for a
	// reused key, and the readback above already guards against a double
	// capture.
	hold, err := s.processor.CaptureHold(ctx, rec.HoldRef, fmt.Sprintf("capture:%s:%d", rec.BountyID, rec.CaptureAttempts))
	s.metrics.ObserveProcessorCall("capture_hold", outcomeOf(err))
	if err != nil {
		rec.LastError = err.Error()
		rec.UpdatedAt = s.nowFn()
		if updateErr := s.releases.Update(context.WithoutCancel(ctx), rec); updateErr != nil {
			logger().WarnContext(ctx, "failed to record capture error",
				"operation", "release_payment",
				"outcome", "failure",
				"bounty_id", rec.BountyID,
				"hold_ref", rec.HoldRef,
				"error", updateErr,
			)
		}
		if errors.Is(err, domain.ErrProcessorTransient) {
			logger().WarnContext(ctx, "capture outcome unknown, next attempt reads the hold back",
				"operation", "release_payment",
				"outcome", "unknown",
				"bounty_id", rec.BountyID,
				"hold_ref", rec.HoldRef,
				"error", err,
			)
		}
		return rec, err
	}
	return s.recordCapture(ctx, rec, hold)
}

func (s *Service) recordCapture(ctx context.Context, rec domain.ReleaseRecord, hold ports.Hold) (domain.ReleaseRecord, error) {
	now := s.nowFn()
	amount := hold.AmountReceived
	if amount <= 0 {
		amount = hold.Amount
	}
	fee := domain.PlatformFee(amount, s.cfg.PlatformFeeBps)
	target := domain.ComputeSplit(amount, s.cfg.Policy)

	rec.Phase = domain.ReleasePhaseCaptured
	rec.CapturedAmount = amount
	rec.PlatformFee = fee
	rec.SolverAmount = amount - fee
	rec.FeeModel = domain.FeeModelFlatPlatformFee
	rec.TargetSplit = &target
	rec.CapturedAt = &now
	rec.LastError = ""
	rec.UpdatedAt = now
	if err := s.releases.Update(context.WithoutCancel(ctx), rec); err != nil {
		s.metrics.ObserveLedgerWriteFailure("record_capture")
		logger().ErrorContext(ctx, "capture not recorded",
			"operation", "release_payment",
			"outcome", "failure",
			"error_kind", "LedgerWriteError",
			"bounty_id", rec.BountyID,
			"hold_ref", rec.HoldRef,
			"error", err,
		)
		return rec, fmt.Errorf("%w: hold %s captured but release not updated: %w", domain.ErrLedgerWrite, rec.HoldRef, err)
	}
	s.enqueuePaymentCaptured(ctx, rec)
	return rec, nil
}

func (s *Service) settle(ctx context.Context, bounty domain.Bounty, rec domain.ReleaseRecord) (ReleaseResult, error) {
	if rec.Phase == domain.ReleasePhaseCaptured {
		profile, err := s.profiles.GetByUserID(ctx, rec.SolverID)
		if err != nil {
			return ReleaseResult{}, err
		}
		if !profile.HasSubAccount() {
			return ReleaseResult{}, fmt.Errorf("%w: solver %s has no sub-account (hold %s captured)", domain.ErrNotReady, rec.SolverID, rec.HoldRef)
		}
		rec, err = s.transfer(ctx, rec, *profile.SubAccountRef)
		if err != nil {
			return ReleaseResult{}, err
		}
	}
	return s.finishRelease(ctx, bounty, rec)
}

// transfer moves the solver share. On failure the release stays captured and
// only the transfer is repeated by the next attempt, after FindTransfer has
// ruled out an earlier transfer that landed.
func (s *Service) transfer(ctx context.Context, rec domain.ReleaseRecord, destination string) (domain.ReleaseRecord, error) {
	group := domain.TransferGroup(rec.BountyID)
	if rec.TransferAttempts > 0 {
		existing, err := s.processor.FindTransfer(ctx, group, destination)
		s.metrics.ObserveProcessorCall("find_transfer", outcomeOf(err))
		if err != nil {
			return rec, err
		}
		if existing != nil {
			return s.recordTransfer(ctx, rec, existing.Ref)
		}
	}

	rec.TransferAttempts++
	rec.UpdatedAt = s.nowFn()
	if err := s.releases.Update(ctx, rec); err != nil {
		return rec, fmt.Errorf("%w: persist transfer attempt (hold %s captured): %w", domain.ErrLedgerWrite, rec.HoldRef, err)
	}

	tr, err := s.processor.Transfer(ctx, ports.TransferRequest{
		Amount:         rec.SolverAmount,
		Currency:       s.cfg.Currency,
		DestinationRef: destination,
		TransferGroup:  group,
		IdempotencyKey: fmt.Sprintf("transfer:%s:%d", rec.BountyID, rec.TransferAttempts),
		Metadata: map[string]string{
			"bounty_id": rec.BountyID,
			"solver_id": rec.SolverID,
		},
	})
	s.metrics.ObserveProcessorCall("transfer", outcomeOf(err))
	if err != nil {
		rec.LastError = err.Error()
		rec.UpdatedAt = s.nowFn()
		if updateErr := s.releases.Update(ctx, rec); updateErr != nil {
			logger().WarnContext(ctx, "failed to record transfer error",
				"operation", "release_payment",
				"outcome", "failure",
				"bounty_id", rec.BountyID,
				"error", updateErr,
			)
		}
		logger().WarnContext(ctx, "captured, pending transfer",
			"operation", "release_payment",
			"outcome", "transfer_pending",
			"bounty_id", rec.BountyID,
			"hold_ref", rec.HoldRef,
			"transfer_attempts", rec.TransferAttempts,
			"error", err,
		)
		return rec, fmt.Errorf("hold %s captured, transfer pending: %w", rec.HoldRef, err)
	}
	return s.recordTransfer(ctx, rec, tr.Ref)
}

func (s *Service) recordTransfer(ctx context.Context, rec domain.ReleaseRecord, transferRef string) (domain.ReleaseRecord, error) {
	now := s.nowFn()
	rec.Phase = domain.ReleasePhaseTransferred
	rec.TransferRef = transferRef
	rec.TransferredAt = &now
	rec.LastError = ""
	rec.UpdatedAt = now
	if err := s.releases.Update(ctx, rec); err != nil {
		s.metrics.ObserveLedgerWriteFailure("record_transfer")
		logger().ErrorContext(ctx, "transfer not recorded",
			"operation", "release_payment",
			"outcome", "failure",
			"error_kind", "LedgerWriteError",
			"bounty_id", rec.BountyID,
			"transfer_ref", transferRef,
			"error", err,
		)
		return rec, fmt.Errorf("%w: transfer %s sent but release not updated: %w", domain.ErrLedgerWrite, transferRef, err)
	}
	return rec, nil
}

// finishRelease applies the ledger side of a transferred release. It is safe
// to repeat: the bounty update is skipped once released and a duplicate
// earnings record counts as written.
func (s *Service) finishRelease(ctx context.Context, bounty domain.Bounty, rec domain.ReleaseRecord) (ReleaseResult, error) {
	out := ReleaseResult{Success: true, TransferRef: rec.TransferRef, SolverAmount: rec.SolverAmount, PlatformFee: rec.PlatformFee}
	if !(rec.Phase == domain.ReleasePhaseTransferred || rec.Phase == domain.ReleasePhaseCompleted) {
		return ReleaseResult{}, fmt.Errorf("%w: release of bounty %s is %s", domain.ErrConflict, rec.BountyID, rec.Phase)
	}
	now := s.nowFn()
	if bounty.EscrowStatus == domain.EscrowStatusHeld {
		if err := bounty.MarkReleased(rec.SolverID, rec.TransferRef, now); err != nil {
			return ReleaseResult{}, err
		}
		if err := s.bounties.UpdateEscrow(ctx, bounty, domain.EscrowStatusHeld); err != nil {
			s.metrics.ObserveLedgerWriteFailure("mark_released")
			logger().ErrorContext(ctx, "bounty not marked released",
				"operation", "release_payment",
				"outcome", "failure",
				"error_kind", "LedgerWriteError",
				"bounty_id", rec.BountyID,
				"transfer_ref", rec.TransferRef,
				"error", err,
			)
			return ReleaseResult{}, fmt.Errorf("%w: transfer %s sent but bounty %s not marked released: %w", domain.ErrLedgerWrite, rec.TransferRef, rec.BountyID, err)
		}
	}

	if !s.appendEarnings(ctx, rec, now) || rec.Phase == domain.ReleasePhaseCompleted {
		return out, nil
	}
	rec.Phase = domain.ReleasePhaseCompleted
	rec.UpdatedAt = now
	if err := s.releases.Update(ctx, rec); err != nil {
		logger().WarnContext(ctx, "release not marked completed",
			"operation", "release_payment",
			"outcome", "failure",
			"bounty_id", rec.BountyID,
			"transfer_ref", rec.TransferRef,
			"error", err,
		)
		return out, nil
	}
	s.enqueuePaymentReleased(ctx, rec)
	return out, nil
}

// appendEarnings reports whether the earnings record exists afterwards. A
// failure is logged and left for reconciliation; the payout already happened.
func (s *Service) appendEarnings(ctx context.Context, rec domain.ReleaseRecord, now time.Time) bool {
	err := s.earnings.Append(ctx, domain.EarningsFromRelease(rec, now))
	if err == nil || errors.Is(err, domain.ErrConflict) {
		return true
	}
	s.metrics.ObserveLedgerWriteFailure("append_earnings")
	logger().ErrorContext(ctx, "earnings record not written",
		"operation", "release_payment",
		"outcome", "failure",
		"error_kind", "LedgerWriteError",
		"bounty_id", rec.BountyID,
		"solver_id", rec.SolverID,
		"transfer_ref", rec.TransferRef,
		"error", err,
	)
	return false
}
