package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/ports"
)

// ReconcileRelease settles facts the processor already knows about without
// starting any new money movement: a capture or transfer that landed but was
// never recorded, and ledger writes missing after a transfer.
func (s *Service) ReconcileRelease(ctx context.Context, bountyID string) (domain.ReleasePhase, error) {
	bountyID = strings.TrimSpace(bountyID)
	if bountyID == "" {
		return "", fmt.Errorf("%w: bountyId is required", domain.ErrValidation)
	}
	var phase domain.ReleasePhase
	err := s.withLock(ctx, bountyLockKey(bountyID), func(ctx context.Context) error {
		bounty, err := s.bounties.GetByID(ctx, bountyID)
		if err != nil {
			return err
		}
		rec, found, err := s.loadRelease(ctx, bountyID)
		if err != nil || !found {
			return err
		}
		phase, err = s.reconcile(ctx, bounty, rec)
		return err
	})
	return phase, err
}

func (s *Service) reconcile(ctx context.Context, bounty domain.Bounty, rec domain.ReleaseRecord) (domain.ReleasePhase, error) {
	if rec.Phase == domain.ReleasePhaseCapturePending {
		if rec.CaptureAttempts == 0 {
			return rec.Phase, nil
		}
		hold, err := s.processor.RetrieveHold(ctx, rec.HoldRef)
		s.metrics.ObserveProcessorCall("retrieve_hold", outcomeOf(err))
		if err != nil {
			return rec.Phase, err
		}
		if hold.Status != ports.HoldStatusSucceeded {
			return rec.Phase, nil
		}
		if rec, err = s.recordCapture(ctx, rec, hold); err != nil {
			return rec.Phase, err
		}
	}

	if rec.Phase == domain.ReleasePhaseCaptured {
		if rec.TransferAttempts == 0 {
			return rec.Phase, nil
		}
		profile, err := s.profiles.GetByUserID(ctx, rec.SolverID)
		if err != nil {
			return rec.Phase, err
		}
		if !profile.HasSubAccount() {
			return rec.Phase, nil
		}
		existing, err := s.processor.FindTransfer(ctx, domain.TransferGroup(rec.BountyID), *profile.SubAccountRef)
		s.metrics.ObserveProcessorCall("find_transfer", outcomeOf(err))
		if err != nil || existing == nil {
			return rec.Phase, err
		}
		if rec, err = s.recordTransfer(ctx, rec, existing.Ref); err != nil {
			return rec.Phase, err
		}
	}

	if rec.Phase == domain.ReleasePhaseTransferred {
		if _, err := s.finishRelease(ctx, bounty, rec); err != nil {
			return rec.Phase, err
		}
		updated, err := s.releases.GetByBountyID(ctx, rec.BountyID)
		if err != nil {
			return rec.Phase, err
		}
		return updated.Phase, nil
	}
	return rec.Phase, nil
}

// ReconcilePending runs one reconciliation pass: pending holds are confirmed
// by readback, unsettled releases are reconciled and expired webhook dedup
// records are dropped.
func (s *Service) ReconcilePending(ctx context.Context) (ReconcileSummary, error) {
	var summary ReconcileSummary
	pending, err := s.bounties.ListByEscrowStatus(ctx, domain.EscrowStatusPending, s.cfg.ReconcileBatchSize)
	if err != nil {
		return summary, err
	}
	for _, bounty := range pending {
		res, err := s.ConfirmHold(ctx, bounty.BountyID)
		if err != nil {
			summary.Failed++
			s.logReconcileFailure(ctx, "confirm_hold", bounty.BountyID, err)
			continue
		}
		if res.EscrowStatus == domain.EscrowStatusHeld {
			summary.Confirmed++
		}
	}

	unsettled, err := s.releases.ListUnsettled(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		return summary, err
	}
	for _, rec := range unsettled {
		phase, err := s.ReconcileRelease(ctx, rec.BountyID)
		if err != nil {
			summary.Failed++
			s.logReconcileFailure(ctx, "reconcile_release", rec.BountyID, err)
			continue
		}
		if phase != rec.Phase {
			summary.Settled++
		}
	}

	if s.eventDedup != nil {
		purged, err := s.eventDedup.PurgeExpired(ctx, s.nowFn())
		if err != nil {
			summary.Failed++
			s.logReconcileFailure(ctx, "purge_event_dedup", "", err)
		}
		summary.Purged = int(purged)
	}
	return summary, ctx.Err()
}

func (s *Service) logReconcileFailure(ctx context.Context, operation, bountyID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	logger().WarnContext(ctx, "reconciliation step failed",
		"operation", operation,
		"outcome", "failure",
		"bounty_id", bountyID,
		"error", err,
	)
}
