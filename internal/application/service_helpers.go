package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/domain"
)

func logger() *slog.Logger {
	return slog.Default().With(
		"module", "application",
		"layer", "application",
	)
}

func bountyLockKey(bountyID string) string { return "bounty:" + bountyID }

func profileLockKey(userID string) string { return "profile:" + userID }

// withLock runs fn while holding key. Waiting is bounded by cfg.LockWait so a
// stuck holder surfaces as a conflict instead of a hung request.
func (s *Service) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	release, err := s.locker.Acquire(waitCtx, key, s.cfg.LockTTL)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return fmt.Errorf("%w: operation in progress for %s", domain.ErrConflict, key)
		}
		return err
	}
	defer release()
	return fn(ctx)
}

func (s *Service) loadRelease(ctx context.Context, bountyID string) (domain.ReleaseRecord, bool, error) {
	rec, err := s.releases.GetByBountyID(ctx, bountyID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReleaseRecord{}, false, nil
	}
	if err != nil {
		return domain.ReleaseRecord{}, false, err
	}
	return rec, true, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrProcessorTransient):
		return "transient"
	case errors.Is(err, domain.ErrProcessorPermanent):
		return "permanent"
	case errors.Is(err, domain.ErrNotReady):
		return "not_ready"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrNotFound):
		return "rejected"
	case errors.Is(err, domain.ErrLedgerWrite):
		return "ledger_write"
	default:
		return "error"
	}
}
