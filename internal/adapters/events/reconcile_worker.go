package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M15-bounty-escrow-service/internal/application"
)

type Reconciler interface {
	ReconcilePending(ctx context.Context) (application.ReconcileSummary, error)
}

// ReconcileWorker periodically confirms pending holds and settles releases
// that stopped between processor acknowledgement and ledger write.
type ReconcileWorker struct {
	logger     *slog.Logger
	reconciler Reconciler
	interval   time.Duration
}

func NewReconcileWorker(logger *slog.Logger, reconciler Reconciler, interval time.Duration) *ReconcileWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileWorker{logger: logger, reconciler: reconciler, interval: interval}
}

func (w *ReconcileWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *ReconcileWorker) runOnce(ctx context.Context) {
	summary, err := w.reconciler.ReconcilePending(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "reconcile iteration failed",
				"module", "events.reconcile_worker",
				"layer", "adapter",
				"operation", "reconcile_pending",
				"outcome", "failure",
				"error", err,
			)
		}
		return
	}
	if summary.Confirmed+summary.Settled+summary.Failed+summary.Purged == 0 {
		return
	}
	w.logger.InfoContext(ctx, "reconcile pass finished",
		"module", "events.reconcile_worker",
		"layer", "adapter",
		"operation", "reconcile_pending",
		"outcome", "success",
		"confirmed", summary.Confirmed,
		"settled", summary.Settled,
		"failed", summary.Failed,
		"purged", summary.Purged,
	)
}
