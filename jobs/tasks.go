// Package jobs runs the background maintenance work: finishing interrupted
// delivery flows after a restart and pruning processed idempotency keys.
package jobs

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/meridian-erp/meridian-erp/internal/delivery/orders"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDeliveryReconcile resumes release/void flows cut short by a crash.
	TaskDeliveryReconcile = "delivery:reconcile"
	// TaskIdempotencyCleanup prunes processed idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// NewDeliveryReconcileTask constructs the reconcile task.
func NewDeliveryReconcileTask() *asynq.Task {
	return asynq.NewTask(TaskDeliveryReconcile, nil)
}

// NewIdempotencyCleanupTask constructs the cleanup task. The retention
// window lives in the store, so the task carries no payload.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// NewDeliveryReconcileHandler processes TaskDeliveryReconcile tasks. The
// engine's recovery walks drafts and released documents and completes any
// flow with ledger effects but no matching status, so running it repeatedly
// is safe.
func NewDeliveryReconcileHandler(engine *orders.Engine, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if err := engine.Recover(ctx); err != nil {
			logger.Error("delivery reconcile", slog.Any("error", err))
			return err
		}
		logger.Info("delivery reconcile completed")
		return nil
	}
}

// NewIdempotencyCleanupHandler processes TaskIdempotencyCleanup tasks.
func NewIdempotencyCleanupHandler(store *shared.IdempotencyStore, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		if err := store.Prune(ctx); err != nil {
			logger.Error("idempotency cleanup", slog.Any("error", err))
			return err
		}
		return nil
	}
}
