package application

import (
	"context"
	"fmt"
	"time"

	"github.com/camposec/vigil/internal/domain"
	"github.com/camposec/vigil/internal/notify"
)

const dispatchBatchSize = 50

// Worker drains the effect outbox and periodically reconciles sanction states
// against the ledger. It is the only component allowed to mark effects
// delivered, so every instruction leaves the system at least once.
type Worker struct {
	service *Service
	sink    notify.Sink

	retryInterval     time.Duration
	reconcileInterval time.Duration
}

func NewWorker(service *Service, sink notify.Sink) *Worker {
	return &Worker{
		service:           service,
		sink:              sink,
		retryInterval:     service.engine.EffectRetryInterval(),
		reconcileInterval: service.engine.ReconcileInterval(),
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	dispatch := time.NewTicker(w.retryInterval)
	defer dispatch.Stop()
	reconcile := time.NewTicker(w.reconcileInterval)
	defer reconcile.Stop()

	// Close any gap left by a crash before the first ticks.
	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatch.C:
			w.DispatchPending(ctx)
		case <-reconcile.C:
			w.sweep(ctx)
		case <-w.service.reconcileKick:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if err := w.service.ReconcileAll(ctx); err != nil {
		w.service.logger.WarnContext(ctx, "reconcile sweep failed", "error", err)
	}
	w.DispatchPending(ctx)
}

// DispatchPending delivers queued effects oldest first. A failed delivery is
// recorded on the instruction and retried on the next tick; it never blocks
// the rest of the batch.
func (w *Worker) DispatchPending(ctx context.Context) {
	for {
		pending, err := w.service.repo.PendingEffects(ctx, dispatchBatchSize)
		if err != nil {
			w.service.logger.WarnContext(ctx, "load pending effects failed", "error", err)
			return
		}
		if len(pending) == 0 {
			return
		}

		delivered := 0
		for _, effect := range pending {
			if err := w.sink.Deliver(ctx, effect); err != nil {
				wrapped := fmt.Errorf("%w: %v", domain.ErrEffectDelivery, err)
				w.service.logger.WarnContext(ctx, "effect delivery failed",
					"effect", effect.ID, "type", string(effect.Type),
					"vehicle", effect.VehicleKey, "error", wrapped)
				if err := w.service.repo.MarkEffectFailed(ctx, effect.ID, err.Error()); err != nil {
					w.service.logger.WarnContext(ctx, "mark effect failed", "effect", effect.ID, "error", err)
				}
				continue
			}
			if err := w.service.repo.MarkEffectDelivered(ctx, effect.ID); err != nil {
				w.service.logger.WarnContext(ctx, "mark effect delivered", "effect", effect.ID, "error", err)
				continue
			}
			delivered++
		}

		// Everything left in this batch failed; wait for the retry tick
		// instead of spinning.
		if delivered == 0 {
			return
		}
		if len(pending) < dispatchBatchSize {
			return
		}
	}
}
