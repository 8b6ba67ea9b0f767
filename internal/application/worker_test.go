package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/camposec/vigil/internal/domain"
)

type recordingSink struct {
	failures  int
	delivered []domain.EffectInstruction
}

func (s *recordingSink) Deliver(_ context.Context, effect domain.EffectInstruction) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("gateway unreachable")
	}
	s.delivered = append(s.delivered, effect)
	return nil
}

func TestDispatchRetriesFailedEffects(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	submit(t, svc, "ABC123", 1, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	sink := &recordingSink{failures: 1}
	worker := NewWorker(svc, sink)

	// First pass fails; the instruction stays queued with its error.
	worker.DispatchPending(ctx)
	pending, err := repo.PendingEffects(ctx, 10)
	if err != nil {
		t.Fatalf("pending effects: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed effect must stay queued, got %d pending", len(pending))
	}
	if pending[0].Attempts != 1 || pending[0].LastError == "" {
		t.Fatalf("failure must be recorded on the instruction, got %+v", pending[0])
	}

	// Second pass delivers and drains the queue.
	worker.DispatchPending(ctx)
	pending, err = repo.PendingEffects(ctx, 10)
	if err != nil {
		t.Fatalf("pending effects after retry: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox after retry, got %d", len(pending))
	}
	if len(sink.delivered) != 1 || sink.delivered[0].Type != domain.EffectNotify {
		t.Fatalf("expected one delivered NOTIFY, got %+v", sink.delivered)
	}
}
