package notify

import (
	"context"
	"log/slog"

	"github.com/camposec/vigil/internal/domain"
)

// Sink receives effect instructions drained from the outbox. Delivery is
// at-least-once, so implementations must tolerate repeats of the same
// instruction, BLOCK in particular.
type Sink interface {
	Deliver(ctx context.Context, effect domain.EffectInstruction) error
}

// LogSink writes effects to the structured log. It stands in for the campus
// notification gateway until one is wired up.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, effect domain.EffectInstruction) error {
	s.logger.InfoContext(ctx, "effect delivered",
		"type", string(effect.Type),
		"vehicle", effect.VehicleKey,
		"record", effect.RecordID,
		"attempts", effect.Attempts,
	)
	return nil
}
