package reconcile

import (
	"context"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/logger"
)

// MultiSink раздаёт событие всем получателям. nil-получатели пропускаются,
// чтобы необязательные модули (журнал, телеграм) могли вернуть nil.
type MultiSink []EventSink

func (ms MultiSink) Publish(ctx context.Context, ev models.Event) {
	for _, s := range ms {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// LogSink пишет события в лог.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev models.Event) {
	switch ev.Kind {
	case models.EventSyncSuspended, models.EventOrderPlacementFailed, models.EventAnomalousFill:
		logger.Error("[EVENT] %s %s level=%d size=%s: %s", ev.Kind, ev.Key, ev.Level, ev.Size, ev.Reason)
	default:
		logger.Info("[EVENT] %s %s level=%d delta=%s size=%s", ev.Kind, ev.Key, ev.Level, ev.Delta, ev.Size)
	}
}

// SinkFunc — адаптер функции к EventSink.
type SinkFunc func(ctx context.Context, ev models.Event)

func (f SinkFunc) Publish(ctx context.Context, ev models.Event) { f(ctx, ev) }
