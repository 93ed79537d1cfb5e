package runner

import (
	"context"

	"go.uber.org/fx"

	"tpsl_keeper/internal/reconcile"
)

// NewEventSink собирает всех получателей событий из группы event_sinks.
// Лог пишется всегда.
func NewEventSink(sinks []reconcile.EventSink) reconcile.EventSink {
	return append(reconcile.MultiSink{reconcile.LogSink{}}, sinks...)
}

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			NewSettings,
			fx.Annotate(NewEventSink, fx.ParamTags(`group:"event_sinks"`)),
			NewManager,
			NewSweeper,
		),
		fx.Invoke(func(
			lc fx.Lifecycle,
			mgr *Manager,
			sw *Sweeper,
			ctx context.Context,
		) {
			sweepCtx, cancel := context.WithCancel(ctx)
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					mgr.Start()
					go sw.Run(sweepCtx)
					return nil
				},
				OnStop: func(_ context.Context) error {
					cancel()
					mgr.Stop()
					return nil
				},
			})
		}),
	)
}
