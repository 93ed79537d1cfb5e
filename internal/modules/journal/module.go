package journal

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/modules/journal/service"
	"tpsl_keeper/internal/reconcile"
	"tpsl_keeper/pkg/db"
	"tpsl_keeper/pkg/logger"
)

// NewJournal открывает пул и мигрирует keeper_events. Без db_dsn журнал
// выключен и провайдер отдаёт nil.
func NewJournal(lc fx.Lifecycle, ctx context.Context, cfg *config.Config) (*service.Journal, error) {
	if cfg.DB == "" {
		logger.Info("[JOURNAL] db_dsn is empty, event journal disabled")
		return nil, nil
	}

	poolMaster, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.DB, MaxConns: 4})
	if err != nil {
		return nil, fmt.Errorf("failed to create poolMaster: %w", err)
	}
	if err := poolMaster.Ping(ctx); err != nil {
		poolMaster.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	txm := db.NewPgTxManager(poolMaster)
	j := service.New(txm, 1024)
	if err := j.Migrate(ctx); err != nil {
		txm.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				j.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			txm.Close()
			return nil
		},
	})
	return j, nil
}

// asSink отдаёт журнал в группу event_sinks; выключенный журнал — nil-интерфейс.
func asSink(j *service.Journal) reconcile.EventSink {
	if j == nil {
		return nil
	}
	return j
}

func Module() fx.Option {
	return fx.Module("journal",
		fx.Provide(
			NewJournal,
			fx.Annotate(asSink, fx.ResultTags(`group:"event_sinks"`)),
		),
	)
}
