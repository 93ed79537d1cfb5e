package okx_websocket

import (
	"context"

	"go.uber.org/fx"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/modules/config"
	health "tpsl_keeper/internal/modules/health/service"
	"tpsl_keeper/internal/modules/okx_websocket/service"
	"tpsl_keeper/internal/runner"
	"tpsl_keeper/pkg/logger"
)

// NewStreams — по приватному стриму на каждый торгуемый аккаунт.
// Пустой ws_url отключает подсказки: мониторы живут на одном поллинге.
func NewStreams(cfg *config.Config, mgr *runner.Manager, state *health.State) []*service.Stream {
	if cfg.OKX.WSURL == "" {
		logger.Info("[WS] ws_url is empty, position hints disabled")
		return nil
	}
	streams := []*service.Stream{
		service.NewStream(models.AccountPrimary, cfg.OKX.WSURL, cfg.OKX.Primary, cfg.OKX.Simulated, mgr, state),
	}
	if cfg.Mirror.Enabled && !cfg.OKX.Mirror.Empty() {
		streams = append(streams,
			service.NewStream(models.AccountMirror, cfg.OKX.WSURL, cfg.OKX.Mirror, cfg.OKX.Simulated, mgr, state))
	}
	return streams
}

// Module поднимает приватные стримы позиций OKX.
func Module() fx.Option {
	return fx.Module("okx_websocket",
		fx.Provide(
			NewStreams,
		),
		fx.Invoke(func(lc fx.Lifecycle, streams []*service.Stream, ctx context.Context) {
			runCtx, cancel := context.WithCancel(ctx)
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					for _, s := range streams {
						go s.Run(runCtx)
					}
					return nil
				},
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
		}),
	)
}
