package bootstrap

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	jprom "github.com/uber/jaeger-lib/metrics/prometheus"
	"go.uber.org/fx"

	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/pkg/logger"
	"tpsl_keeper/pkg/tracing"
)

// InitLogging перенастраивает глобальный логгер по конфигу.
func InitLogging(lc fx.Lifecycle, cfg *config.Config) error {
	logger.SetServiceName(cfg.Tracing.ServiceName)
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			logger.Sync()
			return nil
		},
	})
	return nil
}

// NewTracer — jaeger (или noop), метрики репортера уходят в общий registry.
func NewTracer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry) (opentracing.Tracer, error) {
	tracer, closeFn, err := tracing.InitTracer(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		AgentHost:   cfg.Tracing.AgentHost,
		ServiceName: cfg.Tracing.ServiceName,
	}, jprom.New(jprom.WithRegisterer(reg)))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			closeFn()
			return nil
		},
	})
	if cfg.Tracing.Enabled {
		logger.Info("[BOOT] tracing to %s as %s", cfg.Tracing.AgentHost, cfg.Tracing.ServiceName)
	}
	return tracer, nil
}

// Module готовит окружение до старта остальных модулей: логгер и трейсер.
func Module() fx.Option {
	return fx.Module("bootstrap",
		fx.Provide(
			NewTracer,
		),
		fx.Invoke(
			InitLogging,
			func(opentracing.Tracer) {},
		),
	)
}
