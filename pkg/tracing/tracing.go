package tracing

import (
	"github.com/opentracing/opentracing-go"
	jCfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"

	"tpsl_keeper/pkg/logger"
)

type Config struct {
	Enabled     bool
	AgentHost   string // host:port агента jaeger
	ServiceName string
}

// InitTracer ставит глобальный трейсер. Выключенный трейсинг — noop,
// спаны в коде остаются и ничего не стоят.
func InitTracer(conf Config, factory metrics.Factory) (opentracing.Tracer, func(), error) {
	if !conf.Enabled {
		tracer := opentracing.NoopTracer{}
		opentracing.SetGlobalTracer(tracer)
		return tracer, func() {}, nil
	}
	if factory == nil {
		factory = metrics.NullFactory
	}

	cfg := &jCfg.Configuration{
		ServiceName: conf.ServiceName,
		Sampler: &jCfg.SamplerConfig{
			Type:  "const",
			Param: 1,
		},
		Reporter: &jCfg.ReporterConfig{
			LogSpans:           false,
			LocalAgentHostPort: conf.AgentHost,
		},
	}

	tracer, closer, err := cfg.NewTracer(
		jCfg.Metrics(factory),
	)
	if err != nil {
		return nil, nil, err
	}

	opentracing.SetGlobalTracer(tracer)
	return tracer, func() {
		if err := closer.Close(); err != nil {
			logger.Error("Error closing Jaeger tracer: %v", err)
		}
	}, nil
}
