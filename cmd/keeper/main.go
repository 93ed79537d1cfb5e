package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tpsl_keeper/internal/modules/bootstrap"
	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/modules/health"
	"tpsl_keeper/internal/modules/journal"
	"tpsl_keeper/internal/modules/okx_client"
	"tpsl_keeper/internal/modules/okx_websocket"
	"tpsl_keeper/internal/modules/store"
	telegram "tpsl_keeper/internal/modules/telegram_bot"
	"tpsl_keeper/internal/runner"
	"tpsl_keeper/pkg/logger"
)

func main() {
	// до чтения конфига пишем в stdout с уровнем info
	if err := logger.Init(logger.Config{Level: "info"}); err != nil {
		panic(err)
	}

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.InfoLogger.With(zap.String("component", "fx"))}
		}),
		fx.Provide(
			func() context.Context {
				return context.Background()
			},
		),
		config.Module(),
		bootstrap.Module(),
		store.Module(),
		okx_client.Module(),
		health.Module(),
		journal.Module(),
		telegram.Module(),
		runner.Module(),
		okx_websocket.Module(),
	)
	if err := app.Err(); err != nil {
		logger.Fatal("startup: %v", err)
	}
	app.Run()
}
