package telegram

import (
	"context"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"

	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/modules/telegram_bot/service"
	"tpsl_keeper/internal/reconcile"
	"tpsl_keeper/pkg/logger"
)

// NewNotifier — доставка событий в служебный чат. Без токена или chat_id
// телеграм выключен.
func NewNotifier(lc fx.Lifecycle, ctx context.Context, cfg *config.Config) (*service.Notifier, error) {
	if cfg.Telegram.Token == "" || cfg.Telegram.ChatID == 0 {
		logger.Info("[TG] token or chat_id is empty, telegram alerts disabled")
		return nil, nil
	}
	b, err := tgbot.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, err
	}
	n := service.NewNotifier(service.NewTelegram(b, cfg.Telegram.ChatID), 256)

	runCtx, cancel := context.WithCancel(ctx)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go n.Run(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return n, nil
}

func asSink(n *service.Notifier) reconcile.EventSink {
	if n == nil {
		return nil
	}
	return n
}

func Module() fx.Option {
	return fx.Module("telegram",
		fx.Provide(
			NewNotifier,
			fx.Annotate(asSink, fx.ResultTags(`group:"event_sinks"`)),
		),
	)
}
