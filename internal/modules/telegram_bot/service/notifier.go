package service

import (
	"context"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/logger"
)

// Notifier доставляет события ядра в телеграм. Publish только ставит
// событие в очередь: сеть не должна держать цикл монитора.
type Notifier struct {
	tg    *Telegram
	queue chan models.Event
}

func NewNotifier(tg *Telegram, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	return &Notifier{tg: tg, queue: make(chan models.Event, buffer)}
}

func (n *Notifier) Publish(_ context.Context, ev models.Event) {
	select {
	case n.queue <- ev:
	default:
		logger.Warn("[TG] queue full, dropping %s %s", ev.Kind, ev.Key)
	}
}

func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.queue:
			if err := n.tg.Send(ctx, formatEvent(ev)); err != nil {
				logger.Error("[TG] send %s %s: %v", ev.Kind, ev.Key, err)
			}
		}
	}
}
