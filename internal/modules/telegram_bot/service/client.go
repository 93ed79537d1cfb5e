package service

import (
	"context"
	"fmt"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender — часть BotAPI, которой достаточно для отправки.
type Sender interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// Telegram отправляет сообщения в один служебный чат.
type Telegram struct {
	bot    Sender
	chatID int64
}

func NewTelegram(bot Sender, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID}
}

func (t *Telegram) Send(_ context.Context, msg string) error {
	m := tgbot.NewMessage(t.chatID, msg)
	m.DisableWebPagePreview = true
	_, err := t.bot.Send(m)
	return err
}

func (t *Telegram) SendF(ctx context.Context, format string, args ...any) error {
	return t.Send(ctx, fmt.Sprintf(format, args...))
}
