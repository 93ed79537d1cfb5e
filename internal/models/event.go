package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind string

const (
	EventEntryFilled      EventKind = "entry_filled"
	EventTakeProfitFilled EventKind = "take_profit_filled"
	EventPositionClosed   EventKind = "position_closed"

	// алерты, видимые пользователю
	EventSyncSuspended        EventKind = "sync_suspended"
	EventOrderPlacementFailed EventKind = "order_placement_failed"
	EventAnomalousFill        EventKind = "anomalous_fill"
)

// Event — уведомление ядра для внешней доставки (телеграм, журнал).
type Event struct {
	Kind   EventKind       `json:"kind"`
	Key    PositionKey     `json:"key"`
	Level  int             `json:"level,omitempty"`
	Delta  decimal.Decimal `json:"delta"`
	Size   decimal.Decimal `json:"size"`
	Reason string          `json:"reason,omitempty"`
	At     time.Time       `json:"at"`
}
