package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleEntryLimit Role = "entry_limit"
	RoleTakeProfit Role = "take_profit"
	RoleStopLoss   Role = "stop_loss"
)

type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderUnknown   OrderStatus = "unknown"
)

// OrderRecord — слот ладдера. Слот с пустым ExchangeOrderID и статусом
// unknown означает "ордера нет, нужно поставить заново".
type OrderRecord struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Role            Role            `json:"role"`
	Level           int             `json:"level,omitempty"` // 1..N для TP, 0 для остальных
	PlannedPercent  decimal.Decimal `json:"planned_percent"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Status          OrderStatus     `json:"status"`
	Algo            bool            `json:"algo,omitempty"`     // условный ордер (SL)
	Degraded        bool            `json:"degraded,omitempty"` // пропущен из-за min notional
}

// Missing — слот без живого ордера на бирже.
func (o *OrderRecord) Missing() bool {
	return o.ExchangeOrderID == "" && o.Status != OrderFilled && o.Status != OrderCancelled
}

func (o *OrderRecord) IsOpen() bool {
	return o.ExchangeOrderID != "" && o.Status == OrderOpen
}

// MarkMissing переводит слот в явное состояние "ордера нет".
func (o *OrderRecord) MarkMissing() {
	o.ExchangeOrderID = ""
	o.ClientOrderID = ""
	o.Status = OrderUnknown
}

func (o *OrderRecord) Slot() SlotRef { return SlotRef{Role: o.Role, Level: o.Level} }

func (o *OrderRecord) String() string {
	return fmt.Sprintf("%s id=%s qty=%s px=%s %s", o.Slot(), o.ExchangeOrderID, o.Quantity, o.Price, o.Status)
}

// SlotRef адресует слот ладдера по роли и уровню.
type SlotRef struct {
	Role  Role
	Level int
}

func (s SlotRef) String() string {
	switch s.Role {
	case RoleTakeProfit:
		return fmt.Sprintf("TP%d", s.Level)
	case RoleStopLoss:
		return "SL"
	default:
		return fmt.Sprintf("ENTRY%d", s.Level)
	}
}

type OrderType string

const (
	OrderTypeLimit       OrderType = "limit"
	OrderTypeMarket      OrderType = "market"
	OrderTypeConditional OrderType = "conditional"
)

// OrderRequest — то, что уходит в биржевой клиент.
type OrderRequest struct {
	ClientOrderID string
	Role          Role
	Level         int
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal // для conditional — триггер
	ReduceOnly    bool
}
