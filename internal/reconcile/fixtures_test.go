package reconcile

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/models"
)

var (
	primaryKey = models.PositionKey{Symbol: "ETH-USDT-SWAP", Side: models.SideLong, Account: models.AccountPrimary}
	mirrorKey  = primaryKey.WithAccount(models.AccountMirror)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testInstrument() models.Instrument {
	return models.Instrument{
		InstID: primaryKey.Symbol,
		LotSz:  d("1"),
		MinSz:  d("1"),
		TickSz: d("0.01"),
		CtVal:  d("1"),
	}
}

// ladderMonitor — позиция 1000 с ладдером 85/5/5/5 и SL на весь объём.
func ladderMonitor(key models.PositionKey) *models.PositionMonitor {
	m := models.NewPositionMonitor(key)
	m.Phase = models.PhaseBuilding
	m.TrackedSize = d("1000")
	m.EntryPrice = d("100")
	pcts := []string{"85", "5", "5", "5"}
	qtys := []string{"850", "50", "50", "50"}
	prices := []string{"101", "102", "103", "104"}
	for i := range pcts {
		m.TakeProfits = append(m.TakeProfits, &models.OrderRecord{
			ExchangeOrderID: "tp" + prices[i],
			Role:            models.RoleTakeProfit,
			Level:           i + 1,
			PlannedPercent:  d(pcts[i]),
			Price:           d(prices[i]),
			Quantity:        d(qtys[i]),
			Status:          models.OrderOpen,
		})
	}
	m.StopLoss = &models.OrderRecord{
		ExchangeOrderID: "sl",
		Role:            models.RoleStopLoss,
		Price:           d("95"),
		Quantity:        d("1000"),
		Status:          models.OrderOpen,
		Algo:            true,
	}
	m.RecomputeTarget()
	return m
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Publish(_ context.Context, ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}
