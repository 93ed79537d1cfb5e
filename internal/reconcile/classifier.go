package reconcile

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/helper"
	"tpsl_keeper/internal/models"
)

type Kind int

const (
	KindNoChange Kind = iota
	KindEntryFill
	KindTakeProfitFill
	KindExternal
	KindFullClose
	KindAnomalous
)

func (k Kind) String() string {
	switch k {
	case KindNoChange:
		return "no_change"
	case KindEntryFill:
		return "entry_fill"
	case KindTakeProfitFill:
		return "take_profit_fill"
	case KindExternal:
		return "external_adjustment"
	case KindFullClose:
		return "full_close"
	case KindAnomalous:
		return "anomalous"
	}
	return "unknown"
}

// SizeChanged — изменение размера, которое принимаем в состояние.
func (k Kind) SizeChanged() bool {
	return k == KindEntryFill || k == KindTakeProfitFill || k == KindExternal || k == KindFullClose
}

var hundred = decimal.NewFromInt(100)

// DefaultLevelBandPct — допуск сопоставления сокращения с уровнем TP, п.п.
var DefaultLevelBandPct = decimal.NewFromInt(5)

type ClassifyOptions struct {
	Step         decimal.Decimal
	LevelBandPct decimal.Decimal
	// LiveOrders — id ордеров, которые биржа вернула в этом же опросе.
	// Уровень, чей ордер всё ещё висит целиком, исполниться не мог.
	LiveOrders map[string]models.OrderRecord
}

type Classification struct {
	Kind         Kind
	Previous     decimal.Decimal
	Current      decimal.Decimal
	Delta        decimal.Decimal // current - previous
	Level        int             // для KindTakeProfitFill
	ReductionPct decimal.Decimal // для сокращений, от исходного размера
	Reason       string          // для KindAnomalous
}

func (c Classification) String() string {
	switch c.Kind {
	case KindTakeProfitFill:
		return fmt.Sprintf("%s(TP%d, %s)", c.Kind, c.Level, c.Delta)
	case KindAnomalous:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Reason)
	}
	return fmt.Sprintf("%s(%s)", c.Kind, c.Delta)
}

// Classify определяет причину изменения размера позиции.
// readingAccount — аккаунт, с которого реально пришло чтение.
func Classify(readingAccount models.Account, previous, current decimal.Decimal, m *models.PositionMonitor, opts ClassifyOptions) Classification {
	c := Classification{
		Previous: previous,
		Current:  current,
		Delta:    current.Sub(previous),
	}

	if readingAccount != m.Key.Account {
		return anomalous(c, fmt.Sprintf("impossible fill: reading from %s account for %s", readingAccount, m.Key))
	}
	if current.Sign() < 0 {
		return anomalous(c, "impossible fill: negative size "+current.String())
	}
	if c.Delta.IsZero() {
		c.Kind = KindNoChange
		return c
	}

	step := opts.Step
	if step.Sign() <= 0 {
		step = decimal.NewFromInt(1)
	}

	if c.Delta.Sign() > 0 {
		limit := m.UnfilledEntryQty().Add(step)
		if m.Phase == models.PhaseBuilding && c.Delta.LessThanOrEqual(limit) && m.UnfilledEntryQty().Sign() > 0 {
			c.Kind = KindEntryFill
		} else {
			c.Kind = KindExternal
		}
		return c
	}

	reduction := c.Delta.Neg()
	base, ok := originalSize(m, previous)
	if !ok {
		return anomalous(c, "impossible fill: position already fully reduced")
	}
	c.ReductionPct = reduction.Div(base).Mul(hundred)
	epsilon := step.Div(base).Mul(hundred)

	total := m.CumulativeReductionPct.Add(c.ReductionPct)
	if total.GreaterThan(hundred.Add(epsilon)) {
		return anomalous(c, fmt.Sprintf("impossible fill: cumulative reduction %s%% exceeds 100%%", total.StringFixed(2)))
	}

	band := opts.LevelBandPct
	if band.Sign() <= 0 {
		band = DefaultLevelBandPct
	}
	for _, tp := range m.UnhitLevels() {
		if stillResting(tp, opts.LiveOrders, step) {
			continue
		}
		byPct := c.ReductionPct.Sub(tp.PlannedPercent).Abs().LessThanOrEqual(band)
		byQty := tp.Quantity.Sign() > 0 && helper.WithinStep(reduction, tp.Quantity, step)
		if byPct || byQty {
			c.Kind = KindTakeProfitFill
			c.Level = tp.Level
			return c
		}
	}

	if current.IsZero() {
		c.Kind = KindFullClose
		return c
	}
	c.Kind = KindExternal
	return c
}

// originalSize — размер, от которого считаются проценты уровней:
// текущий target, пересчитанный на уже снятую долю.
func originalSize(m *models.PositionMonitor, previous decimal.Decimal) (decimal.Decimal, bool) {
	current := decimal.Max(m.TargetSize, previous)
	if current.Sign() <= 0 {
		return decimal.Zero, false
	}
	left := hundred.Sub(m.CumulativeReductionPct)
	if left.Sign() <= 0 {
		return decimal.Zero, false
	}
	return current.Mul(hundred).Div(left), true
}

func anomalous(c Classification, reason string) Classification {
	c.Kind = KindAnomalous
	c.Reason = reason
	return c
}

func stillResting(tp *models.OrderRecord, live map[string]models.OrderRecord, step decimal.Decimal) bool {
	if live == nil || tp.ExchangeOrderID == "" {
		return false
	}
	o, ok := live[tp.ExchangeOrderID]
	if !ok {
		return false
	}
	return helper.WithinStep(o.Quantity, tp.Quantity, step.Div(decimal.NewFromInt(2)))
}

// Apply переносит принятую классификацию в состояние монитора.
// Anomalous состояние не трогает, кроме счётчика аномалий.
func Apply(m *models.PositionMonitor, c Classification) {
	if c.Kind == KindAnomalous {
		m.ConsecutiveAnomalies++
		return
	}
	m.ConsecutiveAnomalies = 0

	switch c.Kind {
	case KindNoChange:
		return
	case KindEntryFill:
		m.TrackedSize = c.Current
	case KindTakeProfitFill:
		m.TrackedSize = c.Current
		m.MarkHit(c.Level, c.Delta.Neg())
		m.CumulativeReductionPct = m.CumulativeReductionPct.Add(c.ReductionPct)
		if m.Phase == models.PhaseBuilding {
			m.Phase = models.PhaseProfitTaking
		}
	case KindExternal, KindFullClose:
		m.TrackedSize = c.Current
		if c.Delta.Sign() < 0 {
			m.CumulativeReductionPct = m.CumulativeReductionPct.Add(c.ReductionPct)
		}
	}
}
