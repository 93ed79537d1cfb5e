package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/helper"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/logger"
)

type OpKind int

const (
	OpCancel OpKind = iota
	OpPlace
)

func (k OpKind) String() string {
	if k == OpCancel {
		return "cancel"
	}
	return "place"
}

type Op struct {
	Kind    OpKind
	Slot    models.SlotRef
	Order   models.OrderRecord  // для OpCancel — что отменяем
	Request models.OrderRequest // для OpPlace
}

func (o Op) String() string {
	if o.Kind == OpCancel {
		return fmt.Sprintf("cancel %s %s qty=%s", o.Slot, o.Order.ExchangeOrderID, o.Order.Quantity)
	}
	return fmt.Sprintf("place %s qty=%s px=%s", o.Slot, o.Request.Quantity, o.Request.Price)
}

// Plan — отмены всегда идут раньше постановок.
type Plan struct {
	Ops      []Op
	Degraded []models.SlotRef
}

func (p Plan) Empty() bool { return len(p.Ops) == 0 }

func (p Plan) Count(kind OpKind) int {
	n := 0
	for _, op := range p.Ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

type Policy struct {
	// BreakevenOnFirstTP — после первого TP один раз переносим SL в цену входа.
	BreakevenOnFirstTP bool
}

// TakeProfitTargets — целевые объёмы неисполненных уровней.
// Доли пропорциональны плановым процентам, округление вниз до шага,
// остаток уходит на младший оставшийся уровень.
func TakeProfitTargets(m *models.PositionMonitor, step decimal.Decimal) map[int]decimal.Decimal {
	unhit := m.UnhitLevels()
	out := make(map[int]decimal.Decimal, len(unhit))
	if len(unhit) == 0 {
		return out
	}
	base := helper.RoundDownToStep(ladderBase(m), step)
	if base.Sign() <= 0 {
		for _, tp := range unhit {
			out[tp.Level] = decimal.Zero
		}
		return out
	}

	weights := decimal.Zero
	for _, tp := range unhit {
		weights = weights.Add(tp.PlannedPercent)
	}
	equal := weights.Sign() <= 0

	assigned := decimal.Zero
	for _, tp := range unhit {
		var q decimal.Decimal
		if equal {
			q = base.Div(decimal.NewFromInt(int64(len(unhit))))
		} else {
			q = base.Mul(tp.PlannedPercent).Div(weights)
		}
		q = helper.RoundDownToStep(q, step)
		out[tp.Level] = q
		assigned = assigned.Add(q)
	}
	lowest := unhit[0].Level
	out[lowest] = out[lowest].Add(base.Sub(assigned))
	return out
}

// StopTarget — SL закрывает весь будущий размер, пока идёт набор,
// и остаток позиции после первого TP.
func StopTarget(m *models.PositionMonitor, step decimal.Decimal) decimal.Decimal {
	return helper.RoundDownToStep(ladderBase(m), step)
}

func ladderBase(m *models.PositionMonitor) decimal.Decimal {
	if m.Phase == models.PhaseProfitTaking {
		return m.TrackedSize
	}
	return m.TargetSize
}

// PlanRebalance строит операции, приводящие ладдер к целевым объёмам.
// Ордер переставляется, только если расходится с целью больше чем на шаг;
// цена сохраняется. Повторный вызов без изменения размера даёт пустой план.
func PlanRebalance(m *models.PositionMonitor, inst models.Instrument, policy Policy) Plan {
	step := helper.Step(inst)
	targets := TakeProfitTargets(m, step)

	var cancels, places []Op
	var degraded []models.SlotRef

	type decision struct {
		slot   *models.OrderRecord
		target decimal.Decimal
		keep   bool
	}
	var tpDecisions []decision
	projected := decimal.Zero
	for _, tp := range m.UnhitLevels() {
		tgt := targets[tp.Level]
		keep := tp.IsOpen() && helper.WithinStep(tp.Quantity, tgt, step)
		tpDecisions = append(tpDecisions, decision{slot: tp, target: tgt, keep: keep})
		if keep {
			projected = projected.Add(tp.Quantity)
		} else {
			projected = projected.Add(tgt)
		}
	}
	// Поштучный допуск в шаг не должен копиться в сумме.
	if total := sumTargets(targets); !helper.WithinStep(projected, total, step) {
		for i := range tpDecisions {
			if tpDecisions[i].keep && !tpDecisions[i].slot.Quantity.Equal(tpDecisions[i].target) {
				tpDecisions[i].keep = false
			}
		}
	}

	for _, d := range tpDecisions {
		if d.keep {
			continue
		}
		c, p, deg := slotOps(d.slot, d.target, d.slot.Price, inst, m.Key.Side)
		cancels = append(cancels, c...)
		places = append(places, p...)
		if deg {
			degraded = append(degraded, d.slot.Slot())
		}
	}

	if sl := m.StopLoss; sl != nil {
		tgt := StopTarget(m, step)
		price := sl.Price
		moveToBreakeven := policy.BreakevenOnFirstTP && m.Phase == models.PhaseProfitTaking &&
			!m.BreakevenApplied && m.EntryPrice.Sign() > 0
		if moveToBreakeven {
			price = helper.RoundToTick(m.EntryPrice, inst.TickSz)
		}
		keep := sl.IsOpen() && helper.WithinStep(sl.Quantity, tgt, step) && price.Equal(sl.Price)
		if !keep {
			c, p, deg := slotOps(sl, tgt, price, inst, m.Key.Side)
			cancels = append(cancels, c...)
			places = append(places, p...)
			if deg {
				degraded = append(degraded, sl.Slot())
			}
		}
	}

	return Plan{Ops: append(cancels, places...), Degraded: degraded}
}

func slotOps(slot *models.OrderRecord, target, price decimal.Decimal, inst models.Instrument, side models.Side) (cancels, places []Op, degraded bool) {
	if slot.IsOpen() {
		cancels = append(cancels, Op{Kind: OpCancel, Slot: slot.Slot(), Order: *slot})
	} else if !slot.Missing() {
		return nil, nil, false
	}
	if target.Sign() <= 0 || price.Sign() <= 0 {
		return cancels, nil, false
	}
	if inst.MinSz.Sign() > 0 && target.LessThan(inst.MinSz) {
		return cancels, nil, true
	}
	if err := helper.CheckNotional(inst, target, price); err != nil {
		return cancels, nil, true
	}
	req := models.OrderRequest{
		ClientOrderID: models.NewClientOrderID(slot.Role, slot.Level),
		Role:          slot.Role,
		Level:         slot.Level,
		Type:          models.OrderTypeLimit,
		Quantity:      target,
		Price:         price,
		ReduceOnly:    true,
	}
	if slot.Role == models.RoleStopLoss {
		req.Type = models.OrderTypeConditional
	}
	places = append(places, Op{Kind: OpPlace, Slot: slot.Slot(), Request: req})
	return cancels, places, false
}

func sumTargets(t map[int]decimal.Decimal) decimal.Decimal {
	s := decimal.Zero
	for _, q := range t {
		s = s.Add(q)
	}
	return s
}

// EventSink — получатель событий ядра (телеграм, журнал, лог).
type EventSink interface {
	Publish(ctx context.Context, ev models.Event)
}

type Result struct {
	Placed    int
	Cancelled int
	Failed    int
	Degraded  int // слоты, впервые ушедшие ниже минимума биржи
}

// Rebalancer исполняет план через шлюз биржи и отражает итог в слотах.
type Rebalancer struct {
	gw   exchange.Gateway
	sink EventSink
	now  func() time.Time
}

func NewRebalancer(gw exchange.Gateway, sink EventSink) *Rebalancer {
	return &Rebalancer{gw: gw, sink: sink, now: time.Now}
}

// Apply отменяет, затем ставит. Если отмена слота не прошла, новый ордер
// в этот слот не ставится: иначе на бирже окажутся оба.
func (r *Rebalancer) Apply(ctx context.Context, m *models.PositionMonitor, plan Plan) Result {
	var res Result
	blocked := make(map[models.SlotRef]bool)

	for _, op := range plan.Ops {
		if op.Kind != OpCancel {
			continue
		}
		slot := slotByRef(m, op.Slot)
		err := r.gw.CancelOrder(ctx, m.Key, op.Order)
		if err != nil && !exchange.IsNotFound(err) {
			blocked[op.Slot] = true
			res.Failed++
			logger.Warn("[REBALANCE] %s cancel %s failed: %v", m.Key, op.Slot, err)
			continue
		}
		res.Cancelled++
		if slot != nil {
			slot.MarkMissing()
		}
	}

	for _, op := range plan.Ops {
		if op.Kind != OpPlace || blocked[op.Slot] {
			continue
		}
		slot := slotByRef(m, op.Slot)
		if slot == nil {
			continue
		}
		id, err := r.gw.PlaceOrder(ctx, m.Key, op.Request)
		if err != nil {
			res.Failed++
			slot.MarkMissing()
			logger.Warn("[REBALANCE] %s place %s failed: %v", m.Key, op.Slot, err)
			if !exchange.IsTransient(err) && r.sink != nil {
				r.sink.Publish(ctx, models.Event{
					Kind:   models.EventOrderPlacementFailed,
					Key:    m.Key,
					Level:  op.Slot.Level,
					Size:   op.Request.Quantity,
					Reason: fmt.Sprintf("%s: %v", op.Slot, err),
					At:     r.now(),
				})
			}
			continue
		}
		res.Placed++
		slot.ExchangeOrderID = id
		slot.ClientOrderID = op.Request.ClientOrderID
		slot.Quantity = op.Request.Quantity
		slot.Status = models.OrderOpen
		slot.Degraded = false
		if slot.Role == models.RoleStopLoss {
			slot.Algo = true
			if !slot.Price.Equal(op.Request.Price) {
				m.BreakevenApplied = true
			}
		}
		slot.Price = op.Request.Price
	}

	for _, ref := range plan.Degraded {
		slot := slotByRef(m, ref)
		if slot == nil || slot.Degraded {
			continue
		}
		slot.Degraded = true
		res.Degraded++
		logger.Warn("[REBALANCE] %s %s skipped: below exchange minimum", m.Key, ref)
	}
	return res
}

func slotByRef(m *models.PositionMonitor, ref models.SlotRef) *models.OrderRecord {
	switch ref.Role {
	case models.RoleTakeProfit:
		return m.TakeProfit(ref.Level)
	case models.RoleStopLoss:
		return m.StopLoss
	}
	return nil
}
