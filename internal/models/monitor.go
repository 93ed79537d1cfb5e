package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseBuilding     Phase = "building"
	PhaseProfitTaking Phase = "profit_taking"
	PhaseClosed       Phase = "closed"
)

// PositionMonitor — состояние одной отслеживаемой позиции.
// Пишет в него только горутина монитора (или синхронизатор зеркала под её локом).
type PositionMonitor struct {
	Key PositionKey `json:"key"`

	TrackedSize decimal.Decimal `json:"tracked_size"`
	TargetSize  decimal.Decimal `json:"target_size"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	Phase       Phase           `json:"phase"`

	HitLevels              []int                   `json:"hit_levels"`
	ExecutedQty            map[int]decimal.Decimal `json:"executed_qty,omitempty"`
	CumulativeReductionPct decimal.Decimal         `json:"cumulative_reduction_pct"`

	Entries     []*OrderRecord `json:"entries"`
	TakeProfits []*OrderRecord `json:"take_profits"`
	StopLoss    *OrderRecord   `json:"stop_loss"`

	MirrorRatio decimal.NullDecimal `json:"mirror_ratio"`
	// AwaitingOpen — зеркало заведено по шаблону основного аккаунта, но
	// биржа ещё ни разу не показала ненулевой позиции.
	AwaitingOpen bool `json:"awaiting_open,omitempty"`

	BreakevenApplied     bool      `json:"breakeven_applied,omitempty"`
	ConsecutiveAnomalies int       `json:"consecutive_anomalies"`
	LastPollAt           time.Time `json:"last_poll_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func NewPositionMonitor(key PositionKey) *PositionMonitor {
	return &PositionMonitor{
		Key:         key,
		Phase:       PhaseInitializing,
		ExecutedQty: make(map[int]decimal.Decimal),
	}
}

func (m *PositionMonitor) TakeProfit(level int) *OrderRecord {
	for _, tp := range m.TakeProfits {
		if tp.Level == level {
			return tp
		}
	}
	return nil
}

func (m *PositionMonitor) IsHit(level int) bool {
	for _, l := range m.HitLevels {
		if l == level {
			return true
		}
	}
	return false
}

// MarkHit добавляет уровень в hitLevels. Повторная отметка ничего не меняет.
func (m *PositionMonitor) MarkHit(level int, qty decimal.Decimal) {
	if m.IsHit(level) {
		return
	}
	m.HitLevels = append(m.HitLevels, level)
	sort.Ints(m.HitLevels)
	if m.ExecutedQty == nil {
		m.ExecutedQty = make(map[int]decimal.Decimal)
	}
	m.ExecutedQty[level] = qty
	if tp := m.TakeProfit(level); tp != nil {
		tp.Status = OrderFilled
		tp.ExchangeOrderID = ""
	}
}

// UnhitLevels — слоты TP, ещё не исполненные, по возрастанию уровня.
func (m *PositionMonitor) UnhitLevels() []*OrderRecord {
	out := make([]*OrderRecord, 0, len(m.TakeProfits))
	for _, tp := range m.TakeProfits {
		if !m.IsHit(tp.Level) {
			out = append(out, tp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

// UnfilledEntryQty — сколько ещё может добрать лимитный вход.
func (m *PositionMonitor) UnfilledEntryQty() decimal.Decimal {
	sum := decimal.Zero
	for _, e := range m.Entries {
		if e.Status == OrderOpen {
			sum = sum.Add(e.Quantity)
		}
	}
	return sum
}

func (m *PositionMonitor) RecomputeTarget() {
	m.TargetSize = m.TrackedSize.Add(m.UnfilledEntryQty())
}

// Orders — все слоты ладдера (входы, TP, SL).
func (m *PositionMonitor) Orders() []*OrderRecord {
	out := make([]*OrderRecord, 0, len(m.Entries)+len(m.TakeProfits)+1)
	out = append(out, m.Entries...)
	out = append(out, m.TakeProfits...)
	if m.StopLoss != nil {
		out = append(out, m.StopLoss)
	}
	return out
}

func (m *PositionMonitor) OpenOrderCount() int {
	n := 0
	for _, o := range m.Orders() {
		if o.IsOpen() {
			n++
		}
	}
	return n
}

// Clone — глубокая копия для снапшотов и сохранения.
func (m *PositionMonitor) Clone() *PositionMonitor {
	if m == nil {
		return nil
	}
	c := *m
	c.HitLevels = append([]int(nil), m.HitLevels...)
	c.ExecutedQty = make(map[int]decimal.Decimal, len(m.ExecutedQty))
	for k, v := range m.ExecutedQty {
		c.ExecutedQty[k] = v
	}
	c.Entries = cloneOrders(m.Entries)
	c.TakeProfits = cloneOrders(m.TakeProfits)
	if m.StopLoss != nil {
		sl := *m.StopLoss
		c.StopLoss = &sl
	}
	return &c
}

func cloneOrders(in []*OrderRecord) []*OrderRecord {
	if in == nil {
		return nil
	}
	out := make([]*OrderRecord, len(in))
	for i, o := range in {
		cp := *o
		out[i] = &cp
	}
	return out
}
