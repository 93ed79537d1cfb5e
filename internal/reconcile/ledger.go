package reconcile

import (
	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/models"
)

// SyncLedger сверяет слоты ладдера с живыми ордерами того же ключа.
// Пропавший вход считается исполненным, только если опрос увидел добор;
// пропавший TP, чей объём покрыт сокращением позиции, считается исполненным;
// остальные пропавшие TP/SL переходят в состояние "ордера нет" и будут поставлены заново.
// Возвращает наши (по clOrdId) ордера, которые дублируют занятый слот.
func SyncLedger(m *models.PositionMonitor, live []models.OrderRecord, c Classification, step decimal.Decimal) (strays []models.OrderRecord) {
	byID := make(map[string]models.OrderRecord, len(live))
	for _, o := range live {
		byID[o.ExchangeOrderID] = o
	}
	known := make(map[string]bool, len(live))

	markVanishedHits(m, byID, c, step)

	for _, e := range m.Entries {
		if !e.IsOpen() {
			continue
		}
		known[e.ExchangeOrderID] = true
		if o, ok := byID[e.ExchangeOrderID]; ok {
			e.Quantity = o.Quantity
			continue
		}
		if c.Kind == KindEntryFill || (c.Kind == KindExternal && c.Delta.Sign() > 0) {
			e.Status = models.OrderFilled
		} else {
			e.Status = models.OrderCancelled
		}
		e.ExchangeOrderID = ""
	}

	for _, o := range slotsOf(m) {
		if o.ExchangeOrderID == "" {
			continue
		}
		known[o.ExchangeOrderID] = true
		if lo, ok := byID[o.ExchangeOrderID]; ok {
			o.Quantity = lo.Quantity
			continue
		}
		if o.Status == models.OrderFilled {
			o.ExchangeOrderID = ""
			continue
		}
		o.MarkMissing()
	}

	for _, o := range live {
		if known[o.ExchangeOrderID] {
			continue
		}
		if o.Role == models.RoleEntryLimit {
			// новый лимитный вход, выставленный мимо нас
			entry := o
			entry.Status = models.OrderOpen
			m.Entries = append(m.Entries, &entry)
			continue
		}
		role, level, ok := models.ParseClientOrderID(o.ClientOrderID)
		if !ok {
			continue
		}
		slot := findSlot(m, role, level)
		if slot == nil {
			continue
		}
		if slot.Missing() {
			// ордер поставлен, но id не успел попасть в стор
			adopted := o
			adopted.Role, adopted.Level = role, level
			adopted.PlannedPercent = slot.PlannedPercent
			adopted.Status = models.OrderOpen
			*slot = adopted
			continue
		}
		strays = append(strays, o)
	}

	m.RecomputeTarget()
	return strays
}

// markVanishedHits отмечает исполненными TP, которые сработали в одном опросе
// с уровнем, найденным классификатором (или без него, если сокращение
// не совпало ни с одним уровнем). Уровни берутся по возрастанию, пока их
// объём укладывается в необъяснённый остаток сокращения.
func markVanishedHits(m *models.PositionMonitor, live map[string]models.OrderRecord, c Classification, step decimal.Decimal) {
	if c.Delta.Sign() >= 0 || c.Current.Sign() <= 0 {
		return
	}
	if c.Kind != KindTakeProfitFill && c.Kind != KindExternal {
		return
	}
	rest := c.Delta.Neg()
	var matched *models.OrderRecord
	if c.Kind == KindTakeProfitFill {
		if matched = m.TakeProfit(c.Level); matched != nil && matched.Quantity.Sign() > 0 {
			rest = rest.Sub(matched.Quantity)
		}
	}
	if step.Sign() <= 0 {
		step = decimal.NewFromInt(1)
	}

	hit := 0
	for _, tp := range m.UnhitLevels() {
		if rest.LessThan(step) {
			break
		}
		if !tp.IsOpen() || tp.Quantity.Sign() <= 0 {
			continue
		}
		if _, ok := live[tp.ExchangeOrderID]; ok {
			continue
		}
		if tp.Quantity.GreaterThan(rest.Add(step)) {
			continue
		}
		qty := decimal.Min(tp.Quantity, rest)
		m.MarkHit(tp.Level, qty)
		rest = rest.Sub(qty)
		hit++
	}
	if hit == 0 {
		return
	}
	if matched != nil && matched.Quantity.Sign() > 0 {
		// уровню классификатора — только его собственный объём
		m.ExecutedQty[c.Level] = decimal.Min(matched.Quantity, c.Delta.Neg())
	}
	if m.Phase == models.PhaseBuilding {
		m.Phase = models.PhaseProfitTaking
	}
}

func slotsOf(m *models.PositionMonitor) []*models.OrderRecord {
	out := make([]*models.OrderRecord, 0, len(m.TakeProfits)+1)
	out = append(out, m.TakeProfits...)
	if m.StopLoss != nil {
		out = append(out, m.StopLoss)
	}
	return out
}

func findSlot(m *models.PositionMonitor, role models.Role, level int) *models.OrderRecord {
	switch role {
	case models.RoleTakeProfit:
		if m.IsHit(level) {
			return nil
		}
		return m.TakeProfit(level)
	case models.RoleStopLoss:
		return m.StopLoss
	}
	return nil
}
