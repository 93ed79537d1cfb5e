package reconcile

import (
	"sort"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/helper"
	"tpsl_keeper/internal/models"
)

// Seed заполняет монитор в фазе Initializing: размер из чтения,
// ладдер из живых ордеров, недостающее — из плана по умолчанию.
func Seed(m *models.PositionMonitor, reading models.PositionReading, live []models.OrderRecord, plan models.LadderPlan, inst models.Instrument) {
	m.TrackedSize = reading.Size
	if reading.AvgPrice.Sign() > 0 {
		m.EntryPrice = reading.AvgPrice
	}

	var tps, unleveled []*models.OrderRecord
	for i := range live {
		o := live[i]
		o.Status = models.OrderOpen
		if role, level, ok := models.ParseClientOrderID(o.ClientOrderID); ok {
			o.Role, o.Level = role, level
		}
		switch o.Role {
		case models.RoleEntryLimit:
			m.Entries = append(m.Entries, &o)
		case models.RoleStopLoss:
			if m.StopLoss == nil {
				m.StopLoss = &o
			}
		case models.RoleTakeProfit:
			if o.Level > 0 {
				tps = append(tps, &o)
			} else {
				unleveled = append(unleveled, &o)
			}
		}
	}
	m.RecomputeTarget()

	if len(unleveled) > 0 {
		tps = append(tps, assignLevels(unleveled, tps, m.Key.Side)...)
	}
	sort.Slice(tps, func(i, j int) bool { return tps[i].Level < tps[j].Level })

	if len(tps) > 0 {
		m.TakeProfits = tps
		assignPercents(m, plan)
	} else {
		m.TakeProfits = defaultTakeProfits(m, plan, inst)
	}
	if m.StopLoss == nil && plan.StopDistancePct.Sign() > 0 && m.EntryPrice.Sign() > 0 {
		m.StopLoss = &models.OrderRecord{
			Role:   models.RoleStopLoss,
			Price:  stopPrice(m.Key.Side, m.EntryPrice, plan.StopDistancePct, inst),
			Status: models.OrderUnknown,
			Algo:   true,
		}
	}
	m.Phase = models.PhaseBuilding
}

// SeedFromTemplate строит ладдер зеркала по ладдеру основного аккаунта:
// те же уровни, проценты и цены, все слоты пустые. До первого ненулевого
// чтения монитор зеркала не закрывается.
func SeedFromTemplate(m *models.PositionMonitor, tpl *models.PositionMonitor) {
	m.EntryPrice = tpl.EntryPrice
	m.AwaitingOpen = true
	m.Phase = models.PhaseBuilding
	if tpl.Phase == models.PhaseProfitTaking {
		m.Phase = models.PhaseProfitTaking
	}
	m.HitLevels = append([]int(nil), tpl.HitLevels...)
	m.CumulativeReductionPct = tpl.CumulativeReductionPct
	m.TakeProfits = nil
	for _, tp := range tpl.TakeProfits {
		slot := &models.OrderRecord{
			Role:           models.RoleTakeProfit,
			Level:          tp.Level,
			PlannedPercent: tp.PlannedPercent,
			Price:          tp.Price,
			Status:         models.OrderUnknown,
		}
		if tpl.IsHit(tp.Level) {
			slot.Status = models.OrderFilled
		}
		m.TakeProfits = append(m.TakeProfits, slot)
	}
	if tpl.StopLoss != nil {
		m.StopLoss = &models.OrderRecord{
			Role:   models.RoleStopLoss,
			Price:  tpl.StopLoss.Price,
			Status: models.OrderUnknown,
			Algo:   true,
		}
	}
}

// assignLevels раздаёт уровни TP без clOrdId по удалённости цены от входа:
// ближний к цене входа — меньший уровень.
func assignLevels(unleveled, known []*models.OrderRecord, side models.Side) []*models.OrderRecord {
	used := make(map[int]bool, len(known))
	for _, o := range known {
		used[o.Level] = true
	}
	sort.Slice(unleveled, func(i, j int) bool {
		if side == models.SideShort {
			return unleveled[i].Price.GreaterThan(unleveled[j].Price)
		}
		return unleveled[i].Price.LessThan(unleveled[j].Price)
	})
	next := 1
	for _, o := range unleveled {
		for used[next] {
			next++
		}
		o.Level = next
		used[next] = true
	}
	return unleveled
}

// assignPercents берёт проценты из плана, если форма совпадает,
// иначе — фактические доли живых ордеров.
func assignPercents(m *models.PositionMonitor, plan models.LadderPlan) {
	if len(plan.Levels) == len(m.TakeProfits) {
		for i, tp := range m.TakeProfits {
			tp.PlannedPercent = plan.Levels[i].Percent
		}
		return
	}
	total := decimal.Zero
	for _, tp := range m.TakeProfits {
		total = total.Add(tp.Quantity)
	}
	if total.Sign() <= 0 {
		return
	}
	for _, tp := range m.TakeProfits {
		tp.PlannedPercent = tp.Quantity.Div(total).Mul(hundred).Round(4)
	}
}

func defaultTakeProfits(m *models.PositionMonitor, plan models.LadderPlan, inst models.Instrument) []*models.OrderRecord {
	if m.EntryPrice.Sign() <= 0 {
		return nil
	}
	out := make([]*models.OrderRecord, 0, len(plan.Levels))
	for i, lvl := range plan.Levels {
		out = append(out, &models.OrderRecord{
			Role:           models.RoleTakeProfit,
			Level:          i + 1,
			PlannedPercent: lvl.Percent,
			Price:          takeProfitPrice(m.Key.Side, m.EntryPrice, lvl.DistancePct, inst),
			Status:         models.OrderUnknown,
		})
	}
	return out
}

func takeProfitPrice(side models.Side, entry, distPct decimal.Decimal, inst models.Instrument) decimal.Decimal {
	shift := entry.Mul(distPct).Div(hundred)
	if side == models.SideShort {
		return helper.RoundToTick(entry.Sub(shift), inst.TickSz)
	}
	return helper.RoundToTick(entry.Add(shift), inst.TickSz)
}

func stopPrice(side models.Side, entry, distPct decimal.Decimal, inst models.Instrument) decimal.Decimal {
	shift := entry.Mul(distPct).Div(hundred)
	if side == models.SideShort {
		return helper.RoundToTick(entry.Add(shift), inst.TickSz)
	}
	return helper.RoundToTick(entry.Sub(shift), inst.TickSz)
}
