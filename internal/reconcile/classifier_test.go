package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpsl_keeper/internal/models"
)

func classify(m *models.PositionMonitor, current string) Classification {
	return Classify(m.Key.Account, m.TrackedSize, d(current), m, ClassifyOptions{Step: d("1")})
}

func TestClassifyTakeProfitScenario(t *testing.T) {
	m := ladderMonitor(primaryKey)

	c := classify(m, "150")
	require.Equal(t, KindTakeProfitFill, c.Kind)
	assert.Equal(t, 1, c.Level)
	assert.True(t, c.ReductionPct.Equal(d("85")))

	Apply(m, c)
	assert.True(t, m.TrackedSize.Equal(d("150")))
	assert.Equal(t, []int{1}, m.HitLevels)
	assert.Equal(t, models.PhaseProfitTaking, m.Phase)
	assert.True(t, m.ExecutedQty[1].Equal(d("850")))
	m.RecomputeTarget()

	targets := TakeProfitTargets(m, d("1"))
	assert.Len(t, targets, 3)
	for _, lvl := range []int{2, 3, 4} {
		assert.True(t, targets[lvl].Equal(d("50")), "TP%d = %s", lvl, targets[lvl])
	}

	// следующий уровень — 5% от исходных 1000
	c = classify(m, "100")
	require.Equal(t, KindTakeProfitFill, c.Kind)
	assert.Equal(t, 2, c.Level)
	assert.True(t, c.ReductionPct.Equal(d("5")))
}

func TestClassifyEntryFill(t *testing.T) {
	m := ladderMonitor(primaryKey)
	m.TrackedSize = d("500")
	m.Entries = []*models.OrderRecord{
		{ExchangeOrderID: "e1", Role: models.RoleEntryLimit, Quantity: d("300"), Price: d("99"), Status: models.OrderOpen},
		{ExchangeOrderID: "e2", Role: models.RoleEntryLimit, Quantity: d("200"), Price: d("98"), Status: models.OrderOpen},
	}
	m.RecomputeTarget()
	require.True(t, m.TargetSize.Equal(d("1000")))

	c := classify(m, "800")
	assert.Equal(t, KindEntryFill, c.Kind)

	// больше, чем могут добрать входы
	c = classify(m, "1100")
	assert.Equal(t, KindExternal, c.Kind)
}

func TestClassifyGrowthOutsideBuildingIsExternal(t *testing.T) {
	m := ladderMonitor(primaryKey)
	m.Phase = models.PhaseProfitTaking
	m.Entries = []*models.OrderRecord{{ExchangeOrderID: "e1", Role: models.RoleEntryLimit, Quantity: d("300"), Status: models.OrderOpen}}

	c := classify(m, "1100")
	assert.Equal(t, KindExternal, c.Kind)
}

func TestClassifyAccountMismatchIsAnomalous(t *testing.T) {
	m := ladderMonitor(primaryKey)
	before := m.Clone()

	c := Classify(models.AccountMirror, m.TrackedSize, d("150"), m, ClassifyOptions{Step: d("1")})
	require.Equal(t, KindAnomalous, c.Kind)
	assert.Contains(t, c.Reason, "impossible fill")

	Apply(m, c)
	assert.Equal(t, 1, m.ConsecutiveAnomalies)
	assert.True(t, m.TrackedSize.Equal(before.TrackedSize))
	assert.True(t, m.TargetSize.Equal(before.TargetSize))
	assert.Empty(t, m.HitLevels)
	assert.Equal(t, before.TakeProfits[0].ExchangeOrderID, m.TakeProfits[0].ExchangeOrderID)
}

func TestClassifyOverReductionIsAnomalous(t *testing.T) {
	m := ladderMonitor(primaryKey)
	m.Phase = models.PhaseProfitTaking
	m.CumulativeReductionPct = d("100")
	m.TrackedSize = d("10")
	m.RecomputeTarget()

	c := classify(m, "5")
	assert.Equal(t, KindAnomalous, c.Kind)
	assert.Contains(t, c.Reason, "impossible fill")
}

func TestClassifyNegativeSizeIsAnomalous(t *testing.T) {
	m := ladderMonitor(primaryKey)
	c := classify(m, "-1")
	assert.Equal(t, KindAnomalous, c.Kind)
}

func TestClassifyFullCloseAndExternal(t *testing.T) {
	m := ladderMonitor(primaryKey)
	Apply(m, classify(m, "150"))
	m.RecomputeTarget()

	c := classify(m, "0")
	assert.Equal(t, KindFullClose, c.Kind)

	// 3% попадает в полосу TP2 по процентам
	c = classify(m, "120")
	require.Equal(t, KindTakeProfitFill, c.Kind)
	assert.Equal(t, 2, c.Level)

	// но если все TP ещё висят целиком, это не их исполнение
	live := map[string]models.OrderRecord{}
	for _, tp := range m.TakeProfits {
		if tp.IsOpen() {
			live[tp.ExchangeOrderID] = *tp
		}
	}
	c = Classify(m.Key.Account, m.TrackedSize, d("120"), m, ClassifyOptions{Step: d("1"), LiveOrders: live})
	assert.Equal(t, KindExternal, c.Kind)
}

func TestClassifyMatchesByOrderQuantity(t *testing.T) {
	m := ladderMonitor(primaryKey)
	m.TakeProfits[0].PlannedPercent = d("50")

	// 85% не попадает в полосу 50±5, но совпадает с объёмом TP1
	c := classify(m, "150")
	require.Equal(t, KindTakeProfitFill, c.Kind)
	assert.Equal(t, 1, c.Level)
}

func TestSyncLedgerMarksVanishedOrders(t *testing.T) {
	m := ladderMonitor(primaryKey)
	m.TrackedSize = d("500")
	m.Entries = []*models.OrderRecord{
		{ExchangeOrderID: "e1", Role: models.RoleEntryLimit, Quantity: d("300"), Status: models.OrderOpen},
		{ExchangeOrderID: "e2", Role: models.RoleEntryLimit, Quantity: d("200"), Status: models.OrderOpen},
	}
	m.RecomputeTarget()

	c := classify(m, "800")
	require.Equal(t, KindEntryFill, c.Kind)
	Apply(m, c)

	live := []models.OrderRecord{*m.Entries[1], *m.TakeProfits[0], *m.TakeProfits[1], *m.TakeProfits[2], *m.TakeProfits[3]}
	strays := SyncLedger(m, live, c, d("1"))
	assert.Empty(t, strays)

	assert.Equal(t, models.OrderFilled, m.Entries[0].Status)
	assert.Equal(t, models.OrderOpen, m.Entries[1].Status)
	assert.True(t, m.TargetSize.Equal(d("1000")))
	// SL исчез без изменения размера — слот пуст и будет поставлен заново
	assert.True(t, m.StopLoss.Missing())

	plan := PlanRebalance(m, testInstrument(), Policy{})
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, OpPlace, plan.Ops[0].Kind)
	assert.Equal(t, models.RoleStopLoss, plan.Ops[0].Slot.Role)
	assert.True(t, plan.Ops[0].Request.Quantity.Equal(d("1000")))
}

func TestSyncLedgerAdoptsOwnOrderForMissingSlot(t *testing.T) {
	m := ladderMonitor(primaryKey)
	m.TakeProfits[1].MarkMissing()

	own := models.OrderRecord{
		ExchangeOrderID: "x2",
		ClientOrderID:   models.NewClientOrderID(models.RoleTakeProfit, 2),
		Role:            models.RoleTakeProfit,
		Quantity:        d("50"),
		Price:           d("102"),
	}
	dup := models.OrderRecord{
		ExchangeOrderID: "x3",
		ClientOrderID:   models.NewClientOrderID(models.RoleTakeProfit, 3),
		Role:            models.RoleTakeProfit,
		Quantity:        d("50"),
		Price:           d("103"),
	}
	live := []models.OrderRecord{*m.TakeProfits[0], own, *m.TakeProfits[2], dup, *m.TakeProfits[3], *m.StopLoss}
	strays := SyncLedger(m, live, Classification{Kind: KindNoChange}, d("1"))

	assert.Equal(t, "x2", m.TakeProfit(2).ExchangeOrderID)
	assert.True(t, m.TakeProfit(2).PlannedPercent.Equal(d("5")))
	require.Len(t, strays, 1)
	assert.Equal(t, "x3", strays[0].ExchangeOrderID)
}

func TestSyncLedgerMarksLevelsFilledInOnePoll(t *testing.T) {
	m := ladderMonitor(primaryKey)
	c := classify(m, "150")
	Apply(m, c)
	SyncLedger(m, []models.OrderRecord{*m.TakeProfits[1], *m.TakeProfits[2], *m.TakeProfits[3], *m.StopLoss}, c, d("1"))

	// TP2 и TP3 исполнились между опросами: 150 -> 50
	c = classify(m, "50")
	require.Equal(t, KindTakeProfitFill, c.Kind)
	require.Equal(t, 2, c.Level)
	Apply(m, c)
	strays := SyncLedger(m, []models.OrderRecord{*m.TakeProfit(4), *m.StopLoss}, c, d("1"))
	assert.Empty(t, strays)

	assert.Equal(t, []int{1, 2, 3}, m.HitLevels)
	assert.False(t, m.TakeProfit(3).Missing())
	assert.True(t, m.ExecutedQty[2].Equal(d("50")))
	assert.True(t, m.ExecutedQty[3].Equal(d("50")))

	plan := PlanRebalance(m, testInstrument(), Policy{})
	for _, op := range plan.Ops {
		assert.NotEqual(t, models.RoleTakeProfit, op.Slot.Role, "executed level must not be placed again: %s", op)
	}
	require.Len(t, plan.Ops, 2)
	assert.True(t, plan.Ops[1].Request.Quantity.Equal(d("50")))
}

func TestSyncLedgerKeepsVanishedLevelWhenSizeUnchanged(t *testing.T) {
	m := ladderMonitor(primaryKey)
	live := []models.OrderRecord{*m.TakeProfits[0], *m.TakeProfits[1], *m.TakeProfits[3], *m.StopLoss}
	SyncLedger(m, live, Classification{Kind: KindNoChange}, d("1"))

	assert.Empty(t, m.HitLevels)
	assert.True(t, m.TakeProfit(3).Missing(), "cancelled by hand, not filled")
}
