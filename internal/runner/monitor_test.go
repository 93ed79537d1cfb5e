package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
)

func TestMonitorSeedsDefaultLadder(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))

	m := h.monitor(primaryKey)
	assert.False(t, m.cycle(h.ctx))

	s := h.snapshot(primaryKey)
	assert.Equal(t, models.PhaseBuilding, s.Phase)
	assert.True(t, s.TrackedSize.Equal(d("1000")))
	require.Len(t, s.TakeProfits, 4)
	assert.True(t, s.TakeProfit(1).Price.Equal(d("101")))
	assert.True(t, s.TakeProfit(4).Price.Equal(d("104")))
	assert.True(t, s.StopLoss.Price.Equal(d("98")))

	assert.Equal(t, []string{"850", "50", "50", "50"}, h.openQty(primaryKey, models.RoleTakeProfit))
	assert.Equal(t, []string{"1000"}, h.openQty(primaryKey, models.RoleStopLoss))

	_, saved := h.store.get(primaryKey)
	assert.True(t, saved)
}

func TestMonitorTakeProfitLifecycle(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))

	fill := func(level int) {
		id := h.snapshot(primaryKey).TakeProfit(level).ExchangeOrderID
		require.NotEmpty(t, id)
		require.NoError(t, h.fx.Fill(primaryKey, id))
	}

	fill(1)
	require.False(t, m.cycle(h.ctx))
	s := h.snapshot(primaryKey)
	assert.Equal(t, models.PhaseProfitTaking, s.Phase)
	assert.Equal(t, []int{1}, s.HitLevels)
	assert.True(t, s.TrackedSize.Equal(d("150")))
	assert.Equal(t, []string{"50", "50", "50"}, h.openQty(primaryKey, models.RoleTakeProfit))
	assert.Equal(t, []string{"150"}, h.openQty(primaryKey, models.RoleStopLoss))

	fill(2)
	require.False(t, m.cycle(h.ctx))
	assert.Equal(t, []string{"100"}, h.openQty(primaryKey, models.RoleStopLoss))

	fill(3)
	require.False(t, m.cycle(h.ctx))
	fill(4)
	assert.True(t, m.cycle(h.ctx), "position is flat and has no orders")

	assert.Empty(t, h.fx.Open(primaryKey))
	_, stored := h.store.get(primaryKey)
	assert.False(t, stored)
	_, tracked := h.mgr.Lookup(primaryKey)
	assert.False(t, tracked)

	assert.Equal(t, 4, h.sink.count(models.EventTakeProfitFilled))
	assert.Equal(t, 1, h.sink.count(models.EventPositionClosed))
}

func TestMonitorEntryFillKeepsLadder(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("500"), d("100"))
	e1 := h.fx.AddOrder(primaryKey, models.OrderRecord{Role: models.RoleEntryLimit, Quantity: d("300"), Price: d("99")})
	h.fx.AddOrder(primaryKey, models.OrderRecord{Role: models.RoleEntryLimit, Quantity: d("200"), Price: d("98")})

	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))
	assert.True(t, h.snapshot(primaryKey).TargetSize.Equal(d("1000")))
	assert.Equal(t, []string{"850", "50", "50", "50"}, h.openQty(primaryKey, models.RoleTakeProfit))

	h.fx.ResetCalls()
	require.NoError(t, h.fx.Fill(primaryKey, e1))
	require.False(t, m.cycle(h.ctx))

	s := h.snapshot(primaryKey)
	assert.True(t, s.TrackedSize.Equal(d("800")))
	assert.True(t, s.TargetSize.Equal(d("1000")))
	assert.Equal(t, models.PhaseBuilding, s.Phase)
	assert.Empty(t, h.fx.Placed(), "TP 850/50/50/50 and SL 1000 already match")
	assert.Empty(t, h.fx.Cancelled())
	assert.Equal(t, 1, h.sink.count(models.EventEntryFilled))
}

func TestMonitorIgnoresCrossAccountReading(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))

	saves := h.store.saveCount()
	h.fx.ResetCalls()
	h.fx.SetPosition(mirrorKey, d("150"), d("100"))
	h.fx.CrossRead[primaryKey] = models.AccountMirror

	require.False(t, m.cycle(h.ctx))
	require.False(t, m.cycle(h.ctx))

	s := h.snapshot(primaryKey)
	assert.True(t, s.TrackedSize.Equal(d("1000")))
	assert.Empty(t, s.HitLevels)
	assert.Equal(t, saves, h.store.saveCount(), "anomalous cycles are not persisted")
	assert.Empty(t, h.fx.Placed())
	assert.Empty(t, h.fx.Cancelled())
	assert.Equal(t, 1, h.sink.count(models.EventAnomalousFill), "reported once")
}

func TestMonitorReplacesExternallyCancelledStop(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))

	h.fx.Drop(primaryKey, h.snapshot(primaryKey).StopLoss.ExchangeOrderID)
	require.False(t, m.cycle(h.ctx))

	assert.Equal(t, []string{"1000"}, h.openQty(primaryKey, models.RoleStopLoss))
	assert.True(t, h.snapshot(primaryKey).StopLoss.IsOpen())
}

func TestMonitorSkipsCycleOnTransientError(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))

	saves := h.store.saveCount()
	h.fx.PositionErr[primaryKey] = exchange.Transient(nil, "50004 endpoint timeout")
	require.False(t, m.cycle(h.ctx))

	assert.Equal(t, saves, h.store.saveCount())
	assert.True(t, h.snapshot(primaryKey).TrackedSize.Equal(d("1000")))
}

func TestMonitorFollowsMirror(t *testing.T) {
	settings := testSettings()
	settings.MirrorEnabled = true
	h := newHarness(t, settings)
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	entry := h.fx.AddOrder(primaryKey, models.OrderRecord{Role: models.RoleEntryLimit, Quantity: d("200"), Price: d("99")})

	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))

	// зеркала не было: создано и доведено до 1000 * 0.5
	require.True(t, h.fx.Size(mirrorKey).Equal(d("500")))
	ms := h.snapshot(mirrorKey)
	assert.True(t, ms.TrackedSize.Equal(d("500")))
	assert.Equal(t, []string{"425", "25", "25", "25"}, h.openQty(mirrorKey, models.RoleTakeProfit))

	require.NoError(t, h.fx.Fill(primaryKey, entry))
	require.False(t, m.cycle(h.ctx))

	assert.True(t, h.fx.Size(mirrorKey).Equal(d("600")))
	assert.True(t, h.snapshot(mirrorKey).TrackedSize.Equal(d("600")))
	assert.Equal(t, []string{"600"}, h.openQty(mirrorKey, models.RoleStopLoss))

	var markets int
	for _, p := range h.fx.Placed() {
		if p.Request.Type == models.OrderTypeMarket {
			markets++
			assert.Equal(t, mirrorKey, p.Key)
		}
	}
	assert.Equal(t, 2, markets)

	_, stored := h.store.get(mirrorKey)
	assert.True(t, stored)
}

func TestManagerRestoresFromStore(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	require.False(t, h.monitor(primaryKey).cycle(h.ctx))

	restarted := NewManager(h.fx, h.store, h.sink, nil, testSettings())
	restarted.manual = true
	t.Cleanup(restarted.Stop)
	restarted.Start()

	m, ok := restarted.Lookup(primaryKey)
	require.True(t, ok)
	h.fx.ResetCalls()
	require.False(t, m.cycle(h.ctx))

	assert.Empty(t, h.fx.Placed(), "restored ledger matches the exchange")
	assert.Empty(t, h.fx.Cancelled())
}

func TestEnsureRejectsBadKey(t *testing.T) {
	h := newHarness(t, testSettings())
	_, _, err := h.mgr.Ensure(models.PositionKey{Symbol: "X", Side: "up", Account: models.AccountPrimary})
	assert.Error(t, err)

	_, created, err := h.mgr.Ensure(primaryKey)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = h.mgr.Ensure(primaryKey)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestMirrorFailedCorrectionKeepsMonitorAndTripsBreaker(t *testing.T) {
	settings := testSettings()
	settings.MirrorEnabled = true
	h := newHarness(t, settings)
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	h.fx.PlaceErr = func(key models.PositionKey, req models.OrderRequest) error {
		if key == mirrorKey && req.Type == models.OrderTypeMarket {
			return exchange.Permanent(nil, "51008 insufficient balance")
		}
		return nil
	}

	m := h.monitor(primaryKey)
	for i := 0; i < 10; i++ {
		require.False(t, m.cycle(h.ctx))
		mm, ok := h.mgr.Lookup(mirrorKey)
		require.True(t, ok, "mirror monitor must survive cycle %d", i)
		require.False(t, mm.cycle(h.ctx))
	}

	assert.Zero(t, h.sink.count(models.EventPositionClosed))
	assert.Positive(t, h.sink.count(models.EventOrderPlacementFailed))
	assert.Equal(t, 1, h.sink.count(models.EventSyncSuspended))
	assert.Contains(t, h.mgr.SuspendedKeys(), "mirror:"+mirrorKey.String())
	assert.True(t, h.snapshot(mirrorKey).AwaitingOpen)
	_, stored := h.store.get(mirrorKey)
	assert.True(t, stored)
}

func TestMirrorTransientCorrectionFailureIsQuiet(t *testing.T) {
	settings := testSettings()
	settings.MirrorEnabled = true
	h := newHarness(t, settings)
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	failing := true
	h.fx.PlaceErr = func(key models.PositionKey, req models.OrderRequest) error {
		if failing && key == mirrorKey && req.Type == models.OrderTypeMarket {
			return exchange.Transient(nil, "50001 service temporarily unavailable")
		}
		return nil
	}

	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))
	mm, ok := h.mgr.Lookup(mirrorKey)
	require.True(t, ok)
	require.False(t, mm.cycle(h.ctx))
	assert.Zero(t, h.sink.count(models.EventPositionClosed))
	assert.Zero(t, h.sink.count(models.EventOrderPlacementFailed))

	// следующий цикл основного довозит коррекцию
	failing = false
	require.False(t, m.cycle(h.ctx))
	assert.True(t, h.fx.Size(mirrorKey).Equal(d("500")))
	require.False(t, mm.cycle(h.ctx))
	assert.False(t, h.snapshot(mirrorKey).AwaitingOpen)
}

func TestUnopenedMirrorLeavesQuietlyAfterPrimaryCloses(t *testing.T) {
	settings := testSettings()
	settings.MirrorEnabled = true
	h := newHarness(t, settings)
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	h.fx.PlaceErr = func(key models.PositionKey, req models.OrderRequest) error {
		if key == mirrorKey && req.Type == models.OrderTypeMarket {
			return exchange.Transient(nil, "50004 endpoint timeout")
		}
		return nil
	}

	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))
	mm, ok := h.mgr.Lookup(mirrorKey)
	require.True(t, ok)

	for _, o := range h.fx.Open(primaryKey) {
		h.fx.Drop(primaryKey, o.ExchangeOrderID)
	}
	h.fx.SetPosition(primaryKey, d("0"), d("100"))
	require.True(t, m.cycle(h.ctx))

	assert.True(t, mm.cycle(h.ctx))
	_, tracked := h.mgr.Lookup(mirrorKey)
	assert.False(t, tracked)
	assert.Equal(t, 1, h.sink.count(models.EventPositionClosed), "only the primary was ever open")
}

func TestMonitorReportsMirrorTakeProfit(t *testing.T) {
	settings := testSettings()
	settings.MirrorEnabled = true
	h := newHarness(t, settings)
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))
	mm, ok := h.mgr.Lookup(mirrorKey)
	require.True(t, ok)

	for _, key := range []models.PositionKey{primaryKey, mirrorKey} {
		id := h.snapshot(key).TakeProfit(1).ExchangeOrderID
		require.NotEmpty(t, id)
		require.NoError(t, h.fx.Fill(key, id))
	}
	require.False(t, m.cycle(h.ctx))
	require.False(t, mm.cycle(h.ctx))

	var mirrorTP []models.Event
	for _, ev := range h.sink.all() {
		if ev.Kind == models.EventTakeProfitFilled && ev.Key == mirrorKey {
			mirrorTP = append(mirrorTP, ev)
		}
	}
	require.Len(t, mirrorTP, 1)
	assert.Equal(t, 1, mirrorTP[0].Level)
	assert.True(t, h.snapshot(mirrorKey).TrackedSize.Equal(d("75")))
}

func TestMonitorEmitsEveryLevelFilledInOnePoll(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(primaryKey, d("1000"), d("100"))
	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))

	fill := func(level int) {
		id := h.snapshot(primaryKey).TakeProfit(level).ExchangeOrderID
		require.NotEmpty(t, id)
		require.NoError(t, h.fx.Fill(primaryKey, id))
	}
	fill(1)
	require.False(t, m.cycle(h.ctx))

	h.fx.ResetCalls()
	fill(2)
	fill(3)
	require.False(t, m.cycle(h.ctx))

	s := h.snapshot(primaryKey)
	assert.Equal(t, []int{1, 2, 3}, s.HitLevels)
	assert.Equal(t, []string{"50"}, h.openQty(primaryKey, models.RoleTakeProfit))
	for _, p := range h.fx.Placed() {
		assert.NotEqual(t, models.RoleTakeProfit, p.Request.Role, "TP%d placed again", p.Request.Level)
	}
	assert.Equal(t, 3, h.sink.count(models.EventTakeProfitFilled))
}

func TestAnomalyReportedOncePerKeyAcrossMonitors(t *testing.T) {
	h := newHarness(t, testSettings())
	h.fx.SetPosition(mirrorKey, d("150"), d("100"))
	h.fx.CrossRead[primaryKey] = models.AccountMirror

	m := h.monitor(primaryKey)
	require.False(t, m.cycle(h.ctx))
	h.mgr.remove(m)

	again := h.monitor(primaryKey)
	require.NotSame(t, m, again)
	require.False(t, again.cycle(h.ctx))

	assert.Equal(t, 1, h.sink.count(models.EventAnomalousFill))
}
