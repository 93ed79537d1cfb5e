package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/helper"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/reconcile"
	"tpsl_keeper/pkg/logger"
)

// Monitor — горутина одной позиции. Состояние меняет только она сама
// (или синхронизатор зеркала, взявший её mu).
type Monitor struct {
	key models.PositionKey
	mgr *Manager

	mu    sync.Mutex // держится весь цикл
	state *models.PositionMonitor

	snap  atomic.Pointer[models.PositionMonitor]
	nudge chan struct{}
	done  chan struct{}

	mirrorPending bool
}

type observation struct {
	reading models.PositionReading
	inst    models.Instrument
	class   reconcile.Classification
	seeded  bool
	// alsoHit — уровни TP, исполненные в том же опросе помимо class.Level
	alsoHit []int
}

func newMonitor(mgr *Manager, state *models.PositionMonitor) *Monitor {
	m := &Monitor{
		key:   state.Key,
		mgr:   mgr,
		state: state,
		nudge: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	m.snap.Store(state.Clone())
	return m
}

func (m *Monitor) Key() models.PositionKey { return m.key }

// Snapshot — последнее зафиксированное состояние, без ожидания цикла.
func (m *Monitor) Snapshot() *models.PositionMonitor {
	return m.snap.Load().Clone()
}

// Nudge просит внеочередной опрос. Не блокирует.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.mgr.settings.PollInterval)
	defer ticker.Stop()

	for {
		if closed := m.cycle(ctx); closed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.nudge:
		}
	}
}

// cycle — один проход: чтение, классификация, ребаланс, зеркало, стор.
// true — позиция закрыта и монитор завершается.
func (m *Monitor) cycle(ctx context.Context) (closed bool) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "monitor.cycle")
	span.SetTag("position", m.key.String())
	defer span.Finish()
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase == models.PhaseClosed {
		// зеркало закрыл цикл основного монитора
		return true
	}

	obs, err := m.observe(ctx)
	if err != nil {
		span.SetTag("error", true)
		m.mgr.metrics.ObserveCycle(time.Since(start), true)
		if exchange.IsTransient(err) {
			logger.Debug("[MONITOR] %s poll skipped: %v", m.key, err)
		} else {
			logger.Warn("[MONITOR] %s poll failed: %v", m.key, err)
		}
		return false
	}
	span.SetTag("classification", obs.class.Kind.String())
	m.mgr.metrics.ObserveClassification(obs.class.Kind.String())
	if obs.class.Kind == reconcile.KindAnomalous {
		// ничего не сохраняем: чтение могло прийти не с того аккаунта
		m.mgr.metrics.ObserveCycle(time.Since(start), true)
		return false
	}

	m.adoptRatio()
	m.rebalance(ctx, obs.inst)
	m.emit(ctx, obs)

	// зеркало догоняет и полное закрытие основного
	if m.key.Account == models.AccountPrimary && m.mgr.settings.MirrorEnabled &&
		(obs.class.Kind.SizeChanged() || obs.seeded || m.mirrorPending) {
		m.publish()
		m.syncMirror(ctx)
	}

	if m.maybeClose(ctx, obs) {
		m.mgr.metrics.ObserveCycle(time.Since(start), false)
		return true
	}

	m.persist()
	m.publish()
	m.mgr.metrics.ObserveCycle(time.Since(start), false)
	return false
}

// observe читает позицию и ордера ровно своего ключа и применяет их к
// состоянию. Вызывающий держит m.mu.
func (m *Monitor) observe(ctx context.Context) (observation, error) {
	var obs observation
	s := m.state

	cctx, cancel := context.WithTimeout(ctx, m.mgr.settings.CallTimeout)
	defer cancel()

	reading, err := m.mgr.gw.GetPosition(cctx, m.key)
	if err != nil {
		return obs, fmt.Errorf("get position: %w", err)
	}
	live, err := m.mgr.gw.ListOpenOrders(cctx, m.key)
	if err != nil {
		return obs, fmt.Errorf("list orders: %w", err)
	}
	inst, err := m.mgr.gw.Instrument(cctx, m.key.Account, m.key.Symbol)
	if err != nil {
		return obs, fmt.Errorf("instrument: %w", err)
	}
	obs.reading, obs.inst = reading, inst
	s.LastPollAt = m.mgr.now()
	if s.AwaitingOpen && reading.Account == m.key.Account && reading.Size.Sign() > 0 {
		s.AwaitingOpen = false
	}

	if s.Phase == models.PhaseInitializing {
		if reading.Account != m.key.Account {
			obs.class = reconcile.Classification{
				Kind:   reconcile.KindAnomalous,
				Reason: fmt.Sprintf("impossible fill: reading from %s account for %s", reading.Account, m.key),
			}
			m.reportAnomaly(ctx, obs.class)
			return obs, nil
		}
		reconcile.Seed(s, reading, live, m.mgr.settings.Ladder, inst)
		obs.seeded = true
		logger.Info("[MONITOR] %s seeded: size=%s target=%s tp=%d sl=%t",
			m.key, s.TrackedSize, s.TargetSize, len(s.TakeProfits), s.StopLoss != nil)
		return obs, nil
	}

	liveByID := make(map[string]models.OrderRecord, len(live))
	for _, o := range live {
		liveByID[o.ExchangeOrderID] = o
	}
	obs.class = reconcile.Classify(reading.Account, s.TrackedSize, reading.Size, s, reconcile.ClassifyOptions{
		Step:         helper.Step(inst),
		LevelBandPct: m.mgr.settings.LevelBandPct,
		LiveOrders:   liveByID,
	})
	reconcile.Apply(s, obs.class)
	if obs.class.Kind == reconcile.KindAnomalous {
		m.reportAnomaly(ctx, obs.class)
		return obs, nil
	}
	if obs.class.Kind != reconcile.KindNoChange {
		logger.Info("[MONITOR] %s %s -> %s: %s", m.key, obs.class.Previous, obs.class.Current, obs.class)
	}
	if reading.AvgPrice.Sign() > 0 {
		s.EntryPrice = reading.AvgPrice
	}

	hitBefore := append([]int(nil), s.HitLevels...)
	strays := reconcile.SyncLedger(s, live, obs.class, helper.Step(inst))
	obs.alsoHit = newLevels(hitBefore, s.HitLevels)
	for _, stray := range strays {
		if err := m.mgr.gw.CancelOrder(cctx, m.key, stray); err != nil && !exchange.IsNotFound(err) {
			logger.Warn("[MONITOR] %s cancel duplicate %s: %v", m.key, stray.ExchangeOrderID, err)
			continue
		}
		logger.Info("[MONITOR] %s cancelled duplicate %s", m.key, stray.String())
	}
	return obs, nil
}

func newLevels(before, after []int) []int {
	seen := make(map[int]bool, len(before))
	for _, l := range before {
		seen[l] = true
	}
	var out []int
	for _, l := range after {
		if !seen[l] {
			out = append(out, l)
		}
	}
	return out
}

// reportAnomaly — одно оповещение на ключ за жизнь процесса, даже если
// монитор ключа пересоздавался.
func (m *Monitor) reportAnomaly(ctx context.Context, c reconcile.Classification) {
	if !m.mgr.markAnomalyReported(m.key) {
		return
	}
	logger.Error("[MONITOR] %s anomalous reading ignored: %s", m.key, c.Reason)
	m.mgr.sink.Publish(ctx, models.Event{
		Kind:   models.EventAnomalousFill,
		Key:    m.key,
		Delta:  c.Delta,
		Size:   c.Current,
		Reason: c.Reason,
		At:     m.mgr.now(),
	})
}

func (m *Monitor) adoptRatio() {
	if m.key.Account != models.AccountPrimary || !m.mgr.settings.MirrorEnabled || m.state.MirrorRatio.Valid {
		return
	}
	if r, ok := m.mgr.MirrorRatio(); ok {
		m.state.MirrorRatio.Decimal, m.state.MirrorRatio.Valid = r, true
	}
}

func rebalanceBreakerKey(k models.PositionKey) string { return "rebalance:" + k.String() }

func (m *Monitor) rebalance(ctx context.Context, inst models.Instrument) {
	plan := reconcile.PlanRebalance(m.state, inst, m.mgr.settings.Policy)
	if plan.Empty() && len(plan.Degraded) == 0 {
		return
	}
	bk := rebalanceBreakerKey(m.key)
	if !plan.Empty() && !m.mgr.breaker.Allow(bk) {
		logger.Debug("[MONITOR] %s rebalance suspended (%d ops pending)", m.key, len(plan.Ops))
		return
	}
	res := m.mgr.rebalancer.Apply(ctx, m.state, plan)
	m.mgr.metrics.ObserveOrders(res.Placed, res.Cancelled, res.Failed)
	m.mgr.metrics.ObserveDegraded(res.Degraded)
	if res.Placed+res.Failed == 0 {
		return
	}
	logger.Info("[MONITOR] %s rebalanced: placed=%d cancelled=%d failed=%d",
		m.key, res.Placed, res.Cancelled, res.Failed)
	if m.mgr.breaker.Record(bk) {
		m.mgr.sink.Publish(ctx, models.Event{
			Kind:   models.EventSyncSuspended,
			Key:    m.key,
			Size:   m.state.TrackedSize,
			Reason: "too many rebalance passes",
			At:     m.mgr.now(),
		})
	}
}

// maybeClose завершает монитор, когда позиции нет и ордеров не осталось.
// При полном закрытии снимаются и лимитные входы. Зеркало, которое ещё ни
// разу не открылось, ждёт, пока основной аккаунт его хочет, и уходит молча.
func (m *Monitor) maybeClose(ctx context.Context, obs observation) bool {
	s := m.state
	if s.TrackedSize.Sign() > 0 {
		return false
	}
	if s.AwaitingOpen && m.mirrorWanted() {
		return false
	}
	fullClose := obs.class.Kind == reconcile.KindFullClose ||
		(obs.class.Kind.SizeChanged() && obs.class.Delta.Sign() < 0)
	if !fullClose && s.UnfilledEntryQty().Sign() > 0 {
		return false // ещё ждём входа
	}

	for _, o := range s.Orders() {
		if !o.IsOpen() {
			continue
		}
		err := m.mgr.gw.CancelOrder(ctx, m.key, *o)
		if err != nil && !exchange.IsNotFound(err) {
			logger.Warn("[MONITOR] %s close: cancel %s: %v", m.key, o.Slot(), err)
			continue
		}
		if o.Role == models.RoleEntryLimit {
			o.Status = models.OrderCancelled
			o.ExchangeOrderID = ""
		} else {
			o.MarkMissing()
		}
	}
	if s.OpenOrderCount() > 0 {
		m.persist()
		return false
	}

	s.Phase = models.PhaseClosed
	s.UpdatedAt = m.mgr.now()
	if err := m.mgr.store.Delete(m.key); err != nil {
		logger.Error("[MONITOR] %s close: store delete: %v", m.key, err)
	}
	m.mgr.breaker.Forget(rebalanceBreakerKey(m.key))
	m.mgr.breaker.Forget(reconcile.MirrorBreakerKey(m.key))
	m.publish()
	m.mgr.remove(m)
	if s.AwaitingOpen {
		logger.Info("[MONITOR] %s dropped: mirror never opened", m.key)
		return true
	}
	logger.Info("[MONITOR] %s closed", m.key)
	m.mgr.sink.Publish(ctx, models.Event{
		Kind:  models.EventPositionClosed,
		Key:   m.key,
		Delta: obs.class.Delta,
		At:    m.mgr.now(),
	})
	return true
}

// mirrorWanted — основной аккаунт всё ещё держит позицию, под которую
// заведено зеркало. Читается снапшот основного: его лок здесь брать нельзя.
func (m *Monitor) mirrorWanted() bool {
	primary, ok := m.mgr.Snapshot(m.key.WithAccount(models.AccountPrimary))
	if !ok || primary.Phase == models.PhaseClosed {
		return false
	}
	if primary.Phase == models.PhaseInitializing {
		return true
	}
	ratio, ok := m.mgr.MirrorRatio()
	if primary.MirrorRatio.Valid {
		ratio, ok = primary.MirrorRatio.Decimal, true
	}
	return ok && primary.TrackedSize.Mul(ratio).Sign() > 0
}

func (m *Monitor) emit(ctx context.Context, obs observation) {
	c := obs.class
	ev := models.Event{Key: m.key, Delta: c.Delta, Size: c.Current, At: m.mgr.now()}
	switch c.Kind {
	case reconcile.KindEntryFill:
		ev.Kind = models.EventEntryFilled
	case reconcile.KindTakeProfitFill:
		ev.Kind = models.EventTakeProfitFilled
		ev.Level = c.Level
		if qty, ok := m.state.ExecutedQty[c.Level]; ok {
			ev.Delta = qty.Neg()
		}
	}
	if ev.Kind != "" {
		m.mgr.sink.Publish(ctx, ev)
	}
	for _, level := range obs.alsoHit {
		m.mgr.sink.Publish(ctx, models.Event{
			Kind:  models.EventTakeProfitFilled,
			Key:   m.key,
			Level: level,
			Delta: m.state.ExecutedQty[level].Neg(),
			Size:  c.Current,
			At:    m.mgr.now(),
		})
	}
}

// syncMirror выполняется внутри цикла основного монитора: лок основного уже
// взят, здесь берётся лок зеркала (порядок всегда primary -> mirror).
func (m *Monitor) syncMirror(ctx context.Context) {
	if !m.state.MirrorRatio.Valid {
		return
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "mirror.sync")
	defer span.Finish()

	mk := m.key.WithAccount(models.AccountMirror)
	mm, ok := m.mgr.Lookup(mk)
	if !ok {
		if m.state.TrackedSize.Mul(m.state.MirrorRatio.Decimal).Sign() <= 0 {
			m.mirrorPending = false
			return
		}
		seed := models.NewPositionMonitor(mk)
		reconcile.SeedFromTemplate(seed, m.state)
		mm = m.mgr.ensure(seed)
		logger.Info("[MIRROR] %s monitor created from %s", mk, m.key)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.state.Phase == models.PhaseClosed {
		// зеркало закрылось между Lookup и локом; пересоздадим на следующем цикле
		m.mirrorPending = true
		return
	}

	obs, err := mm.observe(ctx)
	if err != nil {
		m.mirrorPending = true
		logger.Warn("[MIRROR] %s read failed, retry next cycle: %v", mk, err)
		return
	}
	if obs.class.Kind == reconcile.KindAnomalous {
		m.mirrorPending = true
		return
	}
	// собственные исполнения зеркала: свой цикл их уже не увидит
	mm.emit(ctx, obs)
	if !mm.state.AwaitingOpen && mm.maybeClose(ctx, obs) {
		m.mirrorPending = false
		return
	}

	res, err := m.mgr.mirror.Sync(ctx, m.state, mm.state, obs.inst)
	mm.persist()
	mm.publish()
	if err != nil {
		m.mirrorPending = true
		span.SetTag("error", true)
		logger.Warn("[MIRROR] %s sync failed, retry next cycle: %v", mk, err)
		return
	}
	m.mirrorPending = res.Outcome == reconcile.SyncSuspended
	m.mgr.metrics.ObserveOrders(res.Rebalance.Placed, res.Rebalance.Cancelled, res.Rebalance.Failed)
	m.mgr.metrics.ObserveDegraded(res.Rebalance.Degraded)
	m.mgr.metrics.SetSuspended(len(m.mgr.breaker.Open()))
}

func (m *Monitor) persist() {
	m.state.UpdatedAt = m.mgr.now()
	if err := m.mgr.store.Save(m.state); err != nil {
		logger.Error("[STORE] %s save: %v", m.key, err)
	}
}

func (m *Monitor) publish() {
	m.snap.Store(m.state.Clone())
}
