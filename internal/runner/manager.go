package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/reconcile"
	"tpsl_keeper/pkg/logger"
)

// Manager держит по одному монитору на ключ позиции.
type Manager struct {
	gw       exchange.Gateway
	store    Store
	sink     reconcile.EventSink
	metrics  Metrics
	settings Settings

	breaker    *reconcile.Breaker
	rebalancer *reconcile.Rebalancer
	mirror     *reconcile.Synchronizer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	monitors map[models.PositionKey]*Monitor
	ratio    decimal.NullDecimal

	anomalyMu sync.Mutex
	anomalous map[models.PositionKey]bool

	now func() time.Time
	// manual — не запускать горутины мониторов (тесты гоняют cycle сами)
	manual bool
}

func NewManager(gw exchange.Gateway, store Store, sink reconcile.EventSink, metrics Metrics, settings Settings) *Manager {
	if sink == nil {
		sink = reconcile.LogSink{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	breaker := reconcile.NewBreaker(settings.MaxCorrections, settings.Cooldown, settings.SuspendFor)
	breaker.SetStateChangeHandler(func(key string, from, to reconcile.BreakerState) {
		logger.Warn("[BREAKER] %s: %s -> %s", key, from, to)
		metrics.SetSuspended(len(breaker.Open()))
	})
	rebalancer := reconcile.NewRebalancer(gw, sink)
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		gw:         gw,
		store:      store,
		sink:       sink,
		metrics:    metrics,
		settings:   settings,
		breaker:    breaker,
		rebalancer: rebalancer,
		mirror: reconcile.NewSynchronizer(gw, rebalancer, breaker, sink, reconcile.MirrorOptions{
			TolerancePct: settings.MirrorTolerancePct,
			Policy:       settings.Policy,
		}),
		ctx:       ctx,
		cancel:    cancel,
		monitors:  make(map[models.PositionKey]*Monitor),
		ratio:     settings.MirrorRatio,
		anomalous: make(map[models.PositionKey]bool),
		now:       time.Now,
	}
}

// Start поднимает мониторы из стора. Каждый сначала сверится с биржей.
func (mg *Manager) Start() {
	restored := mg.store.All()
	for _, st := range restored {
		if err := st.Key.Validate(); err != nil {
			logger.Warn("[MANAGER] skip stored monitor: %v", err)
			continue
		}
		if st.Phase == models.PhaseClosed {
			_ = mg.store.Delete(st.Key)
			continue
		}
		mg.ensure(st)
	}
	logger.Info("[MANAGER] restored %d monitors", len(restored))
}

// Stop гасит все мониторы и ждёт завершения их циклов.
func (mg *Manager) Stop() {
	mg.cancel()
	mg.wg.Wait()
}

// Ensure заводит монитор для ключа, если его ещё нет (новая сделка или свип).
func (mg *Manager) Ensure(key models.PositionKey) (*Monitor, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	mg.mu.RLock()
	existing, ok := mg.monitors[key]
	mg.mu.RUnlock()
	if ok {
		return existing, false, nil
	}
	return mg.ensure(models.NewPositionMonitor(key)), true, nil
}

func (mg *Manager) ensure(state *models.PositionMonitor) *Monitor {
	mg.mu.Lock()
	if existing, ok := mg.monitors[state.Key]; ok {
		mg.mu.Unlock()
		return existing
	}
	m := newMonitor(mg, state)
	mg.monitors[state.Key] = m
	n := len(mg.monitors)
	mg.mu.Unlock()

	mg.metrics.SetActiveMonitors(n)
	if !mg.manual {
		mg.wg.Add(1)
		go func() {
			defer mg.wg.Done()
			m.run(mg.ctx)
		}()
	}
	return m
}

func (mg *Manager) remove(m *Monitor) {
	mg.mu.Lock()
	if cur, ok := mg.monitors[m.key]; ok && cur == m {
		delete(mg.monitors, m.key)
	}
	n := len(mg.monitors)
	mg.mu.Unlock()
	mg.metrics.SetActiveMonitors(n)
}

func (mg *Manager) Lookup(key models.PositionKey) (*Monitor, bool) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	m, ok := mg.monitors[key]
	return m, ok
}

func (mg *Manager) Nudge(key models.PositionKey) bool {
	m, ok := mg.Lookup(key)
	if ok {
		m.Nudge()
	}
	return ok
}

// Retire — ключа больше нет среди открытых позиций. Сам монитор ничего
// не удаляет: его собственный опрос подтвердит закрытие.
func (mg *Manager) Retire(key models.PositionKey) {
	if mg.Nudge(key) {
		logger.Debug("[MANAGER] %s not open on exchange, asked monitor to confirm", key)
	}
}

// OnPositionHint — подсказка из WS: позиция изменилась.
func (mg *Manager) OnPositionHint(key models.PositionKey, size decimal.Decimal) {
	if mg.Nudge(key) {
		return
	}
	if size.Sign() > 0 {
		if _, created, err := mg.Ensure(key); err == nil && created {
			logger.Info("[MANAGER] %s picked up from position stream", key)
		}
	}
}

func (mg *Manager) Keys() []models.PositionKey {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	keys := make([]models.PositionKey, 0, len(mg.monitors))
	for k := range mg.monitors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Snapshot — состояние монитора для внешних читателей (getMonitor).
func (mg *Manager) Snapshot(key models.PositionKey) (*models.PositionMonitor, bool) {
	m, ok := mg.Lookup(key)
	if !ok {
		return nil, false
	}
	return m.Snapshot(), true
}

func (mg *Manager) Snapshots() []*models.PositionMonitor {
	keys := mg.Keys()
	out := make([]*models.PositionMonitor, 0, len(keys))
	for _, k := range keys {
		if s, ok := mg.Snapshot(k); ok {
			out = append(out, s)
		}
	}
	return out
}

func (mg *Manager) MirrorRatio() (decimal.Decimal, bool) {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return mg.ratio.Decimal, mg.ratio.Valid
}

// SetMirrorRatio запоминает выведенный коэффициент. Мониторы подхватят его
// на своём следующем цикле.
func (mg *Manager) SetMirrorRatio(r decimal.Decimal) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.ratio = decimal.NewNullDecimal(r)
}

// markAnomalyReported — true, если по ключу ещё не сообщали об аномалии.
func (mg *Manager) markAnomalyReported(key models.PositionKey) bool {
	mg.anomalyMu.Lock()
	defer mg.anomalyMu.Unlock()
	if mg.anomalous[key] {
		return false
	}
	mg.anomalous[key] = true
	return true
}

// SuspendedKeys — ключи с приостановленной коррекцией.
func (mg *Manager) SuspendedKeys() []string {
	return mg.breaker.Open()
}
