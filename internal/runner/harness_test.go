package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tpsl_keeper/internal/exchange/exchangetest"
	"tpsl_keeper/internal/models"
)

var (
	primaryKey = models.PositionKey{Symbol: "ETH-USDT-SWAP", Side: models.SideLong, Account: models.AccountPrimary}
	mirrorKey  = primaryKey.WithAccount(models.AccountMirror)
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type memStore struct {
	mu      sync.Mutex
	data    map[models.PositionKey]*models.PositionMonitor
	saves   int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{data: make(map[models.PositionKey]*models.PositionMonitor)}
}

func (s *memStore) Save(m *models.PositionMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[m.Key] = m.Clone()
	s.saves++
	return nil
}

func (s *memStore) Delete(key models.PositionKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	s.deletes++
	return nil
}

func (s *memStore) All() []*models.PositionMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.PositionMonitor, 0, len(s.data))
	for _, m := range s.data {
		out = append(out, m.Clone())
	}
	return out
}

func (s *memStore) get(key models.PositionKey) (*models.PositionMonitor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.data[key]
	return m, ok
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
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

func (r *recordingSink) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
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

func (r *recordingSink) count(kind models.EventKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func testSettings() Settings {
	plan := models.LadderPlan{StopDistancePct: d("2")}
	for i, pct := range []string{"85", "5", "5", "5"} {
		plan.Levels = append(plan.Levels, models.LevelPlan{Percent: d(pct), DistancePct: decimal.NewFromInt(int64(i + 1))})
	}
	return Settings{
		PollInterval:       time.Hour,
		CallTimeout:        time.Second,
		SweepInterval:      time.Hour,
		LevelBandPct:       d("5"),
		Ladder:             plan,
		MirrorRatio:        decimal.NewNullDecimal(d("0.5")),
		MirrorTolerancePct: d("0.5"),
		MaxCorrections:     6,
		Cooldown:           10 * time.Minute,
		SuspendFor:         30 * time.Minute,
	}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	fx    *exchangetest.Fake
	store *memStore
	sink  *recordingSink
	mgr   *Manager
}

func newHarness(t *testing.T, settings Settings) *harness {
	fx := exchangetest.New()
	store := newMemStore()
	sink := &recordingSink{}
	mgr := NewManager(fx, store, sink, nil, settings)
	mgr.manual = true
	t.Cleanup(mgr.Stop)
	return &harness{t: t, ctx: context.Background(), fx: fx, store: store, sink: sink, mgr: mgr}
}

func (h *harness) monitor(key models.PositionKey) *Monitor {
	m, _, err := h.mgr.Ensure(key)
	require.NoError(h.t, err)
	return m
}

func (h *harness) snapshot(key models.PositionKey) *models.PositionMonitor {
	s, ok := h.mgr.Snapshot(key)
	require.True(h.t, ok, "no monitor for %s", key)
	return s
}

func (h *harness) openQty(key models.PositionKey, role models.Role) []string {
	var out []string
	for _, o := range h.fx.OpenByRole(key, role) {
		out = append(out, o.Quantity.String())
	}
	return out
}
