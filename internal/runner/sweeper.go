package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/reconcile"
	"tpsl_keeper/pkg/logger"
)

// Sweeper периодически сверяет открытые позиции обоих аккаунтов с мониторами.
// Он только заводит новые мониторы и будит те, чьих позиций уже нет;
// состояние мониторов не трогает.
type Sweeper struct {
	gw       exchange.Gateway
	mgr      *Manager
	settings Settings
	accounts []models.Account

	mu        sync.Mutex
	lastSweep time.Time
	onFirst   []func()
}

func NewSweeper(gw exchange.Gateway, mgr *Manager, settings Settings) *Sweeper {
	accounts := []models.Account{models.AccountPrimary}
	if settings.MirrorEnabled {
		accounts = append(accounts, models.AccountMirror)
	}
	return &Sweeper{gw: gw, mgr: mgr, settings: settings, accounts: accounts}
}

// OnFirstSweep — колбэк после первого успешного прохода (готовность сервиса).
func (s *Sweeper) OnFirstSweep(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastSweep.IsZero() {
		go fn()
		return
	}
	s.onFirst = append(s.onFirst, fn)
}

func (s *Sweeper) LastSweep() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSweep
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.settings.SweepInterval)
	defer ticker.Stop()

	_ = s.Sweep(ctx) // сразу при старте

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sweeper.sweep")
	defer span.Finish()

	results := make([][]models.PositionReading, len(s.accounts))
	g, gctx := errgroup.WithContext(ctx)
	for i, acc := range s.accounts {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, s.settings.CallTimeout)
			defer cancel()
			positions, err := s.gw.OpenPositions(cctx, acc)
			if err != nil {
				return fmt.Errorf("open positions %s: %w", acc, err)
			}
			results[i] = positions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// неполная картина: ничего не заводим и никого не будим
		span.SetTag("error", true)
		logger.Warn("[SWEEP] skipped: %v", err)
		return err
	}

	open := make(map[models.PositionKey]models.PositionReading)
	for i, acc := range s.accounts {
		for _, p := range results[i] {
			if p.Account != acc {
				logger.Warn("[SWEEP] %s reported by %s account, ignored", p.Key(), acc)
				continue
			}
			if p.Size.Sign() <= 0 {
				continue
			}
			if err := p.Key().Validate(); err != nil {
				logger.Warn("[SWEEP] bad position: %v", err)
				continue
			}
			open[p.Key()] = p
		}
	}

	s.inferRatio(open)

	keys := make([]models.PositionKey, 0, len(open))
	for k := range open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	started := 0
	for _, k := range keys {
		if _, created, err := s.mgr.Ensure(k); err == nil && created {
			started++
			logger.Info("[SWEEP] new position %s size=%s", k, open[k].Size)
		}
	}

	retired := 0
	for _, k := range s.mgr.Keys() {
		if _, ok := open[k]; !ok {
			s.mgr.Retire(k)
			retired++
		}
	}
	span.SetTag("open", len(open))
	logger.Debug("[SWEEP] open=%d started=%d gone=%d", len(open), started, retired)

	s.mu.Lock()
	first := s.lastSweep.IsZero()
	s.lastSweep = s.mgr.now()
	hooks := s.onFirst
	s.onFirst = nil
	s.mu.Unlock()
	if first {
		for _, fn := range hooks {
			fn()
		}
	}
	return nil
}

// inferRatio выводит коэффициент зеркала один раз, если он не задан в конфиге.
func (s *Sweeper) inferRatio(open map[models.PositionKey]models.PositionReading) {
	if !s.settings.MirrorEnabled {
		return
	}
	if _, ok := s.mgr.MirrorRatio(); ok {
		return
	}
	var pairs [][2]decimal.Decimal
	for k, p := range open {
		if k.Account != models.AccountPrimary {
			continue
		}
		if mp, ok := open[k.WithAccount(models.AccountMirror)]; ok {
			pairs = append(pairs, [2]decimal.Decimal{p.Size, mp.Size})
		}
	}
	if r, ok := reconcile.InferRatio(pairs); ok {
		s.mgr.SetMirrorRatio(r)
		logger.Info("[SWEEP] mirror ratio inferred: %s over %d pairs", r, len(pairs))
	}
}
