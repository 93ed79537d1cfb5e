package runner

import (
	"time"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/reconcile"
)

type Settings struct {
	PollInterval  time.Duration
	CallTimeout   time.Duration
	SweepInterval time.Duration
	LevelBandPct  decimal.Decimal

	Ladder models.LadderPlan
	Policy reconcile.Policy

	MirrorEnabled      bool
	MirrorRatio        decimal.NullDecimal // из конфига; невалиден — выводим
	MirrorTolerancePct decimal.Decimal
	MaxCorrections     int
	Cooldown           time.Duration
	SuspendFor         time.Duration
}

func NewSettings(cfg *config.Config) Settings {
	return Settings{
		PollInterval:       cfg.Monitor.PollInterval,
		CallTimeout:        cfg.Monitor.CallTimeout,
		SweepInterval:      cfg.Monitor.SweepInterval,
		LevelBandPct:       decimal.NewFromFloat(cfg.Monitor.LevelBandPct),
		Ladder:             cfg.LadderPlan(),
		Policy:             reconcile.Policy{BreakevenOnFirstTP: cfg.Ladder.BreakevenOnFirstTP},
		MirrorEnabled:      cfg.Mirror.Enabled,
		MirrorRatio:        cfg.MirrorRatio(),
		MirrorTolerancePct: decimal.NewFromFloat(cfg.Mirror.TolerancePct),
		MaxCorrections:     cfg.Mirror.MaxCorrections,
		Cooldown:           cfg.Mirror.Cooldown,
		SuspendFor:         cfg.Mirror.SuspendFor,
	}
}

// Store — долговременное хранилище мониторов.
type Store interface {
	Save(m *models.PositionMonitor) error
	Delete(key models.PositionKey) error
	All() []*models.PositionMonitor
}

// Metrics — счётчики для /metrics. Реализация живёт в модуле health.
type Metrics interface {
	SetActiveMonitors(n int)
	ObserveClassification(kind string)
	ObserveOrders(placed, cancelled, failed int)
	ObserveDegraded(n int)
	ObserveCycle(d time.Duration, failed bool)
	SetSuspended(n int)
}

type nopMetrics struct{}

func (nopMetrics) SetActiveMonitors(int)            {}
func (nopMetrics) ObserveClassification(string)     {}
func (nopMetrics) ObserveOrders(int, int, int)      {}
func (nopMetrics) ObserveDegraded(int)              {}
func (nopMetrics) ObserveCycle(time.Duration, bool) {}
func (nopMetrics) SetSuspended(int)                 {}
