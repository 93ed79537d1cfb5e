package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// StoreStats — счётчики стора, читаются при каждом scrape.
type StoreStats interface {
	Commits() int64
	Recoveries() int64
}

// Metrics — prometheus-метрики кипера:
//   - keeper_active_monitors            – мониторов в работе
//   - keeper_classifications_total{kind} – результаты классификатора
//   - keeper_orders_total{op}           – placed|cancelled|failed
//   - keeper_degraded_slots_total       – переходы слотов ниже min notional
//   - keeper_cycles_total{result}       – ok|failed
//   - keeper_cycle_seconds              – длительность цикла монитора
//   - keeper_suspended_keys             – ключи с открытым брейкером
//   - keeper_store_commits_total, keeper_store_recoveries_total
type Metrics struct {
	reg *prometheus.Registry

	activeMonitors  prometheus.Gauge
	classifications *prometheus.CounterVec
	orders          *prometheus.CounterVec
	degraded        prometheus.Counter
	cycles          *prometheus.CounterVec
	cycleSeconds    prometheus.Histogram
	suspended       prometheus.Gauge
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		reg: reg,
		activeMonitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_active_monitors",
			Help: "Position monitors currently running",
		}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_classifications_total",
			Help: "Size change classifications by kind",
		}, []string{"kind"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_orders_total",
			Help: "Ladder order operations",
		}, []string{"op"}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keeper_degraded_slots_total",
			Help: "Ladder slots skipped below exchange minimums",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keeper_cycles_total",
			Help: "Monitor cycles by result",
		}, []string{"result"}),
		cycleSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "keeper_cycle_seconds",
			Help:    "Monitor cycle duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		suspended: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keeper_suspended_keys",
			Help: "Keys with mirror sync or rebalancing suspended",
		}),
	}
	reg.MustRegister(m.activeMonitors, m.classifications, m.orders, m.degraded, m.cycles, m.cycleSeconds, m.suspended)
	return m
}

// WatchStore выставляет счётчики стора как CounterFunc.
func (m *Metrics) WatchStore(st StoreStats) {
	m.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "keeper_store_commits_total",
			Help: "Successful store commits",
		}, func() float64 { return float64(st.Commits()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "keeper_store_recoveries_total",
			Help: "Store loads recovered from a backup",
		}, func() float64 { return float64(st.Recoveries()) }),
	)
}

func (m *Metrics) SetActiveMonitors(n int)           { m.activeMonitors.Set(float64(n)) }
func (m *Metrics) ObserveClassification(kind string) { m.classifications.WithLabelValues(kind).Inc() }
func (m *Metrics) ObserveDegraded(n int)             { m.degraded.Add(float64(n)) }
func (m *Metrics) SetSuspended(n int)                { m.suspended.Set(float64(n)) }

func (m *Metrics) ObserveOrders(placed, cancelled, failed int) {
	m.orders.WithLabelValues("placed").Add(float64(placed))
	m.orders.WithLabelValues("cancelled").Add(float64(cancelled))
	m.orders.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveCycle(d time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleSeconds.Observe(d.Seconds())
}
