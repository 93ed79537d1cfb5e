package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/modules/health/service"
	store "tpsl_keeper/internal/modules/store/service"
	"tpsl_keeper/internal/runner"
	"tpsl_keeper/pkg/logger"
)

type Config struct {
	Addr string // например ":8080"
}

func NewConfig(cfg *config.Config) Config {
	return Config{Addr: fmt.Sprintf("%s:%d", cfg.Service.Host, cfg.Service.AdminPort)}
}

// Monitors — read-only доступ к снапшотам мониторов.
type Monitors interface {
	Snapshots() []*models.PositionMonitor
	Snapshot(key models.PositionKey) (*models.PositionMonitor, bool)
	SuspendedKeys() []string
}

func NewMux(state *service.State, reg *prometheus.Registry, monitors Monitors) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		// стор поднят и первая сверка позиций прошла
		if !state.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"ready":       state.Ready(),
			"storeLoaded": state.StoreLoaded(),
			"wsConnected": state.WSConnected(),
			"uptimeSec":   int64(state.Uptime().Seconds()),
			"suspended":   monitors.SuspendedKeys(),
			"lastSweepUnix": func() int64 {
				t := state.LastSweep()
				if t.IsZero() {
					return 0
				}
				return t.Unix()
			}(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /monitors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, monitors.Snapshots())
	})

	mux.HandleFunc("GET /monitors/{key}", func(w http.ResponseWriter, r *http.Request) {
		key, err := models.ParsePositionKey(r.PathValue("key"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, ok := monitors.Snapshot(key)
		if !ok {
			http.Error(w, "monitor not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func RunHTTP(lc fx.Lifecycle, cfg Config, mux *http.ServeMux) {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			logger.Info("[HEALTH] listening on %s", cfg.Addr)
			go func() { _ = srv.Serve(ln) }()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// wireReadiness связывает готовность с загрузкой стора и первой сверкой.
func wireReadiness(state *service.State, metrics *service.Metrics, st *store.Store, sw *runner.Sweeper) {
	state.SetStoreLoaded(true)
	metrics.WatchStore(st)
	sw.OnFirstSweep(func() {
		state.MarkSwept(sw.LastSweep())
		logger.Info("[HEALTH] first sweep done, service ready")
	})
}

func Module() fx.Option {
	return fx.Module("health",
		fx.Provide(
			service.NewState,
			service.NewRegistry,
			service.NewMetrics,
			func(m *service.Metrics) runner.Metrics { return m },
			func(mgr *runner.Manager) Monitors { return mgr },
			NewConfig,
			NewMux,
		),
		fx.Invoke(wireReadiness, RunHTTP),
	)
}
