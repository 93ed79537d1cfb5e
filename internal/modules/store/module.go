package store

import (
	"go.uber.org/fx"

	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/modules/store/service"
	"tpsl_keeper/internal/runner"
)

// NewStore открывает документ мониторов. Битый документ без валидного
// бэкапа (или с пином .norestore) валит старт.
func NewStore(cfg *config.Config) (*service.Store, error) {
	st := service.New(service.Options{
		Path:        cfg.Store.Path,
		BackupDir:   cfg.Store.BackupDir,
		KeepBackups: cfg.Store.KeepBackups,
	})
	if err := st.Load(); err != nil {
		return nil, err
	}
	return st, nil
}

func Module() fx.Option {
	return fx.Module("store",
		fx.Provide(
			NewStore,
			func(st *service.Store) runner.Store { return st },
		),
	)
}
