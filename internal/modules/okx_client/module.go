package okx_client

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/internal/modules/okx_client/service"
	"tpsl_keeper/pkg/logger"
)

// NewGateway собирает Router из клиентов аккаунтов. Зеркальный клиент
// создаётся только при включённом зеркале и заданных ключах.
func NewGateway(cfg *config.Config) (exchange.Gateway, error) {
	opts := service.Options{
		BaseURL:     cfg.OKX.BaseURL,
		Simulated:   cfg.OKX.Simulated,
		RateLimit:   cfg.OKX.RateLimit,
		Burst:       cfg.OKX.Burst,
		MinNotional: decimal.NewFromFloat(cfg.OKX.MinNotional),
	}
	if cfg.OKX.Primary.Empty() {
		return nil, fmt.Errorf("okx: primary credentials are not set")
	}
	clients := []exchange.AccountClient{
		service.NewClient(models.AccountPrimary, cfg.OKX.Primary, opts),
	}
	if cfg.Mirror.Enabled {
		if cfg.OKX.Mirror.Empty() {
			return nil, fmt.Errorf("okx: mirror enabled but mirror credentials are not set")
		}
		clients = append(clients, service.NewClient(models.AccountMirror, cfg.OKX.Mirror, opts))
	}
	logger.Info("[OKX] gateway ready: %d account(s), simulated=%v", len(clients), cfg.OKX.Simulated)
	return exchange.NewRouter(clients...), nil
}

func Module() fx.Option {
	return fx.Module("okx_client",
		fx.Provide(
			NewGateway,
		),
	)
}
