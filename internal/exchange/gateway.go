package exchange

import (
	"context"

	"tpsl_keeper/internal/models"
)

// Gateway — всё, что ядру нужно от биржи. Аккаунт всегда приходит в ключе.
type Gateway interface {
	GetPosition(ctx context.Context, key models.PositionKey) (models.PositionReading, error)
	ListOpenOrders(ctx context.Context, key models.PositionKey) ([]models.OrderRecord, error)
	PlaceOrder(ctx context.Context, key models.PositionKey, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, key models.PositionKey, order models.OrderRecord) error
	OpenPositions(ctx context.Context, account models.Account) ([]models.PositionReading, error)
	Instrument(ctx context.Context, account models.Account, symbol string) (models.Instrument, error)
}

// AccountClient — клиент одного аккаунта биржи.
type AccountClient interface {
	Account() models.Account
	GetPosition(ctx context.Context, symbol string, side models.Side) (models.PositionReading, error)
	ListOpenOrders(ctx context.Context, symbol string, side models.Side) ([]models.OrderRecord, error)
	PlaceOrder(ctx context.Context, symbol string, side models.Side, req models.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol string, order models.OrderRecord) error
	OpenPositions(ctx context.Context) ([]models.PositionReading, error)
	GetInstrumentMeta(ctx context.Context, symbol string) (models.Instrument, error)
}
