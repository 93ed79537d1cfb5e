package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tpsl_keeper/internal/models"
)

const instrumentTTL = 30 * time.Minute

type cachedInstrument struct {
	inst models.Instrument
	at   time.Time
}

// Router раскидывает вызовы по клиентам аккаунтов строго по key.Account.
type Router struct {
	clients map[models.Account]AccountClient

	mu    sync.Mutex
	insts map[string]cachedInstrument
	now   func() time.Time
}

func NewRouter(clients ...AccountClient) *Router {
	r := &Router{
		clients: make(map[models.Account]AccountClient, len(clients)),
		insts:   make(map[string]cachedInstrument),
		now:     time.Now,
	}
	for _, c := range clients {
		if c != nil {
			r.clients[c.Account()] = c
		}
	}
	return r
}

// HasAccount — настроен ли клиент для аккаунта.
func (r *Router) HasAccount(a models.Account) bool {
	_, ok := r.clients[a]
	return ok
}

func (r *Router) client(a models.Account) (AccountClient, error) {
	c, ok := r.clients[a]
	if !ok {
		return nil, Permanent(nil, "no client for account %q", a)
	}
	return c, nil
}

func (r *Router) GetPosition(ctx context.Context, key models.PositionKey) (models.PositionReading, error) {
	c, err := r.client(key.Account)
	if err != nil {
		return models.PositionReading{}, err
	}
	return c.GetPosition(ctx, key.Symbol, key.Side)
}

func (r *Router) ListOpenOrders(ctx context.Context, key models.PositionKey) ([]models.OrderRecord, error) {
	c, err := r.client(key.Account)
	if err != nil {
		return nil, err
	}
	return c.ListOpenOrders(ctx, key.Symbol, key.Side)
}

func (r *Router) PlaceOrder(ctx context.Context, key models.PositionKey, req models.OrderRequest) (string, error) {
	c, err := r.client(key.Account)
	if err != nil {
		return "", err
	}
	return c.PlaceOrder(ctx, key.Symbol, key.Side, req)
}

func (r *Router) CancelOrder(ctx context.Context, key models.PositionKey, order models.OrderRecord) error {
	c, err := r.client(key.Account)
	if err != nil {
		return err
	}
	return c.CancelOrder(ctx, key.Symbol, order)
}

func (r *Router) OpenPositions(ctx context.Context, account models.Account) ([]models.PositionReading, error) {
	c, err := r.client(account)
	if err != nil {
		return nil, err
	}
	return c.OpenPositions(ctx)
}

// Instrument кеширует мету инструмента на instrumentTTL.
func (r *Router) Instrument(ctx context.Context, account models.Account, symbol string) (models.Instrument, error) {
	cacheKey := fmt.Sprintf("%s/%s", account, symbol)

	r.mu.Lock()
	ci, ok := r.insts[cacheKey]
	r.mu.Unlock()
	if ok && r.now().Sub(ci.at) < instrumentTTL {
		return ci.inst, nil
	}

	c, err := r.client(account)
	if err != nil {
		return models.Instrument{}, err
	}
	inst, err := c.GetInstrumentMeta(ctx, symbol)
	if err != nil {
		return models.Instrument{}, err
	}

	r.mu.Lock()
	r.insts[cacheKey] = cachedInstrument{inst: inst, at: r.now()}
	r.mu.Unlock()
	return inst, nil
}
