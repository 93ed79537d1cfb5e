// Package exchangetest — биржа в памяти для тестов монитора и свипера.
package exchangetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
)

type Placed struct {
	Key     models.PositionKey
	Request models.OrderRequest
	ID      string
}

type Cancelled struct {
	Key   models.PositionKey
	Order models.OrderRecord
}

// Fake реализует exchange.Gateway. Маркет-ордера сразу меняют размер позиции.
type Fake struct {
	mu sync.Mutex

	positions   map[models.PositionKey]models.PositionReading
	orders      map[models.PositionKey][]models.OrderRecord
	instruments map[string]models.Instrument
	seq         int

	placed    []Placed
	cancelled []Cancelled

	// CrossRead подменяет чтение позиции key данными другого аккаунта.
	CrossRead map[models.PositionKey]models.Account

	PositionErr map[models.PositionKey]error
	PlaceErr    func(key models.PositionKey, req models.OrderRequest) error
	CancelErr   func(key models.PositionKey, order models.OrderRecord) error
	OpenErr     map[models.Account]error
}

var _ exchange.Gateway = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		positions:   make(map[models.PositionKey]models.PositionReading),
		orders:      make(map[models.PositionKey][]models.OrderRecord),
		instruments: make(map[string]models.Instrument),
		CrossRead:   make(map[models.PositionKey]models.Account),
		PositionErr: make(map[models.PositionKey]error),
		OpenErr:     make(map[models.Account]error),
	}
}

func (f *Fake) SetInstrument(inst models.Instrument) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments[inst.InstID] = inst
}

func (f *Fake) SetPosition(key models.PositionKey, size, avgPx decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[key] = models.PositionReading{
		Symbol: key.Symbol, Side: key.Side, Account: key.Account,
		Size: size, AvgPrice: avgPx,
	}
}

func (f *Fake) Size(key models.PositionKey) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[key].Size
}

// AddOrder выставляет ордер "руками", мимо кипера. Возвращает id.
func (f *Fake) AddOrder(key models.PositionKey, o models.OrderRecord) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = f.nextID()
	}
	o.Status = models.OrderOpen
	f.orders[key] = append(f.orders[key], o)
	return o.ExchangeOrderID
}

// Fill исполняет ордер целиком: снимает его и меняет размер позиции.
func (f *Fake) Fill(key models.PositionKey, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.remove(key, id)
	if !ok {
		return fmt.Errorf("order %s not found", id)
	}
	p := f.positions[key]
	p.Symbol, p.Side, p.Account = key.Symbol, key.Side, key.Account
	if o.Role == models.RoleEntryLimit {
		p.Size = p.Size.Add(o.Quantity)
	} else {
		p.Size = decimal.Max(decimal.Zero, p.Size.Sub(o.Quantity))
	}
	f.positions[key] = p
	return nil
}

// Drop снимает ордер без исполнения (ручная отмена на бирже).
func (f *Fake) Drop(key models.PositionKey, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remove(key, id)
}

func (f *Fake) Open(key models.PositionKey) []models.OrderRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderRecord(nil), f.orders[key]...)
}

// OpenByRole — живые ордера ключа заданной роли, по возрастанию уровня.
func (f *Fake) OpenByRole(key models.PositionKey, role models.Role) []models.OrderRecord {
	var out []models.OrderRecord
	for _, o := range f.Open(key) {
		if o.Role == role {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

func (f *Fake) Placed() []Placed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Placed(nil), f.placed...)
}

func (f *Fake) Cancelled() []Cancelled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cancelled(nil), f.cancelled...)
}

func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed, f.cancelled = nil, nil
}

func (f *Fake) GetPosition(_ context.Context, key models.PositionKey) (models.PositionReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PositionErr[key]; err != nil {
		return models.PositionReading{}, err
	}
	src := key
	if other, ok := f.CrossRead[key]; ok {
		src = key.WithAccount(other)
	}
	p, ok := f.positions[src]
	if !ok {
		p = models.PositionReading{Size: decimal.Zero}
	}
	p.Symbol, p.Side, p.Account = src.Symbol, src.Side, src.Account
	p.ReadAt = time.Now()
	return p, nil
}

func (f *Fake) ListOpenOrders(_ context.Context, key models.PositionKey) ([]models.OrderRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.PositionErr[key]; err != nil {
		return nil, err
	}
	return append([]models.OrderRecord(nil), f.orders[key]...), nil
}

func (f *Fake) PlaceOrder(_ context.Context, key models.PositionKey, req models.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlaceErr != nil {
		if err := f.PlaceErr(key, req); err != nil {
			return "", err
		}
	}
	id := f.nextID()
	f.placed = append(f.placed, Placed{Key: key, Request: req, ID: id})

	if req.Type == models.OrderTypeMarket {
		p := f.positions[key]
		p.Symbol, p.Side, p.Account = key.Symbol, key.Side, key.Account
		if req.ReduceOnly {
			p.Size = decimal.Max(decimal.Zero, p.Size.Sub(req.Quantity))
		} else {
			p.Size = p.Size.Add(req.Quantity)
		}
		f.positions[key] = p
		return id, nil
	}

	f.orders[key] = append(f.orders[key], models.OrderRecord{
		ExchangeOrderID: id,
		ClientOrderID:   req.ClientOrderID,
		Role:            req.Role,
		Level:           req.Level,
		Price:           req.Price,
		Quantity:        req.Quantity,
		Status:          models.OrderOpen,
		Algo:            req.Type == models.OrderTypeConditional,
	})
	return id, nil
}

func (f *Fake) CancelOrder(_ context.Context, key models.PositionKey, order models.OrderRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		if err := f.CancelErr(key, order); err != nil {
			return err
		}
	}
	if _, ok := f.remove(key, order.ExchangeOrderID); !ok {
		return exchange.NotFound(nil, "cancel %s", order.ExchangeOrderID)
	}
	f.cancelled = append(f.cancelled, Cancelled{Key: key, Order: order})
	return nil
}

func (f *Fake) OpenPositions(_ context.Context, account models.Account) ([]models.PositionReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.OpenErr[account]; err != nil {
		return nil, err
	}
	var out []models.PositionReading
	for k, p := range f.positions {
		if k.Account == account && p.Size.Sign() > 0 {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (f *Fake) Instrument(_ context.Context, _ models.Account, symbol string) (models.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instruments[symbol]
	if !ok {
		return models.Instrument{InstID: symbol, LotSz: decimal.NewFromInt(1), TickSz: decimal.RequireFromString("0.01")}, nil
	}
	return inst, nil
}

func (f *Fake) nextID() string {
	f.seq++
	return fmt.Sprintf("ord-%d", f.seq)
}

func (f *Fake) remove(key models.PositionKey, id string) (models.OrderRecord, bool) {
	list := f.orders[key]
	for i, o := range list {
		if o.ExchangeOrderID == id {
			f.orders[key] = append(list[:i:i], list[i+1:]...)
			return o, true
		}
	}
	return models.OrderRecord{}, false
}
