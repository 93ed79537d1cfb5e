package helper

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/models"
)

var (
	ErrZeroQuantity     = errors.New("quantity is zero after rounding")
	ErrBelowMinSize     = errors.New("quantity below instrument minSz")
	ErrBelowMinNotional = errors.New("order below min notional")
	ErrBadPrice         = errors.New("price is not positive")
)

// RoundDownToStep приводит количество к шагу вниз.
func RoundDownToStep(q, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return q
	}
	return q.Div(step).Floor().Mul(step)
}

func RoundDownToTick(px, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return px
	}
	return px.Div(tick).Floor().Mul(tick)
}

func RoundUpToTick(px, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return px
	}
	return px.Div(tick).Ceil().Mul(tick)
}

// RoundToTick — к ближайшему тику.
func RoundToTick(px, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return px
	}
	return px.Div(tick).Round(0).Mul(tick)
}

// WithinStep — отличаются не больше, чем на один шаг.
func WithinStep(a, b, step decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(step)
}

// NormalizeQuantity округляет вниз до lotSz и проверяет minSz.
func NormalizeQuantity(inst models.Instrument, qty decimal.Decimal) (decimal.Decimal, error) {
	q := RoundDownToStep(qty, inst.LotSz)
	if q.Sign() <= 0 {
		return decimal.Zero, errors.Wrapf(ErrZeroQuantity, "%s qty=%s lotSz=%s", inst.InstID, qty, inst.LotSz)
	}
	if inst.MinSz.Sign() > 0 && q.LessThan(inst.MinSz) {
		return decimal.Zero, errors.Wrapf(ErrBelowMinSize, "%s qty=%s minSz=%s", inst.InstID, q, inst.MinSz)
	}
	return q, nil
}

func NormalizePrice(inst models.Instrument, px decimal.Decimal) (decimal.Decimal, error) {
	p := RoundToTick(px, inst.TickSz)
	if p.Sign() <= 0 {
		return decimal.Zero, errors.Wrapf(ErrBadPrice, "%s px=%s", inst.InstID, px)
	}
	return p, nil
}

// CheckNotional отсекает ордера дешевле минимального номинала биржи.
func CheckNotional(inst models.Instrument, qty, px decimal.Decimal) error {
	if inst.MinNotional.Sign() <= 0 || px.Sign() <= 0 {
		return nil
	}
	if n := inst.Notional(qty, px); n.LessThan(inst.MinNotional) {
		return errors.Wrapf(ErrBelowMinNotional, "%s notional=%s min=%s", inst.InstID, n, inst.MinNotional)
	}
	return nil
}

// Step — шаг количества инструмента (минимум 1, если биржа его не отдала).
func Step(inst models.Instrument) decimal.Decimal {
	if inst.LotSz.Sign() > 0 {
		return inst.LotSz
	}
	return decimal.NewFromInt(1)
}
