package models

import "github.com/shopspring/decimal"

// Instrument — торговые ограничения инструмента (SWAP).
type Instrument struct {
	InstID      string
	LotSz       decimal.Decimal // шаг количества
	MinSz       decimal.Decimal
	TickSz      decimal.Decimal // шаг цены
	CtVal       decimal.Decimal // номинал контракта
	MinNotional decimal.Decimal // 0 — без ограничения
}

// Notional — стоимость qty контрактов по цене px.
func (i Instrument) Notional(qty, px decimal.Decimal) decimal.Decimal {
	ct := i.CtVal
	if ct.Sign() <= 0 {
		ct = decimal.NewFromInt(1)
	}
	return qty.Mul(ct).Mul(px)
}
