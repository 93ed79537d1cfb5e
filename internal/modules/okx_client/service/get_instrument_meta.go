package service

import (
	"context"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
)

// GetInstrumentMeta — шаги и номинал контракта SWAP-инструмента.
func (c *Client) GetInstrumentMeta(ctx context.Context, instID string) (models.Instrument, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)

	var rows []instrumentData
	if err := c.do(ctx, http.MethodGet, "/api/v5/public/instruments", q, nil, &rows); err != nil {
		return models.Instrument{}, err
	}
	if len(rows) == 0 {
		return models.Instrument{}, exchange.Permanent(nil, "instrument %s not found", instID)
	}

	inst := rows[0]
	if inst.State != "" && inst.State != "live" {
		return models.Instrument{}, exchange.Permanent(nil, "instrument %s not live: state=%s", instID, inst.State)
	}

	parsePos := func(name, s string) (decimal.Decimal, error) {
		v, err := decimal.NewFromString(s)
		if err != nil || v.Sign() <= 0 {
			return decimal.Zero, exchange.Permanent(err, "instrument %s: bad %s %q", instID, name, s)
		}
		return v, nil
	}

	lotSz, err := parsePos("lotSz", inst.LotSz)
	if err != nil {
		return models.Instrument{}, err
	}
	minSz, err := parsePos("minSz", inst.MinSz)
	if err != nil {
		return models.Instrument{}, err
	}
	tickSz, err := parsePos("tickSz", inst.TickSz)
	if err != nil {
		return models.Instrument{}, err
	}
	ctVal, err := parsePos("ctVal", inst.CtVal)
	if err != nil {
		return models.Instrument{}, err
	}
	if m := parseDecimal(inst.CtMult); m.Sign() > 0 {
		ctVal = ctVal.Mul(m)
	}

	return models.Instrument{
		InstID:      inst.InstID,
		LotSz:       lotSz,
		MinSz:       minSz,
		TickSz:      tickSz,
		CtVal:       ctVal,
		MinNotional: c.minNotional,
	}, nil
}
