package service

import (
	"context"
	"net/http"
	"net/url"

	"tpsl_keeper/internal/models"
)

const positionsPath = "/api/v5/account/positions"

// GetPosition — позиция по инструменту и стороне. Нет позиции — размер 0.
func (c *Client) GetPosition(ctx context.Context, symbol string, side models.Side) (models.PositionReading, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", symbol)

	var rows []positionData
	if err := c.do(ctx, http.MethodGet, positionsPath, q, nil, &rows); err != nil {
		return models.PositionReading{}, err
	}

	reading := models.PositionReading{
		Symbol:  symbol,
		Side:    side,
		Account: c.account,
		ReadAt:  c.now(),
	}
	for _, row := range rows {
		r, ok := c.reading(row)
		if !ok || r.Symbol != symbol || r.Side != side {
			continue
		}
		reading.Size = reading.Size.Add(r.Size)
		reading.AvgPrice = r.AvgPrice
	}
	return reading, nil
}

// OpenPositions — все ненулевые SWAP-позиции аккаунта.
func (c *Client) OpenPositions(ctx context.Context) ([]models.PositionReading, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")

	var rows []positionData
	if err := c.do(ctx, http.MethodGet, positionsPath, q, nil, &rows); err != nil {
		return nil, err
	}

	out := make([]models.PositionReading, 0, len(rows))
	for _, row := range rows {
		r, ok := c.reading(row)
		if !ok || r.Size.Sign() == 0 {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// reading приводит строку OKX к PositionReading. В net mode сторона
// определяется знаком pos.
func (c *Client) reading(row positionData) (models.PositionReading, bool) {
	size := parseDecimal(row.Pos)
	var side models.Side
	switch row.PosSide {
	case "long":
		side = models.SideLong
	case "short":
		side = models.SideShort
	case "net":
		side = models.SideLong
		if size.Sign() < 0 {
			side = models.SideShort
		}
	default:
		return models.PositionReading{}, false
	}
	return models.PositionReading{
		Symbol:   row.InstID,
		Side:     side,
		Account:  c.account,
		Size:     size.Abs(),
		AvgPrice: parseDecimal(row.AvgPx),
		ReadAt:   c.now(),
	}, true
}
