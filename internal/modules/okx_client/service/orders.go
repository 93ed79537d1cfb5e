package service

import (
	"context"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
)

const (
	ordersPendingPath = "/api/v5/trade/orders-pending"
	algoPendingPath   = "/api/v5/trade/orders-algo-pending"
	placeOrderPath    = "/api/v5/trade/order"
	placeAlgoPath     = "/api/v5/trade/order-algo"
	cancelOrderPath   = "/api/v5/trade/cancel-order"
	cancelAlgosPath   = "/api/v5/trade/cancel-algos"
)

// ListOpenOrders — лимитные и условные ордера позиции. Роль берём из
// нашего clOrdId, иначе выводим по стороне и reduceOnly.
func (c *Client) ListOpenOrders(ctx context.Context, symbol string, side models.Side) ([]models.OrderRecord, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", symbol)

	var orders []pendingOrder
	if err := c.do(ctx, http.MethodGet, ordersPendingPath, q, nil, &orders); err != nil {
		return nil, err
	}

	aq := url.Values{}
	aq.Set("ordType", "conditional")
	aq.Set("instType", "SWAP")
	aq.Set("instId", symbol)

	var algos []pendingAlgo
	if err := c.do(ctx, http.MethodGet, algoPendingPath, aq, nil, &algos); err != nil {
		return nil, err
	}

	out := make([]models.OrderRecord, 0, len(orders)+len(algos))
	for _, o := range orders {
		if !belongs(o.PosSide, o.Side, side) || o.OrdType == "market" {
			continue
		}
		rec := models.OrderRecord{
			ExchangeOrderID: o.OrdID,
			ClientOrderID:   o.ClOrdID,
			Price:           parseDecimal(o.Px),
			Quantity:        remaining(parseDecimal(o.Sz), parseDecimal(o.AccFillSz)),
			Status:          models.OrderOpen,
		}
		if role, level, ok := models.ParseClientOrderID(o.ClOrdID); ok {
			rec.Role, rec.Level = role, level
		} else if o.ReduceOnly == "true" || o.Side == closingSide(side) {
			rec.Role = models.RoleTakeProfit
		} else {
			rec.Role = models.RoleEntryLimit
		}
		out = append(out, rec)
	}

	for _, a := range algos {
		if !belongs(a.PosSide, a.Side, side) {
			continue
		}
		rec := models.OrderRecord{
			ExchangeOrderID: a.AlgoID,
			ClientOrderID:   a.AlgoClOrdID,
			Quantity:        parseDecimal(a.Sz),
			Status:          models.OrderOpen,
			Algo:            true,
		}
		switch {
		case a.SlTriggerPx != "":
			rec.Role = models.RoleStopLoss
			rec.Price = parseDecimal(a.SlTriggerPx)
		case a.TpTriggerPx != "":
			rec.Role = models.RoleTakeProfit
			rec.Price = parseDecimal(a.TpTriggerPx)
		default:
			continue
		}
		if role, level, ok := models.ParseClientOrderID(a.AlgoClOrdID); ok && role == rec.Role {
			rec.Level = level
		}
		out = append(out, rec)
	}
	return out, nil
}

// belongs — относится ли ордер к позиции side. В hedge mode смотрим
// posSide, в net mode ордер без posSide приписываем по стороне сделки.
func belongs(posSide, orderSide string, side models.Side) bool {
	if posSide == "long" || posSide == "short" {
		return posSide == string(side)
	}
	return orderSide == openingSide(side) || orderSide == closingSide(side)
}

// PlaceOrder ставит ордер и возвращает ordId (или algoId для conditional).
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side models.Side, req models.OrderRequest) (string, error) {
	if req.Quantity.Sign() <= 0 {
		return "", exchange.Permanent(nil, "place %s: size <= 0", symbol)
	}

	body := map[string]any{
		"instId":  symbol,
		"tdMode":  tdMode,
		"posSide": string(side),
		"sz":      req.Quantity.String(),
	}

	path := placeOrderPath
	switch req.Type {
	case models.OrderTypeLimit:
		if req.Price.Sign() <= 0 {
			return "", exchange.Permanent(nil, "place %s: limit price <= 0", symbol)
		}
		body["ordType"] = "limit"
		body["px"] = req.Price.String()
		body["clOrdId"] = req.ClientOrderID
		if req.Role == models.RoleEntryLimit {
			body["side"] = openingSide(side)
		} else {
			body["side"] = closingSide(side)
			body["reduceOnly"] = true
		}
	case models.OrderTypeMarket:
		body["ordType"] = "market"
		body["clOrdId"] = req.ClientOrderID
		if req.ReduceOnly {
			body["side"] = closingSide(side)
			body["reduceOnly"] = true
		} else {
			body["side"] = openingSide(side)
		}
	case models.OrderTypeConditional:
		if req.Price.Sign() <= 0 {
			return "", exchange.Permanent(nil, "place %s: trigger price <= 0", symbol)
		}
		path = placeAlgoPath
		body["ordType"] = "conditional"
		body["side"] = closingSide(side)
		body["reduceOnly"] = true
		body["algoClOrdId"] = req.ClientOrderID
		if req.Role == models.RoleTakeProfit {
			body["tpTriggerPx"] = req.Price.String()
			body["tpOrdPx"] = "-1"
			body["tpTriggerPxType"] = "last"
		} else {
			body["slTriggerPx"] = req.Price.String()
			body["slOrdPx"] = "-1"
			body["slTriggerPxType"] = "last"
		}
	default:
		return "", exchange.Permanent(nil, "place %s: unsupported order type %q", symbol, req.Type)
	}
	if req.ClientOrderID == "" {
		delete(body, "clOrdId")
		delete(body, "algoClOrdId")
	}

	var acks []orderAck
	if err := c.do(ctx, http.MethodPost, path, nil, body, &acks); err != nil {
		return "", err
	}
	if len(acks) == 0 {
		return "", exchange.Transient(nil, "place %s: empty ack", symbol)
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return "", classify(acks[0].SCode, "place "+symbol+": "+acks[0].SMsg)
	}
	id := acks[0].OrdID
	if path == placeAlgoPath {
		id = acks[0].AlgoID
	}
	if id == "" {
		return "", exchange.Transient(nil, "place %s: empty order id", symbol)
	}
	return id, nil
}

// CancelOrder отменяет обычный или условный ордер.
func (c *Client) CancelOrder(ctx context.Context, symbol string, order models.OrderRecord) error {
	var (
		path string
		body any
	)
	switch {
	case order.Algo && order.ExchangeOrderID != "":
		path = cancelAlgosPath
		body = []map[string]string{{"instId": symbol, "algoId": order.ExchangeOrderID}}
	case order.ExchangeOrderID != "":
		path = cancelOrderPath
		body = map[string]string{"instId": symbol, "ordId": order.ExchangeOrderID}
	case order.ClientOrderID != "" && !order.Algo:
		path = cancelOrderPath
		body = map[string]string{"instId": symbol, "clOrdId": order.ClientOrderID}
	default:
		return exchange.Permanent(nil, "cancel %s: order has no id", symbol)
	}

	var acks []orderAck
	if err := c.do(ctx, http.MethodPost, path, nil, body, &acks); err != nil {
		return err
	}
	if len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
		return classify(acks[0].SCode, "cancel "+symbol+": "+acks[0].SMsg)
	}
	return nil
}

// remaining — остаток лимитного ордера, не уходит в минус.
func remaining(sz, filled decimal.Decimal) decimal.Decimal {
	if r := sz.Sub(filled); r.Sign() > 0 {
		return r
	}
	return decimal.Zero
}
