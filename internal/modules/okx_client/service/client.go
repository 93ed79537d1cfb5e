package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tpsl_keeper/internal/exchange"
	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/modules/config"
)

const tdMode = "cross"

type Options struct {
	BaseURL     string
	Simulated   bool
	RateLimit   float64 // запросов в секунду
	Burst       int
	MinNotional decimal.Decimal
	HTTP        *http.Client
}

// Client — REST-клиент одного аккаунта OKX (SWAP, hedge mode).
type Client struct {
	account models.Account

	http      *http.Client
	limiter   *rate.Limiter
	baseURL   string
	simulated bool

	apiKey    string
	apiSecret string
	passph    string

	minNotional decimal.Decimal
	now         func() time.Time
}

func NewClient(account models.Account, creds config.Credentials, opts Options) *Client {
	hc := opts.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	base := opts.BaseURL
	if base == "" {
		base = "https://www.okx.com"
	}
	return &Client{
		account:     account,
		http:        hc,
		limiter:     rate.NewLimiter(limit, burst),
		baseURL:     base,
		simulated:   opts.Simulated,
		apiKey:      creds.APIKey,
		apiSecret:   creds.Secret,
		passph:      creds.Passphrase,
		minNotional: opts.MinNotional,
		now:         time.Now,
	}
}

func (c *Client) Account() models.Account { return c.account }

// envelope — общий конверт ответов OKX.
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// itemStatus — статус отдельного элемента у торговых эндпоинтов.
type itemStatus struct {
	SCode string `json:"sCode"`
	SMsg  string `json:"sMsg"`
}

// do отправляет подписанный запрос и раскладывает data в out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return exchange.Permanent(err, "%s marshal", path)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return exchange.Transient(err, "%s rate limiter", path)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return exchange.Permanent(err, "%s new request", path)
	}
	ts := c.now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", c.sign(ts, method, requestPath, string(payload)))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passph)
	req.Header.Set("Content-Type", "application/json")
	if c.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return exchange.Transient(err, "%s %s do", c.account, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return exchange.Transient(err, "%s read body", path)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5 {
		return exchange.Transient(nil, "%s http %d: %s", path, resp.StatusCode, string(raw))
	}

	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode/100 != 2 {
			return exchange.Permanent(nil, "%s http %d: %s", path, resp.StatusCode, string(raw))
		}
		return exchange.Transient(err, "%s decode: %s", path, string(raw))
	}

	if env.Code != "0" {
		code, msg := env.Code, env.Msg
		var items []itemStatus
		if len(env.Data) > 0 && sonic.Unmarshal(env.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
			code, msg = items[0].SCode, items[0].SMsg
		}
		return classify(code, fmt.Sprintf("%s %s: code=%s msg=%s", c.account, path, code, msg))
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(env.Data, out); err != nil {
		return exchange.Transient(err, "%s decode data", path)
	}
	return nil
}

func (c *Client) sign(ts, method, requestPath, body string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(ts + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// classify раскладывает коды OKX по классам ошибок exchange.
func classify(code, text string) error {
	switch code {
	case "50001", "50004", "50011", "50013", "50026", "50061":
		// сервис недоступен, таймаут, rate limit, перегрузка
		return exchange.Transient(nil, "%s", text)
	case "51400", "51401", "51402", "51603":
		// ордер уже исполнен/отменён или не существует
		return exchange.NotFound(nil, "%s", text)
	default:
		return exchange.Permanent(nil, "%s", text)
	}
}

// closingSide — сторона ордера, уменьшающего позицию.
func closingSide(side models.Side) string {
	if side == models.SideShort {
		return "buy"
	}
	return "sell"
}

func openingSide(side models.Side) string {
	if side == models.SideShort {
		return "sell"
	}
	return "buy"
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
