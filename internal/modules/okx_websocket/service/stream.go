package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/internal/modules/config"
	"tpsl_keeper/pkg/logger"
)

// HintSink получает подсказку "позиция изменилась". Источник истины
// остаётся REST, подсказка только будит монитор.
type HintSink interface {
	OnPositionHint(key models.PositionKey, size decimal.Decimal)
}

// ConnState — куда отчитываться о состоянии соединения.
type ConnState interface {
	SetWSConnected(account models.Account, v bool)
}

// Stream держит приватный WS одного аккаунта с подпиской на positions.
type Stream struct {
	account   models.Account
	url       string
	creds     config.Credentials
	simulated bool

	dialer *websocket.Dialer
	hints  HintSink
	state  ConnState

	pingEvery time.Duration
	backoff   time.Duration
	now       func() time.Time
}

func NewStream(account models.Account, url string, creds config.Credentials, simulated bool, hints HintSink, state ConnState) *Stream {
	return &Stream{
		account:   account,
		url:       url,
		creds:     creds,
		simulated: simulated,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		hints:     hints,
		state:     state,
		pingEvery: 20 * time.Second,
		backoff:   time.Second,
		now:       time.Now,
	}
}

// Run переподключается, пока жив ctx.
func (s *Stream) Run(ctx context.Context) {
	wait := s.backoff
	for {
		started := s.now()
		err := s.session(ctx)
		s.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("[WS] %s session ended: %v", s.account, err)

		// сессия прожила дольше минуты — начинаем бэкофф заново
		if s.now().Sub(started) > time.Minute {
			wait = s.backoff
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (s *Stream) session(ctx context.Context) error {
	header := map[string][]string{}
	if s.simulated {
		header["x-simulated-trading"] = []string{"1"}
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// закрываем соединение по ctx, чтобы разблокировать ReadMessage
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(s.loginFrame()); err != nil {
		return fmt.Errorf("login write: %w", err)
	}
	if err := s.expectEvent(conn, "login"); err != nil {
		return err
	}

	sub := map[string]any{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": "positions", "instType": "SWAP"}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}
	if err := s.expectEvent(conn, "subscribe"); err != nil {
		return err
	}

	s.setConnected(true)
	logger.Info("[WS] %s subscribed to positions", s.account)

	// keepalive: без пинга OKX рвёт соединение через 30s тишины
	go func() {
		t := time.NewTicker(s.pingEvery)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(msg) == "pong" {
			continue
		}
		f, err := parseFrame(msg)
		if err != nil {
			logger.Debug("[WS] %s skip frame: %v", s.account, err)
			continue
		}
		if f.Event == "error" {
			return fmt.Errorf("okx ws error code=%s msg=%s", f.Code, f.Msg)
		}
		if f.Arg.Channel != "positions" {
			continue
		}
		s.dispatch(f.Data)
	}
}

func (s *Stream) expectEvent(conn *websocket.Conn, event string) error {
	_ = conn.SetReadDeadline(s.now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%s: %w", event, err)
		}
		f, err := parseFrame(msg)
		if err != nil {
			continue
		}
		switch f.Event {
		case event:
			return nil
		case "error":
			return fmt.Errorf("%s rejected: code=%s msg=%s", event, f.Code, f.Msg)
		}
	}
}

func (s *Stream) dispatch(rows []positionPush) {
	for _, row := range rows {
		key, size, ok := row.hint(s.account)
		if !ok {
			continue
		}
		logger.Debug("[WS] %s hint %s size=%s", s.account, key, size)
		s.hints.OnPositionHint(key, size)
	}
}

func (s *Stream) loginFrame() map[string]any {
	ts := strconv.FormatInt(s.now().Unix(), 10)
	return map[string]any{
		"op": "login",
		"args": []map[string]string{{
			"apiKey":     s.creds.APIKey,
			"passphrase": s.creds.Passphrase,
			"timestamp":  ts,
			"sign":       loginSign(s.creds.Secret, ts),
		}},
	}
}

func (s *Stream) setConnected(v bool) {
	if s.state != nil {
		s.state.SetWSConnected(s.account, v)
	}
}

// loginSign — подпись WS-логина OKX: ts + GET + /users/self/verify.
func loginSign(secret, ts string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts + "GET" + "/users/self/verify"))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

type frame struct {
	Event string `json:"event"`
	Code  string `json:"code"`
	Msg   string `json:"msg"`
	Arg   struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []positionPush `json:"data"`
}

type positionPush struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
}

func parseFrame(msg []byte) (frame, error) {
	var f frame
	if err := sonic.Unmarshal(msg, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func (p positionPush) hint(account models.Account) (models.PositionKey, decimal.Decimal, bool) {
	if p.InstID == "" || (p.InstType != "" && p.InstType != "SWAP") {
		return models.PositionKey{}, decimal.Zero, false
	}
	size := decimal.Zero
	if p.Pos != "" {
		v, err := decimal.NewFromString(p.Pos)
		if err != nil {
			return models.PositionKey{}, decimal.Zero, false
		}
		size = v
	}
	var side models.Side
	switch p.PosSide {
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
		return models.PositionKey{}, decimal.Zero, false
	}
	return models.PositionKey{Symbol: p.InstID, Side: side, Account: account}, size.Abs(), true
}
