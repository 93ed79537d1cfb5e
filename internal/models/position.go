package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account — какой из двух аккаунтов держит позицию.
type Account string

const (
	AccountPrimary Account = "primary"
	AccountMirror  Account = "mirror"
)

func (a Account) Valid() bool { return a == AccountPrimary || a == AccountMirror }

// Side — направление позиции ("long"/"short"), как posSide у OKX.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// PositionKey однозначно определяет отслеживаемую позицию.
// Account всегда задаётся явно и никогда не выводится из symbol/side.
type PositionKey struct {
	Symbol  string  `json:"symbol"`
	Side    Side    `json:"side"`
	Account Account `json:"account"`
}

func (k PositionKey) String() string {
	return k.Symbol + ":" + string(k.Side) + ":" + string(k.Account)
}

// WithAccount возвращает ключ той же позиции на другом аккаунте.
func (k PositionKey) WithAccount(a Account) PositionKey {
	k.Account = a
	return k
}

func (k PositionKey) Validate() error {
	if strings.TrimSpace(k.Symbol) == "" {
		return fmt.Errorf("position key: empty symbol")
	}
	if !k.Side.Valid() {
		return fmt.Errorf("position key %s: bad side %q", k.Symbol, k.Side)
	}
	if !k.Account.Valid() {
		return fmt.Errorf("position key %s: bad account %q", k.Symbol, k.Account)
	}
	return nil
}

// ParsePositionKey разбирает формат "SYMBOL:side:account".
func ParsePositionKey(s string) (PositionKey, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return PositionKey{}, fmt.Errorf("bad position key %q", s)
	}
	rest, account := s[:i], s[i+1:]
	j := strings.LastIndexByte(rest, ':')
	if j <= 0 {
		return PositionKey{}, fmt.Errorf("bad position key %q", s)
	}
	k := PositionKey{
		Symbol:  rest[:j],
		Side:    Side(rest[j+1:]),
		Account: Account(account),
	}
	if err := k.Validate(); err != nil {
		return PositionKey{}, err
	}
	return k, nil
}

// PositionReading — снимок позиции, полученный с биржи.
// Account — аккаунт, с которого реально пришли данные.
type PositionReading struct {
	Symbol   string
	Side     Side
	Account  Account
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
	ReadAt   time.Time
}

func (r PositionReading) Key() PositionKey {
	return PositionKey{Symbol: r.Symbol, Side: r.Side, Account: r.Account}
}
