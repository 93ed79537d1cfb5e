package models

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Формат clOrdId: "tk" + код роли + уровень + "x" + 24 hex из uuid.
// OKX принимает до 32 буквенно-цифровых символов.
const clOrdPrefix = "tk"

const (
	codeEntry      = "e"
	codeTakeProfit = "t"
	codeStopLoss   = "s"
	codeCorrection = "m"
)

func NewClientOrderID(role Role, level int) string {
	return clOrdPrefix + roleCode(role) + strconv.Itoa(level) + "x" + shortUUID()
}

// NewCorrectionOrderID — id рыночного ордера выравнивания зеркала.
func NewCorrectionOrderID() string {
	return clOrdPrefix + codeCorrection + "0x" + shortUUID()
}

// ParseClientOrderID восстанавливает роль и уровень из нашего clOrdId.
// ok=false для чужих ордеров и корректирующих маркетов.
func ParseClientOrderID(id string) (role Role, level int, ok bool) {
	if !strings.HasPrefix(id, clOrdPrefix) || len(id) < len(clOrdPrefix)+3 {
		return "", 0, false
	}
	rest := id[len(clOrdPrefix):]
	switch rest[:1] {
	case codeEntry:
		role = RoleEntryLimit
	case codeTakeProfit:
		role = RoleTakeProfit
	case codeStopLoss:
		role = RoleStopLoss
	default:
		return "", 0, false
	}
	x := strings.IndexByte(rest, 'x')
	if x < 2 {
		return "", 0, false
	}
	level, err := strconv.Atoi(rest[1:x])
	if err != nil || level < 0 {
		return "", 0, false
	}
	return role, level, true
}

func roleCode(r Role) string {
	switch r {
	case RoleTakeProfit:
		return codeTakeProfit
	case RoleStopLoss:
		return codeStopLoss
	default:
		return codeEntry
	}
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
