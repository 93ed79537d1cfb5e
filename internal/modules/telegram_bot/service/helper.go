package service

import (
	"fmt"
	"strings"

	"tpsl_keeper/internal/models"
)

func positionTitle(k models.PositionKey) string {
	return fmt.Sprintf("%s %s [%s]", k.Symbol, strings.ToUpper(string(k.Side)), k.Account)
}

// slotName — уровень 0 у алертов означает стоп или вход.
func slotName(level int) string {
	if level > 0 {
		return fmt.Sprintf("TP%d", level)
	}
	return "SL/вход"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "—"
	}
	return s
}
