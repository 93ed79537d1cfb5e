package service

import (
	"fmt"

	"tpsl_keeper/internal/models"
)

func formatEvent(ev models.Event) string {
	head := positionTitle(ev.Key)
	switch ev.Kind {
	case models.EventEntryFilled:
		return fmt.Sprintf("📥 %s\nДобор входа: +%s\nРазмер: %s", head, ev.Delta, ev.Size)
	case models.EventTakeProfitFilled:
		return fmt.Sprintf("🎯 %s\nTP%d исполнен: -%s\nОсталось: %s", head, ev.Level, ev.Delta.Abs(), ev.Size)
	case models.EventPositionClosed:
		return fmt.Sprintf("✅ %s\nПозиция закрыта", head)
	case models.EventSyncSuspended:
		return fmt.Sprintf("⛔️ %s\nСинхронизация приостановлена: %s", head, orDash(ev.Reason))
	case models.EventOrderPlacementFailed:
		return fmt.Sprintf("❗️ %s\nНе удалось поставить %s: %s", head, slotName(ev.Level), orDash(ev.Reason))
	case models.EventAnomalousFill:
		return fmt.Sprintf("⚠️ %s\nАномальное изменение размера (%s): %s", head, ev.Size, orDash(ev.Reason))
	default:
		return fmt.Sprintf("ℹ️ %s\n%s: %s", head, ev.Kind, orDash(ev.Reason))
	}
}
