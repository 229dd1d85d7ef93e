package gamification

import (
	"errors"
	"time"

	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

// ErrQuotaExhausted возвращается, если дневной лимит сканирований исчерпан.
var ErrQuotaExhausted = errors.New("daily scan quota exhausted")

// RemainingScans возвращает число сканирований, доступных сегодня.
// Счётчик прошлого дня не учитывается, но и не сбрасывается.
func RemainingScans(acc model.Account, now time.Time, loc *time.Location) int {
	limit := max(acc.DailyScanLimit, 0)
	if !scannedToday(acc, now, loc) {
		return limit
	}
	return max(0, limit-acc.DailyScanCount)
}

// ConsumeScan списывает одно сканирование из дневного лимита аккаунта.
func ConsumeScan(acc *model.Account, now time.Time, loc *time.Location) error {
	if RemainingScans(*acc, now, loc) == 0 {
		return ErrQuotaExhausted
	}

	if scannedToday(*acc, now, loc) {
		acc.DailyScanCount++
	} else {
		acc.DailyScanCount = 1
	}

	today := Today(now, loc)
	acc.LastScanDate = &today
	return nil
}

func scannedToday(acc model.Account, now time.Time, loc *time.Location) bool {
	if acc.LastScanDate == nil {
		return false
	}
	return calendarDay(*acc.LastScanDate).Equal(Today(now, loc))
}
