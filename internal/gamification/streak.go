// Package gamification содержит правила пересчёта серий и дневных лимитов.
// Функции пакета не обращаются к хранилищу: они получают состояние аккаунта
// и текущее время и возвращают новое состояние.
package gamification

import (
	"time"

	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

const day = 24 * time.Hour

var epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// Transition описывает переход серии при очередной активности пользователя.
type Transition struct {
	OldStreak int
	NewStreak int
	DiffDays  int
	Status    model.StreakOutcome
}

// Changed сообщает, нужно ли сохранять переход.
func (t Transition) Changed() bool {
	return t.Status != model.StreakUnchanged
}

// LogEntry формирует диагностическую запись о переходе.
func (t Transition) LogEntry(userID string, now time.Time) model.StreakLogEntry {
	return model.StreakLogEntry{
		UserID:    userID,
		OldStreak: t.OldStreak,
		NewStreak: t.NewStreak,
		Status:    t.Status,
		DiffDays:  t.DiffDays,
		CreatedAt: now,
	}
}

// Today возвращает календарную дату now в зоне loc в виде полуночи UTC.
func Today(now time.Time, loc *time.Location) time.Time {
	return calendarDay(now.In(loc))
}

func calendarDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DiffDays возвращает число полных календарных дней между последней активностью и now.
// Если активности не было, отсчёт ведётся от начала эпохи.
func DiffDays(last *time.Time, now time.Time, loc *time.Location) int {
	from := epoch
	if last != nil {
		from = Today(*last, loc)
	}
	return int(Today(now, loc).Sub(from) / day)
}

// EvaluateStreak вычисляет новое значение серии.
//
// Пропуск ровно одного дня (diffDays == 2) обнуляет серию, а более длинный
// перерыв начинает её заново с единицы. Это поведение сохранено намеренно,
// см. DESIGN.md.
func EvaluateStreak(streak int, last *time.Time, now time.Time, loc *time.Location) Transition {
	diff := DiffDays(last, now, loc)
	t := Transition{OldStreak: streak, NewStreak: streak, DiffDays: diff}

	switch {
	case diff <= 0:
		t.Status = model.StreakUnchanged
	case diff == 1:
		t.NewStreak = streak + 1
		t.Status = model.StreakIncreased
	case diff == 2:
		t.NewStreak = 0
		t.Status = model.StreakBroken
	default:
		t.NewStreak = 1
		t.Status = model.StreakMaintained
	}

	return t
}

// ApplyTransition переносит переход в аккаунт: серию, рекорд и время активности.
func ApplyTransition(acc *model.Account, t Transition, now time.Time) {
	if !t.Changed() {
		return
	}
	acc.Streak = t.NewStreak
	acc.HighestStreak = max(acc.HighestStreak, t.NewStreak)
	ts := now
	acc.LastActivityAt = &ts
}

// Status возвращает сводку по серии. Второй результат равен false, если активности ещё не было.
func Status(acc model.Account, now time.Time, loc *time.Location) (model.StreakStatus, bool) {
	if acc.LastActivityAt == nil {
		return model.StreakStatus{}, false
	}

	diff := max(DiffDays(acc.LastActivityAt, now, loc), 0)

	return model.StreakStatus{
		IsActive:       acc.Streak > 0 && diff < 2,
		DaysUntilBreak: max(0, 2-diff),
		LastUpdate:     *acc.LastActivityAt,
	}, true
}
