// Package model содержит доменные сущности сервиса геймификации Greenfinity.
package model

import "time"

// Account представляет пользователя с его игровыми счётчиками.
type Account struct {
	ID             string
	DisplayName    string
	TotalPoints    int64
	Streak         int
	HighestStreak  int
	LastActivityAt *time.Time
	DailyScanCount int
	LastScanDate   *time.Time
	DailyScanLimit int
	CreatedAt      time.Time
}

// PointType описывает вид действия, за которое начислены баллы.
type PointType string

const (
	PointTypePostReward         PointType = "POST_REWARD"
	PointTypeEventAttendance    PointType = "EVENT_ATTENDANCE"
	PointTypeMarketplaceSale    PointType = "MARKETPLACE_SALE"
	PointTypeScanRecyclableItem PointType = "SCAN_RECYCLABLE_ITEM"
	PointTypeOther              PointType = "OTHER"
)

// Valid сообщает, входит ли тип в допустимый набор.
func (t PointType) Valid() bool {
	switch t {
	case PointTypePostReward, PointTypeEventAttendance, PointTypeMarketplaceSale,
		PointTypeScanRecyclableItem, PointTypeOther:
		return true
	}
	return false
}

// PointLedgerEntry описывает неизменяемую запись о начислении баллов.
type PointLedgerEntry struct {
	ID        string
	UserID    string
	Points    int64
	Reason    string
	Type      PointType
	CreatedAt time.Time
}

// StreakOutcome описывает результат пересчёта серии.
type StreakOutcome string

const (
	StreakUnchanged  StreakOutcome = "unchanged"
	StreakMaintained StreakOutcome = "maintained"
	StreakIncreased  StreakOutcome = "increased"
	StreakBroken     StreakOutcome = "broken"
)

// StreakLogEntry описывает диагностическую запись об изменении серии.
type StreakLogEntry struct {
	UserID    string
	OldStreak int
	NewStreak int
	Status    StreakOutcome
	DiffDays  int
	CreatedAt time.Time
}

// StreakStatus содержит сводку о состоянии серии пользователя.
type StreakStatus struct {
	IsActive       bool      `json:"isActive"`
	DaysUntilBreak int       `json:"daysUntilBreak"`
	LastUpdate     time.Time `json:"lastUpdate"`
}

// LeaderboardEntry описывает строку рейтинга пользователей.
type LeaderboardEntry struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	TotalPoints int64  `json:"totalPoints"`
	Streak      int    `json:"streak"`
}

// Award описывает запрос на начисление баллов одному пользователю.
type Award struct {
	UserID string    `validate:"required,max=128"`
	Points int64     `validate:"min=0"`
	Reason string    `validate:"required,max=500"`
	Type   PointType `validate:"required"`
}

// AwardResult содержит состояние аккаунта после начисления.
type AwardResult struct {
	UserID       string
	TotalPoints  int64
	Streak       int
	StreakStatus StreakOutcome
}

// ScanStatus описывает статус обработки сканирования.
type ScanStatus string

const (
	ScanStatusNew        ScanStatus = "NEW"
	ScanStatusRecyclable ScanStatus = "RECYCLABLE"
	ScanStatusRejected   ScanStatus = "REJECTED"
)

// Scan описывает отправленное пользователем сканирование предмета.
type Scan struct {
	ID          string
	UserID      string
	Label       string
	Status      ScanStatus
	Category    string
	Points      int64
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Sale отмечает учтённую сделку на маркетплейсе. По одному предмету
// начисление проводится один раз.
type Sale struct {
	ItemID    string
	SellerID  string
	BuyerID   string
	CreatedAt time.Time
}
