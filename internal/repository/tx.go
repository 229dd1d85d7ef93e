package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

// Tx описывает операции, доступные внутри транзакции WithTx.
type Tx interface {
	// GetAccountForUpdate читает аккаунт и блокирует его строку до конца транзакции.
	GetAccountForUpdate(ctx context.Context, userID string) (*model.Account, error)
	UpdateStreak(ctx context.Context, acc *model.Account) error
	UpdateScanQuota(ctx context.Context, acc *model.Account) error
	InsertStreakLog(ctx context.Context, entry model.StreakLogEntry) error
	InsertLedgerEntry(ctx context.Context, entry model.PointLedgerEntry) error
	IncrementTotalPoints(ctx context.Context, userID string, delta int64) (int64, error)
	SumLedger(ctx context.Context, userID string) (int64, error)
	SetTotalPoints(ctx context.Context, userID string, total int64) error
	InsertScan(ctx context.Context, scan model.Scan) error
	CompleteScan(ctx context.Context, scan model.Scan) error
	// InsertSale отмечает сделку по предмету. Повтор возвращает ErrSaleExists.
	InsertSale(ctx context.Context, sale model.Sale) error
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`,
		userID,
	))
}

func (t *pgTx) UpdateStreak(ctx context.Context, acc *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET streak = $2, highest_streak = $3, last_activity_at = $4 WHERE id = $1`,
		acc.ID, acc.Streak, acc.HighestStreak, acc.LastActivityAt,
	)
	if err != nil {
		return fmt.Errorf("update streak: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateScanQuota(ctx context.Context, acc *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET daily_scan_count = $2, last_scan_date = $3 WHERE id = $1`,
		acc.ID, acc.DailyScanCount, acc.LastScanDate,
	)
	if err != nil {
		return fmt.Errorf("update scan quota: %w", err)
	}
	return nil
}

func (t *pgTx) InsertStreakLog(ctx context.Context, e model.StreakLogEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO streak_log (user_id, old_streak, new_streak, status, diff_days, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.UserID, e.OldStreak, e.NewStreak, string(e.Status), e.DiffDays, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert streak log: %w", err)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e model.PointLedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO point_ledger (id, user_id, points, reason, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.UserID, e.Points, e.Reason, string(e.Type), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (t *pgTx) IncrementTotalPoints(ctx context.Context, userID string, delta int64) (int64, error) {
	var total int64
	err := t.tx.QueryRow(ctx,
		`UPDATE accounts SET total_points = total_points + $2 WHERE id = $1 RETURNING total_points`,
		userID, delta,
	).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("increment total points: %w", err)
	}
	return total, nil
}

func (t *pgTx) SumLedger(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM point_ledger WHERE user_id = $1`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

func (t *pgTx) SetTotalPoints(ctx context.Context, userID string, total int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE accounts SET total_points = $2 WHERE id = $1`,
		userID, total,
	)
	if err != nil {
		return fmt.Errorf("set total points: %w", err)
	}
	return nil
}

func (t *pgTx) InsertScan(ctx context.Context, s model.Scan) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO scans (id, user_id, label, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.UserID, s.Label, string(s.Status), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// CompleteScan переводит сканирование из статуса NEW в итоговый.
func (t *pgTx) CompleteScan(ctx context.Context, s model.Scan) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE scans SET status = $2, category = $3, points = $4, processed_at = $5
		 WHERE id = $1 AND status = $6`,
		s.ID, string(s.Status), s.Category, s.Points, s.ProcessedAt, string(model.ScanStatusNew),
	)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScanNotFound
	}
	return nil
}

func (t *pgTx) InsertSale(ctx context.Context, s model.Sale) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO sales (item_id, seller_id, buyer_id, created_at) VALUES ($1, $2, $3, $4)`,
		s.ItemID, s.SellerID, s.BuyerID, s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrSaleExists, s.ItemID)
		}
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

var _ Tx = (*pgTx)(nil)

