// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserNotFound возвращается, если аккаунт пользователя не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountExists возвращается при повторной регистрации аккаунта.
	ErrAccountExists = errors.New("account already exists")
	// ErrScanNotFound возвращается, если сканирование не найдено.
	ErrScanNotFound = errors.New("scan not found")
	// ErrSaleExists возвращается при повторной записи сделки по тому же предмету.
	ErrSaleExists = errors.New("sale already recorded")
)

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Конфликты блокировок и сериализации лечатся повтором всей транзакции.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping проверяет доступность БД.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// WithTx выполняет fn в одной транзакции. При конфликте сериализации или
// взаимной блокировке транзакция откатывается и fn вызывается заново,
// поэтому fn не должна иметь побочных эффектов вне tx.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// CreateAccount создаёт аккаунт с нулевыми счётчиками.
func (r *PostgresRepository) CreateAccount(ctx context.Context, userID, displayName string, dailyScanLimit int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (id, display_name, daily_scan_limit) VALUES ($1, $2, $3)`,
		userID, displayName, dailyScanLimit,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrAccountExists, userID)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

const accountColumns = `id, display_name, total_points, streak, highest_streak, last_activity_at,
	daily_scan_count, last_scan_date, daily_scan_limit, created_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID, &a.DisplayName, &a.TotalPoints, &a.Streak, &a.HighestStreak, &a.LastActivityAt,
		&a.DailyScanCount, &a.LastScanDate, &a.DailyScanLimit, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

// GetAccount возвращает аккаунт пользователя.
func (r *PostgresRepository) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		userID,
	))
}

// GetLeaderboard возвращает пользователей с наибольшим числом баллов.
func (r *PostgresRepository) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, display_name, total_points, streak
		 FROM accounts
		 ORDER BY total_points DESC, id ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select leaderboard: %w", err)
	}
	defer rows.Close()

	var res []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.UserName, &e.TotalPoints, &e.Streak); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetPointHistory возвращает записи журнала баллов пользователя, новые первыми.
func (r *PostgresRepository) GetPointHistory(ctx context.Context, userID string) ([]model.PointLedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id::text, user_id, points, reason, type, created_at
		 FROM point_ledger
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select point history: %w", err)
	}
	defer rows.Close()

	var res []model.PointLedgerEntry
	for rows.Next() {
		var (
			e       model.PointLedgerEntry
			typeStr string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Points, &e.Reason, &typeStr, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = model.PointType(typeStr)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

const scanColumns = `id::text, user_id, label, status, category, points, created_at, processed_at`

func collectScans(rows pgx.Rows) ([]model.Scan, error) {
	defer rows.Close()

	var res []model.Scan
	for rows.Next() {
		var (
			s      model.Scan
			status string
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.Label, &status, &s.Category, &s.Points, &s.CreatedAt, &s.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		s.Status = model.ScanStatus(status)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetScansByUser возвращает сканирования пользователя, новые первыми.
func (r *PostgresRepository) GetScansByUser(ctx context.Context, userID string) ([]model.Scan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+scanColumns+`
		 FROM scans
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select scans: %w", err)
	}
	return collectScans(rows)
}

// GetScansForClassification возвращает сканирования, ожидающие классификации.
func (r *PostgresRepository) GetScansForClassification(ctx context.Context, limit int) ([]model.Scan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+scanColumns+`
		 FROM scans
		 WHERE status = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.ScanStatusNew),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select scans for classification: %w", err)
	}
	return collectScans(rows)
}

// FindDivergentAccounts возвращает аккаунты, у которых кэш баллов расходится с журналом.
// Аккаунты с суммой ниже журнала идут первыми.
func (r *PostgresRepository) FindDivergentAccounts(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id
		 FROM accounts a
		 LEFT JOIN point_ledger l ON l.user_id = a.id
		 GROUP BY a.id, a.total_points
		 HAVING a.total_points <> COALESCE(SUM(l.points), 0)
		 ORDER BY a.total_points < COALESCE(SUM(l.points), 0) DESC, a.id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select divergent accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}
