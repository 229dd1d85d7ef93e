// Package service реализует бизнес-логику геймификации: журнал баллов,
// серии активности, дневной лимит сканирований и рейтинг.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/greenfinity-ledger/internal/classifier"
	"github.com/mmeshcher/greenfinity-ledger/internal/gamification"
	"github.com/mmeshcher/greenfinity-ledger/internal/model"
	"github.com/mmeshcher/greenfinity-ledger/internal/notify"
	"github.com/mmeshcher/greenfinity-ledger/internal/repository"
	"github.com/mmeshcher/greenfinity-ledger/internal/validation"
)

const (
	// DefaultLeaderboardLimit задаёт размер рейтинга по умолчанию.
	DefaultLeaderboardLimit = 10
	// MaxLeaderboardLimit задаёт максимальный размер рейтинга.
	MaxLeaderboardLimit = 100
)

var (
	// ErrNotAuthenticated возвращается, если идентификатор пользователя не указан.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrInvalidInput возвращается при некорректных параметрах операции.
	ErrInvalidInput = errors.New("invalid input")
	// ErrScanQuotaExceeded возвращается, если дневной лимит сканирований исчерпан.
	ErrScanQuotaExceeded = errors.New("daily scan quota exceeded")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	Ping(ctx context.Context) error
	WithTx(ctx context.Context, fn func(tx repository.Tx) error) error
	CreateAccount(ctx context.Context, userID, displayName string, dailyScanLimit int) error
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	GetPointHistory(ctx context.Context, userID string) ([]model.PointLedgerEntry, error)
	GetScansByUser(ctx context.Context, userID string) ([]model.Scan, error)
	GetScansForClassification(ctx context.Context, limit int) ([]model.Scan, error)
	FindDivergentAccounts(ctx context.Context, limit int) ([]string, error)
}

// Notifier доставляет пользователю уведомления. Ошибки доставки не возвращаются.
type Notifier interface {
	Notify(ctx context.Context, note notify.Notification)
}

// LeaderboardCache кэширует страницы рейтинга. Get возвращает текущую версию
// кэша, Set сохраняет страницу под переданной версией: страница, прочитанная
// до Invalidate, уже не будет выдана.
type LeaderboardCache interface {
	Get(ctx context.Context, limit int) ([]model.LeaderboardEntry, int64, bool)
	Set(ctx context.Context, limit int, version int64, entries []model.LeaderboardEntry)
	Invalidate(ctx context.Context)
}

// Classifier распознаёт, подлежит ли предмет переработке.
type Classifier interface {
	Classify(ctx context.Context, label string) (*classifier.Verdict, int, time.Duration, error)
}

// Options задаёт правила начислений.
type Options struct {
	Location              *time.Location
	DefaultDailyScanLimit int
	ScanRewardPoints      int64
	SaleSellerPoints      int64
	SaleBuyerPoints       int64
	ScanInterval          time.Duration
	ReconcileInterval     time.Duration
}

// Service содержит бизнес-логику сервиса геймификации.
type Service struct {
	repo       Repository
	classifier Classifier
	notifier   Notifier
	cache      LeaderboardCache
	logger     *zap.Logger
	opts       Options
	now        func() time.Time
}

// NewService создаёт сервис. classifier и cache могут быть nil.
func NewService(repo Repository, cls Classifier, notifier Notifier, cache LeaderboardCache, logger *zap.Logger, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 10 * time.Minute
	}

	return &Service{
		repo:       repo,
		classifier: cls,
		notifier:   notifier,
		cache:      cache,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Ping проверяет доступность хранилища.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// RegisterAccount создаёт аккаунт пользователя с нулевыми счётчиками.
func (s *Service) RegisterAccount(ctx context.Context, userID, displayName string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}

	displayName = validation.Sanitize(displayName)
	if err := validation.Var(displayName, "required,max=100"); err != nil {
		return fmt.Errorf("%w: display name: %s", ErrInvalidInput, validation.FormatError(err))
	}

	if err := s.repo.CreateAccount(ctx, userID, displayName, s.opts.DefaultDailyScanLimit); err != nil {
		return err
	}

	s.invalidateLeaderboard(ctx)
	return nil
}

// AwardPoints начисляет баллы одному пользователю.
func (s *Service) AwardPoints(ctx context.Context, award model.Award) (*model.AwardResult, error) {
	results, err := s.AwardPointsBatch(ctx, []model.Award{award})
	if err != nil {
		return nil, err
	}
	return &results[0], nil
}

// AwardPointsBatch применяет несколько начислений в одной транзакции:
// либо записываются все, либо ни одного. Для каждого начисления сначала
// пересчитывается серия, затем добавляется запись в журнал и увеличивается
// сумма баллов. Дневной лимит сканирований здесь не проверяется: он
// расходуется при отправке сканирования.
func (s *Service) AwardPointsBatch(ctx context.Context, awards []model.Award) ([]model.AwardResult, error) {
	return s.awardBatch(ctx, awards, nil)
}

// RecordSale начисляет баллы продавцу и покупателю за сделку на маркетплейсе
// одной транзакцией. Повторная сделка с тем же предметом отклоняется с
// repository.ErrSaleExists.
func (s *Service) RecordSale(ctx context.Context, sellerID, buyerID, itemID string) ([]model.AwardResult, error) {
	if sellerID == "" {
		return nil, ErrNotAuthenticated
	}
	if buyerID == "" || buyerID == sellerID {
		return nil, fmt.Errorf("%w: buyer must differ from seller", ErrInvalidInput)
	}
	if err := validation.Var(itemID, "required,max=128"); err != nil {
		return nil, fmt.Errorf("%w: item id: %s", ErrInvalidInput, validation.FormatError(err))
	}

	awards := []model.Award{
		{
			UserID: sellerID,
			Points: s.opts.SaleSellerPoints,
			Reason: fmt.Sprintf("Sold marketplace item %s", itemID),
			Type:   model.PointTypeMarketplaceSale,
		},
		{
			UserID: buyerID,
			Points: s.opts.SaleBuyerPoints,
			Reason: fmt.Sprintf("Bought marketplace item %s", itemID),
			Type:   model.PointTypeMarketplaceSale,
		},
	}

	return s.awardBatch(ctx, awards, func(tx repository.Tx, now time.Time) error {
		return tx.InsertSale(ctx, model.Sale{
			ItemID:    itemID,
			SellerID:  sellerID,
			BuyerID:   buyerID,
			CreatedAt: now,
		})
	})
}

// awardBatch проводит начисления в одной транзакции. before выполняется в той
// же транзакции после блокировки аккаунтов и может отменить начисления ошибкой.
func (s *Service) awardBatch(ctx context.Context, awards []model.Award, before func(tx repository.Tx, now time.Time) error) ([]model.AwardResult, error) {
	if len(awards) == 0 {
		return nil, fmt.Errorf("%w: no awards", ErrInvalidInput)
	}

	prepared := make([]model.Award, 0, len(awards))
	for _, a := range awards {
		if a.UserID == "" {
			return nil, ErrNotAuthenticated
		}
		if !a.Type.Valid() {
			return nil, fmt.Errorf("%w: unknown point type %q", ErrInvalidInput, a.Type)
		}
		a.Reason = validation.Sanitize(a.Reason)
		if err := validation.Struct(a); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidInput, validation.FormatError(err))
		}
		prepared = append(prepared, a)
	}

	now := s.now()

	var results []model.AwardResult
	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		results = results[:0]

		accounts, err := lockAccounts(ctx, tx, prepared)
		if err != nil {
			return err
		}

		if before != nil {
			if err := before(tx, now); err != nil {
				return err
			}
		}

		for _, a := range prepared {
			res, err := s.applyAward(ctx, tx, accounts[a.UserID], a, now)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		// Повтор уже учтённой сделки не считается сбоем начисления
		if errors.Is(err, repository.ErrSaleExists) {
			return nil, err
		}
		for _, a := range prepared {
			s.notifier.Notify(ctx, notify.Notification{
				UserID:  a.UserID,
				Level:   notify.LevelError,
				Message: "Failed to award points, please try again",
			})
		}
		s.logger.Error("award points failed", zap.Error(err), zap.Int("awards", len(prepared)))
		return nil, err
	}

	s.invalidateLeaderboard(ctx)
	for i, res := range results {
		s.notifyAward(ctx, prepared[i], res)
	}

	return results, nil
}

// EvaluateStreak пересчитывает серию пользователя без начисления баллов.
func (s *Service) EvaluateStreak(ctx context.Context, userID string) (gamification.Transition, error) {
	if userID == "" {
		return gamification.Transition{}, ErrNotAuthenticated
	}

	now := s.now()

	var tr gamification.Transition
	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		tr, err = s.evaluateStreak(ctx, tx, acc, now)
		return err
	})
	if err != nil {
		return gamification.Transition{}, err
	}

	if tr.Status == model.StreakBroken {
		s.notifyStreakBroken(ctx, userID)
	}
	return tr, nil
}

// lockAccounts блокирует строки аккаунтов в порядке возрастания идентификаторов.
func lockAccounts(ctx context.Context, tx repository.Tx, awards []model.Award) (map[string]*model.Account, error) {
	ids := make([]string, 0, len(awards))
	seen := make(map[string]struct{}, len(awards))
	for _, a := range awards {
		if _, ok := seen[a.UserID]; ok {
			continue
		}
		seen[a.UserID] = struct{}{}
		ids = append(ids, a.UserID)
	}
	sort.Strings(ids)

	accounts := make(map[string]*model.Account, len(ids))
	for _, id := range ids {
		acc, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = acc
	}
	return accounts, nil
}

func (s *Service) applyAward(ctx context.Context, tx repository.Tx, acc *model.Account, a model.Award, now time.Time) (model.AwardResult, error) {
	tr, err := s.evaluateStreak(ctx, tx, acc, now)
	if err != nil {
		return model.AwardResult{}, err
	}

	entry := model.PointLedgerEntry{
		ID:        uuid.NewString(),
		UserID:    acc.ID,
		Points:    a.Points,
		Reason:    a.Reason,
		Type:      a.Type,
		CreatedAt: now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return model.AwardResult{}, err
	}

	total, err := tx.IncrementTotalPoints(ctx, acc.ID, a.Points)
	if err != nil {
		return model.AwardResult{}, err
	}
	acc.TotalPoints = total

	return model.AwardResult{
		UserID:       acc.ID,
		TotalPoints:  total,
		Streak:       acc.Streak,
		StreakStatus: tr.Status,
	}, nil
}

func (s *Service) evaluateStreak(ctx context.Context, tx repository.Tx, acc *model.Account, now time.Time) (gamification.Transition, error) {
	tr := gamification.EvaluateStreak(acc.Streak, acc.LastActivityAt, now, s.opts.Location)
	if !tr.Changed() {
		return tr, nil
	}

	gamification.ApplyTransition(acc, tr, now)

	if err := tx.UpdateStreak(ctx, acc); err != nil {
		return tr, err
	}
	if err := tx.InsertStreakLog(ctx, tr.LogEntry(acc.ID, now)); err != nil {
		return tr, err
	}
	return tr, nil
}

func (s *Service) consumeScan(ctx context.Context, tx repository.Tx, acc *model.Account, now time.Time) error {
	if err := gamification.ConsumeScan(acc, now, s.opts.Location); err != nil {
		if errors.Is(err, gamification.ErrQuotaExhausted) {
			return ErrScanQuotaExceeded
		}
		return err
	}
	return tx.UpdateScanQuota(ctx, acc)
}

func (s *Service) notifyAward(ctx context.Context, a model.Award, res model.AwardResult) {
	s.notifier.Notify(ctx, notify.Notification{
		UserID:  res.UserID,
		Level:   notify.LevelSuccess,
		Message: fmt.Sprintf("+%d points: %s", a.Points, a.Reason),
		Points:  a.Points,
	})

	if res.StreakStatus == model.StreakBroken {
		s.notifyStreakBroken(ctx, res.UserID)
	}
}

func (s *Service) notifyStreakBroken(ctx context.Context, userID string) {
	s.notifier.Notify(ctx, notify.Notification{
		UserID:  userID,
		Level:   notify.LevelWarning,
		Message: "Your streak was broken. Keep your tree growing by staying active every day!",
	})
}

func (s *Service) invalidateLeaderboard(ctx context.Context) {
	if s.cache != nil {
		s.cache.Invalidate(ctx)
	}
}
