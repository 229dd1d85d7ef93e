package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mmeshcher/greenfinity-ledger/internal/gamification"
	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

func (s *Service) account(ctx context.Context, userID string) (*model.Account, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	return s.repo.GetAccount(ctx, userID)
}

// GetUserPoints возвращает сумму баллов пользователя.
func (s *Service) GetUserPoints(ctx context.Context, userID string) (int64, error) {
	acc, err := s.account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.TotalPoints, nil
}

// GetUserStreak возвращает текущую серию пользователя.
func (s *Service) GetUserStreak(ctx context.Context, userID string) (int, error) {
	acc, err := s.account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Streak, nil
}

// GetUserPointHistory возвращает журнал начислений пользователя, новые записи первыми.
func (s *Service) GetUserPointHistory(ctx context.Context, userID string) ([]model.PointLedgerEntry, error) {
	if _, err := s.account(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.GetPointHistory(ctx, userID)
}

// GetLeaderboard возвращает не более limit пользователей по убыванию баллов.
// При равенстве баллов порядок определяется идентификатором пользователя.
func (s *Service) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	limit = min(limit, MaxLeaderboardLimit)

	// Версия берётся до чтения из хранилища
	var version int64
	if s.cache != nil {
		entries, v, ok := s.cache.Get(ctx, limit)
		if ok {
			return entries, nil
		}
		version = v
	}

	entries, err := s.repo.GetLeaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(ctx, limit, version, entries)
	}
	return entries, nil
}

// GetRemainingDailyScans возвращает число сканирований, за которые сегодня ещё начисляются баллы.
func (s *Service) GetRemainingDailyScans(ctx context.Context, userID string) (int, error) {
	acc, err := s.account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return gamification.RemainingScans(*acc, s.now(), s.opts.Location), nil
}

// CheckStreakStatus возвращает состояние серии. Второй результат равен false,
// если данных нет: пользователь не указан или не найден, активности не было
// либо хранилище недоступно.
func (s *Service) CheckStreakStatus(ctx context.Context, userID string) (model.StreakStatus, bool) {
	acc, err := s.account(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotAuthenticated) {
			s.logger.Warn("check streak status", zap.Error(err), zap.String("userID", userID))
		}
		return model.StreakStatus{}, false
	}
	return gamification.Status(*acc, s.now(), s.opts.Location)
}
