package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/greenfinity-ledger/internal/classifier"
	"github.com/mmeshcher/greenfinity-ledger/internal/model"
	"github.com/mmeshcher/greenfinity-ledger/internal/notify"
	"github.com/mmeshcher/greenfinity-ledger/internal/repository"
	"github.com/mmeshcher/greenfinity-ledger/internal/validation"
)

const (
	scanBatchSize      = 100
	reconcileBatchSize = 100
)

// SubmitScan принимает сканирование предмета и расходует одно сканирование из
// дневного лимита. Баллы начисляются позже, после классификации.
func (s *Service) SubmitScan(ctx context.Context, userID, label string) (*model.Scan, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}

	label = validation.Sanitize(label)
	if err := validation.Var(label, "required,max=200"); err != nil {
		return nil, fmt.Errorf("%w: label: %s", ErrInvalidInput, validation.FormatError(err))
	}

	now := s.now()
	scan := model.Scan{
		ID:        uuid.NewString(),
		UserID:    userID,
		Label:     label,
		Status:    model.ScanStatusNew,
		CreatedAt: now,
	}

	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		acc, err := tx.GetAccountForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if err := s.consumeScan(ctx, tx, acc, now); err != nil {
			return err
		}
		return tx.InsertScan(ctx, scan)
	})
	if err != nil {
		return nil, err
	}

	return &scan, nil
}

// GetScansByUser возвращает сканирования пользователя, новые первыми.
func (s *Service) GetScansByUser(ctx context.Context, userID string) ([]model.Scan, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	return s.repo.GetScansByUser(ctx, userID)
}

// StartScanProcessing запускает фоновую классификацию новых сканирований.
func (s *Service) StartScanProcessing(ctx context.Context) {
	if s.classifier == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.ScanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processScanBatch(ctx)
			}
		}
	}()
}

func (s *Service) processScanBatch(ctx context.Context) {
	scans, err := s.repo.GetScansForClassification(ctx, scanBatchSize)
	if err != nil {
		s.logger.Warn("load scans for classification", zap.Error(err))
		return
	}

	for _, sc := range scans {
		verdict, statusCode, retryAfter, err := s.classifier.Classify(ctx, sc.Label)
		if err != nil {
			s.logger.Warn("classify scan", zap.Error(err), zap.String("scanID", sc.ID))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if verdict == nil {
			continue
		}

		if err := s.completeScan(ctx, sc, verdict); err != nil {
			s.logger.Error("complete scan", zap.Error(err), zap.String("scanID", sc.ID))
		}
	}
}

// completeScan фиксирует решение классификатора. Для перерабатываемого
// предмета в той же транзакции начисляются баллы; лимит уже списан при отправке.
func (s *Service) completeScan(ctx context.Context, sc model.Scan, verdict *classifier.Verdict) error {
	now := s.now()

	done := sc
	done.Category = verdict.Category
	done.ProcessedAt = &now
	done.Status = model.ScanStatusRejected
	if verdict.Recyclable {
		done.Status = model.ScanStatusRecyclable
		done.Points = s.opts.ScanRewardPoints
	}

	award := model.Award{
		UserID: sc.UserID,
		Points: done.Points,
		Reason: fmt.Sprintf("Recycled item: %s", sc.Label),
		Type:   model.PointTypeScanRecyclableItem,
	}

	var result *model.AwardResult
	err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
		result = nil

		acc, err := tx.GetAccountForUpdate(ctx, sc.UserID)
		if err != nil {
			return err
		}
		if err := tx.CompleteScan(ctx, done); err != nil {
			return err
		}
		if !verdict.Recyclable {
			return nil
		}

		res, err := s.applyAward(ctx, tx, acc, award, now)
		if err != nil {
			return err
		}
		result = &res
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrScanNotFound) {
			return nil
		}
		return err
	}

	if result == nil {
		s.notifier.Notify(ctx, notify.Notification{
			UserID:  sc.UserID,
			Level:   notify.LevelWarning,
			Message: fmt.Sprintf("%q is not recyclable, no points this time", sc.Label),
		})
		return nil
	}

	s.invalidateLeaderboard(ctx)
	s.notifyAward(ctx, award, *result)
	return nil
}

// StartReconciliation периодически выравнивает сумму баллов аккаунтов по журналу.
func (s *Service) StartReconciliation(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.ReconcileTotals(ctx); err != nil {
					s.logger.Warn("reconcile totals", zap.Error(err))
				}
			}
		}
	}()
}

// ReconcileTotals поднимает total_points до суммы журнала для аккаунтов, где
// кэш отстаёт, и возвращает число исправленных аккаунтов. Сумма баллов не
// уменьшается: кэш выше журнала только логируется.
func (s *Service) ReconcileTotals(ctx context.Context) (int, error) {
	ids, err := s.repo.FindDivergentAccounts(ctx, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, id := range ids {
		var cached, ledger int64
		err := s.repo.WithTx(ctx, func(tx repository.Tx) error {
			acc, err := tx.GetAccountForUpdate(ctx, id)
			if err != nil {
				return err
			}
			sum, err := tx.SumLedger(ctx, id)
			if err != nil {
				return err
			}

			cached, ledger = acc.TotalPoints, sum
			if sum <= acc.TotalPoints {
				return nil
			}
			return tx.SetTotalPoints(ctx, id, sum)
		})
		if err != nil {
			return fixed, fmt.Errorf("reconcile %s: %w", id, err)
		}

		switch {
		case ledger > cached:
			fixed++
			s.logger.Warn("total points reconciled",
				zap.String("userID", id),
				zap.Int64("cached", cached),
				zap.Int64("ledger", ledger),
			)
		case ledger < cached:
			s.logger.Warn("total points above ledger, left unchanged",
				zap.String("userID", id),
				zap.Int64("cached", cached),
				zap.Int64("ledger", ledger),
			)
		}
	}

	if fixed > 0 {
		s.invalidateLeaderboard(ctx)
	}
	return fixed, nil
}
