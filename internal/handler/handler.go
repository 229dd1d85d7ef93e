// Package handler содержит HTTP-обработчики API сервиса геймификации.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mmeshcher/greenfinity-ledger/internal/middleware"
	"github.com/mmeshcher/greenfinity-ledger/internal/model"
	"github.com/mmeshcher/greenfinity-ledger/internal/repository"
	"github.com/mmeshcher/greenfinity-ledger/internal/service"
	"github.com/mmeshcher/greenfinity-ledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	RegisterAccount(ctx context.Context, userID, displayName string) error
	AwardPoints(ctx context.Context, award model.Award) (*model.AwardResult, error)
	RecordSale(ctx context.Context, sellerID, buyerID, itemID string) ([]model.AwardResult, error)
	GetUserPoints(ctx context.Context, userID string) (int64, error)
	GetUserStreak(ctx context.Context, userID string) (int, error)
	GetUserPointHistory(ctx context.Context, userID string) ([]model.PointLedgerEntry, error)
	GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error)
	GetRemainingDailyScans(ctx context.Context, userID string) (int, error)
	CheckStreakStatus(ctx context.Context, userID string) (model.StreakStatus, bool)
	SubmitScan(ctx context.Context, userID, label string) (*model.Scan, error)
	GetScansByUser(ctx context.Context, userID string) ([]model.Scan, error)
}

// Subscriber выдаёт поток уведомлений пользователя.
type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan []byte, func(), error)
}

// Handler реализует HTTP-обработчики API сервиса геймификации.
type Handler struct {
	service        Service
	subscriber     Subscriber
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	rateLimiter    *middleware.RateLimiter
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// subscriber и limiter могут быть nil.
func NewHandler(s Service, sub Subscriber, logger *zap.Logger, auth *middleware.AuthMiddleware, limiter *middleware.RateLimiter) *Handler {
	if limiter == nil {
		limiter = middleware.NewRateLimiter(0)
	}

	return &Handler{
		service:        s,
		subscriber:     sub,
		logger:         logger,
		authMiddleware: auth,
		rateLimiter:    limiter,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError переводит ошибку сервиса в HTTP-статус. Неожиданные ошибки логируются.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	switch {
	case errors.Is(err, service.ErrNotAuthenticated):
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
	case errors.Is(err, service.ErrInvalidInput):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrUserNotFound):
		writeMessage(w, http.StatusNotFound, "user not found")
	case errors.Is(err, repository.ErrAccountExists):
		writeMessage(w, http.StatusConflict, "account already exists")
	case errors.Is(err, repository.ErrSaleExists):
		writeMessage(w, http.StatusConflict, "sale already recorded")
	case errors.Is(err, service.ErrScanQuotaExceeded):
		writeMessage(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, context.Canceled):
		writeMessage(w, http.StatusRequestTimeout, http.StatusText(http.StatusRequestTimeout))
	default:
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
		writeMessage(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return validation.Struct(dst)
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeMessage(w, http.StatusBadRequest, validation.FormatError(err))
		return
	}
	writeMessage(w, http.StatusBadRequest, "malformed request body")
}

// targetUser возвращает пользователя из параметра userId или текущего пользователя.
func targetUser(r *http.Request) (string, bool) {
	if id := r.URL.Query().Get("userId"); id != "" {
		return id, true
	}
	return middleware.GetUserIDFromContext(r.Context())
}

// Healthz проверяет доступность хранилища.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeMessage(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	DisplayName string `json:"displayName" validate:"required,max=100"`
}

// CreateAccount создаёт игровой аккаунт текущего пользователя.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	if err := h.service.RegisterAccount(r.Context(), userID, req.DisplayName); err != nil {
		h.writeError(w, "create account", err, zap.String("userID", userID))
		return
	}

	w.WriteHeader(http.StatusCreated)
}

type awardRequest struct {
	Points       *int64 `json:"points" validate:"required,min=0"`
	Reason       string `json:"reason" validate:"required,max=500"`
	Type         string `json:"type" validate:"required"`
	TargetUserID string `json:"targetUserId,omitempty" validate:"omitempty,max=128"`
}

type awardResponse struct {
	UserID       string `json:"userId"`
	TotalPoints  int64  `json:"totalPoints"`
	Streak       int    `json:"streak"`
	StreakStatus string `json:"streakStatus"`
}

func toAwardResponse(res model.AwardResult) awardResponse {
	return awardResponse{
		UserID:       res.UserID,
		TotalPoints:  res.TotalPoints,
		Streak:       res.Streak,
		StreakStatus: string(res.StreakStatus),
	}
}

// AwardPoints начисляет баллы пользователю targetUserId или субъекту токена.
// Маршрут открыт только токенам с ролью service.
func (h *Handler) AwardPoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req awardRequest
	if err := decodeJSON(r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	if req.TargetUserID != "" {
		userID = req.TargetUserID
	}

	res, err := h.service.AwardPoints(r.Context(), model.Award{
		UserID: userID,
		Points: *req.Points,
		Reason: req.Reason,
		Type:   model.PointType(req.Type),
	})
	if err != nil {
		h.writeError(w, "award points", err, zap.String("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, toAwardResponse(*res))
}

type pointsResponse struct {
	UserID      string `json:"userId"`
	TotalPoints int64  `json:"totalPoints"`
}

// GetPoints возвращает сумму баллов пользователя.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID, _ := targetUser(r)

	total, err := h.service.GetUserPoints(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get points", err, zap.String("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, pointsResponse{UserID: userID, TotalPoints: total})
}

type historyEntryResponse struct {
	ID        string `json:"id"`
	Points    int64  `json:"points"`
	Reason    string `json:"reason"`
	Type      string `json:"type"`
	CreatedAt string `json:"createdAt"`
}

// GetPointHistory возвращает журнал начислений пользователя.
func (h *Handler) GetPointHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := targetUser(r)

	entries, err := h.service.GetUserPointHistory(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get point history", err, zap.String("userID", userID))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			ID:        e.ID,
			Points:    e.Points,
			Reason:    e.Reason,
			Type:      string(e.Type),
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type streakResponse struct {
	UserID string `json:"userId"`
	Streak int    `json:"streak"`
}

// GetStreak возвращает текущую серию пользователя.
func (h *Handler) GetStreak(w http.ResponseWriter, r *http.Request) {
	userID, _ := targetUser(r)

	streak, err := h.service.GetUserStreak(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get streak", err, zap.String("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, streakResponse{UserID: userID, Streak: streak})
}

// GetStreakStatus возвращает сводку по серии или 204, если данных нет.
func (h *Handler) GetStreakStatus(w http.ResponseWriter, r *http.Request) {
	userID, _ := targetUser(r)

	status, ok := h.service.CheckStreakStatus(r.Context(), userID)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// GetLeaderboard возвращает рейтинг пользователей.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.service.GetLeaderboard(r.Context(), limit)
	if err != nil {
		h.writeError(w, "get leaderboard", err)
		return
	}

	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type remainingScansResponse struct {
	Remaining int `json:"remaining"`
}

// GetRemainingScans возвращает остаток дневного лимита сканирований.
func (h *Handler) GetRemainingScans(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	remaining, err := h.service.GetRemainingDailyScans(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get remaining scans", err, zap.String("userID", userID))
		return
	}

	writeJSON(w, http.StatusOK, remainingScansResponse{Remaining: remaining})
}

type submitScanRequest struct {
	Label string `json:"label" validate:"required,max=200"`
}

type scanResponse struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Status      string  `json:"status"`
	Category    string  `json:"category,omitempty"`
	Points      int64   `json:"points,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	ProcessedAt *string `json:"processedAt,omitempty"`
}

func toScanResponse(s model.Scan) scanResponse {
	resp := scanResponse{
		ID:        s.ID,
		Label:     s.Label,
		Status:    string(s.Status),
		Category:  s.Category,
		Points:    s.Points,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
	}
	if s.ProcessedAt != nil {
		processed := s.ProcessedAt.Format(time.RFC3339)
		resp.ProcessedAt = &processed
	}
	return resp
}

// SubmitScan принимает сканирование предмета на классификацию.
func (h *Handler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req submitScanRequest
	if err := decodeJSON(r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	scan, err := h.service.SubmitScan(r.Context(), userID, req.Label)
	if err != nil {
		h.writeError(w, "submit scan", err, zap.String("userID", userID))
		return
	}

	writeJSON(w, http.StatusAccepted, toScanResponse(*scan))
}

// GetScans возвращает сканирования текущего пользователя.
func (h *Handler) GetScans(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	scans, err := h.service.GetScansByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, "get scans", err, zap.String("userID", userID))
		return
	}

	if len(scans) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]scanResponse, 0, len(scans))
	for _, s := range scans {
		resp = append(resp, toScanResponse(s))
	}

	writeJSON(w, http.StatusOK, resp)
}

type saleRequest struct {
	BuyerID string `json:"buyerId" validate:"required,max=128"`
	ItemID  string `json:"itemId" validate:"required,max=128"`
}

// RecordSale начисляет баллы за продажу: текущий пользователь выступает продавцом.
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized))
		return
	}

	var req saleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.badRequest(w, err)
		return
	}

	results, err := h.service.RecordSale(r.Context(), userID, req.BuyerID, req.ItemID)
	if err != nil {
		h.writeError(w, "record sale", err, zap.String("userID", userID), zap.String("itemID", req.ItemID))
		return
	}

	resp := make([]awardResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, toAwardResponse(res))
	}

	writeJSON(w, http.StatusOK, resp)
}
