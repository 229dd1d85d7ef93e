package service

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/greenfinity-ledger/internal/classifier"
	"github.com/mmeshcher/greenfinity-ledger/internal/model"
	"github.com/mmeshcher/greenfinity-ledger/internal/notify"
	"github.com/mmeshcher/greenfinity-ledger/internal/repository"
)

type memState struct {
	accounts  map[string]model.Account
	ledger    []model.PointLedgerEntry
	streakLog []model.StreakLogEntry
	scans     []model.Scan
	sales     map[string]model.Sale
}

func (st memState) clone() memState {
	return memState{
		accounts:  maps.Clone(st.accounts),
		ledger:    append([]model.PointLedgerEntry(nil), st.ledger...),
		streakLog: append([]model.StreakLogEntry(nil), st.streakLog...),
		scans:     append([]model.Scan(nil), st.scans...),
		sales:     maps.Clone(st.sales),
	}
}

// memRepo хранит данные в памяти. WithTx работает с копией состояния и
// применяет её только при успешном завершении fn.
type memRepo struct {
	mu    sync.Mutex
	state memState

	failLedger  error
	failAccount error
	txCount     int
}

func newMemRepo(accounts ...model.Account) *memRepo {
	r := &memRepo{state: memState{
		accounts: map[string]model.Account{},
		sales:    map[string]model.Sale{},
	}}
	for _, a := range accounts {
		r.state.accounts[a.ID] = a
	}
	return r
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) Ping(ctx context.Context) error { return nil }

func (r *memRepo) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.txCount++
	work := r.state.clone()
	if err := fn(&memTx{repo: r, st: &work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memRepo) CreateAccount(ctx context.Context, userID, displayName string, dailyScanLimit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.state.accounts[userID]; ok {
		return fmt.Errorf("%w: %s", repository.ErrAccountExists, userID)
	}
	r.state.accounts[userID] = model.Account{ID: userID, DisplayName: displayName, DailyScanLimit: dailyScanLimit}
	return nil
}

func (r *memRepo) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAccount != nil {
		return nil, r.failAccount
	}
	acc, ok := r.state.accounts[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &acc, nil
}

func (r *memRepo) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.LeaderboardEntry
	for _, a := range r.state.accounts {
		res = append(res, model.LeaderboardEntry{UserID: a.ID, UserName: a.DisplayName, TotalPoints: a.TotalPoints, Streak: a.Streak})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].TotalPoints != res[j].TotalPoints {
			return res[i].TotalPoints > res[j].TotalPoints
		}
		return res[i].UserID < res[j].UserID
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (r *memRepo) GetPointHistory(ctx context.Context, userID string) ([]model.PointLedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.PointLedgerEntry
	for i := len(r.state.ledger) - 1; i >= 0; i-- {
		if r.state.ledger[i].UserID == userID {
			res = append(res, r.state.ledger[i])
		}
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (r *memRepo) GetScansByUser(ctx context.Context, userID string) ([]model.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Scan
	for i := len(r.state.scans) - 1; i >= 0; i-- {
		if r.state.scans[i].UserID == userID {
			res = append(res, r.state.scans[i])
		}
	}
	return res, nil
}

func (r *memRepo) GetScansForClassification(ctx context.Context, limit int) ([]model.Scan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Scan
	for _, s := range r.state.scans {
		if s.Status == model.ScanStatusNew && len(res) < limit {
			res = append(res, s)
		}
	}
	return res, nil
}

func (r *memRepo) FindDivergentAccounts(ctx context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sums := map[string]int64{}
	for _, e := range r.state.ledger {
		sums[e.UserID] += e.Points
	}

	var behind, ahead []string
	for id, a := range r.state.accounts {
		switch {
		case a.TotalPoints < sums[id]:
			behind = append(behind, id)
		case a.TotalPoints > sums[id]:
			ahead = append(ahead, id)
		}
	}
	sort.Strings(behind)
	sort.Strings(ahead)

	ids := append(behind, ahead...)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *memRepo) snapshot() memState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memRepo) ledgerFor(userID string) []model.PointLedgerEntry {
	var res []model.PointLedgerEntry
	for _, e := range r.snapshot().ledger {
		if e.UserID == userID {
			res = append(res, e)
		}
	}
	return res
}

type memTx struct {
	repo *memRepo
	st   *memState
}

func (t *memTx) GetAccountForUpdate(ctx context.Context, userID string) (*model.Account, error) {
	acc, ok := t.st.accounts[userID]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &acc, nil
}

func (t *memTx) UpdateStreak(ctx context.Context, acc *model.Account) error {
	stored := t.st.accounts[acc.ID]
	stored.Streak = acc.Streak
	stored.HighestStreak = acc.HighestStreak
	stored.LastActivityAt = acc.LastActivityAt
	t.st.accounts[acc.ID] = stored
	return nil
}

func (t *memTx) UpdateScanQuota(ctx context.Context, acc *model.Account) error {
	stored := t.st.accounts[acc.ID]
	stored.DailyScanCount = acc.DailyScanCount
	stored.LastScanDate = acc.LastScanDate
	t.st.accounts[acc.ID] = stored
	return nil
}

func (t *memTx) InsertStreakLog(ctx context.Context, entry model.StreakLogEntry) error {
	t.st.streakLog = append(t.st.streakLog, entry)
	return nil
}

func (t *memTx) InsertLedgerEntry(ctx context.Context, entry model.PointLedgerEntry) error {
	if t.repo.failLedger != nil {
		return t.repo.failLedger
	}
	t.st.ledger = append(t.st.ledger, entry)
	return nil
}

func (t *memTx) IncrementTotalPoints(ctx context.Context, userID string, delta int64) (int64, error) {
	stored, ok := t.st.accounts[userID]
	if !ok {
		return 0, repository.ErrUserNotFound
	}
	stored.TotalPoints += delta
	t.st.accounts[userID] = stored
	return stored.TotalPoints, nil
}

func (t *memTx) SumLedger(ctx context.Context, userID string) (int64, error) {
	var sum int64
	for _, e := range t.st.ledger {
		if e.UserID == userID {
			sum += e.Points
		}
	}
	return sum, nil
}

func (t *memTx) SetTotalPoints(ctx context.Context, userID string, total int64) error {
	stored := t.st.accounts[userID]
	stored.TotalPoints = total
	t.st.accounts[userID] = stored
	return nil
}

func (t *memTx) InsertScan(ctx context.Context, scan model.Scan) error {
	t.st.scans = append(t.st.scans, scan)
	return nil
}

func (t *memTx) CompleteScan(ctx context.Context, scan model.Scan) error {
	for i, s := range t.st.scans {
		if s.ID == scan.ID && s.Status == model.ScanStatusNew {
			t.st.scans[i] = scan
			return nil
		}
	}
	return repository.ErrScanNotFound
}

func (t *memTx) InsertSale(ctx context.Context, sale model.Sale) error {
	if _, ok := t.st.sales[sale.ItemID]; ok {
		return fmt.Errorf("%w: %s", repository.ErrSaleExists, sale.ItemID)
	}
	t.st.sales[sale.ItemID] = sale
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, note notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) byLevel(level notify.Level) []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var res []notify.Notification
	for _, note := range n.notes {
		if note.Level == level {
			res = append(res, note)
		}
	}
	return res
}

type cacheKey struct {
	version int64
	limit   int
}

// stubCache повторяет схему версий кэша рейтинга: Invalidate увеличивает
// версию, и страницы прежних версий больше не читаются.
type stubCache struct {
	version       int64
	entries       map[cacheKey][]model.LeaderboardEntry
	invalidations int
}

func (c *stubCache) Get(ctx context.Context, limit int) ([]model.LeaderboardEntry, int64, bool) {
	e, ok := c.entries[cacheKey{c.version, limit}]
	return e, c.version, ok
}

func (c *stubCache) Set(ctx context.Context, limit int, version int64, entries []model.LeaderboardEntry) {
	if c.entries == nil {
		c.entries = map[cacheKey][]model.LeaderboardEntry{}
	}
	c.entries[cacheKey{version, limit}] = entries
}

func (c *stubCache) Invalidate(ctx context.Context) {
	c.invalidations++
	c.version++
}

// invalidatingRepo сбрасывает кэш сразу после чтения рейтинга из хранилища,
// как это делает конкурентное начисление.
type invalidatingRepo struct {
	*memRepo
	cache *stubCache
}

func (r *invalidatingRepo) GetLeaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	entries, err := r.memRepo.GetLeaderboard(ctx, limit)
	r.cache.Invalidate(ctx)
	return entries, err
}

type stubClassifier struct {
	verdicts   map[string]*classifier.Verdict
	statusCode int
	err        error
	calls      int
}

func (c *stubClassifier) Classify(ctx context.Context, label string) (*classifier.Verdict, int, time.Duration, error) {
	c.calls++
	if c.err != nil {
		return nil, 0, 0, c.err
	}
	if c.statusCode != 0 {
		return nil, c.statusCode, 0, nil
	}
	return c.verdicts[label], 200, 0, nil
}
