package gamification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/greenfinity-ledger/internal/model"
)

func jakarta(t *testing.T) *time.Location {
	t.Helper()
	return time.FixedZone("WIB", 7*60*60)
}

func TestDiffDays(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)

	tests := []struct {
		name string
		last *time.Time
		want int
	}{
		{name: "same day earlier", last: ptrTime(time.Date(2024, time.March, 10, 0, 5, 0, 0, loc)), want: 0},
		{name: "yesterday late evening", last: ptrTime(time.Date(2024, time.March, 9, 23, 59, 0, 0, loc)), want: 1},
		{name: "two days ago", last: ptrTime(time.Date(2024, time.March, 8, 12, 0, 0, 0, loc)), want: 2},
		{name: "utc timestamp on local previous day", last: ptrTime(time.Date(2024, time.March, 9, 16, 30, 0, 0, time.UTC)), want: 1},
		{name: "future activity", last: ptrTime(time.Date(2024, time.March, 11, 8, 0, 0, 0, loc)), want: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffDays(tt.last, now, loc))
		})
	}
}

func TestDiffDays_NeverActive(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)

	assert.Greater(t, DiffDays(nil, now, loc), 2)
}

func TestEvaluateStreak(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)

	tests := []struct {
		name       string
		streak     int
		last       *time.Time
		wantStreak int
		wantStatus model.StreakOutcome
		wantDiff   int
	}{
		{
			name:       "same day is a no-op",
			streak:     4,
			last:       ptrTime(now.Add(-2 * time.Hour)),
			wantStreak: 4,
			wantStatus: model.StreakUnchanged,
			wantDiff:   0,
		},
		{
			name:       "yesterday increases",
			streak:     5,
			last:       ptrTime(now.AddDate(0, 0, -1)),
			wantStreak: 6,
			wantStatus: model.StreakIncreased,
			wantDiff:   1,
		},
		{
			name:       "one missed day breaks",
			streak:     5,
			last:       ptrTime(now.AddDate(0, 0, -2)),
			wantStreak: 0,
			wantStatus: model.StreakBroken,
			wantDiff:   2,
		},
		{
			name:       "longer gap starts over",
			streak:     5,
			last:       ptrTime(now.AddDate(0, 0, -3)),
			wantStreak: 1,
			wantStatus: model.StreakMaintained,
			wantDiff:   3,
		},
		{
			name:       "first activity ever",
			streak:     0,
			last:       nil,
			wantStreak: 1,
			wantStatus: model.StreakMaintained,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := EvaluateStreak(tt.streak, tt.last, now, loc)
			assert.Equal(t, tt.streak, tr.OldStreak)
			assert.Equal(t, tt.wantStreak, tr.NewStreak)
			assert.Equal(t, tt.wantStatus, tr.Status)
			if tt.last != nil {
				assert.Equal(t, tt.wantDiff, tr.DiffDays)
			}
		})
	}
}

func TestApplyTransition(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)
	last := now.AddDate(0, 0, -1)

	acc := model.Account{Streak: 7, HighestStreak: 7, LastActivityAt: &last}
	tr := EvaluateStreak(acc.Streak, acc.LastActivityAt, now, loc)
	ApplyTransition(&acc, tr, now)

	assert.Equal(t, 8, acc.Streak)
	assert.Equal(t, 8, acc.HighestStreak)
	require.NotNil(t, acc.LastActivityAt)
	assert.True(t, acc.LastActivityAt.Equal(now))

	entry := tr.LogEntry("u1", now)
	assert.Equal(t, model.StreakLogEntry{
		UserID:    "u1",
		OldStreak: 7,
		NewStreak: 8,
		Status:    model.StreakIncreased,
		DiffDays:  1,
		CreatedAt: now,
	}, entry)
}

func TestApplyTransition_KeepsHighestStreak(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)
	last := now.AddDate(0, 0, -2)

	acc := model.Account{Streak: 3, HighestStreak: 12, LastActivityAt: &last}
	ApplyTransition(&acc, EvaluateStreak(acc.Streak, acc.LastActivityAt, now, loc), now)

	assert.Equal(t, 0, acc.Streak)
	assert.Equal(t, 12, acc.HighestStreak)
}

func TestApplyTransition_NoOpLeavesAccount(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)
	last := now.Add(-time.Hour)

	acc := model.Account{Streak: 2, HighestStreak: 2, LastActivityAt: &last}
	before := acc
	ApplyTransition(&acc, EvaluateStreak(acc.Streak, acc.LastActivityAt, now, loc), now)

	assert.Equal(t, before, acc)
}

func TestStatus(t *testing.T) {
	loc := jakarta(t)
	now := time.Date(2024, time.March, 10, 9, 0, 0, 0, loc)

	tests := []struct {
		name      string
		streak    int
		last      time.Time
		wantAlive bool
		wantDays  int
	}{
		{name: "active today", streak: 3, last: now.Add(-time.Hour), wantAlive: true, wantDays: 2},
		{name: "active yesterday", streak: 3, last: now.AddDate(0, 0, -1), wantAlive: true, wantDays: 1},
		{name: "lapsed", streak: 3, last: now.AddDate(0, 0, -2), wantAlive: false, wantDays: 0},
		{name: "zero streak", streak: 0, last: now.Add(-time.Hour), wantAlive: false, wantDays: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			last := tt.last
			st, ok := Status(model.Account{Streak: tt.streak, LastActivityAt: &last}, now, loc)
			require.True(t, ok)
			assert.Equal(t, tt.wantAlive, st.IsActive)
			assert.Equal(t, tt.wantDays, st.DaysUntilBreak)
			assert.True(t, st.LastUpdate.Equal(last))
		})
	}
}

func TestStatus_NoActivity(t *testing.T) {
	_, ok := Status(model.Account{}, time.Now(), time.UTC)
	assert.False(t, ok)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
