package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drapik/tg-stream-bot/internal/storage"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestTouchUserUpserts(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return first }
	require.NoError(t, s.TouchUser(ctx, 42, "@alice", "Alice"))

	later := first.Add(time.Hour)
	s.now = func() time.Time { return later }
	require.NoError(t, s.TouchUser(ctx, 42, "", ""))

	u, ok, err := s.User(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, "Alice", u.FirstName)
	assert.Equal(t, first, u.FirstSeen)
	assert.Equal(t, later, u.LastSeen)
	assert.Equal(t, int64(2), u.MessageCount)
}

func TestTouchUserRenames(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.TouchUser(ctx, 7, "old", ""))
	require.NoError(t, s.TouchUser(ctx, 7, "new", ""))

	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", users[7].Username)
}

func TestUserMissing(t *testing.T) {
	s := newStore(t)
	_, ok, err := s.User(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, s.TouchUser(context.Background(), 0, "x", ""))
}

func TestRecentAcquisitionsNewestFirst(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordAcquisition(ctx, Acquisition{
			ID:         id,
			UserID:     1,
			ChatID:     10,
			Source:     "telegram",
			Backend:    "youtube",
			URL:        "https://youtu.be/" + id,
			Status:     StatusSucceeded,
			Profile:    "android",
			Attempts:   i + 1,
			SizeBytes:  int64(1000 * (i + 1)),
			Duration:   1500 * time.Millisecond,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + 500*time.Millisecond),
		}))
	}

	got, err := s.RecentAcquisitions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, 3, got[0].Attempts)
	assert.Equal(t, 1500*time.Millisecond, got[0].Duration)
	assert.Equal(t, base.Add(2*time.Minute+500*time.Millisecond), got[0].FinishedAt)
}

func TestRecordAcquisitionFailure(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAcquisition(ctx, Acquisition{
		ID:        "f1",
		UserID:    1,
		Source:    "webhook",
		Backend:   "instagram",
		URL:       "https://instagram.com/p/x",
		Status:    StatusFailed,
		Cause:     "all_strategies_exhausted",
		LastCause: "authentication_challenge",
		Attempts:  3,
	}))
	assert.Error(t, s.RecordAcquisition(ctx, Acquisition{ID: "f1", Status: StatusFailed, Source: "x", Backend: "x", URL: "x"}))
	assert.Error(t, s.RecordAcquisition(ctx, Acquisition{}))

	got, err := s.RecentAcquisitions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "authentication_challenge", got[0].LastCause)
	assert.Equal(t, got[0].FinishedAt, got[0].StartedAt)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusFailed: 1}, counts)
}
