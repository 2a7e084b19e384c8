package db

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/ride-sync/internal/errors"
	"github.com/alexjbarnes/ride-sync/internal/models"
	"github.com/alexjbarnes/ride-sync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ syncengine.Store = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenMigrated(context.Background(), filepath.Join(t.TempDir(), "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck

	return store
}

func actionForTest(ref string, at time.Time) models.SyncAction {
	return models.SyncAction{
		Type:      models.ActionChatMessage,
		Data:      `{"text":"` + ref + `"}`,
		Timestamp: at,
		Status:    models.StatusPending,
		ClientRef: ref,
	}
}

var base = time.Date(2026, 7, 1, 9, 0, 0, 123456789, time.UTC)

func TestMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, ApplyMigrations(ctx, store.DB()))

	v, err := SchemaVersion(ctx, store.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestMigrations_RollbackAll(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, RollbackAll(ctx, store.DB()))

	var n int
	err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='sync_actions'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, ApplyMigrations(ctx, store.DB()))
}

func TestInsertGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a, err := store.Insert(ctx, actionForTest("ref-1", base))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.ID)

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestInsert_DuplicateClientRef(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Insert(ctx, actionForTest("same", base))
	require.NoError(t, err)

	_, err = store.Insert(ctx, actionForTest("same", base))
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), 7)
	assert.ErrorIs(t, err, apperrors.ErrActionNotFound)
}

func TestListByStatus_Order(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	late, err := store.Insert(ctx, actionForTest("late", base.Add(time.Hour)))
	require.NoError(t, err)
	early, err := store.Insert(ctx, actionForTest("early", base))
	require.NoError(t, err)
	tie, err := store.Insert(ctx, actionForTest("tie", base))
	require.NoError(t, err)

	got, err := store.ListByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{early.ID, tie.ID, late.ID}, []uint64{got[0].ID, got[1].ID, got[2].ID})
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a, err := store.Insert(ctx, actionForTest("r", base))
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(ctx, a.ID, models.StatusFailed, 3, "HTTP 422"))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "HTTP 422", got.LastError)

	assert.ErrorIs(t, store.UpdateStatus(ctx, 404, models.StatusFailed, 0, ""), apperrors.ErrActionNotFound)
}

func TestUpdateStatus_RejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	a, err := store.Insert(ctx, actionForTest("r", base))
	require.NoError(t, err)

	assert.Error(t, store.UpdateStatus(ctx, a.ID, models.Status("LOST"), 0, ""))
}

func TestDeleteCountReset(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for i, status := range []models.Status{models.StatusCompleted, models.StatusCompleted, models.StatusInProgress, models.StatusPending} {
		a, err := store.Insert(ctx, actionForTest(string(rune('a'+i)), base))
		require.NoError(t, err)
		require.NoError(t, store.UpdateStatus(ctx, a.ID, status, 0, ""))
	}

	n, err := store.DeleteByStatus(ctx, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = store.ResetStatus(ctx, models.StatusInProgress, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSettings(t *testing.T) {
	store := openTestStore(t)

	assert.Equal(t, "", store.Token())
	require.NoError(t, store.SetToken("tok"))
	require.NoError(t, store.SetToken("tok-2"))
	require.NoError(t, store.SetRole("RIDER"))

	assert.Equal(t, "tok-2", store.Token())
	assert.Equal(t, "RIDER", store.Role())
}

func TestEngineOverSQLite_FailsAfterCap(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	e := syncengine.New(store, nil, syncengine.Config{}, slog.New(slog.DiscardHandler))
	e.Register(models.ActionProfileUpdate, func(context.Context, json.RawMessage) error {
		return apperrors.ErrAPIResponse
	})

	a, err := e.Enqueue(ctx, models.ActionProfileUpdate, map[string]string{"name": "Kim"})
	require.NoError(t, err)

	for range 4 {
		_, err := e.RunSyncPass(ctx)
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
}
