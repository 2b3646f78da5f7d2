package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"planner/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCachedResponses(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.PutCachedResponse(ctx, "GET /api/tasks", []byte(`[{"id":"t1"}]`), 0))
	resp, err := db.GetCachedResponse(ctx, "GET /api/tasks")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"t1"}]`, string(resp.Body))
	assert.Nil(t, resp.ExpiresAt)

	require.NoError(t, db.PutCachedResponse(ctx, "GET /api/plans", []byte(`{}`), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err = db.GetCachedResponse(ctx, "GET /api/plans")
	assert.ErrorIs(t, err, ErrNotFound)

	purged, err := db.PurgeExpiredResponses(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = db.GetCachedResponse(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalEntities(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, db.PutEntity(ctx, &models.LocalEntity{Collection: "habits", ID: "h1", UserID: "u1",
		Data: json.RawMessage(`{"name":"run"}`), UpdatedAt: now.Add(-time.Minute)}))
	require.NoError(t, db.PutEntity(ctx, &models.LocalEntity{Collection: "habits", ID: "h2", UserID: "u1",
		Data: json.RawMessage(`{"name":"read"}`), UpdatedAt: now}))
	require.NoError(t, db.PutEntity(ctx, &models.LocalEntity{Collection: "habits", ID: "h3", UserID: "u2",
		Data: json.RawMessage(`{"name":"swim"}`)}))

	list, err := db.ListEntitiesByUser(ctx, "habits", "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h2", list[0].ID)

	require.NoError(t, db.PutEntity(ctx, &models.LocalEntity{Collection: "habits", ID: "h1", UserID: "u1",
		Data: json.RawMessage(`{"name":"run far"}`)}))
	e, err := db.GetEntity(ctx, "habits", "h1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"run far"}`, string(e.Data))

	require.NoError(t, db.DeleteEntity(ctx, "habits", "h1"))
	_, err = db.GetEntity(ctx, "habits", "h1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, db.PutEntity(ctx, &models.LocalEntity{ID: "no-collection"}))
}

func TestEmergencyRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := &models.EmergencyRecord{UserID: "u1", PageType: "weekly-plan", PageID: "p1",
		Data: json.RawMessage(`{"goals":["a"]}`), Timestamp: ts, Source: models.SourcePageHide}
	require.NoError(t, db.SaveEmergencyRecord(ctx, rec))

	rec.Data = json.RawMessage(`{"goals":["a","b"]}`)
	rec.Source = models.SourceBeforeUnload
	require.NoError(t, db.SaveEmergencyRecord(ctx, rec))

	got, err := db.GetEmergencyRecord(ctx, "weekly-plan", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"goals":["a","b"]}`, string(got.Data))
	assert.Equal(t, models.SourceBeforeUnload, got.Source)
	assert.True(t, ts.Equal(got.Timestamp))

	_, err = db.GetEmergencyRecord(ctx, "weekly-plan", "")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.DeleteEmergencyRecord(ctx, "weekly-plan", "p1"))
	_, err = db.GetEmergencyRecord(ctx, "weekly-plan", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}
