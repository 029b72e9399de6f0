package expansion_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/expansion"
)

func setupExpansion(t *testing.T) (*gorm.DB, *expansion.Manager, *config.Config) {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbase, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	})
	require.NoError(t, err)

	sqlDB, err := dbase.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(dbase))

	cfg := config.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return dbase, expansion.NewManager(dbase, cfg, logger), cfg
}

// enqueue puts a user in the queueing state with the given wait.
func enqueue(t *testing.T, gdb *gorm.DB, userID uint64, waited time.Duration) {
	t.Helper()
	joined := time.Now().UTC().Add(-waited)
	require.NoError(t, gdb.Save(&db.UserMatchState{UserID: userID, State: db.StateQueueing, JoinedAt: joined}).Error)
	require.NoError(t, gdb.Create(&db.QueueEntry{UserID: userID, JoinedAt: joined}).Error)
}

func TestSweepFirstExpansion(t *testing.T) {
	ctx := context.Background()
	gdb, mgr, cfg := setupExpansion(t)

	enqueue(t, gdb, 1, cfg.Match.ExpandAfter+time.Second)
	require.NoError(t, gdb.Create(&db.Preference{UserID: 1, MinAge: 25, MaxAge: 35, MaxDistanceKm: 50}).Error)

	require.NoError(t, mgr.Sweep(ctx))

	var p db.Preference
	require.NoError(t, gdb.First(&p, "user_id = ?", 1).Error)
	assert.True(t, p.Expanded)
	assert.Equal(t, 1, p.ExpandCount)
	assert.Equal(t, 20, p.MinAge)
	assert.Equal(t, 40, p.MaxAge)
	assert.Equal(t, 100, p.MaxDistanceKm)
	// Stated bounds survive for the exact tier and the eventual revert.
	assert.Equal(t, 25, p.OrigMinAge)
	assert.Equal(t, 35, p.OrigMaxAge)
	assert.Equal(t, 50, p.OrigMaxDistanceKm)
	require.NotNil(t, p.ExpandedUntil)
}

func TestSweepSecondExpansionCompounds(t *testing.T) {
	ctx := context.Background()
	gdb, mgr, cfg := setupExpansion(t)

	enqueue(t, gdb, 2, cfg.Match.ExpandAgainAfter+time.Second)
	until := time.Now().UTC().Add(cfg.Match.ExpansionTTL)
	require.NoError(t, gdb.Create(&db.Preference{
		UserID: 2, MinAge: 20, MaxAge: 40, MaxDistanceKm: 100,
		Expanded: true, ExpandCount: 1, ExpandedUntil: &until,
		OrigMinAge: 25, OrigMaxAge: 35, OrigMaxDistanceKm: 50,
	}).Error)

	require.NoError(t, mgr.Sweep(ctx))

	var p db.Preference
	require.NoError(t, gdb.First(&p, "user_id = ?", 2).Error)
	assert.Equal(t, 2, p.ExpandCount)
	assert.Equal(t, 18, p.MinAge) // 20-5 clamped to the floor
	assert.Equal(t, 45, p.MaxAge)
	assert.Equal(t, 150, p.MaxDistanceKm)
	assert.Equal(t, 25, p.OrigMinAge) // originals untouched
}

func TestSweepNoThirdExpansion(t *testing.T) {
	ctx := context.Background()
	gdb, mgr, cfg := setupExpansion(t)

	enqueue(t, gdb, 3, 3*cfg.Match.ExpandAgainAfter)
	until := time.Now().UTC().Add(cfg.Match.ExpansionTTL)
	require.NoError(t, gdb.Create(&db.Preference{
		UserID: 3, MinAge: 18, MaxAge: 45, MaxDistanceKm: 150,
		Expanded: true, ExpandCount: 2, ExpandedUntil: &until,
		OrigMinAge: 25, OrigMaxAge: 35, OrigMaxDistanceKm: 50,
	}).Error)

	require.NoError(t, mgr.Sweep(ctx))

	var p db.Preference
	require.NoError(t, gdb.First(&p, "user_id = ?", 3).Error)
	assert.Equal(t, 2, p.ExpandCount)
	assert.Equal(t, 45, p.MaxAge)
}

func TestSweepExpiryRestoresOriginals(t *testing.T) {
	ctx := context.Background()
	gdb, mgr, cfg := setupExpansion(t)

	enqueue(t, gdb, 4, time.Second) // not yet due for re-expansion
	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, gdb.Create(&db.Preference{
		UserID: 4, MinAge: 20, MaxAge: 40, MaxDistanceKm: 100,
		Expanded: true, ExpandCount: 1, ExpandedUntil: &expired,
		OrigMinAge: 25, OrigMaxAge: 35, OrigMaxDistanceKm: 50,
	}).Error)
	_ = cfg

	require.NoError(t, mgr.Sweep(ctx))

	var p db.Preference
	require.NoError(t, gdb.First(&p, "user_id = ?", 4).Error)
	assert.False(t, p.Expanded)
	assert.Equal(t, 0, p.ExpandCount)
	assert.Equal(t, 25, p.MinAge)
	assert.Equal(t, 35, p.MaxAge)
	assert.Equal(t, 50, p.MaxDistanceKm)
}

func TestResetRestoresOriginals(t *testing.T) {
	ctx := context.Background()
	gdb, mgr, _ := setupExpansion(t)

	until := time.Now().UTC().Add(time.Minute)
	require.NoError(t, gdb.Create(&db.Preference{
		UserID: 5, MinAge: 20, MaxAge: 40, MaxDistanceKm: 100,
		Expanded: true, ExpandCount: 1, ExpandedUntil: &until,
		OrigMinAge: 25, OrigMaxAge: 35, OrigMaxDistanceKm: 50,
	}).Error)

	require.NoError(t, mgr.Reset(ctx, 5))

	var p db.Preference
	require.NoError(t, gdb.First(&p, "user_id = ?", 5).Error)
	assert.False(t, p.Expanded)
	assert.Equal(t, 25, p.MinAge)

	// Resetting an unexpanded user is a no-op.
	require.NoError(t, mgr.Reset(ctx, 5))
}
