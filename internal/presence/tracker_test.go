package presence_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/cache"
	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/presence"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

type trackerHarness struct {
	db      *gorm.DB
	mr      *miniredis.Miniredis
	cache   *cache.RedisCache
	tracker *presence.Tracker
	cfg     *config.Config
}

func setupTracker(t *testing.T) *trackerHarness {
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

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()
	redisCache := cache.NewRedisCache(cfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := statemachine.NewMachine(dbase, logger)
	scorer := fairness.NewScorer(dbase, redisCache, logger)
	queueMgr := queue.NewManager(dbase, machine, scorer, logger)
	tracker := presence.NewTracker(dbase, redisCache, machine, queueMgr, scorer, cfg, logger)

	return &trackerHarness{db: dbase, mr: mr, cache: redisCache, tracker: tracker, cfg: cfg}
}

func TestHeartbeatMarksOnline(t *testing.T) {
	ctx := context.Background()
	h := setupTracker(t)

	require.NoError(t, h.tracker.Heartbeat(ctx, 1))

	online, err := h.tracker.IsOnline(ctx, 1)
	require.NoError(t, err)
	assert.True(t, online)

	// TTL expiry flips the user back to unknown.
	h.mr.FastForward(h.cfg.Match.HeartbeatTTL + time.Second)
	online, err = h.tracker.IsOnline(ctx, 1)
	require.NoError(t, err)
	assert.False(t, online)
}

func TestHeartbeatResolvesGraceWindow(t *testing.T) {
	ctx := context.Background()
	h := setupTracker(t)

	now := time.Now().UTC()
	require.NoError(t, h.db.Save(&db.UserMatchState{
		UserID: 2, State: db.StateReconnectGrace, JoinedAt: now, DisconnectedAt: &now,
	}).Error)

	require.NoError(t, h.tracker.Heartbeat(ctx, 2))

	var st db.UserMatchState
	require.NoError(t, h.db.First(&st, "user_id = ?", 2).Error)
	assert.Equal(t, db.StateQueueing, st.State)
	assert.Nil(t, st.DisconnectedAt)

	// Reconnection recreated queue membership.
	var count int64
	h.db.Model(&db.QueueEntry{}).Where("user_id = ?", 2).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestFinalizeOpensGraceWindow(t *testing.T) {
	ctx := context.Background()
	h := setupTracker(t)

	// Queued but never heartbeating: a lapsed user.
	require.NoError(t, h.db.Save(&db.UserMatchState{
		UserID: 3, State: db.StateQueueing, JoinedAt: time.Now().UTC(),
	}).Error)

	require.NoError(t, h.tracker.Finalize(ctx))

	var st db.UserMatchState
	require.NoError(t, h.db.First(&st, "user_id = ?", 3).Error)
	assert.Equal(t, db.StateReconnectGrace, st.State)
	assert.NotNil(t, st.DisconnectedAt)
}

func TestFinalizeLeavesOnlineUsersAlone(t *testing.T) {
	ctx := context.Background()
	h := setupTracker(t)

	require.NoError(t, h.db.Save(&db.UserMatchState{
		UserID: 4, State: db.StateQueueing, JoinedAt: time.Now().UTC(),
	}).Error)
	require.NoError(t, h.tracker.Heartbeat(ctx, 4))

	require.NoError(t, h.tracker.Finalize(ctx))

	var st db.UserMatchState
	require.NoError(t, h.db.First(&st, "user_id = ?", 4).Error)
	assert.Equal(t, db.StateQueueing, st.State)
}

func TestFinalizeExpiresGraceToOffline(t *testing.T) {
	ctx := context.Background()
	h := setupTracker(t)

	long := time.Now().UTC().Add(-h.cfg.Match.GraceWindow - time.Minute)
	require.NoError(t, h.db.Save(&db.UserMatchState{
		UserID: 5, State: db.StateReconnectGrace, DisconnectedAt: &long,
	}).Error)
	require.NoError(t, h.db.Create(&db.QueueEntry{UserID: 5, JoinedAt: long}).Error)

	require.NoError(t, h.tracker.Finalize(ctx))

	var st db.UserMatchState
	require.NoError(t, h.db.First(&st, "user_id = ?", 5).Error)
	assert.Equal(t, db.StateOffline, st.State)

	var count int64
	h.db.Model(&db.QueueEntry{}).Where("user_id = ?", 5).Count(&count)
	assert.Zero(t, count)
}

func TestFinalizeFreesThePartner(t *testing.T) {
	ctx := context.Background()
	h := setupTracker(t)

	long := time.Now().UTC().Add(-h.cfg.Match.GraceWindow - time.Minute)
	require.NoError(t, h.db.Save(&db.UserMatchState{
		UserID: 6, State: db.StateReconnectGrace, DisconnectedAt: &long,
	}).Error)
	require.NoError(t, h.db.Save(&db.UserMatchState{
		UserID: 7, State: db.StateVoting, JoinedAt: long,
	}).Error)
	require.NoError(t, h.db.Create(&db.Match{
		ID: "m-6-7", User1ID: 6, User2ID: 7, Status: db.MatchMatched, Tier: "exact",
	}).Error)
	// The partner is still alive.
	require.NoError(t, h.tracker.Heartbeat(ctx, 7))

	require.NoError(t, h.tracker.Finalize(ctx))

	// The departed user is offline, the match is dead, and the partner
	// is back in the queue with a boost.
	var match db.Match
	require.NoError(t, h.db.First(&match, "id = ?", "m-6-7").Error)
	assert.Equal(t, db.MatchEnded, match.Status)

	var partner db.UserMatchState
	require.NoError(t, h.db.First(&partner, "user_id = ?", 7).Error)
	assert.Equal(t, db.StateQueueing, partner.State)
	assert.InDelta(t, fairness.BoostPoints, partner.FairnessScore, 0.001)

	var queued int64
	h.db.Model(&db.QueueEntry{}).Where("user_id = ?", 7).Count(&queued)
	assert.EqualValues(t, 1, queued)

	var history int64
	h.db.Model(&db.MatchHistory{}).Count(&history)
	assert.EqualValues(t, 1, history)
}
