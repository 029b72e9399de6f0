package matching_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
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
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/events"
	"github.com/blinkdate/matchmaker/internal/expansion"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/matching"
	"github.com/blinkdate/matchmaker/internal/presence"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

type engineHarness struct {
	db       *gorm.DB
	mr       *miniredis.Miniredis
	cache    *cache.RedisCache
	cfg      *config.Config
	machine  *statemachine.Machine
	queueMgr *queue.Manager
	tracker  *presence.Tracker
	engine   *matching.Engine
}

func setupEngine(t *testing.T) *engineHarness {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbase, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	})
	require.NoError(t, err)

	sqlDB, err := dbase.DB()
	require.NoError(t, err)
	// Serialize sqlite access; the file-backed deployments use MySQL.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(dbase))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()
	cfg.Match.RetryLimit = 3
	cfg.Match.RetryInterval = 10 * time.Millisecond
	redisCache := cache.NewRedisCache(cfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	machine := statemachine.NewMachine(dbase, logger)
	scorer := fairness.NewScorer(dbase, redisCache, logger)
	expMgr := expansion.NewManager(dbase, cfg, logger)
	queueMgr := queue.NewManager(dbase, machine, scorer, logger)
	tracker := presence.NewTracker(dbase, redisCache, machine, queueMgr, scorer, cfg, logger)
	engine := matching.NewEngine(dbase, cfg, machine, queueMgr, expMgr, scorer, tracker, redisCache, (*events.Publisher)(nil), logger)

	return &engineHarness{
		db: dbase, mr: mr, cache: redisCache, cfg: cfg,
		machine: machine, queueMgr: queueMgr, tracker: tracker, engine: engine,
	}
}

// addUser creates a profile, queues the user and marks them online.
func (h *engineHarness) addUser(t *testing.T, id uint64, gender string, age int, lat, lng float64, pref db.Preference) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.db.Create(&db.User{
		ID: id, Username: fmt.Sprintf("u%d", id), Email: fmt.Sprintf("u%d@test.com", id),
		PasswordHash: "x", Active: true, Gender: gender, Age: age, Lat: lat, Lng: lng,
	}).Error)

	_, err := h.queueMgr.Join(ctx, id, &pref)
	require.NoError(t, err)
	require.NoError(t, h.tracker.Heartbeat(ctx, id))
}

func wide() db.Preference {
	return db.Preference{MinAge: 18, MaxAge: 58, MaxDistanceKm: 300}
}

func TestMatchUserExactTier(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.addUser(t, 1, "male", 30, 51.5, -0.12, wide())
	h.addUser(t, 2, "female", 28, 51.5, -0.13, wide())

	m, tier, err := h.engine.MatchUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, matching.TierExact, tier)
	assert.Equal(t, db.MatchPending, m.Status)
	assert.True(t, m.HasUser(1))
	assert.True(t, m.HasUser(2))

	// Both users moved to paired and left the queue.
	for _, id := range []uint64{1, 2} {
		var st db.UserMatchState
		require.NoError(t, h.db.First(&st, "user_id = ?", id).Error)
		assert.Equal(t, db.StatePaired, st.State)

		var queued int64
		h.db.Model(&db.QueueEntry{}).Where("user_id = ?", id).Count(&queued)
		assert.Zero(t, queued, "user %d", id)
	}
}

func TestMatchUserNoCandidates(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.addUser(t, 1, "male", 30, 51.5, -0.12, wide())

	_, _, err := h.engine.MatchUser(ctx, 1)
	assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
}

func TestMatchUserRequiresQueueing(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	require.NoError(t, h.db.Save(&db.UserMatchState{UserID: 9, State: db.StateVoting}).Error)

	_, _, err := h.engine.MatchUser(ctx, 9)
	assert.ErrorIs(t, err, svcErr.ErrNotQueued)
}

func TestMatchUserMutualDistanceCheck(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	// London and Paris are ~340km apart; his bound allows it, hers
	// does not, and the check must hold both ways.
	his := wide()
	hers := wide()
	hers.MaxDistanceKm = 50
	h.addUser(t, 1, "male", 30, 51.5074, -0.1278, his)
	h.addUser(t, 2, "female", 28, 48.8566, 2.3522, hers)

	_, _, err := h.engine.MatchUser(ctx, 1)
	assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
}

func TestMatchUserSkipsOfflineCandidates(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.addUser(t, 1, "male", 30, 51.5, -0.12, wide())
	h.addUser(t, 2, "female", 28, 51.5, -0.13, wide())

	// Candidate's heartbeat lapses right before the pass.
	h.mr.Del(h.cache.KeyForPresence(2))

	_, _, err := h.engine.MatchUser(ctx, 1)
	assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
}

func TestMatchUserExpandedTierUsesWidenedBounds(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	// She is 45; his stated bounds stop at 40, the widened ones reach her.
	his := db.Preference{MinAge: 25, MaxAge: 40, MaxDistanceKm: 100}
	h.addUser(t, 1, "male", 38, 51.5, -0.12, his)
	h.addUser(t, 2, "female", 45, 51.5, -0.13, db.Preference{MinAge: 30, MaxAge: 50, MaxDistanceKm: 100})

	// Simulate the expansion sweep having widened his bounds.
	until := time.Now().UTC().Add(time.Minute)
	require.NoError(t, h.db.Model(&db.Preference{}).Where("user_id = ?", 1).Updates(map[string]interface{}{
		"min_age": 20, "max_age": 45, "max_distance_km": 150,
		"expanded": true, "expand_count": 1, "expanded_until": until,
		"orig_min_age": 25, "orig_max_age": 40, "orig_max_distance_km": 100,
	}).Error)

	m, tier, err := h.engine.MatchUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, matching.TierExpanded, tier)
	assert.True(t, m.HasUser(2))

	// Matching reverts the expansion.
	var p db.Preference
	require.NoError(t, h.db.First(&p, "user_id = ?", 1).Error)
	assert.False(t, p.Expanded)
	assert.Equal(t, 25, p.MinAge)
}

func TestConcurrentMatchingNoDoubleBooking(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	const pairs = 3
	var ids []uint64
	for i := uint64(1); i <= pairs; i++ {
		h.addUser(t, i, "male", 30, 51.5, -0.12, wide())
		h.addUser(t, i+pairs, "female", 28, 51.5, -0.13, wide())
		ids = append(ids, i, i+pairs)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(userID uint64) {
			defer wg.Done()
			_, _, _ = h.engine.MatchUser(ctx, userID)
		}(id)
	}
	wg.Wait()

	// Contended attempts surface as lock contention and are picked up
	// by the next scheduled pass; drive those passes until the queue
	// drains.
	for range ids {
		var leftover []db.UserMatchState
		require.NoError(t, h.db.Where("state = ?", db.StateQueueing).Find(&leftover).Error)
		if len(leftover) == 0 {
			break
		}
		for _, st := range leftover {
			_, _, _ = h.engine.MatchUser(ctx, st.UserID)
		}
	}

	// Every user participates in exactly one live match, and a fully
	// compatible queue of 2N users produces exactly N matches.
	for _, id := range ids {
		var count int64
		h.db.Model(&db.Match{}).
			Where("(user1_id = ? OR user2_id = ?) AND status <> ?", id, id, db.MatchEnded).
			Count(&count)
		assert.EqualValues(t, 1, count, "user %d", id)
	}

	var total int64
	h.db.Model(&db.Match{}).Where("status <> ?", db.MatchEnded).Count(&total)
	assert.EqualValues(t, pairs, total)
}

func TestGuaranteedNoOnlineOppositeReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.addUser(t, 1, "male", 30, 51.5, -0.12, wide())

	start := time.Now()
	_, err := h.engine.GuaranteedMatch(ctx, 1)
	assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
	// Immediate: no retry cycles were spent waiting.
	assert.Less(t, time.Since(start), h.cfg.Match.RetryInterval*time.Duration(h.cfg.Match.RetryLimit))
}

func TestGuaranteedIgnoresPreferenceFilters(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	// Mutually incompatible stated bounds; only the guaranteed tier
	// can pair them.
	h.addUser(t, 1, "male", 55, 51.5, -0.12, db.Preference{MinAge: 20, MaxAge: 30, MaxDistanceKm: 10})
	h.addUser(t, 2, "female", 22, 48.85, 2.35, db.Preference{MinAge: 40, MaxAge: 50, MaxDistanceKm: 10})

	_, _, err := h.engine.MatchUser(ctx, 1)
	require.ErrorIs(t, err, svcErr.ErrNoCandidates)

	m, err := h.engine.GuaranteedMatch(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, string(matching.TierGuaranteed), m.Tier)
	assert.True(t, m.HasUser(2))

	// Reaching the guaranteed tier earned the long-wait boost.
	var audit int64
	h.db.Model(&db.AuditEvent{}).
		Where("user_id = ? AND event = ? AND detail = ?", 1, "fairness_boost", "long_wait").
		Count(&audit)
	assert.EqualValues(t, 1, audit)
}

func TestGuaranteedLapsedHeartbeatIsDrainNotAnomaly(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.addUser(t, 1, "male", 30, 51.5, -0.12, wide())
	h.addUser(t, 2, "female", 28, 51.5, -0.13, wide())

	// She is still queueing in the DB but her heartbeat lapsed. With
	// nobody reachable the pool counts as drained: the routine
	// no-candidates outcome, never the exhaustion anomaly, and no
	// cycles spent waiting for her to come back.
	h.mr.Del(h.cache.KeyForPresence(2))

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.GuaranteedMatch(ctx, 1)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
		assert.NotErrorIs(t, err, svcErr.ErrGuaranteedExhausted)
	case <-time.After(5 * time.Second):
		t.Fatal("guaranteed match did not terminate")
	}

	// Nobody ended up half-matched.
	var st db.UserMatchState
	require.NoError(t, h.db.First(&st, "user_id = ?", 1).Error)
	assert.Equal(t, db.StateQueueing, st.State)
}

func TestGuaranteedDrainDetectedMidLoop(t *testing.T) {
	ctx := context.Background()
	h := setupEngine(t)

	h.addUser(t, 1, "male", 30, 51.5, -0.12, wide())
	h.addUser(t, 2, "female", 28, 51.5, -0.13, wide())

	// She is online for the entry check but mutual-yes history keeps
	// the pair apart; her heartbeat lapses after the first cycle.
	low, high := db.NormalizePair(1, 2)
	require.NoError(t, h.db.Create(&db.MutualYesPair{
		UserLowID: low, UserHighID: high, MatchID: "old",
	}).Error)

	go func() {
		time.Sleep(h.cfg.Match.RetryInterval / 2)
		h.mr.Del(h.cache.KeyForPresence(2))
	}()

	_, err := h.engine.GuaranteedMatch(ctx, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
	assert.NotErrorIs(t, err, svcErr.ErrGuaranteedExhausted)
}
