package matching

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
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/events"
	"github.com/blinkdate/matchmaker/internal/expansion"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/presence"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// newPairEngine builds an engine for exercising createPair directly,
// past the candidate query that would normally pre-filter the pair.
func newPairEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	dbase, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	})
	require.NoError(t, err)

	sqlDB, err := dbase.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
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
	expMgr := expansion.NewManager(dbase, cfg, logger)
	queueMgr := queue.NewManager(dbase, machine, scorer, logger)
	tracker := presence.NewTracker(dbase, redisCache, machine, queueMgr, scorer, cfg, logger)
	engine := NewEngine(dbase, cfg, machine, queueMgr, expMgr, scorer, tracker, redisCache, (*events.Publisher)(nil), logger)

	now := time.Now().UTC()
	for id := uint64(1); id <= 2; id++ {
		require.NoError(t, dbase.Create(&db.User{
			ID: id, Username: fmt.Sprintf("u%d", id), Email: fmt.Sprintf("u%d@test.com", id),
			PasswordHash: "x", Active: true, Gender: "male", Age: 30,
		}).Error)
		require.NoError(t, dbase.Save(&db.UserMatchState{
			UserID: id, State: db.StateQueueing, JoinedAt: now,
		}).Error)
	}

	return engine, dbase
}

func TestCreatePairExactTierRechecksFullHistory(t *testing.T) {
	ctx := context.Background()
	engine, dbase := newPairEngine(t)

	// The pair met an hour ago: outside the cooldown window, but the
	// exact tier must still refuse them inside the commit transaction.
	low, high := db.NormalizePair(1, 2)
	require.NoError(t, dbase.Create(&db.MatchHistory{
		UserLowID: low, UserHighID: high, MatchID: "old",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}).Error)

	_, err := engine.createPair(ctx, 1, 2, TierExact)
	require.Error(t, err)
	assert.ErrorIs(t, err, svcErr.ErrNoCandidates)

	var matches int64
	dbase.Model(&db.Match{}).Count(&matches)
	assert.Zero(t, matches)

	// The expanded tier only honors the cooldown; an hour-old pairing
	// is fair game again.
	m, err := engine.createPair(ctx, 1, 2, TierExpanded)
	require.NoError(t, err)
	assert.Equal(t, string(TierExpanded), m.Tier)
}

func TestCreatePairRefusesBlockedPair(t *testing.T) {
	ctx := context.Background()
	engine, dbase := newPairEngine(t)

	require.NoError(t, dbase.Create(&db.Block{BlockerID: 2, BlockedID: 1}).Error)

	for _, tier := range []Tier{TierExact, TierExpanded, TierGuaranteed} {
		_, err := engine.createPair(ctx, 1, 2, tier)
		require.Error(t, err, "tier %s", tier)
		assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
	}

	var matches int64
	dbase.Model(&db.Match{}).Count(&matches)
	assert.Zero(t, matches)
}

func TestCreatePairCooldownHoldsInEveryTier(t *testing.T) {
	ctx := context.Background()
	engine, dbase := newPairEngine(t)

	low, high := db.NormalizePair(1, 2)
	require.NoError(t, dbase.Create(&db.MatchHistory{
		UserLowID: low, UserHighID: high, MatchID: "recent",
		CreatedAt: time.Now().UTC(),
	}).Error)

	for _, tier := range []Tier{TierExpanded, TierGuaranteed} {
		_, err := engine.createPair(ctx, 1, 2, tier)
		require.Error(t, err, "tier %s", tier)
		assert.ErrorIs(t, err, svcErr.ErrNoCandidates)
	}
}
