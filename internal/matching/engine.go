// Package matching implements the tiered candidate search and the
// concurrency-controlled pair creation: exact and expanded searches
// ranked by fairness, a guaranteed fallback with a supervised retry
// loop, and an orchestrator that serializes passes behind a global
// lock.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/cache"
	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/events"
	"github.com/blinkdate/matchmaker/internal/expansion"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/presence"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/repository"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// Tier labels a matching attempt phase.
type Tier string

const (
	TierExact      Tier = "exact"
	TierExpanded   Tier = "expanded"
	TierGuaranteed Tier = "guaranteed"
)

// pairLockTTL bounds how long a per-user pair lock can outlive a
// crashed holder.
const pairLockTTL = 10 * time.Second

// Engine runs the tiered candidate search and creates pairs.
type Engine struct {
	db         *gorm.DB
	cfg        *config.Config
	machine    *statemachine.Machine
	queueMgr   *queue.Manager
	expansion  *expansion.Manager
	scorer     *fairness.Scorer
	presence   *presence.Tracker
	cache      *cache.RedisCache
	events     *events.Publisher
	users      *repository.UserRepository
	prefs      *repository.PreferenceRepository
	states     *repository.StateRepository
	matches    *repository.MatchRepository
	history    *repository.HistoryRepository
	blocks     *repository.BlockRepository
	candidates *repository.CandidateRepository
	log        *slog.Logger
}

// NewEngine wires the matching engine.
func NewEngine(
	database *gorm.DB,
	cfg *config.Config,
	machine *statemachine.Machine,
	queueMgr *queue.Manager,
	exp *expansion.Manager,
	scorer *fairness.Scorer,
	pres *presence.Tracker,
	rdb *cache.RedisCache,
	pub *events.Publisher,
	log *slog.Logger,
) *Engine {
	return &Engine{
		db:         database,
		cfg:        cfg,
		machine:    machine,
		queueMgr:   queueMgr,
		expansion:  exp,
		scorer:     scorer,
		presence:   pres,
		cache:      rdb,
		events:     pub,
		users:      repository.NewUserRepository(database),
		prefs:      repository.NewPreferenceRepository(database),
		states:     repository.NewStateRepository(database),
		matches:    repository.NewMatchRepository(database),
		history:    repository.NewHistoryRepository(database),
		blocks:     repository.NewBlockRepository(database),
		candidates: repository.NewCandidateRepository(database),
		log:        log,
	}
}

// MatchUser attempts to pair a queued user through the exact and, when
// their expansion is active, expanded tiers. Returns ErrNoCandidates
// when neither tier found a partner; the guaranteed tier is a separate,
// supervised call (GuaranteedMatch).
func (e *Engine) MatchUser(ctx context.Context, userID uint64) (*db.Match, Tier, error) {
	user, pref, err := e.loadProfile(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	if m, err := e.tryTier(ctx, user, pref, TierExact); err != nil || m != nil {
		return m, TierExact, err
	}
	if pref != nil && pref.Expanded {
		if m, err := e.tryTier(ctx, user, pref, TierExpanded); err != nil || m != nil {
			return m, TierExpanded, err
		}
	}
	return nil, "", fmt.Errorf("user %d: %w", userID, svcErr.ErrNoCandidates)
}

func (e *Engine) loadProfile(ctx context.Context, userID uint64) (*db.User, *db.Preference, error) {
	st, err := e.states.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if st.State != db.StateQueueing {
		return nil, nil, fmt.Errorf("user %d in %s: %w", userID, st.State, svcErr.ErrNotQueued)
	}
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	pref, err := e.prefs.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return user, pref, nil
}

// tryTier runs one tier's candidate search and attempts pair creation
// candidate by candidate in fairness order.
func (e *Engine) tryTier(ctx context.Context, user *db.User, pref *db.Preference, tier Tier) (*db.Match, error) {
	q := repository.CandidateQuery{
		UserID: user.ID,
		Gender: user.Gender,
		Age:    user.Age,
		Limit:  e.cfg.Match.TierBatchSize,
	}

	maxDist := 0
	switch tier {
	case TierExact:
		// The exact tier never sees widened bounds.
		if pref == nil {
			return nil, nil
		}
		if pref.Expanded {
			q.MinAge, q.MaxAge, maxDist = pref.OrigMinAge, pref.OrigMaxAge, pref.OrigMaxDistanceKm
		} else {
			q.MinAge, q.MaxAge, maxDist = pref.MinAge, pref.MaxAge, pref.MaxDistanceKm
		}
	case TierExpanded:
		q.MinAge, q.MaxAge, maxDist = pref.MinAge, pref.MaxAge, pref.MaxDistanceKm
		q.CooldownCutoff = time.Now().UTC().Add(-e.cfg.Match.CooldownWindow)
	case TierGuaranteed:
		q.SkipPreferences = true
		q.CooldownCutoff = time.Now().UTC().Add(-e.cfg.Match.CooldownWindow)
	}

	candidates, err := e.candidates.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if tier != TierGuaranteed {
			d := distanceKm(user.Lat, user.Lng, c.Lat, c.Lng)
			if d > float64(maxDist) || d > float64(c.MaxDistanceKm) {
				continue
			}
		}

		// Liveness re-check immediately before the commit attempt.
		online, err := e.presence.IsOnline(ctx, c.UserID)
		if err != nil || !online {
			continue
		}

		m, err := e.createPair(ctx, user.ID, c.UserID, tier)
		if err != nil {
			if errors.Is(err, svcErr.ErrLockContention) || errors.Is(err, svcErr.ErrAlreadyMatched) {
				continue // candidate taken by a concurrent attempt
			}
			return nil, err
		}
		return m, nil
	}
	return nil, nil
}

// createPair commits a pairing between two users.
//
// Concurrency contract:
//   - Both users' pair locks are taken first, in ascending id order,
//     without blocking; failure to take either aborts with
//     ErrLockContention and no side effects.
//   - Every precondition is re-validated inside the same transaction
//     that creates the match: both still queueing, neither in an active
//     match, no mutual-yes record, no block either way, cooldown clear,
//     and for the exact tier no prior history with this partner at all.
func (e *Engine) createPair(ctx context.Context, a, b uint64, tier Tier) (*db.Match, error) {
	first, second := a, b
	if second < first {
		first, second = second, first
	}

	lock1, ok, err := e.cache.TryLock(ctx, cache.KeyForUserLock(first), pairLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %d: %w", first, svcErr.ErrLockContention)
	}
	defer lock1.Release(ctx)

	lock2, ok, err := e.cache.TryLock(ctx, cache.KeyForUserLock(second), pairLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %d: %w", second, svcErr.ErrLockContention)
	}
	defer lock2.Release(ctx)

	match := &db.Match{
		ID:      uuid.New().String(),
		User1ID: a,
		User2ID: b,
		Status:  db.MatchPending,
		Tier:    string(tier),
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		states := e.states.WithTx(tx)
		matches := e.matches.WithTx(tx)
		history := e.history.WithTx(tx)

		for _, id := range []uint64{a, b} {
			st, err := states.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if st.State != db.StateQueueing {
				return fmt.Errorf("user %d in %s: %w", id, st.State, svcErr.ErrAlreadyMatched)
			}
			active, err := matches.HasActiveForUser(ctx, id)
			if err != nil {
				return err
			}
			if active {
				return fmt.Errorf("user %d: %w", id, svcErr.ErrAlreadyMatched)
			}
		}

		// Absolute exclusions and the cooldown hold in every tier.
		if yes, err := history.IsMutualYes(ctx, a, b); err != nil {
			return err
		} else if yes {
			return fmt.Errorf("pair %d/%d mutual-yes: %w", a, b, svcErr.ErrNoCandidates)
		}
		if blocked, err := e.blocks.WithTx(tx).IsBlocked(ctx, a, b); err != nil {
			return err
		} else if blocked {
			return fmt.Errorf("pair %d/%d blocked: %w", a, b, svcErr.ErrNoCandidates)
		}
		if tier == TierExact {
			// The exact tier excludes the pair's entire history, not
			// just the cooldown window.
			if met, err := history.HasAny(ctx, a, b); err != nil {
				return err
			} else if met {
				return fmt.Errorf("pair %d/%d already met: %w", a, b, svcErr.ErrNoCandidates)
			}
		}
		cutoff := time.Now().UTC().Add(-e.cfg.Match.CooldownWindow)
		if recent, err := history.HasSince(ctx, a, b, cutoff); err != nil {
			return err
		} else if recent {
			return fmt.Errorf("pair %d/%d in cooldown: %w", a, b, svcErr.ErrNoCandidates)
		}

		if err := matches.Create(ctx, match); err != nil {
			return err
		}

		for _, id := range []uint64{a, b} {
			if _, err := e.machine.ApplyTx(ctx, tx, id, statemachine.EventMatchFound); err != nil {
				return err
			}
			if err := e.queueMgr.RemoveTx(ctx, tx, id); err != nil {
				return err
			}
			if err := e.expansion.ResetTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.events.MatchFound(match.ID, a, b, string(tier))
	metrics.MatchesTotal.WithLabelValues(string(tier)).Inc()
	e.log.Info("match created",
		"match", match.ID, "user1", a, "user2", b, "tier", tier)
	return match, nil
}
