// Package fairness computes queue priority. The score grows with wait
// time and skip penalties, rewards narrow preferences less, and adds a
// small bonus when the queue is thin. Nothing outside this package may
// write the score: recomputes go through Recompute, one-off bumps
// through ApplyBoost with a reason from the closed set below.
package fairness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/cache"
	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/repository"
)

// BoostReason is a capability token for fairness boosts. The unexported
// field means callers can only use the enumerated values; no code path
// can mint a reason or apply an arbitrary delta.
type BoostReason struct {
	name string
}

func (r BoostReason) String() string { return r.name }

// The full set of boost-worthy events. Each is worth exactly
// BoostPoints.
var (
	BoostVotedYesPartnerPassed = BoostReason{"voted_yes_partner_passed"}
	BoostLongWait              = BoostReason{"long_wait"}
	BoostPartnerDisconnected   = BoostReason{"partner_disconnected"}
	BoostPartnerIdle           = BoostReason{"partner_idle"}
)

// BoostPoints is the fixed value of every boost event.
const BoostPoints = 10

const (
	waitDivisor     = 10
	waitCap         = 500
	skipPenalty     = 50
	skipCap         = 300
	widenessWeight  = 100
	densityPerSlot  = 10
	densityMaxQueue = 10

	// Widest bounds considered "fully open" for the narrowness term.
	fullAgeWidth   = 40
	fullDistanceKm = 300

	// scoreThrottle bounds write amplification: recomputes more frequent
	// than this are skipped.
	scoreThrottle = 3 * time.Second

	// queueSizeTTL is how long the cached queue cardinality stays fresh.
	queueSizeTTL = 5 * time.Second
)

// Scorer recomputes and boosts fairness scores.
type Scorer struct {
	states *repository.StateRepository
	prefs  *repository.PreferenceRepository
	queue  *repository.QueueRepository
	audit  *repository.AuditRepository
	cache  *cache.RedisCache
	log    *slog.Logger
}

// NewScorer creates a scorer over the given DB connection and cache.
func NewScorer(database *gorm.DB, rdb *cache.RedisCache, log *slog.Logger) *Scorer {
	return &Scorer{
		states: repository.NewStateRepository(database),
		prefs:  repository.NewPreferenceRepository(database),
		queue:  repository.NewQueueRepository(database),
		audit:  repository.NewAuditRepository(database),
		cache:  rdb,
		log:    log,
	}
}

// Calculate evaluates the scoring formula for a user at the given
// moment. Pure; no persistence.
func Calculate(st *db.UserMatchState, pref *db.Preference, queueSize int64, now time.Time) float64 {
	waitSeconds := now.Sub(st.JoinedAt).Seconds()
	if waitSeconds < 0 {
		waitSeconds = 0
	}

	waitTerm := waitSeconds / waitDivisor
	if waitTerm > waitCap {
		waitTerm = waitCap
	}

	skipTerm := float64(st.SkipCount * skipPenalty)
	if skipTerm > skipCap {
		skipTerm = skipCap
	}

	// (1 - narrowness) rewards users with wide criteria: they are easy
	// to place, so placing them early keeps the queue moving.
	widenessTerm := wideness(pref) * widenessWeight

	densityTerm := float64(densityMaxQueue-queueSize) * densityPerSlot
	if densityTerm < 0 {
		densityTerm = 0
	}

	return waitTerm + skipTerm + widenessTerm + densityTerm
}

// wideness normalizes a preference's openness to 0..1. Narrow criteria
// score near 0, fully open near 1.
func wideness(pref *db.Preference) float64 {
	if pref == nil {
		return 1
	}
	ageWidth := float64(pref.MaxAge - pref.MinAge)
	if ageWidth < 0 {
		ageWidth = 0
	}
	ageFrac := ageWidth / fullAgeWidth
	if ageFrac > 1 {
		ageFrac = 1
	}
	distFrac := float64(pref.MaxDistanceKm) / fullDistanceKm
	if distFrac > 1 {
		distFrac = 1
	}
	return 0.5*ageFrac + 0.5*distFrac
}

// Recompute refreshes a user's stored score.
//
// Behavior:
//   - Throttled: a score written within the last few seconds is left
//     alone and returned as-is, bounding write amplification from the
//     retry loop.
//   - Queue cardinality comes from Redis when fresh, the DB otherwise.
func (s *Scorer) Recompute(ctx context.Context, userID uint64) (float64, error) {
	st, err := s.states.Get(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	if now.Sub(st.LastScoredAt) < scoreThrottle {
		return st.FairnessScore, nil
	}

	pref, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return 0, err
	}

	size, err := s.queueSize(ctx)
	if err != nil {
		return 0, err
	}

	score := Calculate(st, pref, size, now)
	if err := s.states.UpdateScore(ctx, userID, score, now); err != nil {
		return 0, err
	}
	return score, nil
}

// Initialize computes and writes a user's score unconditionally,
// bypassing the throttle. Used on queue join.
func (s *Scorer) Initialize(ctx context.Context, userID uint64) (float64, error) {
	st, err := s.states.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	pref, err := s.prefs.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	size, err := s.queueSize(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	score := Calculate(st, pref, size, now)
	if err := s.states.UpdateScore(ctx, userID, score, now); err != nil {
		return 0, err
	}
	return score, nil
}

// RecomputeQueued refreshes every queued user's score, respecting the
// per-user throttle. Called by the consistency audit and at a coarse
// cadence from the matching orchestrator.
func (s *Scorer) RecomputeQueued(ctx context.Context) error {
	entries, err := s.queue.ListRanked(ctx, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := s.Recompute(ctx, e.UserID); err != nil {
			s.log.Warn("fairness recompute", "user", e.UserID, "err", err)
		}
	}
	return nil
}

// ApplyBoost adds the fixed boost to a user's score for one of the
// enumerated reasons and audits it.
func (s *Scorer) ApplyBoost(ctx context.Context, userID uint64, reason BoostReason) error {
	return s.applyBoost(ctx, s.states, s.audit, userID, reason)
}

// ApplyBoostTx is ApplyBoost inside the caller's transaction, for
// boosts coupled to an outcome (e.g. voted yes, partner passed).
func (s *Scorer) ApplyBoostTx(ctx context.Context, tx *gorm.DB, userID uint64, reason BoostReason) error {
	return s.applyBoost(ctx, s.states.WithTx(tx), s.audit.WithTx(tx), userID, reason)
}

func (s *Scorer) applyBoost(ctx context.Context, states *repository.StateRepository, audit *repository.AuditRepository, userID uint64, reason BoostReason) error {
	if reason.name == "" {
		return fmt.Errorf("fairness: boost without a reason")
	}

	before, err := states.Get(ctx, userID)
	if err != nil {
		return err
	}
	if err := states.AddScore(ctx, userID, BoostPoints); err != nil {
		return err
	}

	if err := audit.Append(ctx, &db.AuditEvent{
		UserID: userID,
		Event:  "fairness_boost",
		Before: fmt.Sprintf("%.1f", before.FairnessScore),
		After:  fmt.Sprintf("%.1f", before.FairnessScore+BoostPoints),
		Detail: reason.name,
	}); err != nil {
		return err
	}

	s.log.Debug("fairness boost", "user", userID, "reason", reason.name)
	return nil
}

// queueSize returns the queue cardinality, cache-first with DB fallback.
func (s *Scorer) queueSize(ctx context.Context) (int64, error) {
	if s.cache != nil {
		if n, ok, err := s.cache.GetQueueSize(ctx); err == nil && ok {
			return n, nil
		}
	}
	n, err := s.queue.Size(ctx)
	if err != nil {
		return 0, err
	}
	if s.cache != nil {
		_ = s.cache.SetQueueSize(ctx, n, queueSizeTTL)
	}
	return n, nil
}
