package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
)

// Candidate is one row of a tiered candidate search: a queued,
// compatible partner with the fields the engine needs for ranking and
// the mutual distance check.
type Candidate struct {
	UserID        uint64
	Age           int
	Lat           float64
	Lng           float64
	MaxDistanceKm int
	FairnessScore float64
	JoinedAt      time.Time
}

// CandidateQuery describes one tier's candidate search for a user.
type CandidateQuery struct {
	UserID uint64
	Gender string
	Age    int

	// Preference filters. Skipped entirely when SkipPreferences is set
	// (guaranteed tier).
	MinAge          int
	MaxAge          int
	SkipPreferences bool

	// History exclusion. When CooldownCutoff is zero every prior pairing
	// excludes (exact tier); otherwise only pairings at or after the
	// cutoff do (expanded/guaranteed tiers).
	CooldownCutoff time.Time

	Limit int
}

// CandidateRepository runs the tiered candidate searches over the queue.
type CandidateRepository struct {
	db *gorm.DB
}

// NewCandidateRepository creates a new repository bound to the given DB connection.
func NewCandidateRepository(database *gorm.DB) *CandidateRepository {
	return &CandidateRepository{db: database}
}

// Find returns ranked candidates for the given query.
//
// Behavior:
//   - Joins queue membership, lifecycle state, user profile and current
//     preferences; only active opposite-gender users still in the
//     queueing state qualify.
//   - Age compatibility is checked both ways: the candidate's age falls
//     inside the caller's bounds AND the caller's age falls inside the
//     candidate's own stored bounds.
//   - MutualYesPair and Block exclusions apply in every tier, as does
//     "not already in an active match".
//   - Distance is not filtered here; coordinates are returned and the
//     engine applies the mutual haversine check in Go, so the SQL stays
//     portable across MySQL and the sqlite test driver.
//   - Ordered by fairness descending, then join time ascending.
func (r *CandidateRepository) Find(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	query := r.db.WithContext(ctx).
		Table("queue_entries qe").
		Select("u.id AS user_id, u.age, u.lat, u.lng, p.max_distance_km, s.fairness_score, qe.joined_at").
		Joins("JOIN users u ON u.id = qe.user_id").
		Joins("JOIN user_match_states s ON s.user_id = qe.user_id").
		Joins("JOIN preferences p ON p.user_id = qe.user_id").
		Where("qe.user_id <> ?", q.UserID).
		Where("u.gender <> ?", q.Gender).
		Where("u.active = ?", true).
		Where("s.state = ?", db.StateQueueing)

	if !q.SkipPreferences {
		query = query.
			Where("u.age BETWEEN ? AND ?", q.MinAge, q.MaxAge).
			Where("? BETWEEN p.min_age AND p.max_age", q.Age)
	}

	// Permanent mutual-yes exclusion, both orientations of the pair.
	query = query.Where(`
		NOT EXISTS (
			SELECT 1 FROM mutual_yes_pairs my
			WHERE (my.user_low_id = ? AND my.user_high_id = qe.user_id)
			   OR (my.user_low_id = qe.user_id AND my.user_high_id = ?)
		)`, q.UserID, q.UserID)

	// Block exclusion, either direction.
	query = query.Where(`
		NOT EXISTS (
			SELECT 1 FROM blocks b
			WHERE (b.blocker_id = ? AND b.blocked_id = qe.user_id)
			   OR (b.blocker_id = qe.user_id AND b.blocked_id = ?)
		)`, q.UserID, q.UserID)

	// Candidate must not hold an active match of their own.
	query = query.Where(`
		NOT EXISTS (
			SELECT 1 FROM matches m
			WHERE (m.user1_id = qe.user_id OR m.user2_id = qe.user_id)
			  AND m.status IN ?
		)`, activeStatuses)

	// Re-pair exclusion: any history at all (exact tier), or history
	// inside the cooldown window (expanded/guaranteed).
	if q.CooldownCutoff.IsZero() {
		query = query.Where(`
			NOT EXISTS (
				SELECT 1 FROM match_histories h
				WHERE (h.user_low_id = ? AND h.user_high_id = qe.user_id)
				   OR (h.user_low_id = qe.user_id AND h.user_high_id = ?)
			)`, q.UserID, q.UserID)
	} else {
		query = query.Where(`
			NOT EXISTS (
				SELECT 1 FROM match_histories h
				WHERE ((h.user_low_id = ? AND h.user_high_id = qe.user_id)
				    OR (h.user_low_id = qe.user_id AND h.user_high_id = ?))
				  AND h.created_at >= ?
			)`, q.UserID, q.UserID, q.CooldownCutoff)
	}

	query = query.Order("s.fairness_score DESC, qe.joined_at ASC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var candidates []Candidate
	if err := query.Find(&candidates).Error; err != nil {
		return nil, err
	}
	return candidates, nil
}
