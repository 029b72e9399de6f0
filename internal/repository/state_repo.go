package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinkdate/matchmaker/internal/db"
)

// StateRepository provides data access for UserMatchState rows. Writes
// to the State column are reserved for the state machine; the fairness
// scorer owns the score columns.
type StateRepository struct {
	db *gorm.DB
}

// NewStateRepository creates a new repository bound to the given DB connection.
func NewStateRepository(database *gorm.DB) *StateRepository {
	return &StateRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *StateRepository) WithTx(tx *gorm.DB) *StateRepository {
	return &StateRepository{db: tx}
}

// GetOrCreate loads a user's lifecycle row, creating an idle one on
// first contact.
func (r *StateRepository) GetOrCreate(ctx context.Context, userID uint64) (*db.UserMatchState, error) {
	var st db.UserMatchState
	err := r.db.WithContext(ctx).
		Where(db.UserMatchState{UserID: userID}).
		Attrs(db.UserMatchState{State: db.StateIdle}).
		FirstOrCreate(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Get loads a user's lifecycle row.
func (r *StateRepository) Get(ctx context.Context, userID uint64) (*db.UserMatchState, error) {
	var st db.UserMatchState
	if err := r.db.WithContext(ctx).First(&st, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// GetForUpdate loads a user's lifecycle row with a row lock, for use
// inside a transaction that will mutate it. SQLite serializes writers
// on its own and rejects FOR UPDATE, so the clause is MySQL-only.
func (r *StateRepository) GetForUpdate(ctx context.Context, userID uint64) (*db.UserMatchState, error) {
	q := r.db.WithContext(ctx)
	if q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var st db.UserMatchState
	if err := q.First(&st, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &st, nil
}

// Save persists the full lifecycle row.
func (r *StateRepository) Save(ctx context.Context, st *db.UserMatchState) error {
	return r.db.WithContext(ctx).Save(st).Error
}

// UpdateScore writes the fairness score and the recompute throttle
// marker. Only the fairness scorer calls this.
func (r *StateRepository) UpdateScore(ctx context.Context, userID uint64, score float64, scoredAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&db.UserMatchState{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"fairness_score": score,
			"last_scored_at": scoredAt,
		}).Error
}

// AddScore applies a delta to the fairness score. Only the fairness
// scorer's boost path calls this.
func (r *StateRepository) AddScore(ctx context.Context, userID uint64, delta float64) error {
	return r.db.WithContext(ctx).
		Model(&db.UserMatchState{}).
		Where("user_id = ?", userID).
		Update("fairness_score", gorm.Expr("fairness_score + ?", delta)).Error
}

// IncrementSkips bumps the skip counter for a user whose partner passed
// or idled out.
func (r *StateRepository) IncrementSkips(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).
		Model(&db.UserMatchState{}).
		Where("user_id = ?", userID).
		Update("skip_count", gorm.Expr("skip_count + 1")).Error
}

// ListInStates returns every user currently in one of the given states.
func (r *StateRepository) ListInStates(ctx context.Context, states ...db.State) ([]db.UserMatchState, error) {
	var rows []db.UserMatchState
	err := r.db.WithContext(ctx).
		Where("state IN ?", states).
		Find(&rows).Error
	return rows, err
}

// ListGraceExpired returns users whose reconnection grace window ran
// out before the given cutoff.
func (r *StateRepository) ListGraceExpired(ctx context.Context, cutoff time.Time) ([]db.UserMatchState, error) {
	var rows []db.UserMatchState
	err := r.db.WithContext(ctx).
		Where("state = ? AND disconnected_at IS NOT NULL AND disconnected_at < ?", db.StateReconnectGrace, cutoff).
		Find(&rows).Error
	return rows, err
}

// OppositeActiveIDs returns the active opposite-gender users whose DB
// state has not settled on offline. Liveness is a Redis heartbeat, not
// a DB column — a lapsed candidate can sit in queueing or
// reconnect_grace for a while — so the caller must probe presence over
// these before concluding anyone is reachable.
func (r *StateRepository) OppositeActiveIDs(ctx context.Context, gender string) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Table("users u").
		Joins("JOIN user_match_states s ON s.user_id = u.id").
		Where("u.gender <> ? AND u.active = ?", gender, true).
		Where("s.state NOT IN ?", []db.State{db.StateOffline}).
		Pluck("u.id", &ids).Error
	return ids, err
}
