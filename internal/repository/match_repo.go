package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinkdate/matchmaker/internal/db"
)

// activeStatuses are the non-terminal match statuses. A user may hold
// at most one match in these statuses at any time.
var activeStatuses = []db.MatchStatus{db.MatchPending, db.MatchMatched}

// MatchRepository provides data access for Match and MatchReveal rows.
type MatchRepository struct {
	db *gorm.DB
}

// NewMatchRepository creates a new repository bound to the given DB connection.
func NewMatchRepository(database *gorm.DB) *MatchRepository {
	return &MatchRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *MatchRepository) WithTx(tx *gorm.DB) *MatchRepository {
	return &MatchRepository{db: tx}
}

// Create inserts a new match row.
func (r *MatchRepository) Create(ctx context.Context, m *db.Match) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// GetByID loads a match.
func (r *MatchRepository) GetByID(ctx context.Context, matchID string) (*db.Match, error) {
	var m db.Match
	if err := r.db.WithContext(ctx).First(&m, "id = ?", matchID).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetActiveForUser returns the user's pending or matched match, or nil.
func (r *MatchRepository) GetActiveForUser(ctx context.Context, userID uint64) (*db.Match, error) {
	var m db.Match
	err := r.db.WithContext(ctx).
		Where("(user1_id = ? OR user2_id = ?) AND status IN ?", userID, userID, activeStatuses).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// HasActiveForUser reports whether the user holds any non-ended match.
func (r *MatchRepository) HasActiveForUser(ctx context.Context, userID uint64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("(user1_id = ? OR user2_id = ?) AND status IN ?", userID, userID, activeStatuses).
		Count(&count).Error
	return count > 0, err
}

// SetStatus moves a match to the given status; when entering the vote
// phase it also stamps the vote window deadline.
func (r *MatchRepository) SetStatus(ctx context.Context, matchID string, status db.MatchStatus, voteWindowExpiresAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if voteWindowExpiresAt != nil {
		updates["vote_window_expires_at"] = *voteWindowExpiresAt
	}
	return r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("id = ?", matchID).
		Updates(updates).Error
}

// End moves a match to its terminal status. Ending an already-ended
// match is a no-op; RowsAffected tells the caller whether this call won.
func (r *MatchRepository) End(ctx context.Context, matchID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&db.Match{}).
		Where("id = ? AND status IN ?", matchID, activeStatuses).
		Update("status", db.MatchEnded)
	return res.RowsAffected > 0, res.Error
}

// AddReveal appends a user to the match's reveal set.
//
// Behavior:
//   - The composite PK on (match_id, user_id) makes the append
//     naturally atomic; a concurrent duplicate becomes a silent
//     conflict instead of a double entry.
//   - Returns true when this call inserted the row.
func (r *MatchRepository) AddReveal(ctx context.Context, matchID string, userID uint64) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.MatchReveal{MatchID: matchID, UserID: userID})
	return res.RowsAffected > 0, res.Error
}

// CountReveals returns the reveal-set cardinality for a match.
func (r *MatchRepository) CountReveals(ctx context.Context, matchID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.MatchReveal{}).
		Where("match_id = ?", matchID).
		Count(&count).Error
	return count, err
}

// RevealedUsers returns the ids that completed reveal for a match.
func (r *MatchRepository) RevealedUsers(ctx context.Context, matchID string) ([]uint64, error) {
	var ids []uint64
	err := r.db.WithContext(ctx).
		Model(&db.MatchReveal{}).
		Where("match_id = ?", matchID).
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListPendingOlderThan returns reveal-phase matches created before the
// cutoff. Input for the reveal-timeout sweep.
func (r *MatchRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time) ([]db.Match, error) {
	var rows []db.Match
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", db.MatchPending, cutoff).
		Find(&rows).Error
	return rows, err
}

// ListVoteExpired returns vote-phase matches whose window lapsed.
// Input for the vote-timeout sweep.
func (r *MatchRepository) ListVoteExpired(ctx context.Context, now time.Time) ([]db.Match, error) {
	var rows []db.Match
	err := r.db.WithContext(ctx).
		Where("status = ? AND vote_window_expires_at IS NOT NULL AND vote_window_expires_at < ?", db.MatchMatched, now).
		Find(&rows).Error
	return rows, err
}
