package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinkdate/matchmaker/internal/db"
)

// VoteRepository provides data access for Vote rows.
type VoteRepository struct {
	db *gorm.DB
}

// NewVoteRepository creates a new repository bound to the given DB connection.
func NewVoteRepository(database *gorm.DB) *VoteRepository {
	return &VoteRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *VoteRepository) WithTx(tx *gorm.DB) *VoteRepository {
	return &VoteRepository{db: tx}
}

// Upsert records a user's vote on a match.
//
// Behavior:
//   - If (match_id, user_id) exists → the row is updated with the new
//     vote type (idempotent resubmission).
//   - If it doesn't exist → a new row is inserted.
//   - Composite PK guarantees a single vote per user per match.
func (r *VoteRepository) Upsert(ctx context.Context, matchID string, userID uint64, vote db.VoteType) error {
	v := db.Vote{MatchID: matchID, UserID: userID, VoteType: vote}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "match_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vote_type"}),
		}).
		Create(&v).Error
}

// Get returns a user's vote on a match, or nil when they have not voted.
func (r *VoteRepository) Get(ctx context.Context, matchID string, userID uint64) (*db.Vote, error) {
	var v db.Vote
	err := r.db.WithContext(ctx).
		First(&v, "match_id = ? AND user_id = ?", matchID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListForMatch returns all votes cast on a match (zero, one or two).
func (r *VoteRepository) ListForMatch(ctx context.Context, matchID string) ([]db.Vote, error) {
	var votes []db.Vote
	err := r.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Find(&votes).Error
	return votes, err
}
