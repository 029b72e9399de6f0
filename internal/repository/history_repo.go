package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinkdate/matchmaker/internal/db"
)

// HistoryRepository provides data access for the unordered-pair tables:
// MatchHistory (re-pair cooldown) and MutualYesPair (permanent
// exclusion).
type HistoryRepository struct {
	db *gorm.DB
}

// NewHistoryRepository creates a new repository bound to the given DB connection.
func NewHistoryRepository(database *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *HistoryRepository) WithTx(tx *gorm.DB) *HistoryRepository {
	return &HistoryRepository{db: tx}
}

// Record appends a match-history row for the pair.
func (r *HistoryRepository) Record(ctx context.Context, a, b uint64, matchID string) error {
	low, high := db.NormalizePair(a, b)
	return r.db.WithContext(ctx).Create(&db.MatchHistory{
		UserLowID:  low,
		UserHighID: high,
		MatchID:    matchID,
	}).Error
}

// HasAny reports whether the pair was ever matched. Exact-tier
// exclusion.
func (r *HistoryRepository) HasAny(ctx context.Context, a, b uint64) (bool, error) {
	low, high := db.NormalizePair(a, b)
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.MatchHistory{}).
		Where("user_low_id = ? AND user_high_id = ?", low, high).
		Count(&count).Error
	return count > 0, err
}

// HasSince reports whether the pair was matched after the cutoff.
// Backs the 5-minute re-pairing cooldown in the expanded and
// guaranteed tiers.
func (r *HistoryRepository) HasSince(ctx context.Context, a, b uint64, cutoff time.Time) (bool, error) {
	low, high := db.NormalizePair(a, b)
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.MatchHistory{}).
		Where("user_low_id = ? AND user_high_id = ? AND created_at >= ?", low, high, cutoff).
		Count(&count).Error
	return count > 0, err
}

// RecordMutualYes marks the pair permanently unpairable. Idempotent:
// a second mutual yes for the same pair is ignored.
func (r *HistoryRepository) RecordMutualYes(ctx context.Context, a, b uint64, matchID string) error {
	low, high := db.NormalizePair(a, b)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&db.MutualYesPair{
			UserLowID:  low,
			UserHighID: high,
			MatchID:    matchID,
		}).Error
}

// IsMutualYes reports whether the pair ever both voted yes. This
// exclusion is absolute, in every tier.
func (r *HistoryRepository) IsMutualYes(ctx context.Context, a, b uint64) (bool, error) {
	low, high := db.NormalizePair(a, b)
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.MutualYesPair{}).
		Where("user_low_id = ? AND user_high_id = ?", low, high).
		Count(&count).Error
	return count > 0, err
}
