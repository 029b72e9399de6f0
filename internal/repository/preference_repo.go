package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinkdate/matchmaker/internal/db"
)

// PreferenceRepository provides data access for Preference rows. The
// expansion columns are owned by the preference expansion manager.
type PreferenceRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository creates a new repository bound to the given DB connection.
func NewPreferenceRepository(database *gorm.DB) *PreferenceRepository {
	return &PreferenceRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *PreferenceRepository) WithTx(tx *gorm.DB) *PreferenceRepository {
	return &PreferenceRepository{db: tx}
}

// Upsert writes a user's stated criteria, clearing any expansion state.
// Called on queue join, so a rejoining user always starts from real
// bounds.
func (r *PreferenceRepository) Upsert(ctx context.Context, p *db.Preference) error {
	p.Expanded = false
	p.ExpandCount = 0
	p.ExpandedUntil = nil
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"min_age", "max_age", "max_distance_km",
				"expanded", "expand_count", "expanded_until",
			}),
		}).
		Create(p).Error
}

// Get loads a user's preferences, or nil when none are stored.
func (r *PreferenceRepository) Get(ctx context.Context, userID uint64) (*db.Preference, error) {
	var p db.Preference
	err := r.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save persists a full preference row (expansion manager use).
func (r *PreferenceRepository) Save(ctx context.Context, p *db.Preference) error {
	return r.db.WithContext(ctx).Save(p).Error
}

// RestoreOriginals reverts a user's expanded bounds to the saved
// originals and clears the expansion flags. A no-op for users that are
// not expanded.
func (r *PreferenceRepository) RestoreOriginals(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).
		Model(&db.Preference{}).
		Where("user_id = ? AND expanded = ?", userID, true).
		Updates(map[string]interface{}{
			"min_age":         gorm.Expr("orig_min_age"),
			"max_age":         gorm.Expr("orig_max_age"),
			"max_distance_km": gorm.Expr("orig_max_distance_km"),
			"expanded":        false,
			"expand_count":    0,
			"expanded_until":  nil,
		}).Error
}

// ListExpiredExpansions returns users whose expansion window lapsed
// before the given moment.
func (r *PreferenceRepository) ListExpiredExpansions(ctx context.Context, now time.Time) ([]db.Preference, error) {
	var rows []db.Preference
	err := r.db.WithContext(ctx).
		Where("expanded = ? AND expanded_until IS NOT NULL AND expanded_until < ?", true, now).
		Find(&rows).Error
	return rows, err
}
