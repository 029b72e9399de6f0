package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blinkdate/matchmaker/internal/db"
)

// QueueRepository provides data access for queue membership rows.
// Only the queue manager creates or destroys them.
type QueueRepository struct {
	db *gorm.DB
}

// NewQueueRepository creates a new repository bound to the given DB connection.
func NewQueueRepository(database *gorm.DB) *QueueRepository {
	return &QueueRepository{db: database}
}

// WithTx returns a copy of the repository bound to an open transaction.
func (r *QueueRepository) WithTx(tx *gorm.DB) *QueueRepository {
	return &QueueRepository{db: tx}
}

// Upsert inserts or refreshes a user's queue membership.
//
// Behavior:
//   - If the user already has a row, JoinedAt is refreshed.
//   - The unique index on user_id guarantees a single row per user.
func (r *QueueRepository) Upsert(ctx context.Context, userID uint64, joinedAt time.Time) (*db.QueueEntry, error) {
	entry := db.QueueEntry{UserID: userID, JoinedAt: joinedAt}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"joined_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		// conflict path: reload to get the existing row id
		if err := r.db.WithContext(ctx).First(&entry, "user_id = ?", userID).Error; err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

// Get returns a user's queue entry, or nil when not queued.
func (r *QueueRepository) Get(ctx context.Context, userID uint64) (*db.QueueEntry, error) {
	var entry db.QueueEntry
	err := r.db.WithContext(ctx).First(&entry, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Delete removes a user's queue membership. Deleting an absent row is a
// no-op.
func (r *QueueRepository) Delete(ctx context.Context, userID uint64) error {
	return r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&db.QueueEntry{}).Error
}

// Size returns the number of queued users.
func (r *QueueRepository) Size(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&db.QueueEntry{}).Count(&count).Error
	return count, err
}

// ListRanked returns queued users whose lifecycle state is still
// queueing, ordered by fairness descending then join time ascending.
// This is the candidate-initiator order for a matching pass.
func (r *QueueRepository) ListRanked(ctx context.Context, limit int) ([]db.QueueEntry, error) {
	var entries []db.QueueEntry
	query := r.db.WithContext(ctx).
		Table("queue_entries q").
		Select("q.*").
		Joins("JOIN user_match_states s ON s.user_id = q.user_id").
		Where("s.state = ?", db.StateQueueing).
		Order("s.fairness_score DESC, q.joined_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&entries).Error
	return entries, err
}

// ListWaitingSince returns queued users who joined before the cutoff,
// oldest first. Drives preference expansion and the guaranteed tier.
func (r *QueueRepository) ListWaitingSince(ctx context.Context, cutoff time.Time) ([]db.QueueEntry, error) {
	var entries []db.QueueEntry
	err := r.db.WithContext(ctx).
		Where("joined_at < ?", cutoff).
		Order("joined_at ASC").
		Find(&entries).Error
	return entries, err
}
