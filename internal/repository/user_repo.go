package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
)

// UserRepository provides data access for User profile rows.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new repository bound to the given DB connection.
func NewUserRepository(database *gorm.DB) *UserRepository {
	return &UserRepository{db: database}
}

// Get loads a user profile.
func (r *UserRepository) Get(ctx context.Context, userID uint64) (*db.User, error) {
	var u db.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a user profile.
func (r *UserRepository) Create(ctx context.Context, u *db.User) error {
	return r.db.WithContext(ctx).Create(u).Error
}
