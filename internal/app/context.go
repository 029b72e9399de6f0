package app

import (
	"log/slog"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/cache"
	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/events"
)

// AppContext holds shared dependencies (DB, Redis, NATS, Logger, config).
type AppContext struct {
	Cfg        *config.Config
	DB         *gorm.DB
	RedisCache *cache.RedisCache
	Events     *events.Publisher
	Logger     *slog.Logger
}

// New creates a new AppContext
func New(cfg *config.Config, db *gorm.DB, rdb *cache.RedisCache, pub *events.Publisher, logger *slog.Logger) *AppContext {
	return &AppContext{
		Cfg:        cfg,
		DB:         db,
		RedisCache: rdb,
		Events:     pub,
		Logger:     logger,
	}
}
