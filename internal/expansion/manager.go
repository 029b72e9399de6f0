// Package expansion widens a waiting user's criteria after fixed wait
// thresholds. Expansion is bounded and reversible: originals are saved
// on the first widening and restored on match, expiry or respin. Only
// the expanded-tier search consults widened bounds.
package expansion

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/repository"
)

const (
	ageIncrement      = 5
	distanceIncrement = 50
	minAgeFloor       = 18
)

// Manager owns the expansion columns of Preference rows.
type Manager struct {
	cfg    *config.Config
	prefs  *repository.PreferenceRepository
	queue  *repository.QueueRepository
	states *repository.StateRepository
	log    *slog.Logger
}

// NewManager creates the expansion manager.
func NewManager(database *gorm.DB, cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		prefs:  repository.NewPreferenceRepository(database),
		queue:  repository.NewQueueRepository(database),
		states: repository.NewStateRepository(database),
		log:    log,
	}
}

// Sweep walks the queue and applies due expansions and expiries. Runs
// at the start of each matching pass.
//
// Behavior:
//   - past the first threshold, unexpanded: widen age ±5 and distance
//     +50 from the stated bounds, saving originals, expiry in 5 minutes.
//   - past the second threshold, expanded once: widen again from the
//     current (already widened) values, refreshing the expiry.
//   - expansion expired: restore originals.
func (m *Manager) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	// Expired expansions revert regardless of queue position.
	expired, err := m.prefs.ListExpiredExpansions(ctx, now)
	if err != nil {
		return err
	}
	for _, p := range expired {
		if err := m.prefs.RestoreOriginals(ctx, p.UserID); err != nil {
			m.log.Warn("expansion expiry restore", "user", p.UserID, "err", err)
			continue
		}
		m.log.Debug("expansion expired", "user", p.UserID)
	}

	entries, err := m.queue.ListWaitingSince(ctx, now.Add(-m.cfg.Match.ExpandAfter))
	if err != nil {
		return err
	}
	for _, e := range entries {
		wait := now.Sub(e.JoinedAt)
		if err := m.expandOne(ctx, e.UserID, wait, now); err != nil {
			m.log.Warn("expansion", "user", e.UserID, "err", err)
		}
	}
	return nil
}

func (m *Manager) expandOne(ctx context.Context, userID uint64, wait time.Duration, now time.Time) error {
	p, err := m.prefs.Get(ctx, userID)
	if err != nil || p == nil {
		return err
	}

	switch {
	case !p.Expanded && wait >= m.cfg.Match.ExpandAfter:
		// First expansion saves the stated bounds.
		p.OrigMinAge = p.MinAge
		p.OrigMaxAge = p.MaxAge
		p.OrigMaxDistanceKm = p.MaxDistanceKm
		p.Expanded = true
		p.ExpandCount = 1
	case p.Expanded && p.ExpandCount == 1 && wait >= m.cfg.Match.ExpandAgainAfter:
		// Second expansion compounds on the widened values.
		p.ExpandCount = 2
	default:
		return nil
	}

	p.MinAge -= ageIncrement
	if p.MinAge < minAgeFloor {
		p.MinAge = minAgeFloor
	}
	p.MaxAge += ageIncrement
	p.MaxDistanceKm += distanceIncrement
	until := now.Add(m.cfg.Match.ExpansionTTL)
	p.ExpandedUntil = &until

	if err := m.prefs.Save(ctx, p); err != nil {
		return err
	}
	m.log.Debug("preferences expanded",
		"user", userID, "count", p.ExpandCount,
		"age", []int{p.MinAge, p.MaxAge}, "distance_km", p.MaxDistanceKm)
	return nil
}

// Reset restores a user's original bounds. Called on successful match,
// and on respin by the queue manager's requeue path.
func (m *Manager) Reset(ctx context.Context, userID uint64) error {
	return m.prefs.RestoreOriginals(ctx, userID)
}

// ResetTx is Reset inside the caller's transaction.
func (m *Manager) ResetTx(ctx context.Context, tx *gorm.DB, userID uint64) error {
	return m.prefs.WithTx(tx).RestoreOriginals(ctx, userID)
}
