// Package queue is the single authority for queue membership. Join and
// Leave are the only entry points that create or destroy queue rows;
// respins go through RequeueTx so the ownership holds even inside
// other components' transactions.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/repository"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// Manager owns queue membership.
type Manager struct {
	db      *gorm.DB
	machine *statemachine.Machine
	scorer  *fairness.Scorer
	queue   *repository.QueueRepository
	states  *repository.StateRepository
	prefs   *repository.PreferenceRepository
	matches *repository.MatchRepository
	audit   *repository.AuditRepository
	log     *slog.Logger
}

// NewManager creates the queue manager and registers it as the state
// machine's requeuer.
func NewManager(database *gorm.DB, machine *statemachine.Machine, scorer *fairness.Scorer, log *slog.Logger) *Manager {
	m := &Manager{
		db:      database,
		machine: machine,
		scorer:  scorer,
		queue:   repository.NewQueueRepository(database),
		states:  repository.NewStateRepository(database),
		prefs:   repository.NewPreferenceRepository(database),
		matches: repository.NewMatchRepository(database),
		audit:   repository.NewAuditRepository(database),
		log:     log,
	}
	machine.SetRequeuer(m)
	return m
}

// Join admits a user to the queue.
//
// Behavior:
//   - Idempotent while already queued: the existing membership id is
//     returned and nothing changes.
//   - Rejected with ErrAlreadyMatched while an active match exists.
//   - Otherwise transitions the user (start → enqueued), stores their
//     stated preferences (clearing any stale expansion), creates the
//     queue row, and computes the initial fairness score. The counter
//     resets ride on the start transition.
func (m *Manager) Join(ctx context.Context, userID uint64, pref *db.Preference) (uint64, error) {
	st, err := m.states.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}

	if st.State == db.StateQueueing {
		if entry, err := m.queue.Get(ctx, userID); err != nil {
			return 0, err
		} else if entry != nil {
			m.log.Debug("join while queued is a no-op", "user", userID)
			return entry.ID, nil
		}
	}

	if active, err := m.matches.GetActiveForUser(ctx, userID); err != nil {
		return 0, err
	} else if active != nil {
		return 0, fmt.Errorf("%w: match %s", svcErr.ErrAlreadyMatched, active.ID)
	}

	var queueID uint64
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := m.machine.ApplyTx(ctx, tx, userID, statemachine.EventStart); err != nil {
			return err
		}

		pref.UserID = userID
		if err := m.prefs.WithTx(tx).Upsert(ctx, pref); err != nil {
			return err
		}

		st, err := m.states.WithTx(tx).Get(ctx, userID)
		if err != nil {
			return err
		}
		entry, err := m.queue.WithTx(tx).Upsert(ctx, userID, st.JoinedAt)
		if err != nil {
			return err
		}
		queueID = entry.ID

		if _, err := m.machine.ApplyTx(ctx, tx, userID, statemachine.EventEnqueued); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if _, err := m.scorer.Initialize(ctx, userID); err != nil {
		m.log.Warn("initial fairness", "user", userID, "err", err)
	}

	m.log.Info("user joined queue", "user", userID, "queue_id", queueID)
	return queueID, nil
}

// Leave removes a user's queue membership and logs the reason.
func (m *Manager) Leave(ctx context.Context, userID uint64, reason string) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.queue.WithTx(tx).Delete(ctx, userID); err != nil {
			return err
		}
		st, err := m.states.WithTx(tx).Get(ctx, userID)
		if err != nil {
			return err
		}
		if st.State == db.StateQueueing {
			if _, err := m.machine.ApplyTx(ctx, tx, userID, statemachine.EventRemoved); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.log.Info("user left queue", "user", userID, "reason", reason)
	return nil
}

// RequeueTx recreates queue membership inside an outcome transaction
// (respin after a pass, broken match, or reconnect resolution). The
// user's preference expansion is reverted so the respin starts from
// their stated bounds. The coupled state transition belongs to the
// caller.
func (m *Manager) RequeueTx(ctx context.Context, tx *gorm.DB, userID uint64) error {
	st, err := m.states.WithTx(tx).Get(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := m.queue.WithTx(tx).Upsert(ctx, userID, st.JoinedAt); err != nil {
		return err
	}
	return m.prefs.WithTx(tx).RestoreOriginals(ctx, userID)
}

// RemoveTx drops queue membership inside an outcome transaction (idle
// user removed by a timeout sweep).
func (m *Manager) RemoveTx(ctx context.Context, tx *gorm.DB, userID uint64) error {
	return m.queue.WithTx(tx).Delete(ctx, userID)
}

// ListRanked returns the queue in matching order: fairness descending,
// then join time ascending.
func (m *Manager) ListRanked(ctx context.Context) ([]db.QueueEntry, error) {
	return m.queue.ListRanked(ctx, 0)
}

// Size returns the queue cardinality.
func (m *Manager) Size(ctx context.Context) (int64, error) {
	return m.queue.Size(ctx)
}
