// Package presence tracks per-user liveness. A heartbeat refreshes a
// Redis key with a short TTL; the key expiring is the only signal that
// a user dropped. Going offline is never immediate: a missed heartbeat
// opens a grace window in which the user's prior state is preserved,
// and only the finalization sweep moves them to offline.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/cache"
	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/repository"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// liveStates are the states in which a silent user matters: they hold
// queue position or an active match their partner is waiting on.
var liveStates = []db.State{
	db.StateQueueing, db.StatePaired, db.StateVoting, db.StateInSession,
}

// Tracker owns liveness and the disconnect/reconnect edges.
type Tracker struct {
	cfg     *config.Config
	cache   *cache.RedisCache
	machine *statemachine.Machine
	queue   *queue.Manager
	scorer  *fairness.Scorer
	states  *repository.StateRepository
	matches *repository.MatchRepository
	history *repository.HistoryRepository
	dbh     *gorm.DB
	log     *slog.Logger
}

// NewTracker creates the presence tracker.
func NewTracker(database *gorm.DB, rdb *cache.RedisCache, machine *statemachine.Machine, qm *queue.Manager, scorer *fairness.Scorer, cfg *config.Config, log *slog.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg,
		cache:   rdb,
		machine: machine,
		queue:   qm,
		scorer:  scorer,
		states:  repository.NewStateRepository(database),
		matches: repository.NewMatchRepository(database),
		history: repository.NewHistoryRepository(database),
		dbh:     database,
		log:     log,
	}
}

// Heartbeat refreshes a user's liveness marker. It never flips a user
// online or offline by itself; the exception is a user sitting in the
// grace window, for whom a heartbeat is the reconnection signal.
func (t *Tracker) Heartbeat(ctx context.Context, userID uint64) error {
	if err := t.cache.Heartbeat(ctx, userID, t.cfg.Match.HeartbeatTTL); err != nil {
		return err
	}

	st, err := t.states.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // never joined, nothing to resolve
		}
		return err
	}
	if st.State != db.StateReconnectGrace {
		return nil
	}

	resolved, err := t.machine.ResolveReconnect(ctx, userID)
	if err != nil {
		return err
	}
	t.log.Info("user reconnected", "user", userID, "state", resolved)
	return nil
}

// IsOnline reports liveness from the Redis marker.
func (t *Tracker) IsOnline(ctx context.Context, userID uint64) (bool, error) {
	return t.cache.IsOnline(ctx, userID)
}

// Finalize is the presence sweep: it opens grace windows for users
// whose heartbeat lapsed and moves users whose window ran out to
// offline. Scheduled roughly every 5 seconds.
func (t *Tracker) Finalize(ctx context.Context) error {
	now := time.Now().UTC()

	// Phase 1: detect lapsed heartbeats among live users.
	live, err := t.states.ListInStates(ctx, liveStates...)
	if err != nil {
		return err
	}
	for _, st := range live {
		online, err := t.cache.IsOnline(ctx, st.UserID)
		if err != nil {
			t.log.Warn("presence check", "user", st.UserID, "err", err)
			continue
		}
		if online {
			continue
		}
		if _, err := t.machine.Apply(ctx, st.UserID, statemachine.EventDisconnected); err != nil {
			// A concurrent transition may have raced us; that is fine.
			if !errors.Is(err, svcErr.ErrInvalidTransition) {
				t.log.Warn("disconnect transition", "user", st.UserID, "err", err)
			}
			continue
		}
		metrics.SweepRecoveredTotal.WithLabelValues("presence").Inc()
		t.log.Info("grace window opened", "user", st.UserID, "was", st.State)
	}

	// Phase 2: expire grace windows.
	expired, err := t.states.ListGraceExpired(ctx, now.Add(-t.cfg.Match.GraceWindow))
	if err != nil {
		return err
	}
	for _, st := range expired {
		err := t.dbh.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if _, err := t.machine.ApplyTx(ctx, tx, st.UserID, statemachine.EventGraceExpired); err != nil {
				return err
			}
			if err := t.queue.RemoveTx(ctx, tx, st.UserID); err != nil {
				return err
			}
			return t.releasePartnerTx(ctx, tx, st.UserID)
		})
		if err != nil {
			t.log.Warn("grace expiry", "user", st.UserID, "err", err)
			continue
		}
		_ = t.cache.ClearPresence(ctx, st.UserID)
		metrics.SweepRecoveredTotal.WithLabelValues("presence").Inc()
		t.log.Info("user offline", "user", st.UserID)
	}

	return nil
}

// releasePartnerTx ends the departed user's active match, if any, and
// returns the partner to the queue with a fairness boost. A live
// session is not an active match anymore; session teardown has its own
// path.
func (t *Tracker) releasePartnerTx(ctx context.Context, tx *gorm.DB, userID uint64) error {
	match, err := t.matches.WithTx(tx).GetActiveForUser(ctx, userID)
	if err != nil || match == nil {
		return err
	}

	won, err := t.matches.WithTx(tx).End(ctx, match.ID)
	if err != nil || !won {
		return err
	}
	if err := t.history.WithTx(tx).Record(ctx, match.User1ID, match.User2ID, match.ID); err != nil {
		return err
	}

	partnerID := match.PartnerOf(userID)
	pst, err := t.states.WithTx(tx).Get(ctx, partnerID)
	if err != nil {
		return err
	}
	switch pst.State {
	case db.StatePaired, db.StateVoting:
		if _, err := t.machine.ApplyTx(ctx, tx, partnerID, statemachine.EventMatchBroken); err != nil {
			return err
		}
		if err := t.queue.RequeueTx(ctx, tx, partnerID); err != nil {
			return err
		}
		if err := t.scorer.ApplyBoostTx(ctx, tx, partnerID, fairness.BoostPartnerDisconnected); err != nil {
			return err
		}
		t.log.Info("partner requeued after disconnect", "user", partnerID, "match", match.ID)
	}
	return nil
}
