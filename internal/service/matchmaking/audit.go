package matchmaking

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// AuditConsistency repairs drift between the state table, the queue
// and the match table. Crashed processes can strand a user in
// paired/voting with no live match, or leave a queue row behind after
// its owner moved on; both are recoverable without operator action.
func (s *Service) AuditConsistency(ctx context.Context) error {
	log := s.appCtx.Logger

	stranded, err := s.states.ListInStates(ctx, db.StatePaired, db.StateVoting)
	if err != nil {
		return err
	}
	for _, st := range stranded {
		active, err := s.matches.HasActiveForUser(ctx, st.UserID)
		if err != nil {
			log.Error("audit: active-match probe", "user", st.UserID, "err", err)
			continue
		}
		if active {
			continue
		}
		err = s.appCtx.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cur, err := s.states.WithTx(tx).Get(ctx, st.UserID)
			if err != nil {
				return err
			}
			if cur.State != st.State {
				return nil // state moved since the scan
			}
			if _, err := s.machine.ApplyTx(ctx, tx, st.UserID, statemachine.EventMatchBroken); err != nil {
				return err
			}
			return s.queueMgr.RequeueTx(ctx, tx, st.UserID)
		})
		if err != nil {
			log.Error("audit: repair stranded user", "user", st.UserID, "err", err)
			continue
		}
		metrics.SweepRecoveredTotal.WithLabelValues("audit").Inc()
		log.Warn("audit: requeued user with no live match", "user", st.UserID, "was", st.State)
	}

	// Queue rows whose owner is no longer queueing are stale.
	res := s.appCtx.DB.WithContext(ctx).
		Where("user_id IN (?)", s.appCtx.DB.
			Model(&db.UserMatchState{}).
			Select("user_id").
			Where("state <> ?", db.StateQueueing)).
		Delete(&db.QueueEntry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		metrics.SweepRecoveredTotal.WithLabelValues("audit").Add(float64(res.RowsAffected))
		log.Warn("audit: removed stale queue rows", "count", res.RowsAffected)
	}

	if size, err := s.queueMgr.Size(ctx); err == nil {
		metrics.QueueSize.Set(float64(size))
		s.appCtx.RedisCache.SetQueueSize(ctx, size, 5*time.Second)
	}

	sessions, err := s.states.ListInStates(ctx, db.StateInSession)
	if err == nil {
		metrics.ActiveSessions.Set(float64(len(sessions)))
	}
	return nil
}
