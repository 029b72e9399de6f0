package revealvote

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// SweepRevealTimeouts expires matches stuck in the reveal phase. A
// user who revealed in time goes back to the queue with a boost; a
// user who never revealed is dropped from the system entirely and has
// to rejoin.
func (e *Engine) SweepRevealTimeouts(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-e.cfg.Match.RevealTimeout)
	stale, err := e.matches.ListPendingOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, match := range stale {
		revealed, err := e.matches.RevealedUsers(ctx, match.ID)
		if err != nil {
			e.log.Error("reveal sweep: load reveals", "match", match.ID, "error", err)
			continue
		}
		revealedSet := make(map[uint64]bool, len(revealed))
		for _, id := range revealed {
			revealedSet[id] = true
		}

		if err := e.expireMatch(ctx, match, db.StatePaired, revealedSet, true); err != nil {
			e.log.Error("reveal sweep: expire", "match", match.ID, "error", err)
			continue
		}
		e.events.MatchEnded(match.User1ID, match.ID, "reveal_timeout")
		e.events.MatchEnded(match.User2ID, match.ID, "reveal_timeout")
		metrics.SweepRecoveredTotal.WithLabelValues("reveal_timeout").Inc()
		e.log.Info("reveal timed out", "match", match.ID, "revealed", len(revealed))
	}
	return nil
}

// SweepVoteTimeouts expires matches whose vote window lapsed with at
// least one vote missing. A committed yes-voter is boosted and
// requeued; a silent user is dropped.
func (e *Engine) SweepVoteTimeouts(ctx context.Context) error {
	expired, err := e.matches.ListVoteExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	for _, match := range expired {
		votes, err := e.votes.ListForMatch(ctx, match.ID)
		if err != nil {
			e.log.Error("vote sweep: load votes", "match", match.ID, "error", err)
			continue
		}
		if len(votes) >= 2 {
			// Outcome landed between the query and here; the voting
			// path already settled this match.
			continue
		}
		votedSet := make(map[uint64]bool, len(votes))
		for _, v := range votes {
			votedSet[v.UserID] = true
		}

		if err := e.expireMatch(ctx, match, db.StateVoting, votedSet, true); err != nil {
			e.log.Error("vote sweep: expire", "match", match.ID, "error", err)
			continue
		}
		e.events.MatchEnded(match.User1ID, match.ID, "vote_timeout")
		e.events.MatchEnded(match.User2ID, match.ID, "vote_timeout")
		metrics.SweepRecoveredTotal.WithLabelValues("vote_timeout").Inc()
		e.log.Info("vote window expired", "match", match.ID, "voted", len(votes))
	}
	return nil
}

// expireMatch ends a timed-out match in one transaction. Users in the
// responsive set re-enter the queue via match_broken (with a boost when
// boostResponsive is set); the rest are removed and must rejoin. The
// expected state guards against users already diverted into the grace
// window.
func (e *Engine) expireMatch(ctx context.Context, match db.Match, expected db.State, responsive map[uint64]bool, boostResponsive bool) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		won, err := e.matches.WithTx(tx).End(ctx, match.ID)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		if err := e.history.WithTx(tx).Record(ctx, match.User1ID, match.User2ID, match.ID); err != nil {
			return err
		}

		for _, id := range []uint64{match.User1ID, match.User2ID} {
			if responsive[id] {
				applied, err := e.applyIfState(ctx, tx, id, expected, statemachine.EventMatchBroken)
				if err != nil {
					return err
				}
				if applied {
					if err := e.queueMgr.RequeueTx(ctx, tx, id); err != nil {
						return err
					}
				}
				if boostResponsive {
					if err := e.scorer.ApplyBoostTx(ctx, tx, id, fairness.BoostPartnerIdle); err != nil {
						return err
					}
				}
				continue
			}

			applied, err := e.applyIfState(ctx, tx, id, expected, statemachine.EventRemoved)
			if err != nil {
				return err
			}
			if applied {
				if err := e.queueMgr.RemoveTx(ctx, tx, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
