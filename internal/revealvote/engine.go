// Package revealvote drives the two-phase handshake after pairing:
// mutual reveal, then mutual vote, with timeout sweeps for users that
// go quiet in either phase.
package revealvote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/events"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/repository"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// Outcome summarizes where a vote submission left the match.
type Outcome string

const (
	// OutcomeWaiting: vote recorded, partner has not voted yet.
	OutcomeWaiting Outcome = "waiting"
	// OutcomeSession: both voted yes; the session is live.
	OutcomeSession Outcome = "session"
	// OutcomeRespin: somebody passed; both users were returned to the
	// queue.
	OutcomeRespin Outcome = "respin"
)

// VoteResult is returned to the caller of SubmitVote.
type VoteResult struct {
	Outcome   Outcome
	NextState db.State
}

// RevealStatus is returned to the caller of CompleteReveal.
type RevealStatus struct {
	Revealed int // reveal-set cardinality after this call
	Complete bool
}

// Engine implements the reveal/vote handshake.
type Engine struct {
	db       *gorm.DB
	cfg      *config.Config
	machine  *statemachine.Machine
	queueMgr *queue.Manager
	scorer   *fairness.Scorer
	events   *events.Publisher
	matches  *repository.MatchRepository
	votes    *repository.VoteRepository
	states   *repository.StateRepository
	history  *repository.HistoryRepository
	log      *slog.Logger
}

// NewEngine wires the reveal/vote engine.
func NewEngine(
	database *gorm.DB,
	cfg *config.Config,
	machine *statemachine.Machine,
	queueMgr *queue.Manager,
	scorer *fairness.Scorer,
	pub *events.Publisher,
	log *slog.Logger,
) *Engine {
	return &Engine{
		db:       database,
		cfg:      cfg,
		machine:  machine,
		queueMgr: queueMgr,
		scorer:   scorer,
		events:   pub,
		matches:  repository.NewMatchRepository(database),
		votes:    repository.NewVoteRepository(database),
		states:   repository.NewStateRepository(database),
		history:  repository.NewHistoryRepository(database),
		log:      log,
	}
}

// CompleteReveal appends the user to the match's reveal set and, when
// both sides revealed, moves the match into the vote phase.
//
// The append rides on the reveal table's composite primary key, so two
// concurrent calls cannot double-count; the second insert is a no-op
// and both callers observe cardinality 2.
func (e *Engine) CompleteReveal(ctx context.Context, userID uint64, matchID string) (*RevealStatus, error) {
	match, err := e.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !match.HasUser(userID) {
		return nil, fmt.Errorf("user %d on match %s: %w", userID, matchID, svcErr.ErrNotParticipant)
	}
	if match.Status == db.MatchEnded {
		return nil, fmt.Errorf("match %s: %w", matchID, svcErr.ErrMatchEnded)
	}

	if _, err := e.matches.AddReveal(ctx, matchID, userID); err != nil {
		return nil, err
	}

	count, err := e.matches.CountReveals(ctx, matchID)
	if err != nil {
		return nil, err
	}
	status := &RevealStatus{Revealed: int(count), Complete: count >= 2}
	if !status.Complete || match.Status != db.MatchPending {
		return status, nil
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expires := time.Now().UTC().Add(e.cfg.Match.VoteWindow)
		if err := e.matches.WithTx(tx).SetStatus(ctx, matchID, db.MatchMatched, &expires); err != nil {
			return err
		}
		for _, id := range []uint64{match.User1ID, match.User2ID} {
			if _, err := e.applyIfState(ctx, tx, id, db.StatePaired, statemachine.EventRevealComplete); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("reveal complete", "match", matchID)
	return status, nil
}

// SubmitVote records a user's verdict and evaluates the outcome.
//
// Behavior:
//   - Idempotent per user: resubmitting the same vote produces the
//     same outcome as the first call, including after the match ended.
//   - Both yes → both users to in_session, MatchHistory and
//     MutualYesPair recorded, match ended.
//   - Either pass → match destroyed immediately, MatchHistory only,
//     a fairness boost for a user who voted yes before the pass, both
//     users back to queueing (forced respin).
//   - Otherwise the match stays in voting, waiting for the other vote.
func (e *Engine) SubmitVote(ctx context.Context, userID uint64, matchID string, vote db.VoteType) (*VoteResult, error) {
	match, err := e.matches.GetByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if !match.HasUser(userID) {
		return nil, fmt.Errorf("user %d on match %s: %w", userID, matchID, svcErr.ErrNotParticipant)
	}

	if match.Status == db.MatchEnded {
		return e.replayEndedVote(ctx, userID, match, vote)
	}
	if match.Status != db.MatchMatched {
		return nil, fmt.Errorf("match %s still in reveal: %w", matchID, svcErr.ErrInvalidTransition)
	}

	partnerID := match.PartnerOf(userID)
	var result VoteResult

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		votes := e.votes.WithTx(tx)

		if err := votes.Upsert(ctx, matchID, userID, vote); err != nil {
			return err
		}
		partnerVote, err := votes.Get(ctx, matchID, partnerID)
		if err != nil {
			return err
		}

		switch {
		case vote == db.VotePass:
			if err := e.destroyOnPass(ctx, tx, match, userID, partnerVote); err != nil {
				return err
			}
			result.Outcome = OutcomeRespin
		case partnerVote == nil:
			result.Outcome = OutcomeWaiting
		case partnerVote.VoteType == db.VoteYes:
			if err := e.startSession(ctx, tx, match); err != nil {
				return err
			}
			result.Outcome = OutcomeSession
		default:
			// Partner's pass was already processed; nothing left to do.
			result.Outcome = OutcomeRespin
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case OutcomeSession:
		e.events.SessionStarted(matchID, match.User1ID, match.User2ID)
		metrics.ActiveSessions.Inc()
	case OutcomeRespin:
		e.events.MatchEnded(userID, matchID, "pass")
		e.events.MatchEnded(partnerID, matchID, "pass")
		e.events.Requeued(userID)
		e.events.Requeued(partnerID)
	}

	st, err := e.states.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	result.NextState = st.State
	e.log.Info("vote recorded",
		"match", matchID, "user", userID, "vote", vote, "outcome", result.Outcome)
	return &result, nil
}

// replayEndedVote resolves a vote submitted against an ended match. An
// identical resubmission replays the recorded outcome; anything else is
// rejected.
func (e *Engine) replayEndedVote(ctx context.Context, userID uint64, match *db.Match, vote db.VoteType) (*VoteResult, error) {
	existing, err := e.votes.Get(ctx, match.ID, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.VoteType != vote {
		if existing != nil {
			return nil, fmt.Errorf("match %s user %d: %w", match.ID, userID, svcErr.ErrDuplicateVote)
		}
		return nil, fmt.Errorf("match %s: %w", match.ID, svcErr.ErrMatchEnded)
	}

	mutual, err := e.history.IsMutualYes(ctx, match.User1ID, match.User2ID)
	if err != nil {
		return nil, err
	}
	outcome := OutcomeRespin
	if mutual {
		outcome = OutcomeSession
	}
	st, err := e.states.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &VoteResult{Outcome: outcome, NextState: st.State}, nil
}

// startSession finalizes a mutual yes inside the outcome transaction.
func (e *Engine) startSession(ctx context.Context, tx *gorm.DB, match *db.Match) error {
	won, err := e.matches.WithTx(tx).End(ctx, match.ID)
	if err != nil {
		return err
	}
	if !won {
		return nil // concurrent processor finished the match first
	}

	history := e.history.WithTx(tx)
	if err := history.Record(ctx, match.User1ID, match.User2ID, match.ID); err != nil {
		return err
	}
	if err := history.RecordMutualYes(ctx, match.User1ID, match.User2ID, match.ID); err != nil {
		return err
	}

	for _, id := range []uint64{match.User1ID, match.User2ID} {
		if _, err := e.applyIfState(ctx, tx, id, db.StateVoting, statemachine.EventBothYes); err != nil {
			return err
		}
	}
	return nil
}

// destroyOnPass finalizes a pass inside the outcome transaction: the
// match dies, history is recorded (no mutual-yes), the passed-on user
// takes a skip-count bump and, if they had committed a yes, a fairness
// boost. Both users respin into the queue.
func (e *Engine) destroyOnPass(ctx context.Context, tx *gorm.DB, match *db.Match, passerID uint64, partnerVote *db.Vote) error {
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

	skippedID := match.PartnerOf(passerID)
	if err := e.states.WithTx(tx).IncrementSkips(ctx, skippedID); err != nil {
		return err
	}
	if partnerVote != nil && partnerVote.VoteType == db.VoteYes {
		if err := e.scorer.ApplyBoostTx(ctx, tx, skippedID, fairness.BoostVotedYesPartnerPassed); err != nil {
			return err
		}
	}

	for _, id := range []uint64{match.User1ID, match.User2ID} {
		applied, err := e.applyIfState(ctx, tx, id, db.StateVoting, statemachine.EventOnePass)
		if err != nil {
			return err
		}
		if applied {
			if err := e.queueMgr.RequeueTx(ctx, tx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyIfState runs a transition only when the user is still in the
// expected state; a user who drifted (grace window, offline) is left
// for their own recovery path.
func (e *Engine) applyIfState(ctx context.Context, tx *gorm.DB, userID uint64, want db.State, ev statemachine.Event) (bool, error) {
	st, err := e.states.WithTx(tx).Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if st.State != want {
		e.log.Debug("transition skipped, state drifted",
			"user", userID, "want", want, "have", st.State, "event", ev)
		return false, nil
	}
	if _, err := e.machine.ApplyTx(ctx, tx, userID, ev); err != nil {
		return false, err
	}
	return true, nil
}
