// Package statemachine is the single authority for every per-user
// lifecycle transition. All other components request transitions here;
// none of them write the state column directly. A transition executes
// atomically: the state update, its side effects and the audit entry
// commit as one unit.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/repository"
)

// Event is a lifecycle event requested against a user's current state.
type Event string

const (
	EventStart          Event = "start"
	EventEnqueued       Event = "enqueued"
	EventMatchFound     Event = "match_found"
	EventRevealComplete Event = "reveal_complete"
	EventBothYes        Event = "both_yes"
	EventOnePass        Event = "one_pass"
	EventSessionEnded   Event = "session_ended"
	EventDisconnected   Event = "disconnected"
	EventReconnected    Event = "reconnected"
	EventGraceExpired   Event = "grace_expired"
	// EventMatchBroken returns a user to the queue after a timeout
	// destroyed their match (reveal idle partner, vote idle partner,
	// partner offline).
	EventMatchBroken Event = "match_broken"
	// EventRemoved drops a user out of the flow entirely (queue leave,
	// idled out of reveal or vote).
	EventRemoved Event = "removed"
)

// transitions is the static part of the lifecycle. EventDisconnected is
// handled separately (legal from any live state), and EventReconnected
// resolves its target from match context.
var transitions = map[db.State]map[Event]db.State{
	db.StateIdle: {
		EventStart: db.StateQueueing,
	},
	db.StateEnded: {
		EventStart: db.StateQueueing,
	},
	db.StateOffline: {
		EventStart: db.StateQueueing,
	},
	db.StateReconnectGrace: {
		EventStart:        db.StateQueueing,
		EventGraceExpired: db.StateOffline,
	},
	db.StateQueueing: {
		EventEnqueued:   db.StateQueueing, // no-op, records queue membership
		EventMatchFound: db.StatePaired,
		EventRemoved:    db.StateIdle,
	},
	db.StatePaired: {
		EventRevealComplete: db.StateVoting,
		EventMatchBroken:    db.StateQueueing,
		EventRemoved:        db.StateIdle,
	},
	db.StateVoting: {
		EventBothYes:     db.StateInSession,
		EventOnePass:     db.StateQueueing, // forced respin
		EventMatchBroken: db.StateQueueing,
		EventRemoved:     db.StateIdle,
	},
	db.StateInSession: {
		EventSessionEnded: db.StateEnded,
	},
}

// Requeuer recreates queue membership during reconnect resolution. The
// queue manager implements it; the indirection keeps queue rows under a
// single owner.
type Requeuer interface {
	RequeueTx(ctx context.Context, tx *gorm.DB, userID uint64) error
}

// Machine executes lifecycle transitions.
type Machine struct {
	db       *gorm.DB
	matches  *repository.MatchRepository
	votes    *repository.VoteRepository
	requeuer Requeuer
	log      *slog.Logger
}

// NewMachine creates the state machine over the given DB connection.
func NewMachine(database *gorm.DB, log *slog.Logger) *Machine {
	return &Machine{
		db:      database,
		matches: repository.NewMatchRepository(database),
		votes:   repository.NewVoteRepository(database),
		log:     log,
	}
}

// SetRequeuer wires the queue manager in after construction (the queue
// manager itself depends on the machine).
func (m *Machine) SetRequeuer(r Requeuer) { m.requeuer = r }

// Apply runs one transition in its own transaction.
func (m *Machine) Apply(ctx context.Context, userID uint64, ev Event) (db.State, error) {
	var next db.State
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		next, err = m.ApplyTx(ctx, tx, userID, ev)
		return err
	})
	return next, err
}

// ApplyTx runs one transition inside the caller's transaction. The
// caller is responsible for pairing it with any coupled writes (queue
// rows, match rows) so the unit commits atomically.
func (m *Machine) ApplyTx(ctx context.Context, tx *gorm.DB, userID uint64, ev Event) (db.State, error) {
	states := repository.NewStateRepository(tx)

	if _, err := states.GetOrCreate(ctx, userID); err != nil {
		return "", err
	}
	st, err := states.GetForUpdate(ctx, userID)
	if err != nil {
		return "", err
	}

	next, err := m.nextState(st.State, ev)
	if err != nil {
		return st.State, err
	}

	return m.commit(ctx, tx, st, ev, next, "")
}

// nextState resolves the static transition table, with the special case
// for disconnection.
func (m *Machine) nextState(cur db.State, ev Event) (db.State, error) {
	if ev == EventDisconnected {
		// Legal from any live state; a grace/offline user has nothing
		// to disconnect from.
		if cur == db.StateReconnectGrace || cur == db.StateOffline {
			return "", fmt.Errorf("%w: %s on %s", svcErr.ErrInvalidTransition, ev, cur)
		}
		return db.StateReconnectGrace, nil
	}
	if next, ok := transitions[cur][ev]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: %s on %s", svcErr.ErrInvalidTransition, ev, cur)
}

// commit applies the state write, event side effects, and audit entry.
func (m *Machine) commit(ctx context.Context, tx *gorm.DB, st *db.UserMatchState, ev Event, next db.State, detail string) (db.State, error) {
	prev := st.State
	now := time.Now().UTC()

	st.State = next
	switch ev {
	case EventStart:
		st.JoinedAt = now
		st.DisconnectedAt = nil
		st.FairnessScore = 0
		st.SkipCount = 0
	case EventMatchFound:
		// New pairing resets the fairness clock.
		st.FairnessScore = 0
		st.SkipCount = 0
	case EventOnePass, EventMatchBroken:
		// Respin restarts the wait clock.
		st.JoinedAt = now
	case EventDisconnected:
		st.DisconnectedAt = &now
	case EventGraceExpired:
		st.DisconnectedAt = nil
	case EventReconnected:
		st.DisconnectedAt = nil
		if next == db.StateQueueing {
			st.JoinedAt = now
		}
	}

	if err := repository.NewStateRepository(tx).Save(ctx, st); err != nil {
		return prev, err
	}

	audit := repository.NewAuditRepository(tx)
	if err := audit.Append(ctx, &db.AuditEvent{
		UserID: st.UserID,
		Event:  string(ev),
		Before: string(prev),
		After:  string(next),
		Detail: detail,
	}); err != nil {
		return prev, err
	}

	m.log.Debug("state transition",
		"user", st.UserID, "event", ev, "from", prev, "to", next)
	return next, nil
}

// ResolveReconnect handles EventReconnected, whose target depends on
// match context:
//   - partner already voted pass → destroy the match, back to queueing
//   - the user already voted → back to voting
//   - reveal complete (or partner voted yes) → voting, else paired
//   - no active match → back to queueing
//
// Idempotent: a user not in reconnect_grace is left untouched.
func (m *Machine) ResolveReconnect(ctx context.Context, userID uint64) (db.State, error) {
	var resolved db.State
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		states := repository.NewStateRepository(tx)
		matches := m.matches.WithTx(tx)
		votes := m.votes.WithTx(tx)

		st, err := states.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		if st.State != db.StateReconnectGrace {
			resolved = st.State
			return nil
		}

		match, err := matches.GetActiveForUser(ctx, userID)
		if err != nil {
			return err
		}

		target := db.StateQueueing
		detail := "no active match"

		if match != nil {
			partnerVote, err := votes.Get(ctx, match.ID, match.PartnerOf(userID))
			if err != nil {
				return err
			}
			ownVote, err := votes.Get(ctx, match.ID, userID)
			if err != nil {
				return err
			}

			switch {
			case partnerVote != nil && partnerVote.VoteType == db.VotePass:
				// Partner gave up on this match while we were away.
				if _, err := matches.End(ctx, match.ID); err != nil {
					return err
				}
				if err := repository.NewHistoryRepository(tx).Record(ctx, match.User1ID, match.User2ID, match.ID); err != nil {
					return err
				}
				target, detail = db.StateQueueing, "partner passed while disconnected"
			case ownVote != nil:
				target, detail = db.StateVoting, "own vote pending partner"
			default:
				reveals, err := matches.CountReveals(ctx, match.ID)
				if err != nil {
					return err
				}
				if reveals >= 2 || (partnerVote != nil && partnerVote.VoteType == db.VoteYes) {
					target, detail = db.StateVoting, "reveal complete"
				} else {
					target, detail = db.StatePaired, "reveal incomplete"
				}
			}
		}

		next, err := m.commit(ctx, tx, st, EventReconnected, target, detail)
		if err != nil {
			return err
		}
		if next == db.StateQueueing && m.requeuer != nil {
			if err := m.requeuer.RequeueTx(ctx, tx, userID); err != nil {
				return err
			}
		}
		resolved = next
		return nil
	})
	return resolved, err
}
