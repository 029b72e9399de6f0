// Package matchmaking is the application facade. It composes the
// queue, presence, matching and reveal/vote engines behind one surface
// and maps domain errors to gRPC status codes for whatever transport
// sits on top.
package matchmaking

import (
	"context"

	"github.com/blinkdate/matchmaker/internal/app"
	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/expansion"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/matching"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/presence"
	"github.com/blinkdate/matchmaker/internal/queue"
	"github.com/blinkdate/matchmaker/internal/repository"
	"github.com/blinkdate/matchmaker/internal/revealvote"
	"github.com/blinkdate/matchmaker/internal/statemachine"
)

// Service exposes every user-facing matchmaking operation plus the
// background sweeps the scheduler drives.
type Service struct {
	appCtx       *app.AppContext
	machine      *statemachine.Machine
	scorer       *fairness.Scorer
	expansion    *expansion.Manager
	queueMgr     *queue.Manager
	presence     *presence.Tracker
	orchestrator *matching.Orchestrator
	reveal       *revealvote.Engine

	states  *repository.StateRepository
	matches *repository.MatchRepository
	votes   *repository.VoteRepository
	blocks  *repository.BlockRepository
	audits  *repository.AuditRepository
}

// New assembles the matchmaking service and all of its engines from
// the shared application context.
func New(appCtx *app.AppContext) *Service {
	log := appCtx.Logger

	machine := statemachine.NewMachine(appCtx.DB, log)
	scorer := fairness.NewScorer(appCtx.DB, appCtx.RedisCache, log)
	expMgr := expansion.NewManager(appCtx.DB, appCtx.Cfg, log)
	queueMgr := queue.NewManager(appCtx.DB, machine, scorer, log)
	tracker := presence.NewTracker(appCtx.DB, appCtx.RedisCache, machine, queueMgr, scorer, appCtx.Cfg, log)
	engine := matching.NewEngine(appCtx.DB, appCtx.Cfg, machine, queueMgr, expMgr, scorer, tracker, appCtx.RedisCache, appCtx.Events, log)
	orchestrator := matching.NewOrchestrator(engine)
	reveal := revealvote.NewEngine(appCtx.DB, appCtx.Cfg, machine, queueMgr, scorer, appCtx.Events, log)

	return &Service{
		appCtx:       appCtx,
		machine:      machine,
		scorer:       scorer,
		expansion:    expMgr,
		queueMgr:     queueMgr,
		presence:     tracker,
		orchestrator: orchestrator,
		reveal:       reveal,
		states:       repository.NewStateRepository(appCtx.DB),
		matches:      repository.NewMatchRepository(appCtx.DB),
		votes:        repository.NewVoteRepository(appCtx.DB),
		blocks:       repository.NewBlockRepository(appCtx.DB),
		audits:       repository.NewAuditRepository(appCtx.DB),
	}
}

// JoinQueue admits a user into the matching queue with the given
// preferences. Idempotent while the user is already queued.
func (s *Service) JoinQueue(ctx context.Context, userID uint64, pref *db.Preference) (uint64, error) {
	if userID == 0 {
		return 0, svcErr.InvalidArgument("user_id must be set")
	}
	if pref == nil {
		return 0, svcErr.InvalidArgument("preferences must be set")
	}
	if pref.MinAge > pref.MaxAge {
		return 0, svcErr.InvalidArgument("min_age must not exceed max_age")
	}
	entryID, err := s.queueMgr.Join(ctx, userID, pref)
	if err != nil {
		s.appCtx.Logger.Error("JoinQueue failed", "user", userID, "err", err)
		return 0, svcErr.Map(err)
	}
	// A fresh heartbeat so the joiner is not swept as offline before
	// their client starts pinging.
	if err := s.presence.Heartbeat(ctx, userID); err != nil {
		s.appCtx.Logger.Warn("JoinQueue heartbeat failed", "user", userID, "err", err)
	}
	return entryID, nil
}

// LeaveQueue withdraws a queued user.
func (s *Service) LeaveQueue(ctx context.Context, userID uint64) error {
	if err := s.queueMgr.Leave(ctx, userID, "user_left"); err != nil {
		return svcErr.Map(err)
	}
	return nil
}

// BlockUser records that the blocker never wants to be paired with the
// blocked user again, in either direction. Takes effect on the next
// candidate search; a match already in flight is not interrupted.
func (s *Service) BlockUser(ctx context.Context, blockerID, blockedID uint64) error {
	if blockerID == 0 || blockedID == 0 {
		return svcErr.InvalidArgument("blocker and blocked must be set")
	}
	if blockerID == blockedID {
		return svcErr.InvalidArgument("cannot block yourself")
	}
	if err := s.blocks.Create(ctx, blockerID, blockedID); err != nil {
		return svcErr.Map(err)
	}
	return nil
}

// GetAuditTrail returns a user's state-transition and boost history,
// newest first.
func (s *Service) GetAuditTrail(ctx context.Context, userID uint64, limit int) ([]db.AuditEvent, error) {
	rows, err := s.audits.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return rows, nil
}

// Heartbeat refreshes the user's presence and resolves any pending
// reconnection.
func (s *Service) Heartbeat(ctx context.Context, userID uint64) error {
	if err := s.presence.Heartbeat(ctx, userID); err != nil {
		return svcErr.Map(err)
	}
	return nil
}

// CompleteReveal marks the user's reveal animation finished.
func (s *Service) CompleteReveal(ctx context.Context, userID uint64, matchID string) (*revealvote.RevealStatus, error) {
	if matchID == "" {
		return nil, svcErr.InvalidArgument("match_id must be set")
	}
	status, err := s.reveal.CompleteReveal(ctx, userID, matchID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return status, nil
}

// SubmitVote records the user's verdict on a match.
func (s *Service) SubmitVote(ctx context.Context, userID uint64, matchID string, vote db.VoteType) (*revealvote.VoteResult, error) {
	if matchID == "" {
		return nil, svcErr.InvalidArgument("match_id must be set")
	}
	if vote != db.VoteYes && vote != db.VotePass {
		return nil, svcErr.InvalidArgument("vote must be yes or pass")
	}
	result, err := s.reveal.SubmitVote(ctx, userID, matchID, vote)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return result, nil
}

// EndSession closes a live session for both participants. The match
// must be an ended mutual-yes match the user belongs to; each side in
// in_session moves to ended.
func (s *Service) EndSession(ctx context.Context, userID uint64, matchID string) error {
	match, err := s.matches.GetByID(ctx, matchID)
	if err != nil {
		return svcErr.Map(err)
	}
	if !match.HasUser(userID) {
		return svcErr.Map(svcErr.ErrNotParticipant)
	}

	ended := 0
	for _, id := range []uint64{match.User1ID, match.User2ID} {
		st, err := s.states.Get(ctx, id)
		if err != nil {
			return svcErr.Map(err)
		}
		if st.State != db.StateInSession {
			continue
		}
		if _, err := s.machine.Apply(ctx, id, statemachine.EventSessionEnded); err != nil {
			return svcErr.Map(err)
		}
		ended++
	}
	if ended > 0 {
		s.appCtx.Events.MatchEnded(match.User1ID, matchID, "session_ended")
		s.appCtx.Events.MatchEnded(match.User2ID, matchID, "session_ended")
		metrics.ActiveSessions.Dec()
	}
	return nil
}

// GetActiveMatch returns the user's live match, or nil when none.
func (s *Service) GetActiveMatch(ctx context.Context, userID uint64) (*db.Match, error) {
	match, err := s.matches.GetActiveForUser(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return match, nil
}

// GetState returns the user's lifecycle state record.
func (s *Service) GetState(ctx context.Context, userID uint64) (*db.UserMatchState, error) {
	st, err := s.states.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return st, nil
}

// RunMatchingPass drives one orchestrated matching pass. Safe to call
// from multiple processes; contention is resolved by the global lock.
func (s *Service) RunMatchingPass(ctx context.Context) error {
	return s.orchestrator.RunPass(ctx)
}

// FinalizePresence sweeps lapsed heartbeats and expired grace windows.
func (s *Service) FinalizePresence(ctx context.Context) error {
	return s.presence.Finalize(ctx)
}

// SweepRevealTimeouts expires matches stuck in the reveal phase.
func (s *Service) SweepRevealTimeouts(ctx context.Context) error {
	return s.reveal.SweepRevealTimeouts(ctx)
}

// SweepVoteTimeouts expires matches whose vote window lapsed.
func (s *Service) SweepVoteTimeouts(ctx context.Context) error {
	return s.reveal.SweepVoteTimeouts(ctx)
}

// Close waits for in-flight background work (guaranteed-match retries).
func (s *Service) Close() {
	s.orchestrator.Close()
}
