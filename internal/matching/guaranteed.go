package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/blinkdate/matchmaker/internal/db"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/fairness"
	"github.com/blinkdate/matchmaker/internal/metrics"
)

// fairnessRecomputeEvery is the guaranteed loop's recompute cadence:
// scoring every cycle would just amplify writes, so only every Nth
// cycle refreshes it.
const fairnessRecomputeEvery = 5

// GuaranteedMatch is the fallback tier: all preference filters are
// dropped except gender compatibility, liveness, the mutual-yes
// exclusion, blocks, and the re-pair cooldown.
//
// Behavior:
//   - If no online opposite-gender candidate exists anywhere, returns
//     ErrNoCandidates immediately — the caller reports "waiting for
//     partner", it is not a failure and not retried here.
//   - Otherwise retries up to the configured bound, sleeping between
//     cycles with no lock held, and re-validates every precondition
//     before each commit attempt (state may have changed during the
//     sleep).
//   - Exhausting the bound is a system anomaly: logged at high
//     severity and surfaced as ErrGuaranteedExhausted.
func (e *Engine) GuaranteedMatch(ctx context.Context, userID uint64) (*db.Match, error) {
	user, err := e.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	online, err := e.anyOppositeOnline(ctx, user.Gender)
	if err != nil {
		return nil, err
	}
	if !online {
		return nil, fmt.Errorf("no online partners for user %d: %w", userID, svcErr.ErrNoCandidates)
	}

	// Reaching the guaranteed tier means the user has been waiting a
	// long time; that earns the one long-wait boost for this attempt.
	if err := e.scorer.ApplyBoost(ctx, userID, fairness.BoostLongWait); err != nil {
		e.log.Warn("long-wait boost", "user", userID, "err", err)
	}

	for cycle := 1; cycle <= e.cfg.Match.RetryLimit; cycle++ {
		// The initiator may have matched, left, or dropped during the
		// previous sleep.
		st, err := e.states.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		if st.State != db.StateQueueing {
			return nil, fmt.Errorf("user %d left the queue (%s): %w", userID, st.State, svcErr.ErrNotQueued)
		}
		if ok, err := e.presence.IsOnline(ctx, userID); err != nil || !ok {
			return nil, fmt.Errorf("user %d went offline: %w", userID, svcErr.ErrNotQueued)
		}

		if cycle%fairnessRecomputeEvery == 0 {
			if _, err := e.scorer.Recompute(ctx, userID); err != nil {
				e.log.Warn("guaranteed recompute", "user", userID, "err", err)
			}
		}

		pref, err := e.prefs.Get(ctx, userID)
		if err != nil {
			return nil, err
		}
		m, err := e.tryTier(ctx, user, pref, TierGuaranteed)
		if err != nil && !svcErr.Transient(err) {
			return nil, err
		}
		if m != nil {
			metrics.GuaranteedCycles.Observe(float64(cycle))
			return m, nil
		}

		// Nobody pairable this cycle. If the last online candidate
		// vanished mid-retry, stop waiting.
		online, err := e.anyOppositeOnline(ctx, user.Gender)
		if err != nil {
			return nil, err
		}
		if !online {
			e.log.Info("guaranteed tier drained", "user", userID, "cycle", cycle)
			return nil, fmt.Errorf("partners went offline for user %d: %w", userID, svcErr.ErrNoCandidates)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.Match.RetryInterval):
		}
	}

	// A pool that drained during the final sleep is still the routine
	// "waiting for partner" outcome, not the exhaustion anomaly.
	if online, err := e.anyOppositeOnline(ctx, user.Gender); err == nil && !online {
		return nil, fmt.Errorf("partners went offline for user %d: %w", userID, svcErr.ErrNoCandidates)
	}

	metrics.GuaranteedExhaustedTotal.Inc()
	metrics.GuaranteedCycles.Observe(float64(e.cfg.Match.RetryLimit))
	e.log.Error("guaranteed match exhausted retry bound",
		"user", userID, "cycles", e.cfg.Match.RetryLimit)
	return nil, fmt.Errorf("user %d after %d cycles: %w", userID, e.cfg.Match.RetryLimit, svcErr.ErrGuaranteedExhausted)
}

// anyOppositeOnline probes presence over every active opposite-gender
// user still in the flow. The DB state alone cannot answer this:
// liveness lives in Redis, and a candidate with a lapsed heartbeat can
// hold queueing or reconnect_grace for longer than the whole retry
// budget.
func (e *Engine) anyOppositeOnline(ctx context.Context, gender string) (bool, error) {
	ids, err := e.states.OppositeActiveIDs(ctx, gender)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		online, err := e.presence.IsOnline(ctx, id)
		if err != nil {
			return false, err
		}
		if online {
			return true, nil
		}
	}
	return false, nil
}
