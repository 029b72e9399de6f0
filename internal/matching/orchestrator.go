package matching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinkdate/matchmaker/internal/cache"
	svcErr "github.com/blinkdate/matchmaker/internal/errors"
	"github.com/blinkdate/matchmaker/internal/metrics"
)

// passLockTTL bounds how long the global matching lock can outlive a
// crashed pass.
const passLockTTL = 30 * time.Second

// Orchestrator serializes matching passes behind the global lock and
// supervises guaranteed-tier retries outside it.
type Orchestrator struct {
	engine *Engine

	mu       sync.Mutex
	inflight map[uint64]struct{} // users with a live guaranteed goroutine
	wg       sync.WaitGroup
}

// NewOrchestrator creates the pass orchestrator.
func NewOrchestrator(engine *Engine) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		inflight: make(map[uint64]struct{}),
	}
}

// RunPass executes one matching pass.
//
// Concurrency contract:
//   - One pass at a time, system-wide, behind the global matching
//     lock. A pass that cannot take the lock returns immediately; the
//     next scheduled pass retries. No backpressure queueing.
//   - Candidates are processed in capped batches per tier to bound
//     lock-hold time.
//   - Users past the guaranteed threshold leave the pass: their retry
//     loop runs supervised in its own goroutine, holding no lock
//     across its sleeps.
func (o *Orchestrator) RunPass(ctx context.Context) error {
	e := o.engine

	lock, ok, err := e.cache.TryLock(ctx, cache.KeyForMatchingLock, passLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		// Silent skip; the next pass retries.
		metrics.PassSkippedTotal.Inc()
		e.log.Debug("matching pass skipped, lock held elsewhere")
		return nil
	}
	defer lock.Release(ctx)

	timer := prometheus.NewTimer(metrics.PassDuration)
	defer timer.ObserveDuration()

	if err := e.expansion.Sweep(ctx); err != nil {
		e.log.Warn("expansion sweep", "err", err)
	}
	if err := e.scorer.RecomputeQueued(ctx); err != nil {
		e.log.Warn("queue recompute", "err", err)
	}

	entries, err := e.queueMgr.ListRanked(ctx)
	if err != nil {
		return err
	}
	metrics.QueueSize.Set(float64(len(entries)))

	now := time.Now().UTC()
	matched := make(map[uint64]bool)
	batch := e.cfg.Match.TierBatchSize
	exactSeen, expandedSeen := 0, 0

	for _, entry := range entries {
		if matched[entry.UserID] {
			continue
		}

		wait := now.Sub(entry.JoinedAt)
		if wait >= e.cfg.Match.GuaranteedAfter {
			o.spawnGuaranteed(entry.UserID)
			continue
		}

		pref, err := e.prefs.Get(ctx, entry.UserID)
		if err != nil {
			e.log.Warn("load preferences", "user", entry.UserID, "err", err)
			continue
		}
		expandedEligible := pref != nil && pref.Expanded

		// Per-tier batch caps bound the pass latency under load.
		if expandedEligible {
			if expandedSeen >= batch {
				continue
			}
			expandedSeen++
		} else {
			if exactSeen >= batch {
				continue
			}
			exactSeen++
		}

		m, tier, err := e.MatchUser(ctx, entry.UserID)
		if err != nil {
			if errors.Is(err, svcErr.ErrNoCandidates) ||
				errors.Is(err, svcErr.ErrNotQueued) ||
				svcErr.Transient(err) {
				continue
			}
			e.log.Warn("match attempt", "user", entry.UserID, "err", err)
			continue
		}
		matched[m.User1ID] = true
		matched[m.User2ID] = true
		e.log.Debug("pass matched", "user", entry.UserID, "tier", tier)
	}

	return nil
}

// spawnGuaranteed starts a supervised guaranteed-tier retry for a user,
// at most one per user at a time.
func (o *Orchestrator) spawnGuaranteed(userID uint64) {
	o.mu.Lock()
	if _, busy := o.inflight[userID]; busy {
		o.mu.Unlock()
		return
	}
	o.inflight[userID] = struct{}{}
	o.mu.Unlock()

	e := o.engine
	budget := time.Duration(e.cfg.Match.RetryLimit+5) * e.cfg.Match.RetryInterval

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.inflight, userID)
			o.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()

		_, err := e.GuaranteedMatch(ctx, userID)
		switch {
		case err == nil:
		case errors.Is(err, svcErr.ErrNoCandidates), errors.Is(err, svcErr.ErrNotQueued):
			e.log.Debug("guaranteed attempt ended", "user", userID, "reason", err)
		default:
			e.log.Error("guaranteed attempt failed", "user", userID, "err", err)
		}
	}()
}

// Close waits for in-flight guaranteed retries to finish.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}
