// Package errors defines the matchmaking error taxonomy and the mapping
// to gRPC status codes for the outer collaborator layer.
package errors

import (
	"errors"
)

// Sentinel errors for the matchmaking core. Callers classify with
// errors.Is; repositories and engines wrap these with context via
// fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidTransition: the requested lifecycle event is not legal
	// from the user's current state. Fatal for the call, never retried —
	// the caller acted on a stale read.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLockContention: a matching or pair lock could not be acquired.
	// Transient; the next scheduled pass retries.
	ErrLockContention = errors.New("lock contention")

	// ErrNoCandidates: no compatible partner is available. Not a failure;
	// surfaced to the user as "waiting for partner".
	ErrNoCandidates = errors.New("no candidates available")

	// ErrGuaranteedExhausted: the guaranteed tier ran out of retry
	// cycles. A correctness anomaly — logged at high severity.
	ErrGuaranteedExhausted = errors.New("guaranteed match retries exhausted")

	// ErrAlreadyMatched: the user already has an active match.
	ErrAlreadyMatched = errors.New("user already matched")

	// ErrDuplicateVote: a conflicting vote already exists for this
	// user/match. Identical re-submissions are accepted as no-ops
	// instead.
	ErrDuplicateVote = errors.New("duplicate vote")

	// ErrNotQueued: the user has no queue membership.
	ErrNotQueued = errors.New("user not queued")

	// ErrNotParticipant: the user does not belong to the given match.
	ErrNotParticipant = errors.New("user is not a match participant")

	// ErrMatchEnded: the match has already reached a terminal outcome.
	ErrMatchEnded = errors.New("match already ended")
)

// Transient reports whether the caller may retry the operation on a
// later pass without changing anything.
func Transient(err error) bool {
	return errors.Is(err, ErrLockContention)
}
