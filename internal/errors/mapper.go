// internal/errors/mapper.go
package errors

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

// Map converts core/infra errors into gRPC-friendly status errors.
// Keeps the service layer clean by centralizing error mapping.
//
// Note the taxonomy: NoCandidates and LockContention degrade to
// "please wait"/"try again" codes rather than hard failures; only the
// guaranteed-tier exhaustion surfaces as Internal.
func Map(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, "operation not valid in current state")

	case errors.Is(err, ErrLockContention):
		return status.Error(codes.Unavailable, "busy, try again")

	case errors.Is(err, ErrNoCandidates):
		return status.Error(codes.Unavailable, "waiting for partner")

	case errors.Is(err, ErrGuaranteedExhausted):
		return status.Error(codes.Internal, "matching failed, please rejoin the queue")

	case errors.Is(err, ErrAlreadyMatched):
		return status.Error(codes.AlreadyExists, "already in an active match")

	case errors.Is(err, ErrDuplicateVote):
		return status.Error(codes.AlreadyExists, "vote already recorded")

	case errors.Is(err, ErrNotQueued):
		return status.Error(codes.NotFound, "not in queue")

	case errors.Is(err, ErrNotParticipant):
		return status.Error(codes.PermissionDenied, "not a participant of this match")

	case errors.Is(err, ErrMatchEnded):
		return status.Error(codes.FailedPrecondition, "match already ended")

	case errors.Is(err, gorm.ErrRecordNotFound):
		return status.Error(codes.NotFound, "record not found")

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request was canceled")

	default:
		// fallback → bubble up error message for debugging
		return status.Error(codes.Internal, err.Error())
	}
}

// InvalidArgument creates a gRPC InvalidArgument error.
// Use this in the service layer for bad input validation.
func InvalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}
