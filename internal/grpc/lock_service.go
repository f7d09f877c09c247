// Package grpc provides gRPC service implementations.
package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/kneutral-org/leasekeeper/internal/lock"
)

// FailedToken is returned in LockResponse when the operation failed.
const FailedToken int64 = -1

// ErrNegativeDuration is reported for a request with a negative duration.
var ErrNegativeDuration = errors.New("duration must not be negative")

// Operations selected by Route.
const (
	OpAcquire = "acquire"
	OpUpdate  = "update"
	OpRelease = "release"
)

// LockService implements the LockServiceServer interface over a lock.Store.
// Store failures never surface as RPC errors: the response carries
// FailedToken and the failure is logged.
type LockService struct {
	store  lock.Store
	logger zerolog.Logger
}

// NewLockService creates a new LockService.
func NewLockService(store lock.Store, logger zerolog.Logger) *LockService {
	return &LockService{
		store:  store,
		logger: logger.With().Str("service", "lock").Logger(),
	}
}

// Route picks the store operation for a request's duration and token.
func Route(duration time.Duration, token int64) (string, error) {
	switch {
	case duration < 0:
		return "", ErrNegativeDuration
	case duration == 0:
		return OpRelease, nil
	case token >= 0:
		return OpUpdate, nil
	default:
		return OpAcquire, nil
	}
}

// Lock acquires, renews or releases a key.
func (s *LockService) Lock(ctx context.Context, req *LockRequest) (*LockResponse, error) {
	duration := time.Duration(0)
	if req.Duration != nil {
		if err := req.Duration.CheckValid(); err != nil {
			return s.fail(req, "", err), nil
		}
		duration = req.Duration.AsDuration()
	}

	op, err := Route(duration, req.Token)
	if err != nil {
		return s.fail(req, op, err), nil
	}

	var token int64
	switch op {
	case OpRelease:
		token, err = s.store.Release(ctx, req.Key, req.Token)
	case OpUpdate:
		token, err = s.store.Update(ctx, req.Key, req.Token, duration)
	default:
		token, err = s.store.Acquire(ctx, req.Key, duration)
	}
	if current, ok := lock.CurrentToken(err); ok {
		s.logger.Debug().
			Str("key", req.Key).
			Str("operation", op).
			Int64("token", req.Token).
			Int64("current", current).
			Msg("stale token")
		return &LockResponse{Key: req.Key, Token: current, Stale: true}, nil
	}
	if err != nil {
		return s.fail(req, op, err), nil
	}

	s.logger.Debug().
		Str("key", req.Key).
		Str("operation", op).
		Int64("token", token).
		Msg("lock request served")

	return &LockResponse{Key: req.Key, Token: token}, nil
}

func (s *LockService) fail(req *LockRequest, op string, err error) *LockResponse {
	s.logger.Error().
		Err(err).
		Str("key", req.Key).
		Str("operation", op).
		Int64("token", req.Token).
		Msg("lock request failed")
	return &LockResponse{Key: req.Key, Token: FailedToken}
}

// GetLockInfo returns a snapshot of every known key. A store failure yields
// an empty list.
func (s *LockService) GetLockInfo(ctx context.Context, _ *emptypb.Empty) (*LockInfoResponse, error) {
	infos, err := s.store.Locks(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list locks")
		return &LockInfoResponse{Locks: []*LockInfo{}}, nil
	}

	resp := &LockInfoResponse{Locks: make([]*LockInfo, 0, len(infos))}
	for _, info := range infos {
		resp.Locks = append(resp.Locks, ToLockInfo(info))
	}
	return resp, nil
}

// ToLockInfo converts a store snapshot row to its wire form.
func ToLockInfo(info lock.Info) *LockInfo {
	out := &LockInfo{
		Key:      info.Key,
		IsLocked: info.IsLocked,
		Token:    info.Token,
	}
	if !info.ExpiresAt.IsZero() {
		out.ExpiresAt = timestamppb.New(info.ExpiresAt)
	}
	return out
}

// FromLockInfo converts a wire row back to a store snapshot row.
func FromLockInfo(info *LockInfo) lock.Info {
	out := lock.Info{
		Key:      info.Key,
		IsLocked: info.IsLocked,
		Token:    info.Token,
	}
	if info.ExpiresAt != nil {
		out.ExpiresAt = info.ExpiresAt.AsTime()
	}
	return out
}
