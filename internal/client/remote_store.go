// Package client provides a lock.Store backed by a remote leasekeeper server.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"

	lockgrpc "github.com/kneutral-org/leasekeeper/internal/grpc"
	"github.com/kneutral-org/leasekeeper/internal/lock"
	"github.com/kneutral-org/leasekeeper/internal/logging"
)

// ErrRemoteFailure is returned when the server answered with the failure token.
// The server logs the underlying cause.
var ErrRemoteFailure = errors.New("remote lock operation failed")

// RemoteStore implements lock.Store over the lock service RPCs.
type RemoteStore struct {
	client lockgrpc.LockServiceClient
	logger zerolog.Logger
}

// NewRemoteStore wraps an existing client.
func NewRemoteStore(client lockgrpc.LockServiceClient, logger zerolog.Logger) *RemoteStore {
	return &RemoteStore{
		client: client,
		logger: logger.With().Str("component", "remote-store").Logger(),
	}
}

// Dial connects to a server at target and returns a store using the
// connection. Without extra options the connection is insecure. The caller
// closes the returned connection.
func Dial(target string, logger zerolog.Logger, opts ...gogrpc.DialOption) (*RemoteStore, *gogrpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = []gogrpc.DialOption{gogrpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, gogrpc.WithDefaultCallOptions(gogrpc.CallContentSubtype(lockgrpc.CodecName)))

	conn, err := gogrpc.NewClient(target, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewRemoteStore(lockgrpc.NewLockServiceClient(conn), logger), conn, nil
}

// Acquire blocks on the server until key is free or ctx is done.
func (s *RemoteStore) Acquire(ctx context.Context, key string, duration time.Duration) (int64, error) {
	if err := validate(key, duration); err != nil {
		return -1, err
	}
	return s.call(ctx, "acquire", &lockgrpc.LockRequest{
		Key:      key,
		Duration: durationpb.New(duration),
		Token:    -1,
	})
}

// Release ends the lease identified by token.
func (s *RemoteStore) Release(ctx context.Context, key string, token int64) (int64, error) {
	return s.call(ctx, "release", &lockgrpc.LockRequest{
		Key:   key,
		Token: token,
	})
}

// Update extends the lease identified by token. A negative token would be
// routed as an acquire by the server, so it is rejected here.
func (s *RemoteStore) Update(ctx context.Context, key string, token int64, duration time.Duration) (int64, error) {
	if err := validate(key, duration); err != nil {
		return -1, err
	}
	if token < 0 {
		return -1, fmt.Errorf("update %q: %w", key, lock.ErrNotFound)
	}
	return s.call(ctx, "update", &lockgrpc.LockRequest{
		Key:      key,
		Duration: durationpb.New(duration),
		Token:    token,
	})
}

// Locks fetches the server's snapshot.
func (s *RemoteStore) Locks(ctx context.Context) ([]lock.Info, error) {
	resp, err := s.client.GetLockInfo(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("get lock info: %w", err)
	}

	infos := make([]lock.Info, 0, len(resp.Locks))
	for _, info := range resp.Locks {
		infos = append(infos, lockgrpc.FromLockInfo(info))
	}
	return infos, nil
}

func (s *RemoteStore) call(ctx context.Context, op string, req *lockgrpc.LockRequest) (int64, error) {
	requestID := uuid.NewString()
	ctx = metadata.AppendToOutgoingContext(ctx, logging.RequestIDMetadata, requestID)

	resp, err := s.client.Lock(ctx, req)
	if err != nil {
		return -1, fmt.Errorf("%s %q: %w", op, req.Key, err)
	}
	if resp.Token == lockgrpc.FailedToken {
		s.logger.Debug().
			Str("key", req.Key).
			Str("operation", op).
			Str("requestId", requestID).
			Msg("server reported failure")
		return -1, fmt.Errorf("%s %q: %w", op, req.Key, ErrRemoteFailure)
	}
	if resp.Stale {
		return resp.Token, &lock.StaleError{Key: req.Key, Token: resp.Token}
	}
	return resp.Token, nil
}

func validate(key string, duration time.Duration) error {
	if key == "" {
		return lock.ErrInvalidKey
	}
	if duration <= 0 {
		return lock.ErrInvalidDuration
	}
	return nil
}
