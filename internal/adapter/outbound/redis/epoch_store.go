// Package redis provides a Redis-backed session epoch store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/erpkernel/erpkernel/internal/domain/session"
)

// DefaultKeyPrefix namespaces epoch keys.
const DefaultKeyPrefix = "erpkernel:epoch:"

// EpochStore implements session.EpochStore with one integer key per
// principal. AdvanceEpoch uses INCR, so concurrent advances from any
// number of processes never hand out the same epoch twice.
type EpochStore struct {
	client goredis.Cmdable
	prefix string
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// NewEpochStore creates a store on client. An empty prefix selects
// DefaultKeyPrefix.
func NewEpochStore(client goredis.Cmdable, prefix string) *EpochStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &EpochStore{client: client, prefix: prefix}
}

func (s *EpochStore) key(principalID string) string {
	return s.prefix + principalID
}

// CurrentEpoch returns the principal's active epoch, 0 if none was issued.
func (s *EpochStore) CurrentEpoch(ctx context.Context, principalID string) (int64, error) {
	if principalID == "" {
		return 0, errors.New("redis: principal id is required")
	}
	n, err := s.client.Get(ctx, s.key(principalID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: get epoch: %w", err)
	}
	return n, nil
}

// AdvanceEpoch increments and returns the principal's epoch.
func (s *EpochStore) AdvanceEpoch(ctx context.Context, principalID string) (int64, error) {
	if principalID == "" {
		return 0, errors.New("redis: principal id is required")
	}
	n, err := s.client.Incr(ctx, s.key(principalID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: advance epoch: %w", err)
	}
	return n, nil
}

var _ session.EpochStore = (*EpochStore)(nil)
