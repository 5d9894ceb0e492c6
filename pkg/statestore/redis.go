package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/redisclient"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

// Compile-time interface check.
var _ Store = (*redisStore)(nil)

// NewRedisStore creates a Store backed by redis. Values are JSON encoded and
// expire through SET EX.
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *redisStore) snapshotKey(runID string) string {
	return redisclient.Key(s.prefix, "snapshot", runID)
}

func (s *redisStore) controlKey(runID string) string {
	return redisclient.Key(s.prefix, "control", runID)
}

func (s *redisStore) PutSnapshot(
	ctx context.Context,
	runID string,
	snapshot *testrun.ExecutionSnapshot,
	ttl time.Duration,
) error {
	return s.put(ctx, s.snapshotKey(runID), snapshot, ttl)
}

func (s *redisStore) GetSnapshot(
	ctx context.Context, runID string,
) (*testrun.ExecutionSnapshot, error) {
	var snap testrun.ExecutionSnapshot

	found, err := s.get(ctx, s.snapshotKey(runID), &snap)
	if err != nil || !found {
		return nil, err
	}

	return &snap, nil
}

func (s *redisStore) DeleteSnapshot(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, s.snapshotKey(runID)).Err(); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}

	return nil
}

func (s *redisStore) PutControlState(
	ctx context.Context,
	runID string,
	msg *testrun.ControlMessage,
	ttl time.Duration,
) error {
	return s.put(ctx, s.controlKey(runID), msg, ttl)
}

func (s *redisStore) GetControlState(
	ctx context.Context, runID string,
) (*testrun.ControlMessage, error) {
	var msg testrun.ControlMessage

	found, err := s.get(ctx, s.controlKey(runID), &msg)
	if err != nil || !found {
		return nil, err
	}

	return &msg, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return redisclient.Check(ctx, s.client)
}

func (s *redisStore) put(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) get(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("reading %s: %w", key, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}

	return true, nil
}
