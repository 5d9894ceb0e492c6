package scheduler

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

// claimAttempts bounds the optimistic retries of a contended claim. A claim
// that keeps losing returns nothing and the worker polls again.
const claimAttempts = 16

// errOrphaned marks a queued run id without a job record.
var errOrphaned = errors.New("orphaned queue entry")

// redisQueue keeps queued run ids in a LIST and job records in a HASH keyed
// by run id. Both keys share a hash slot so a claim can pop the id and mark
// the record active in one transaction.
type redisQueue struct {
	client  redis.UniversalClient
	listKey string
	hashKey string
}

// Compile-time interface check.
var _ Queue = (*redisQueue)(nil)

// NewRedisQueue creates a Queue backed by redis.
func NewRedisQueue(client redis.UniversalClient, prefix string) Queue {
	return &redisQueue{
		client:  client,
		listKey: redisclient.SlotKey(prefix, "jobs", "queue"),
		hashKey: redisclient.SlotKey(prefix, "jobs", "records"),
	}
}

func (q *redisQueue) Push(ctx context.Context, rec *testrun.JobRecord) error {
	return q.push(ctx, rec, false)
}

func (q *redisQueue) PushFront(ctx context.Context, rec *testrun.JobRecord) error {
	return q.push(ctx, rec, true)
}

func (q *redisQueue) push(ctx context.Context, rec *testrun.JobRecord, front bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding job record: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.hashKey, rec.Job.RunID, data)

		if front {
			pipe.LPush(ctx, q.listKey, rec.Job.RunID)
		} else {
			pipe.RPush(ctx, q.listKey, rec.Job.RunID)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("pushing job %s: %w", rec.Job.ID, err)
	}

	return nil
}

func (q *redisQueue) Claim(ctx context.Context) (*testrun.JobRecord, error) {
	for range claimAttempts {
		rec, err := q.claimHead(ctx)

		switch {
		case errors.Is(err, redis.TxFailedErr), errors.Is(err, errOrphaned):
			continue
		case err != nil:
			return nil, fmt.Errorf("claiming job: %w", err)
		}

		return rec, nil
	}

	return nil, nil
}

// claimHead pops the head of the queue and marks its record active in one
// MULTI/EXEC. The transaction aborts when the queue changed after it was read,
// so a crash never leaves a popped id with a queued record.
func (q *redisQueue) claimHead(ctx context.Context) (*testrun.JobRecord, error) {
	var claimed *testrun.JobRecord

	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		runID, err := tx.LIndex(ctx, q.listKey, 0).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}

		if err != nil {
			return err
		}

		data, err := tx.HGet(ctx, q.hashKey, runID).Bytes()
		if errors.Is(err, redis.Nil) {
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LPop(ctx, q.listKey)

				return nil
			})
			if err != nil {
				return err
			}

			return errOrphaned
		}

		if err != nil {
			return err
		}

		var rec testrun.JobRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding job of run %s: %w", runID, err)
		}

		rec.State = testrun.JobActive
		rec.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encoding job record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LPop(ctx, q.listKey)
			pipe.HSet(ctx, q.hashKey, runID, updated)

			return nil
		})
		if err != nil {
			return err
		}

		claimed = &rec

		return nil
	}, q.listKey)
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func (q *redisQueue) Remove(ctx context.Context, runID string) (bool, error) {
	n, err := q.client.LRem(ctx, q.listKey, 1, runID).Result()
	if err != nil {
		return false, fmt.Errorf("removing job of run %s: %w", runID, err)
	}

	return n > 0, nil
}

func (q *redisQueue) Get(ctx context.Context, runID string) (*testrun.JobRecord, error) {
	data, err := q.client.HGet(ctx, q.hashKey, runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading job of run %s: %w", runID, err)
	}

	var rec testrun.JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding job of run %s: %w", runID, err)
	}

	return &rec, nil
}

func (q *redisQueue) Update(ctx context.Context, rec *testrun.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding job record: %w", err)
	}

	if err := q.client.HSet(ctx, q.hashKey, rec.Job.RunID, data).Err(); err != nil {
		return fmt.Errorf("updating job of run %s: %w", rec.Job.RunID, err)
	}

	return nil
}

func (q *redisQueue) List(ctx context.Context) ([]*testrun.JobRecord, error) {
	all, err := q.client.HGetAll(ctx, q.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	out := make([]*testrun.JobRecord, 0, len(all))

	for runID, data := range all {
		var rec testrun.JobRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("decoding job of run %s: %w", runID, err)
		}

		out = append(out, &rec)
	}

	return out, nil
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}

	return int(n), nil
}
