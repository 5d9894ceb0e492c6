// Package statestore holds control signals and resumable snapshots for test
// runs. Every entry carries an expiry; an expired snapshot only means the run
// can no longer be resumed from it.
package statestore

import (
	"context"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/testrun"
)

// Store is the execution state store shared by all workers. Writes for a run
// follow last-write-wins semantics.
type Store interface {
	// PutSnapshot stores the resume point of a run, replacing any previous one.
	PutSnapshot(ctx context.Context, runID string, snapshot *testrun.ExecutionSnapshot, ttl time.Duration) error

	// GetSnapshot returns the latest snapshot of a run.
	// Returns (nil, nil) when none exists or it has expired.
	GetSnapshot(ctx context.Context, runID string) (*testrun.ExecutionSnapshot, error)

	// DeleteSnapshot removes the snapshot of a run.
	DeleteSnapshot(ctx context.Context, runID string) error

	// PutControlState records the latest control message for a run.
	PutControlState(ctx context.Context, runID string, msg *testrun.ControlMessage, ttl time.Duration) error

	// GetControlState returns the latest control message for a run.
	// Returns (nil, nil) when none exists or it has expired.
	GetControlState(ctx context.Context, runID string) (*testrun.ControlMessage, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
