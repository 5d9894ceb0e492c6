// Package scheduler queues test jobs and runs them on a fixed pool of
// workers, each driving at most one run coordinator at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/coordinator"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const issuer = "scheduler"

var (
	// ErrNotFound is returned for runs the scheduler has no record of.
	ErrNotFound = errors.New("run not found")
	// ErrConflict is returned when a control request does not fit the
	// current status of the run.
	ErrConflict = errors.New("run status conflict")
	// ErrNoControl is returned when pause or resume is requested without a
	// control bus.
	ErrNoControl = errors.New("control plane not configured")
)

// Scheduler accepts jobs and runs them on a bounded worker pool.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue validates and queues a job for an existing pending run and
	// returns the job id.
	Enqueue(ctx context.Context, job testrun.TestJob) (string, error)

	// Cancel removes a queued job, or asks a claimed one to stop. It reports
	// false when the run had already finished.
	Cancel(ctx context.Context, runID string) (bool, error)

	// Pause asks a running run to pause at its next step boundary.
	Pause(ctx context.Context, runID string) error

	// Resume continues a paused run, re-enqueueing it when no worker holds
	// it any more.
	Resume(ctx context.Context, runID string) error

	// Status returns the lifecycle view of a run.
	Status(ctx context.Context, runID string) (*testrun.JobStatus, error)
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log    logrus.FieldLogger
	cfg    *config.SchedulerConfig
	queue  Queue
	coord  *coordinator.Config
	wake   chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	active map[string]*coordinator.Coordinator
}

// NewScheduler creates a scheduler. Runs are executed by coordinators built
// from coord, which also supplies the result sink, state store and control
// bus used for cancel, pause and resume.
func NewScheduler(
	log logrus.FieldLogger,
	cfg *config.SchedulerConfig,
	queue Queue,
	coord *coordinator.Config,
) Scheduler {
	return &scheduler{
		log:    log.WithField("component", "scheduler"),
		cfg:    cfg,
		queue:  queue,
		coord:  coord,
		wake:   make(chan struct{}, 1),
		active: make(map[string]*coordinator.Coordinator, cfg.Workers),
	}
}

// Start recovers job state left by a previous process and launches the
// workers.
func (s *scheduler) Start(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gCtx := errgroup.WithContext(ctx)
	s.group = g

	for i := range s.cfg.Workers {
		g.Go(func() error {
			s.work(gCtx, i)

			return nil
		})
	}

	s.log.WithFields(logrus.Fields{
		"workers":      s.cfg.Workers,
		"max_attempts": s.cfg.MaxAttempts,
	}).Info("Scheduler started")

	return nil
}

// Stop cancels the workers and waits for them. Runs in flight are left
// paused with reason shutdown.
func (s *scheduler) Stop() error {
	if s.cancel == nil {
		return nil
	}

	s.cancel()

	if err := s.group.Wait(); err != nil {
		return fmt.Errorf("stopping workers: %w", err)
	}

	s.log.Info("Scheduler stopped")

	return nil
}

// recover marks jobs a previous process held as interrupted. They are not
// resumed automatically; a resume request picks them up from their snapshot.
func (s *scheduler) recover(ctx context.Context) error {
	records, err := s.queue.List(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if rec.State != testrun.JobActive {
			continue
		}

		rec.State = testrun.JobInterrupted
		rec.UpdatedAt = time.Now().UTC()

		if err := s.queue.Update(ctx, rec); err != nil {
			return err
		}

		s.log.WithField("run_id", rec.Job.RunID).Warn("Marked interrupted job")
	}

	s.updateQueueDepth(ctx)

	return nil
}

func (s *scheduler) Enqueue(ctx context.Context, job testrun.TestJob) (string, error) {
	if err := job.Validate(); err != nil {
		return "", fmt.Errorf("invalid job: %w", err)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if job.Config.Timeout == 0 {
		job.Config.Timeout = s.cfg.StepTimeout
	}

	job.EnqueuedAt = time.Now().UTC()

	rec := &testrun.JobRecord{
		Job:       job,
		State:     testrun.JobQueued,
		UpdatedAt: job.EnqueuedAt,
	}

	if err := s.queue.Push(ctx, rec); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": job.RunID,
		"job_id": job.ID,
		"steps":  len(job.Steps),
	}).Info("Job enqueued")

	s.updateQueueDepth(ctx)
	s.notify()

	return job.ID, nil
}

func (s *scheduler) Cancel(ctx context.Context, runID string) (bool, error) {
	run, err := s.coord.Sink.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("loading run: %w", err)
	}

	rec, err := s.queue.Get(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("loading job: %w", err)
	}

	if run == nil {
		return false, ErrNotFound
	}

	if run.Status.IsTerminal() {
		return false, nil
	}

	log := s.log.WithField("run_id", runID)

	if rec != nil && rec.State == testrun.JobQueued {
		removed, err := s.queue.Remove(ctx, runID)
		if err != nil {
			return false, err
		}

		if removed {
			log.Info("Cancelled queued job")
			s.updateQueueDepth(ctx)

			return true, s.cancelDirectly(ctx, rec, run)
		}
	}

	if s.live(runID) != nil {
		return true, s.sendControl(ctx, testrun.ControlStop, runID)
	}

	// Nobody in this process holds the run. A paused or interrupted job
	// is finished here; an active one belongs to another process.
	if rec == nil || rec.State != testrun.JobActive {
		log.Info("Cancelled run without a live coordinator")

		return true, s.cancelDirectly(ctx, rec, run)
	}

	return true, s.sendControl(ctx, testrun.ControlStop, runID)
}

// cancelDirectly finishes a run no coordinator is driving.
func (s *scheduler) cancelDirectly(ctx context.Context, rec *testrun.JobRecord, run *testrun.TestRun) error {
	err := s.coord.Sink.Finalize(ctx, run.ID, resultsink.Outcome{
		Status: testrun.StatusFailed,
		Reason: testrun.ReasonCancelled,
		Error:  "cancelled",
	})
	if err != nil {
		return fmt.Errorf("finalizing cancelled run: %w", err)
	}

	if err := s.coord.Store.DeleteSnapshot(ctx, run.ID); err != nil {
		s.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to delete snapshot")
	}

	if rec != nil {
		rec.State = testrun.JobCancelled
		rec.UpdatedAt = time.Now().UTC()

		if err := s.queue.Update(ctx, rec); err != nil {
			return err
		}
	}

	s.coord.Metrics.RunFinished(string(testrun.StatusFailed), string(testrun.ReasonCancelled))

	if s.coord.Bus != nil {
		err = s.coord.Bus.PublishStatus(ctx, testrun.StatusEvent{
			RunID:    run.ID,
			Status:   testrun.StatusFailed,
			Reason:   testrun.ReasonCancelled,
			Progress: run.Progress(),
		})
		if err != nil {
			s.log.WithError(err).Debug("Failed to publish status event")
		}
	}

	return nil
}

func (s *scheduler) Pause(ctx context.Context, runID string) error {
	run, err := s.coord.Sink.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if run == nil {
		return ErrNotFound
	}

	if run.Status != testrun.StatusRunning {
		return fmt.Errorf("%w: cannot pause a %s run", ErrConflict, run.Status)
	}

	return s.sendControl(ctx, testrun.ControlPause, runID)
}

func (s *scheduler) Resume(ctx context.Context, runID string) error {
	run, err := s.coord.Sink.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	if run == nil {
		return ErrNotFound
	}

	rec, err := s.queue.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}

	live := s.live(runID) != nil

	// A process that died without shutting down leaves its run running.
	orphaned := run.Status == testrun.StatusRunning && !live &&
		rec != nil && rec.State == testrun.JobInterrupted

	if run.Status != testrun.StatusPaused && !orphaned {
		return fmt.Errorf("%w: cannot resume a %s run", ErrConflict, run.Status)
	}

	if err := s.sendControl(ctx, testrun.ControlResume, runID); err != nil {
		return err
	}

	if live {
		return nil
	}

	if rec == nil {
		return fmt.Errorf("%w: run %s has no job to resume", ErrConflict, runID)
	}

	switch rec.State {
	case testrun.JobQueued, testrun.JobActive:
		// Already queued, or held by another process that observes the
		// resume itself.
		return nil
	}

	rec.Job.Resume = true
	rec.State = testrun.JobQueued
	rec.Attempts = 0
	rec.UpdatedAt = time.Now().UTC()

	if err := s.queue.Push(ctx, rec); err != nil {
		return fmt.Errorf("re-enqueueing job: %w", err)
	}

	s.log.WithField("run_id", runID).Info("Re-enqueued paused run")

	s.updateQueueDepth(ctx)
	s.notify()

	return nil
}

func (s *scheduler) Status(ctx context.Context, runID string) (*testrun.JobStatus, error) {
	run, err := s.coord.Sink.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	if run == nil {
		return nil, ErrNotFound
	}

	status := &testrun.JobStatus{
		RunID:    run.ID,
		Status:   run.Status,
		Reason:   run.Reason,
		Progress: run.Progress(),
	}

	rec, err := s.queue.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}

	if rec != nil {
		status.JobID = rec.Job.ID
		status.JobState = rec.State
		status.Attempts = rec.Attempts
		status.LastError = rec.LastError
	}

	return status, nil
}

func (s *scheduler) sendControl(ctx context.Context, action testrun.ControlAction, runID string) error {
	if s.coord.Bus == nil {
		return ErrNoControl
	}

	if err := s.coord.Bus.SendControl(ctx, testrun.NewControlMessage(action, runID, issuer)); err != nil {
		return err
	}

	s.coord.Metrics.ControlSent(string(action))

	return nil
}

func (s *scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *scheduler) live(runID string) *coordinator.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active[runID]
}

func (s *scheduler) track(runID string, c *coordinator.Coordinator) {
	s.mu.Lock()
	s.active[runID] = c
	s.mu.Unlock()

	s.coord.Metrics.RunActive(1)
}

func (s *scheduler) untrack(runID string) {
	s.mu.Lock()
	delete(s.active, runID)
	s.mu.Unlock()

	s.coord.Metrics.RunActive(-1)
}

func (s *scheduler) updateQueueDepth(ctx context.Context) {
	n, err := s.queue.Len(ctx)
	if err != nil {
		return
	}

	s.coord.Metrics.SetQueueDepth(n)
}
