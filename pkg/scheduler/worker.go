package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/coordinator"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

// work claims and runs jobs until ctx ends.
func (s *scheduler) work(ctx context.Context, id int) {
	log := s.log.WithField("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}

		rec, err := s.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			log.WithError(err).Warn("Failed to claim job")
		}

		if rec == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-time.After(s.cfg.PollInterval):
			}

			continue
		}

		s.updateQueueDepth(ctx)
		s.process(ctx, log, rec)
	}
}

// process drives one job, retrying attempts that fail on infrastructure
// with exponential backoff.
func (s *scheduler) process(ctx context.Context, log logrus.FieldLogger, rec *testrun.JobRecord) {
	runID := rec.Job.RunID
	log = log.WithFields(logrus.Fields{
		"run_id": runID,
		"job_id": rec.Job.ID,
	})

	c := coordinator.New(s.log, s.coord, rec.Job)

	s.track(runID, c)
	defer s.untrack(runID)

	for {
		rec.Attempts++
		rec.State = testrun.JobActive
		s.save(ctx, log, rec)

		final := rec.Attempts >= s.cfg.MaxAttempts

		log.WithField("attempt", rec.Attempts).Info("Running job")

		res, err := c.Run(ctx, coordinator.Attempt{Number: rec.Attempts, Final: final})
		if err != nil {
			rec.LastError = err.Error()
		}

		var infra *coordinator.InfraError
		if errors.As(err, &infra) && !final && ctx.Err() == nil {
			backoff := s.backoff(rec.Attempts)

			log.WithError(err).WithField("backoff", backoff).Warn("Retrying job after infrastructure failure")
			s.coord.Metrics.Retried()

			select {
			case <-ctx.Done():
			case <-time.After(backoff):
				continue
			}
		}

		if err != nil && !errors.As(err, &infra) {
			log.WithError(err).Error("Job failed")
		}

		if ctx.Err() != nil && c.Status() == testrun.StatusPending {
			s.requeue(ctx, log, rec)

			return
		}

		rec.State = jobState(res)
		s.save(ctx, log, rec)

		log.WithField("job_state", rec.State).Info("Job finished")

		return
	}
}

// requeue puts a job that never started back at the front of the queue.
func (s *scheduler) requeue(ctx context.Context, log logrus.FieldLogger, rec *testrun.JobRecord) {
	rec.State = testrun.JobQueued
	rec.Attempts--
	rec.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.queue.PushFront(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to requeue job")

		return
	}

	log.Info("Requeued job that had not started")
}

// backoff returns base·2^(attempt-1).
func (s *scheduler) backoff(attempt int) time.Duration {
	return s.cfg.BackoffBase << (attempt - 1)
}

// save persists a job record. Writes outlive shutdown so the final state of
// an interrupted job is recorded.
func (s *scheduler) save(ctx context.Context, log logrus.FieldLogger, rec *testrun.JobRecord) {
	rec.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.queue.Update(ctx, rec); err != nil {
		log.WithError(err).Warn("Failed to save job record")
	}
}

func jobState(res *coordinator.Result) testrun.JobState {
	if res == nil {
		return testrun.JobInterrupted
	}

	switch res.Status {
	case testrun.StatusCompleted:
		return testrun.JobDone
	case testrun.StatusFailed:
		if res.Reason == testrun.ReasonCancelled {
			return testrun.JobCancelled
		}

		return testrun.JobDone
	case testrun.StatusPaused:
		return testrun.JobPaused
	default:
		return testrun.JobInterrupted
	}
}
