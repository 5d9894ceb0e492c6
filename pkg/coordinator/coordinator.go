// Package coordinator drives a single test run through its lifecycle. It
// owns the browser session of the run, reacts to pause, resume and stop
// signals at step boundaries, snapshots state while paused and writes every
// transition to the result sink before announcing it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/browser"
	"github.com/ethpandaops/webtestoor/pkg/control"
	"github.com/ethpandaops/webtestoor/pkg/interpreter"
	"github.com/ethpandaops/webtestoor/pkg/metrics"
	"github.com/ethpandaops/webtestoor/pkg/resultsink"
	"github.com/ethpandaops/webtestoor/pkg/screenshot"
	"github.com/ethpandaops/webtestoor/pkg/statestore"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 10 * time.Second

// ErrRunNotFound is returned when the job refers to a run the sink does not
// know about.
var ErrRunNotFound = errors.New("run not found")

// InfraError is a failure of the execution environment rather than of the
// application under test. Attempts failing with it may be retried.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure while %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// Config holds the collaborators and timings of a coordinator.
type Config struct {
	Interpreter *interpreter.Interpreter
	Launcher    browser.Launcher
	Sink        resultsink.Sink
	Store       statestore.Store
	// Bus may be nil, in which case runs execute without control.
	Bus         *control.Bus
	Screenshots screenshot.Store
	Metrics     *metrics.Metrics

	PollInterval time.Duration
	SnapshotTTL  time.Duration
}

// Attempt identifies one execution attempt of a job.
type Attempt struct {
	Number int
	// Final marks the last attempt: an infrastructure failure then fails
	// the run instead of leaving it for a retry.
	Final bool
}

// Result is the state a run was left in when Run returned.
type Result struct {
	RunID   string
	Status  testrun.Status
	Reason  testrun.Reason
	Results []testrun.StepResult
}

type pauseDecision int

const (
	decisionResume pauseDecision = iota
	decisionStop
	decisionAbandon
	decisionShutdown
)

// Coordinator executes one job. A coordinator may be run again after an
// infrastructure failure; it keeps the last snapshot in memory as a fallback
// for an unreachable state store.
type Coordinator struct {
	log   logrus.FieldLogger
	cfg   *Config
	job   testrun.TestJob
	total int

	mu             sync.Mutex
	status         testrun.Status
	results        []testrun.StepResult
	vars           map[string]any
	next           int
	lastURL        string
	stepName       string
	snapshot       *testrun.ExecutionSnapshot
	snapshotStored bool
}

// New creates a coordinator for job.
func New(log logrus.FieldLogger, cfg *Config, job testrun.TestJob) *Coordinator {
	return &Coordinator{
		log: log.WithFields(logrus.Fields{
			"component": "coordinator",
			"run_id":    job.RunID,
		}),
		cfg:    cfg,
		job:    job,
		total:  len(job.Steps),
		status: testrun.StatusPending,
		vars:   make(map[string]any),
	}
}

// Status returns the last status this coordinator recorded.
func (c *Coordinator) Status() testrun.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// Run executes the job until it reaches a terminal status, or until ctx ends
// in which case the run is left paused with reason shutdown. An *InfraError
// is returned for environment failures; on a final attempt the run has then
// already been failed with reason infrastructure.
func (c *Coordinator) Run(ctx context.Context, attempt Attempt) (*Result, error) {
	log := c.log.WithField("attempt", attempt.Number)

	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	run, err := c.cfg.Sink.GetRun(wctx, c.job.RunID)
	if err != nil {
		return nil, &InfraError{Op: "loading run", Err: err}
	}

	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, c.job.RunID)
	}

	c.setStatus(run.Status)

	if run.Status.IsTerminal() {
		log.WithField("status", run.Status).Info("Run already finished, skipping")

		return &Result{
			RunID:   run.ID,
			Status:  run.Status,
			Reason:  run.Reason,
			Results: run.Results.Steps,
		}, nil
	}

	watcher := newSignalWatcher(log, c.cfg.Bus, c.cfg.Metrics, c.job.RunID, c.cfg.PollInterval)
	watcher.start(ctx)

	defer watcher.stop()

	if watcher.action() == testrun.ControlStop {
		log.Info("Run stopped before it started")

		return c.finish(ctx, testrun.StatusFailed, testrun.ReasonCancelled, "stopped")
	}

	ok, err := c.restore(ctx, run.Status)
	if err != nil {
		return c.infraFailure(ctx, log, attempt, "loading snapshot", err)
	}

	if !ok {
		return c.finish(ctx, testrun.StatusFailed, testrun.ReasonAbandoned, "resume point expired")
	}

	for {
		session, err := c.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.shutdown(ctx)
			}

			return c.infraFailure(ctx, log, attempt, "launching browser", err)
		}

		if err := c.transition(ctx, testrun.StatusRunning, testrun.ReasonNone); err != nil {
			_ = session.Close()

			if errors.Is(err, resultsink.ErrInvalidTransition) {
				return c.current(ctx)
			}

			return nil, &InfraError{Op: "marking run running", Err: err}
		}

		log.WithField("from_step", c.nextIndex()).Info("Executing steps")

		out := c.cfg.Interpreter.Run(ctx, c.input(ctx, session, watcher))

		if err := session.Close(); err != nil {
			log.WithError(err).Warn("Failed to close browser session")
		}

		c.absorb(&out)

		switch out.Outcome {
		case interpreter.OutcomeCompleted:
			// A stop sent while the last step ran still cancels the run.
			if watcher.stopRequested(ctx) {
				log.Info("Run stopped during its last step")

				return c.finish(ctx, testrun.StatusFailed, testrun.ReasonCancelled, "stopped")
			}

			return c.finish(ctx, testrun.StatusCompleted, testrun.ReasonNone, "")
		case interpreter.OutcomeFailed:
			return c.finish(ctx, testrun.StatusFailed, testrun.ReasonAssertion, out.Err.Error())
		case interpreter.OutcomeInterrupted:
			return c.shutdown(ctx)
		}

		if watcher.action() == testrun.ControlStop {
			log.Info("Run stopped")

			return c.finish(ctx, testrun.StatusFailed, testrun.ReasonCancelled, "stopped")
		}

		switch c.pause(ctx, log, watcher) {
		case decisionResume:
			log.Info("Resuming run")
			c.reload(ctx)
		case decisionStop:
			log.Info("Paused run stopped")

			return c.finish(ctx, testrun.StatusFailed, testrun.ReasonCancelled, "stopped")
		case decisionAbandon:
			log.Warn("Paused run was not resumed before its snapshot expired")

			return c.finish(ctx, testrun.StatusFailed, testrun.ReasonAbandoned, "resume point expired")
		case decisionShutdown:
			return c.shutdown(ctx)
		}
	}
}

func (c *Coordinator) input(
	ctx context.Context,
	session browser.Session,
	watcher *signalWatcher,
) interpreter.Input {
	c.mu.Lock()
	defer c.mu.Unlock()

	return interpreter.Input{
		RunID:       c.job.RunID,
		Steps:       c.job.Steps,
		StartIndex:  c.next,
		Context:     testrun.CloneContext(c.vars),
		Session:     session,
		Config:      c.job.Config,
		BaseURL:     c.job.BaseURL,
		LastURL:     c.lastURL,
		Screenshots: c.cfg.Screenshots,
		ShouldContinue: func() bool {
			return !watcher.halted(ctx)
		},
		OnStep: func(idx int, step testrun.Step) {
			c.mu.Lock()
			c.stepName = step.DisplayName()
			c.mu.Unlock()

			c.saveProgress(ctx)
			c.publish(ctx, testrun.StatusRunning, testrun.ReasonNone)
		},
		OnResult: func(result testrun.StepResult) {
			c.mu.Lock()
			c.results = append(c.results, result)
			c.mu.Unlock()

			c.cfg.Metrics.ObserveStep(
				string(c.job.Steps[result.StepIndex].Action),
				string(result.Status),
				time.Duration(result.DurationMs)*time.Millisecond,
			)
			c.saveProgress(ctx)
		},
	}
}

// acquire launches a session and, when continuing a run, returns it to the
// page the run was last on.
func (c *Coordinator) acquire(ctx context.Context) (browser.Session, error) {
	cfg := c.job.Config.WithDefaults()

	session, err := c.cfg.Launcher.Launch(ctx, browser.LaunchOptions{
		RunID:       c.job.RunID,
		Browser:     cfg.Browser,
		Width:       cfg.ScreenshotSize.Width,
		Height:      cfg.ScreenshotSize.Height,
		Credentials: c.job.Auth,
	})
	if err != nil {
		c.cfg.Metrics.LaunchFailed()

		return nil, err
	}

	c.mu.Lock()
	next, lastURL := c.next, c.lastURL
	c.mu.Unlock()

	if next == 0 || lastURL == "" {
		return session, nil
	}

	navCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if err := session.Navigate(navCtx, lastURL); err != nil {
		_ = session.Close()

		return nil, fmt.Errorf("restoring page %s: %w", lastURL, err)
	}

	return session, nil
}

// restore loads the resume point of the run. It reports false when a paused
// run has no resume point left, and an error when a run that may have
// progressed cannot read its snapshot.
func (c *Coordinator) restore(ctx context.Context, status testrun.Status) (bool, error) {
	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	snap, err := c.cfg.Store.GetSnapshot(wctx, c.job.RunID)
	if err != nil {
		c.log.WithError(err).Warn("Failed to load snapshot")
	}

	if snap != nil {
		if verr := snap.Validate(c.total); verr != nil {
			c.log.WithError(verr).Warn("Ignoring inconsistent snapshot")

			snap = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if snap == nil {
		snap = c.snapshot
	}

	if snap == nil {
		if err != nil && (status != testrun.StatusPending || c.job.Resume) {
			return false, err
		}

		if status == testrun.StatusPaused {
			return false, nil
		}

		if c.job.Resume {
			c.log.Warn("No snapshot to resume from, starting from the first step")
		}

		return true, nil
	}

	c.applyLocked(snap)
	c.snapshotStored = err == nil

	c.log.WithField("next_step", snap.NextStepIndex).Info("Restored snapshot")

	return true, nil
}

// reload refreshes the resume point from the store after a resume, falling
// back to the in-memory copy.
func (c *Coordinator) reload(ctx context.Context) {
	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	snap, err := c.cfg.Store.GetSnapshot(wctx, c.job.RunID)
	if err != nil {
		c.log.WithError(err).Warn("Failed to reload snapshot, using in-memory copy")
	}

	if snap != nil {
		if verr := snap.Validate(c.total); verr != nil {
			c.log.WithError(verr).Warn("Ignoring inconsistent snapshot, using in-memory copy")

			snap = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if snap == nil {
		snap = c.snapshot
	}

	if snap != nil {
		c.applyLocked(snap)
	}
}

func (c *Coordinator) applyLocked(snap *testrun.ExecutionSnapshot) {
	c.results = append([]testrun.StepResult(nil), snap.CompletedSteps...)
	c.vars = testrun.CloneContext(snap.Context)
	c.next = snap.NextStepIndex
	c.lastURL = snap.LastURL
	c.snapshot = snap
}

func (c *Coordinator) absorb(out *interpreter.Output) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vars = out.Context
	c.lastURL = out.LastURL
	c.next = len(c.results)
	c.stepName = ""
}

// takeSnapshot records the current resume point in memory and in the store.
func (c *Coordinator) takeSnapshot(ctx context.Context) {
	c.mu.Lock()
	snap := &testrun.ExecutionSnapshot{
		RunID:          c.job.RunID,
		NextStepIndex:  c.next,
		CompletedSteps: append([]testrun.StepResult(nil), c.results...),
		Context:        testrun.CloneContext(c.vars),
		LastURL:        c.lastURL,
		TakenAt:        time.Now().UTC(),
	}
	c.snapshot = snap
	c.mu.Unlock()

	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	err := c.cfg.Store.PutSnapshot(wctx, c.job.RunID, snap, c.cfg.SnapshotTTL)
	if err != nil {
		c.log.WithError(err).Warn("Failed to store snapshot, keeping it in memory")
	}

	c.mu.Lock()
	c.snapshotStored = err == nil
	c.mu.Unlock()
}

// pause parks the run at a step boundary until it is resumed, stopped,
// abandoned or the process shuts down. The session is already closed.
func (c *Coordinator) pause(
	ctx context.Context,
	log logrus.FieldLogger,
	watcher *signalWatcher,
) pauseDecision {
	c.takeSnapshot(ctx)

	if err := c.transition(ctx, testrun.StatusPaused, testrun.ReasonNone); err != nil {
		log.WithError(err).Warn("Failed to record paused status")
	}

	log.WithField("next_step", c.nextIndex()).Info("Run paused")

	pausedAt := time.Now()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch watcher.action() {
		case testrun.ControlResume:
			return decisionResume
		case testrun.ControlStop:
			return decisionStop
		}

		if c.expired(ctx, pausedAt) {
			return decisionAbandon
		}

		select {
		case <-ctx.Done():
			return decisionShutdown
		case <-ticker.C:
			_ = watcher.poll(ctx)
		}
	}
}

func (c *Coordinator) expired(ctx context.Context, pausedAt time.Time) bool {
	if c.cfg.SnapshotTTL > 0 && time.Since(pausedAt) >= c.cfg.SnapshotTTL {
		return true
	}

	c.mu.Lock()
	stored := c.snapshotStored
	c.mu.Unlock()

	if !stored {
		return false
	}

	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	snap, err := c.cfg.Store.GetSnapshot(wctx, c.job.RunID)

	return err == nil && snap == nil
}

// shutdown leaves the run resumable when the process stops.
func (c *Coordinator) shutdown(ctx context.Context) (*Result, error) {
	switch c.Status() {
	case testrun.StatusRunning:
		c.takeSnapshot(ctx)

		if err := c.transition(ctx, testrun.StatusPaused, testrun.ReasonShutdown); err != nil {
			return nil, fmt.Errorf("pausing run on shutdown: %w", err)
		}
	case testrun.StatusPaused:
		if err := c.transition(ctx, testrun.StatusPaused, testrun.ReasonShutdown); err != nil {
			return nil, fmt.Errorf("pausing run on shutdown: %w", err)
		}
	default:
		return c.result(c.Status(), testrun.ReasonNone), nil
	}

	c.log.WithField("next_step", c.nextIndex()).Info("Run paused for shutdown")

	return c.result(testrun.StatusPaused, testrun.ReasonShutdown), nil
}

func (c *Coordinator) infraFailure(
	ctx context.Context,
	log logrus.FieldLogger,
	attempt Attempt,
	op string,
	err error,
) (*Result, error) {
	ierr := &InfraError{Op: op, Err: err}

	if !attempt.Final {
		log.WithError(err).Warn("Attempt failed on infrastructure")

		return nil, ierr
	}

	log.WithError(err).Error("Final attempt failed on infrastructure")

	res, ferr := c.finish(ctx, testrun.StatusFailed, testrun.ReasonInfrastructure, ierr.Error())
	if ferr != nil {
		return nil, errors.Join(ierr, ferr)
	}

	return res, ierr
}

// finish writes the terminal outcome, then announces it and drops the
// snapshot.
func (c *Coordinator) finish(
	ctx context.Context,
	status testrun.Status,
	reason testrun.Reason,
	errText string,
) (*Result, error) {
	c.mu.Lock()
	results := append([]testrun.StepResult(nil), c.results...)
	c.mu.Unlock()

	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	err := c.cfg.Sink.Finalize(wctx, c.job.RunID, resultsink.Outcome{
		Status:  status,
		Reason:  reason,
		Error:   errText,
		Results: results,
	})
	if err != nil {
		if errors.Is(err, resultsink.ErrInvalidTransition) {
			c.log.WithError(err).Warn("Run was finished elsewhere")

			return c.current(ctx)
		}

		return nil, fmt.Errorf("finalizing run: %w", err)
	}

	c.setStatus(status)
	c.publish(ctx, status, reason)

	if err := c.cfg.Store.DeleteSnapshot(wctx, c.job.RunID); err != nil {
		c.log.WithError(err).Warn("Failed to delete snapshot")
	}

	c.cfg.Metrics.RunFinished(string(status), string(reason))

	c.log.WithFields(logrus.Fields{
		"status": status,
		"reason": reason,
		"steps":  len(results),
	}).Info("Run finished")

	res := c.result(status, reason)
	res.Results = results

	return res, nil
}

// current re-reads the run after another writer changed it.
func (c *Coordinator) current(ctx context.Context) (*Result, error) {
	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	run, err := c.cfg.Sink.GetRun(wctx, c.job.RunID)
	if err != nil {
		return nil, fmt.Errorf("reloading run: %w", err)
	}

	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, c.job.RunID)
	}

	c.setStatus(run.Status)

	return &Result{
		RunID:   run.ID,
		Status:  run.Status,
		Reason:  run.Reason,
		Results: run.Results.Steps,
	}, nil
}

func (c *Coordinator) transition(ctx context.Context, status testrun.Status, reason testrun.Reason) error {
	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	if err := c.cfg.Sink.UpdateStatus(wctx, c.job.RunID, status, reason); err != nil {
		return err
	}

	c.setStatus(status)
	c.cfg.Metrics.RunTransition(string(status))
	c.publish(ctx, status, reason)

	return nil
}

func (c *Coordinator) saveProgress(ctx context.Context) {
	c.mu.Lock()
	progress := c.progressLocked()
	results := append([]testrun.StepResult(nil), c.results...)
	c.mu.Unlock()

	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	if err := c.cfg.Sink.SaveProgress(wctx, c.job.RunID, progress, results); err != nil {
		c.log.WithError(err).Warn("Failed to save progress")
	}
}

// publish announces a status event. Delivery is best effort.
func (c *Coordinator) publish(ctx context.Context, status testrun.Status, reason testrun.Reason) {
	if c.cfg.Bus == nil {
		return
	}

	c.mu.Lock()
	progress := c.progressLocked()
	c.mu.Unlock()

	wctx, cancel := c.writeCtx(ctx)
	defer cancel()

	err := c.cfg.Bus.PublishStatus(wctx, testrun.StatusEvent{
		RunID:     c.job.RunID,
		Status:    status,
		Reason:    reason,
		Progress:  progress,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		c.log.WithError(err).Debug("Failed to publish status event")
	}
}

func (c *Coordinator) progressLocked() testrun.Progress {
	return testrun.Progress{
		Current:         len(c.results),
		Total:           c.total,
		CurrentStepName: c.stepName,
	}
}

func (c *Coordinator) nextIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.next
}

func (c *Coordinator) setStatus(status testrun.Status) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
}

func (c *Coordinator) result(status testrun.Status, reason testrun.Reason) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Result{
		RunID:   c.job.RunID,
		Status:  status,
		Reason:  reason,
		Results: append([]testrun.StepResult(nil), c.results...),
	}
}

// writeCtx detaches state writes from cancellation so a shutdown still
// records where the run stopped.
func (c *Coordinator) writeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
}
