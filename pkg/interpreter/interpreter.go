// Package interpreter executes the steps of a test case against a browser
// session, one at a time and in order, stopping at the first failure.
package interpreter

import (
	"context"
	"errors"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/browser"
	"github.com/ethpandaops/webtestoor/pkg/screenshot"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

const (
	screenshotTimeout = 10 * time.Second
	locationTimeout   = 5 * time.Second
)

// Outcome is how a Run call ended.
type Outcome string

const (
	// OutcomeCompleted means every step passed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeFailed means a step failed; its result is the last one.
	OutcomeFailed Outcome = "failed"
	// OutcomePaused means ShouldContinue returned false at a step boundary.
	OutcomePaused Outcome = "paused"
	// OutcomeInterrupted means the context ended. The step in flight, if
	// any, was not recorded.
	OutcomeInterrupted Outcome = "interrupted"
)

// Input is everything a Run call needs.
type Input struct {
	RunID      string
	Steps      []testrun.Step
	StartIndex int
	Context    map[string]any
	Session    browser.Session
	Config     testrun.RunConfig
	BaseURL    string
	LastURL    string

	// ShouldContinue is consulted before every step. Nil means always.
	ShouldContinue func() bool

	// Screenshots stores captures. Nil disables capturing.
	Screenshots screenshot.Store

	// OnStep is called before a step executes.
	OnStep func(index int, step testrun.Step)

	// OnResult is called after a step result is recorded.
	OnResult func(result testrun.StepResult)
}

// Output is the result of a Run call. Results only covers the steps executed
// by this call, starting at Input.StartIndex.
type Output struct {
	Results []testrun.StepResult
	Context map[string]any
	Outcome Outcome
	LastURL string
	// Err is the error of the failed step when Outcome is OutcomeFailed.
	Err error
}

// NextIndex returns the index of the first step not yet executed.
func (o *Output) NextIndex(start int) int {
	return start + len(o.Results)
}

// Interpreter runs step lists.
type Interpreter struct {
	log logrus.FieldLogger
}

// New creates an Interpreter.
func New(log logrus.FieldLogger) *Interpreter {
	return &Interpreter{
		log: log.WithField("component", "interpreter"),
	}
}

// Run executes in.Steps from in.StartIndex until all pass, one fails, the
// run is asked to pause, or ctx ends. The session is used exclusively by
// this call and is not closed by it.
func (i *Interpreter) Run(ctx context.Context, in Input) Output {
	cfg := in.Config.WithDefaults()

	out := Output{
		Results: make([]testrun.StepResult, 0, len(in.Steps)-min(in.StartIndex, len(in.Steps))),
		Context: testrun.CloneContext(in.Context),
		LastURL: in.LastURL,
	}

	log := i.log.WithField("run_id", in.RunID)

	exec := &stepExecutor{
		session: in.Session,
		baseURL: in.BaseURL,
		vars:    out.Context,
	}

	for idx := in.StartIndex; idx < len(in.Steps); idx++ {
		if ctx.Err() != nil {
			out.Outcome = OutcomeInterrupted
			out.LastURL = i.location(ctx, in.Session, exec.lastURL(out.LastURL))

			return out
		}

		if in.ShouldContinue != nil && !in.ShouldContinue() {
			out.Outcome = OutcomePaused
			out.LastURL = i.location(ctx, in.Session, exec.lastURL(out.LastURL))

			return out
		}

		step := in.Steps[idx]

		if in.OnStep != nil {
			in.OnStep(idx, step)
		}

		stepLog := log.WithFields(logrus.Fields{
			"step":   idx,
			"action": step.Action,
		})

		start := time.Now()
		ref, err := i.runStep(ctx, exec, in, idx, step, cfg.Timeout, stepLog)
		duration := time.Since(start)

		if err != nil && ctx.Err() != nil {
			// Interrupted mid-step; the step will run again on resume.
			stepLog.WithError(err).Debug("Step interrupted")

			out.Outcome = OutcomeInterrupted
			out.LastURL = i.location(ctx, in.Session, exec.lastURL(out.LastURL))

			return out
		}

		failed := err != nil
		if ref == "" && cfg.Screenshot.Capture(failed) && step.Action != testrun.ActionScreenshot {
			ref = i.capture(ctx, in, idx, stepLog)
		}

		result := testrun.StepResult{
			StepIndex:     idx,
			Status:        testrun.StepPassed,
			DurationMs:    duration.Milliseconds(),
			ScreenshotRef: ref,
		}

		if failed {
			result.Status = testrun.StepFailed
			result.Error = err.Error()
		}

		out.Results = append(out.Results, result)

		if in.OnResult != nil {
			in.OnResult(result)
		}

		if failed {
			stepLog.WithError(err).Info("Step failed")

			out.Outcome = OutcomeFailed
			out.Err = err
			out.LastURL = exec.lastURL(out.LastURL)

			return out
		}

		stepLog.WithField("duration", duration).Debug("Step passed")
	}

	out.Outcome = OutcomeCompleted
	out.LastURL = exec.lastURL(out.LastURL)

	return out
}

// runStep executes one step under its timeout and returns the screenshot
// reference of an explicit screenshot step. Only a failed capture fails the
// step; a capture that cannot be stored is logged and leaves no reference,
// the same as when no store is configured.
func (i *Interpreter) runStep(
	ctx context.Context,
	exec *stepExecutor,
	in Input,
	idx int,
	step testrun.Step,
	timeout time.Duration,
	log logrus.FieldLogger,
) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := exec.execute(stepCtx, step)
	if err != nil {
		if ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return "", &TimeoutError{Timeout: timeout}
		}

		return "", err
	}

	if data == nil {
		return "", nil
	}

	if in.Screenshots == nil {
		return "", nil
	}

	ref, err := in.Screenshots.Save(stepCtx, in.RunID, idx, data)
	if err != nil {
		log.WithError(err).Warn("Failed to store screenshot")

		return "", nil
	}

	return ref, nil
}

// capture takes a policy-driven screenshot. Failures are logged only.
func (i *Interpreter) capture(ctx context.Context, in Input, idx int, log logrus.FieldLogger) string {
	if in.Screenshots == nil {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	data, err := in.Session.Screenshot(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to capture screenshot")

		return ""
	}

	ref, err := in.Screenshots.Save(ctx, in.RunID, idx, data)
	if err != nil {
		log.WithError(err).Warn("Failed to store screenshot")

		return ""
	}

	return ref
}

// location reads the current page URL, falling back to the last known one.
func (i *Interpreter) location(ctx context.Context, session browser.Session, fallback string) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), locationTimeout)
	defer cancel()

	url, err := session.Location(ctx)
	if err != nil || url == "" || url == "about:blank" {
		return fallback
	}

	return url
}
