package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/control"
	"github.com/ethpandaops/webtestoor/pkg/metrics"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

const pollTimeout = 2 * time.Second

// signalWatcher tracks the latest control message of a run. Messages arrive
// over a subscription and are also polled from the state store, so a missed
// publish is picked up on the next poll. Older messages never replace newer
// ones.
type signalWatcher struct {
	log     logrus.FieldLogger
	bus     *control.Bus
	metrics *metrics.Metrics
	runID   string
	every   time.Duration

	mu         sync.Mutex
	latest     *testrun.ControlMessage
	lastPoll   time.Time
	subscribed bool
	degraded   bool

	sub  *control.TypedSubscription[testrun.ControlMessage]
	done chan struct{}
}

func newSignalWatcher(
	log logrus.FieldLogger,
	bus *control.Bus,
	m *metrics.Metrics,
	runID string,
	every time.Duration,
) *signalWatcher {
	return &signalWatcher{
		log:     log,
		bus:     bus,
		metrics: m,
		runID:   runID,
		every:   every,
		done:    make(chan struct{}),
	}
}

// start subscribes to control messages and performs an initial poll. When
// neither source is reachable the watcher enters degraded mode and the run
// proceeds without control.
func (w *signalWatcher) start(ctx context.Context) {
	if w.bus == nil {
		w.degrade("no control bus configured")
		close(w.done)

		return
	}

	sub, err := w.bus.SubscribeControl(ctx, w.runID)
	if err != nil {
		w.log.WithError(err).Warn("Failed to subscribe to control messages, relying on polling")
		close(w.done)
	} else {
		w.sub = sub
		w.subscribed = true

		go func() {
			defer close(w.done)

			for msg := range sub.C {
				w.observe(&msg)
			}
		}()
	}

	if err := w.poll(ctx); err != nil && !w.subscribed {
		w.degrade(err.Error())
	}
}

func (w *signalWatcher) stop() {
	if w.sub != nil {
		_ = w.sub.Close()
	}

	<-w.done
}

func (w *signalWatcher) degrade(reason string) {
	w.mu.Lock()
	already := w.degraded
	w.degraded = true
	w.mu.Unlock()

	if already {
		return
	}

	w.metrics.Degraded()
	w.log.WithField("reason", reason).Warn("Control plane unreachable, running without pause and stop support")
}

func (w *signalWatcher) observe(msg *testrun.ControlMessage) {
	if msg == nil || msg.RunID != w.runID || msg.Action == testrun.ControlStatus {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latest != nil && msg.Timestamp.Before(w.latest.Timestamp) {
		return
	}

	m := *msg
	w.latest = &m
}

// poll reads the persisted control state.
func (w *signalWatcher) poll(ctx context.Context) error {
	if w.bus == nil {
		return nil
	}

	w.mu.Lock()
	w.lastPoll = time.Now()
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pollTimeout)
	defer cancel()

	msg, err := w.bus.LatestControl(ctx, w.runID)
	if err != nil {
		w.log.WithError(err).Debug("Failed to poll control state")

		return err
	}

	w.observe(msg)

	return nil
}

// pollIfDue polls at most once per interval.
func (w *signalWatcher) pollIfDue(ctx context.Context) {
	w.mu.Lock()
	due := !w.degraded && time.Since(w.lastPoll) >= w.every
	w.mu.Unlock()

	if due {
		_ = w.poll(ctx)
	}
}

// action returns the latest observed control action, or "" when none.
func (w *signalWatcher) action() testrun.ControlAction {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.latest == nil {
		return ""
	}

	return w.latest.Action
}

// stopRequested polls once more, unless degraded, and reports whether the
// run has been asked to stop.
func (w *signalWatcher) stopRequested(ctx context.Context) bool {
	w.mu.Lock()
	degraded := w.degraded
	w.mu.Unlock()

	if !degraded {
		_ = w.poll(ctx)
	}

	return w.action() == testrun.ControlStop
}

// halted reports whether the run has been asked to pause or stop.
func (w *signalWatcher) halted(ctx context.Context) bool {
	w.pollIfDue(ctx)

	switch w.action() {
	case testrun.ControlPause, testrun.ControlStop:
		return true
	default:
		return false
	}
}
