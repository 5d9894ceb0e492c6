package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/statestore"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/sirupsen/logrus"
)

// Bus is the typed control layer over a Channel and the state store.
type Bus struct {
	log        logrus.FieldLogger
	channel    Channel
	store      statestore.Store
	controlTTL time.Duration
}

// NewBus creates a Bus. controlTTL bounds how long the latest control message
// of a run stays observable by polling.
func NewBus(
	log logrus.FieldLogger,
	channel Channel,
	store statestore.Store,
	controlTTL time.Duration,
) *Bus {
	return &Bus{
		log:        log.WithField("component", "control-bus"),
		channel:    channel,
		store:      store,
		controlTTL: controlTTL,
	}
}

// SendControl records msg as the latest control state of its run and
// publishes it. It fails only when neither the store nor the channel
// accepted the message.
func (b *Bus) SendControl(ctx context.Context, msg testrun.ControlMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid control message: %w", err)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	log := b.log.WithFields(logrus.Fields{
		"run_id": msg.RunID,
		"action": msg.Action,
	})

	storeErr := b.store.PutControlState(ctx, msg.RunID, &msg, b.controlTTL)
	if storeErr != nil {
		log.WithError(storeErr).Warn("Failed to persist control state")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding control message: %w", err)
	}

	pubErr := b.channel.Publish(ctx, ControlTopic(msg.RunID), data)
	if pubErr != nil {
		log.WithError(pubErr).Warn("Failed to publish control message")
	}

	if storeErr != nil && pubErr != nil {
		return fmt.Errorf("sending control message: %w", errors.Join(storeErr, pubErr))
	}

	log.Debug("Sent control message")

	return nil
}

// LatestControl returns the latest persisted control message of a run, or
// nil when none is live.
func (b *Bus) LatestControl(ctx context.Context, runID string) (*testrun.ControlMessage, error) {
	msg, err := b.store.GetControlState(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("reading control state: %w", err)
	}

	return msg, nil
}

// PublishStatus announces a status event for a run.
func (b *Bus) PublishStatus(ctx context.Context, ev testrun.StatusEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding status event: %w", err)
	}

	if err := b.channel.Publish(ctx, StatusTopic(ev.RunID), data); err != nil {
		return fmt.Errorf("publishing status event: %w", err)
	}

	return nil
}

// TypedSubscription delivers decoded payloads of a subscription.
type TypedSubscription[T any] struct {
	C   <-chan T
	sub Subscription
}

// Close ends the underlying subscription. C is closed afterwards.
func (s *TypedSubscription[T]) Close() error {
	return s.sub.Close()
}

// SubscribeControl subscribes to the control messages of a run.
func (b *Bus) SubscribeControl(
	ctx context.Context, runID string,
) (*TypedSubscription[testrun.ControlMessage], error) {
	return subscribeTyped[testrun.ControlMessage](ctx, b.log, b.channel, ControlTopic(runID))
}

// SubscribeStatus subscribes to status events of a run, or of all runs when
// runID is empty or "*".
func (b *Bus) SubscribeStatus(
	ctx context.Context, runID string,
) (*TypedSubscription[testrun.StatusEvent], error) {
	return subscribeTyped[testrun.StatusEvent](ctx, b.log, b.channel, StatusTopic(runID))
}

// Ping reports whether the control state store is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

func subscribeTyped[T any](
	ctx context.Context,
	log logrus.FieldLogger,
	channel Channel,
	topic string,
) (*TypedSubscription[T], error) {
	sub, err := channel.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan T, subscriptionBuffer)

	go func() {
		defer close(out)

		for msg := range sub.C() {
			var v T
			if err := json.Unmarshal(msg.Data, &v); err != nil {
				log.WithError(err).WithField("topic", msg.Topic).Warn("Dropping undecodable message")

				continue
			}

			select {
			case out <- v:
			default:
				log.WithField("topic", msg.Topic).Warn("Subscriber buffer full, dropping message")
			}
		}
	}()

	return &TypedSubscription[T]{C: out, sub: sub}, nil
}
