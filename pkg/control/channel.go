// Package control delivers out-of-band control signals and status events for
// test runs. Delivery is at-most-once; the latest control message of a run is
// additionally persisted in the state store so consumers can poll for it.
package control

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned when publishing on or subscribing to a closed channel.
var ErrClosed = errors.New("control channel closed")

// subscriptionBuffer is the per-subscriber buffer. Messages are dropped when
// a subscriber falls this far behind.
const subscriptionBuffer = 64

// Message is a payload received on a topic.
type Message struct {
	Topic string
	Data  []byte
}

// Subscription is an active topic subscription.
type Subscription interface {
	// C returns the delivery channel. It is closed when the subscription ends.
	C() <-chan Message

	// Close ends the subscription.
	Close() error
}

// Channel is a publish/subscribe transport. Topics are dot separated and a
// trailing "*" segment matches exactly one segment.
type Channel interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// ControlTopic returns the topic control messages for a run are sent on.
func ControlTopic(runID string) string {
	return "control." + runID
}

// StatusTopic returns the topic status events for a run are sent on. An empty
// run id or "*" yields the wildcard topic for all runs.
func StatusTopic(runID string) string {
	if runID == "" {
		runID = "*"
	}

	return "status." + runID
}

// matchTopic reports whether a topic matches a subscription pattern.
func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	pp := strings.Split(pattern, ".")
	tp := strings.Split(topic, ".")

	if len(pp) != len(tp) {
		return false
	}

	for i := range pp {
		if pp[i] != "*" && pp[i] != tp[i] {
			return false
		}
	}

	return true
}

func isPattern(topic string) bool {
	return strings.Contains(topic, "*")
}
