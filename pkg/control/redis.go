package control

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type redisChannel struct {
	log    logrus.FieldLogger
	client redis.UniversalClient
	prefix string
}

// Compile-time interface check.
var _ Channel = (*redisChannel)(nil)

// NewRedisChannel creates a Channel on redis pub/sub. Topics are namespaced
// with the key prefix; wildcard topics use PSUBSCRIBE.
func NewRedisChannel(
	log logrus.FieldLogger,
	client redis.UniversalClient,
	prefix string,
) Channel {
	return &redisChannel{
		log:    log.WithField("component", "control-redis"),
		client: client,
		prefix: prefix,
	}
}

func (c *redisChannel) channelName(topic string) string {
	if c.prefix == "" {
		return topic
	}

	return c.prefix + ":" + topic
}

func (c *redisChannel) Publish(ctx context.Context, topic string, data []byte) error {
	if err := c.client.Publish(ctx, c.channelName(topic), data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	return nil
}

func (c *redisChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	name := c.channelName(topic)

	var ps *redis.PubSub
	if isPattern(topic) {
		ps = c.client.PSubscribe(ctx, name)
	} else {
		ps = c.client.Subscribe(ctx, name)
	}

	// Wait for the subscription confirmation so messages published after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()

		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Message, subscriptionBuffer),
		done: make(chan struct{}),
	}

	go sub.forward(ctx, c.log, c.prefix)

	return sub, nil
}

func (c *redisChannel) Close() error {
	// The client is owned by the caller.
	return nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) forward(ctx context.Context, log logrus.FieldLogger, prefix string) {
	defer close(s.out)

	in := s.ps.Channel()

	for {
		select {
		case <-ctx.Done():
			_ = s.Close()

			return
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}

			topic := msg.Channel
			if prefix != "" {
				topic = strings.TrimPrefix(topic, prefix+":")
			}

			select {
			case s.out <- Message{Topic: topic, Data: []byte(msg.Payload)}:
			default:
				log.WithField("topic", topic).Warn("Subscriber buffer full, dropping message")
			}
		}
	}
}

func (s *redisSubscription) C() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error

	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})

	return err
}
