package control

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const natsConnectTimeout = 10 * time.Second

type natsChannel struct {
	log    logrus.FieldLogger
	conn   *nats.Conn
	closed atomic.Bool
}

// Compile-time interface check.
var _ Channel = (*natsChannel)(nil)

// NewNATSChannel connects to a NATS server and returns a Channel on core NATS
// subjects. NATS "*" wildcards match topic patterns directly.
func NewNATSChannel(log logrus.FieldLogger, url, name string) (Channel, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(natsConnectTimeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return NewNATSChannelFromConn(log, conn), nil
}

// NewNATSChannelFromConn wraps an existing connection. Close drains it.
func NewNATSChannelFromConn(log logrus.FieldLogger, conn *nats.Conn) Channel {
	return &natsChannel{
		log:  log.WithField("component", "control-nats"),
		conn: conn,
	}
}

func (c *natsChannel) Publish(_ context.Context, topic string, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	if err := c.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	return nil
}

func (c *natsChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	sub := &natsSubscription{
		out: make(chan Message, subscriptionBuffer),
	}

	ns, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		sub.deliver(c.log, Message{Topic: msg.Subject, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	sub.sub = ns

	release := context.AfterFunc(ctx, func() { _ = sub.Close() })

	sub.mu.Lock()
	sub.release = release
	sub.mu.Unlock()

	return sub, nil
}

func (c *natsChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	if err := c.conn.Drain(); err != nil {
		c.conn.Close()

		return fmt.Errorf("draining nats connection: %w", err)
	}

	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
	out chan Message

	mu      sync.Mutex
	closed  bool
	release func() bool
}

// deliver runs on the nats dispatch goroutine of the subscription, which
// delivers messages in publish order.
func (s *natsSubscription) deliver(log logrus.FieldLogger, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.out <- msg:
	default:
		log.WithField("topic", msg.Topic).Warn("Subscriber buffer full, dropping message")
	}
}

func (s *natsSubscription) C() <-chan Message {
	return s.out
}

func (s *natsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.release != nil {
		s.release()
	}

	close(s.out)

	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribing: %w", err)
	}

	return nil
}
