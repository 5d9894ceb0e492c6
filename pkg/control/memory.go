package control

import (
	"context"
	"sync"
)

// MemoryChannel is an in-process Channel. Each subscriber has its own buffer
// so publish order is preserved per subscriber.
type MemoryChannel struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// Compile-time interface check.
var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel creates an in-process channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		subs: make(map[*memorySubscription]struct{}, 8),
	}
}

func (c *MemoryChannel) Publish(_ context.Context, topic string, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Data: append([]byte(nil), data...)}

	for sub := range c.subs {
		if !matchTopic(sub.pattern, topic) {
			continue
		}

		sub.deliver(msg)
	}

	return nil
}

func (c *MemoryChannel) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		pattern: topic,
		ch:      make(chan Message, subscriptionBuffer),
		owner:   c,
	}
	c.subs[sub] = struct{}{}

	release := context.AfterFunc(ctx, func() { _ = sub.Close() })

	sub.mu.Lock()
	sub.release = release
	sub.mu.Unlock()

	return sub, nil
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true

	subs := make([]*memorySubscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}

	c.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}

	return nil
}

func (c *MemoryChannel) remove(sub *memorySubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.subs, sub)
}

type memorySubscription struct {
	pattern string
	ch      chan Message
	owner   *MemoryChannel

	mu      sync.Mutex
	closed  bool
	release func() bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	select {
	case s.ch <- msg:
	default:
	}
}

func (s *memorySubscription) C() <-chan Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true

	if s.release != nil {
		s.release()
	}

	close(s.ch)
	s.mu.Unlock()

	s.owner.remove(s)

	return nil
}
