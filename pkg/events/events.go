package events

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
)

// subscriberBuffer is the per-subscriber backlog. Events beyond it are
// dropped; runners catch up on their next full pass.
const subscriberBuffer = 64

// Broadcaster publishes change events to the channel of one runner identity
type Broadcaster interface {
	// Publish is fire-and-forget: no persistence and no backlog for absent
	// subscribers. An error only reports that the publish itself failed.
	Publish(ctx context.Context, identity types.RunnerIdentity, event types.ChangeEvent) error

	// Subscribe delivers events published for identity until the returned
	// subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, identity types.RunnerIdentity) (*Subscription, error)
}

// ChannelName is the pub/sub channel for identity. It is derived from the
// same identity as the connection lock key.
func ChannelName(identity types.RunnerIdentity) string {
	return identity.StreamChannel()
}

// Subscription is a live subscription to one channel. C is closed when the
// subscription ends.
type Subscription struct {
	C <-chan types.ChangeEvent

	mu      sync.Mutex
	closed  bool
	stop    func() bool
	closeFn func()
}

func newSubscription(ctx context.Context, c <-chan types.ChangeEvent, closeFn func()) *Subscription {
	s := &Subscription{C: c, closeFn: closeFn}
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, s.Close)
	s.mu.Unlock()
	return s
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.stop()
	s.closeFn()
}

// subscriber is the sending side of a Subscription
type subscriber chan types.ChangeEvent

// MemoryBroker is an in-process Broadcaster. It serves self-hosted runners,
// where the API and the reconciliation loop share one process, and tests.
type MemoryBroker struct {
	mu       sync.RWMutex
	channels map[string]map[subscriber]bool
}

// NewMemoryBroker creates a new in-process broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		channels: make(map[string]map[subscriber]bool),
	}
}

// Publish delivers event to every current subscriber of identity without
// blocking. Full subscribers miss the event.
func (b *MemoryBroker) Publish(ctx context.Context, identity types.RunnerIdentity, event types.ChangeEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Kind), string(event.Action)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.channels[ChannelName(identity)] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
	return nil
}

// Subscribe registers a new subscriber for identity
func (b *MemoryBroker) Subscribe(ctx context.Context, identity types.RunnerIdentity) (*Subscription, error) {
	channel := ChannelName(identity)
	sub := make(subscriber, subscriberBuffer)

	b.mu.Lock()
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[subscriber]bool)
	}
	b.channels[channel][sub] = true
	b.mu.Unlock()

	return newSubscription(ctx, sub, func() { b.unsubscribe(channel, sub) }), nil
}

func (b *MemoryBroker) unsubscribe(channel string, sub subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[channel]
	if !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.channels, channel)
	}
	close(sub)
}

// SubscriberCount returns the number of active subscribers for identity
func (b *MemoryBroker) SubscriberCount(identity types.RunnerIdentity) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[ChannelName(identity)])
}
