package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/tether/pkg/log"
	"github.com/cuemby/tether/pkg/metrics"
	"github.com/cuemby/tether/pkg/types"
	"github.com/rs/zerolog"
	"github.com/valkey-io/valkey-go"
)

// ValkeyBroadcaster publishes change events over Valkey pub/sub so that the
// server instance holding a runner's stream receives events published by
// any other instance.
type ValkeyBroadcaster struct {
	client valkey.Client
	logger zerolog.Logger
}

// NewValkeyBroadcaster creates a broadcaster on an existing client
func NewValkeyBroadcaster(client valkey.Client) *ValkeyBroadcaster {
	return &ValkeyBroadcaster{
		client: client,
		logger: log.WithComponent("broadcaster"),
	}
}

// Publish sends event on the identity's channel
func (b *ValkeyBroadcaster) Publish(ctx context.Context, identity types.RunnerIdentity, event types.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	cmd := b.client.B().Publish().Channel(ChannelName(identity)).Message(string(payload)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(event.Kind), string(event.Action)).Inc()
	return nil
}

// Subscribe listens on the identity's channel in a background receive loop.
// C is closed when the subscription is closed, ctx is cancelled or the
// connection drops.
func (b *ValkeyBroadcaster) Subscribe(ctx context.Context, identity types.RunnerIdentity) (*Subscription, error) {
	channel := ChannelName(identity)
	out := make(chan types.ChangeEvent, subscriberBuffer)
	receiveCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(out)

		err := b.client.Receive(receiveCtx, b.client.B().Subscribe().Channel(channel).Build(), func(msg valkey.PubSubMessage) {
			var event types.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Message), &event); err != nil {
				b.logger.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed change event")
				return
			}
			select {
			case out <- event:
			default:
				b.logger.Warn().Str("channel", channel).Msg("Subscriber buffer full, dropping change event")
			}
		})
		if err != nil && receiveCtx.Err() == nil {
			b.logger.Error().Err(err).Str("channel", channel).Msg("Subscription ended")
		}
	}()

	return newSubscription(ctx, out, func() {
		cancel()
		<-done
	}), nil
}
