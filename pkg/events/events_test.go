package events

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIdentity() types.RunnerIdentity {
	return types.RunnerIdentity{TenantID: uuid.New(), RunnerID: uuid.New()}
}

func TestChannelName(t *testing.T) {
	identity := types.RunnerIdentity{
		TenantID: uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		RunnerID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
	}
	assert.Equal(t,
		"11111111-1111-1111-1111-111111111111/runner/22222222-2222-2222-2222-222222222222/stream",
		ChannelName(identity))
}

func TestMemoryBrokerDeliversOnlyToIdentity(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	runnerA, runnerB := newIdentity(), newIdentity()

	subA, err := broker.Subscribe(ctx, runnerA)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := broker.Subscribe(ctx, runnerB)
	require.NoError(t, err)
	defer subB.Close()

	event := types.ChangeEvent{Kind: types.KindDeployment, ID: uuid.New(), Action: types.ActionUpdated}
	require.NoError(t, broker.Publish(ctx, runnerA, event))

	select {
	case got := <-subA.C:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, types.ActionUpdated, got.Action)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case got := <-subB.C:
		t.Fatalf("unexpected event for other runner: %+v", got)
	default:
	}
}

func TestMemoryBrokerNoBacklog(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	identity := newIdentity()

	// Published before anyone listens: lost
	require.NoError(t, broker.Publish(ctx, identity, types.ChangeEvent{Kind: types.KindDatabase, ID: uuid.New()}))

	sub, err := broker.Subscribe(ctx, identity)
	require.NoError(t, err)
	defer sub.Close()

	select {
	case got := <-sub.C:
		t.Fatalf("unexpected backlog event: %+v", got)
	default:
	}
}

func TestMemoryBrokerDropsWhenFull(t *testing.T) {
	ctx := context.Background()
	broker := NewMemoryBroker()
	identity := newIdentity()

	sub, err := broker.Subscribe(ctx, identity)
	require.NoError(t, err)
	defer sub.Close()

	for range subscriberBuffer + 10 {
		require.NoError(t, broker.Publish(ctx, identity, types.ChangeEvent{Kind: types.KindDeployment, ID: uuid.New()}))
	}
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestSubscriptionClose(t *testing.T) {
	broker := NewMemoryBroker()
	identity := newIdentity()

	sub, err := broker.Subscribe(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, 1, broker.SubscriberCount(identity))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, broker.SubscriberCount(identity))

	_, ok := <-sub.C
	assert.False(t, ok, "channel should be closed")

	// Publishing after close does not panic
	require.NoError(t, broker.Publish(context.Background(), identity, types.ChangeEvent{}))
}

func TestSubscriptionClosedByContext(t *testing.T) {
	broker := NewMemoryBroker()
	identity := newIdentity()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := broker.Subscribe(ctx, identity)
	require.NoError(t, err)

	cancel()

	assert.Eventually(t, func() bool {
		return broker.SubscriberCount(identity) == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := <-sub.C
	assert.False(t, ok)
}
