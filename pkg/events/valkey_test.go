package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"
	"github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyBroadcasterPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewClient(ctrl)
	identity := newIdentity()

	event := types.ChangeEvent{
		Kind:      types.KindDeployment,
		ID:        uuid.New(),
		Action:    types.ActionUpdated,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	client.EXPECT().
		Do(gomock.Any(), mock.Match("PUBLISH", ChannelName(identity), string(payload))).
		Return(mock.Result(mock.ValkeyInt64(1)))

	require.NoError(t, NewValkeyBroadcaster(client).Publish(context.Background(), identity, event))
}

func TestValkeyBroadcasterPublishError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewClient(ctrl)

	client.EXPECT().Do(gomock.Any(), gomock.Any()).Return(mock.ErrorResult(errors.New("connection refused")))

	err := NewValkeyBroadcaster(client).Publish(context.Background(), newIdentity(), types.ChangeEvent{Kind: types.KindDatabase})
	assert.Error(t, err)
}

func TestValkeyBroadcasterSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewClient(ctrl)
	identity := newIdentity()
	channel := ChannelName(identity)

	event := types.ChangeEvent{Kind: types.KindStaticSite, ID: uuid.New(), Action: types.ActionCreated}
	payload, err := json.Marshal(event)
	require.NoError(t, err)

	client.EXPECT().
		Receive(gomock.Any(), mock.Match("SUBSCRIBE", channel), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ valkey.Completed, fn func(valkey.PubSubMessage)) error {
			fn(valkey.PubSubMessage{Channel: channel, Message: "not json"})
			fn(valkey.PubSubMessage{Channel: channel, Message: string(payload)})
			<-ctx.Done()
			return ctx.Err()
		})

	sub, err := NewValkeyBroadcaster(client).Subscribe(context.Background(), identity)
	require.NoError(t, err)

	select {
	case got := <-sub.C:
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, event.Action, got.Action)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	sub.Close()
	_, open := <-sub.C
	assert.False(t, open, "closing the subscription ends the receive loop")
}

func TestValkeyBroadcasterSubscriptionEndsWithConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewClient(ctrl)

	client.EXPECT().
		Receive(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("connection closed"))

	sub, err := NewValkeyBroadcaster(client).Subscribe(context.Background(), newIdentity())
	require.NoError(t, err)
	defer sub.Close()

	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after the connection dropped")
	}
}
