package stream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/tether/pkg/api"
	"github.com/cuemby/tether/pkg/events"
	"github.com/cuemby/tether/pkg/lock"
	"github.com/cuemby/tether/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testSecret = "stream-test-secret-0123"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// renewFailLocker grants every acquisition and refuses every renewal
type renewFailLocker struct{}

func (renewFailLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (renewFailLocker) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

type harness struct {
	broker   *events.MemoryBroker
	issuer   *api.TokenIssuer
	dialOpts []grpc.DialOption
	conn     *grpc.ClientConn
}

func newHarness(t *testing.T, locker lock.Locker, cfg GuardConfig) *harness {
	t.Helper()

	broker := events.NewMemoryBroker()
	guard := NewGuard(locker, broker, cfg)
	server := NewServer(guard, api.NewAuthenticator(testSecret))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	issuer, err := api.NewTokenIssuer(testSecret)
	require.NoError(t, err)

	dialOpts := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		append(dialOpts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{broker: broker, issuer: issuer, dialOpts: dialOpts, conn: conn}
}

func (h *harness) runnerToken(t *testing.T, identity types.RunnerIdentity) string {
	t.Helper()
	token, err := h.issuer.IssueRunnerToken(identity, 0)
	require.NoError(t, err)
	return token
}

// open starts a raw stream and waits for the acceptance ping
func (h *harness) open(ctx context.Context, token string) (grpc.ClientStream, error) {
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationKey, "Bearer "+token)
	}
	stream, err := h.conn.NewStream(ctx, &serviceDesc.Streams[0], FullMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&StreamRequest{Agent: "test"}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	var first StreamMessage
	if err := stream.RecvMsg(&first); err != nil {
		return nil, err
	}
	if first.Type != MessagePing {
		return nil, status.Error(codes.Internal, "expected acceptance ping")
	}
	return stream, nil
}

func newIdentity() types.RunnerIdentity {
	return types.RunnerIdentity{TenantID: uuid.New(), RunnerID: uuid.New()}
}

func quietConfig() GuardConfig {
	return GuardConfig{LockTTL: time.Minute, HeartbeatInterval: time.Hour}
}

func TestHeartbeatFor(t *testing.T) {
	assert.Equal(t, 10*time.Second/3, HeartbeatFor(DevelopmentLockTTL))
	assert.Equal(t, 30*time.Second, HeartbeatFor(ProductionLockTTL))
}

func TestCodec(t *testing.T) {
	c := jsonCodec{}
	event := types.ChangeEvent{Kind: types.KindDeployment, ID: uuid.New(), Action: types.ActionCreated}
	data, err := c.Marshal(&StreamMessage{Type: MessageChange, Event: &event})
	require.NoError(t, err)

	var msg StreamMessage
	require.NoError(t, c.Unmarshal(data, &msg))
	assert.Equal(t, MessageChange, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, event.ID, msg.Event.ID)
	assert.Equal(t, "json", c.Name())
}

func TestGuardForwardsEvents(t *testing.T) {
	h := newHarness(t, lock.NewMemoryLocker(), quietConfig())
	identity := newIdentity()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := h.open(ctx, h.runnerToken(t, identity))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.broker.SubscriberCount(identity) == 1
	}, time.Second, 5*time.Millisecond)

	event := types.ChangeEvent{Kind: types.KindDatabase, ID: uuid.New(), Action: types.ActionUpdated}
	require.NoError(t, h.broker.Publish(ctx, identity, event))
	// Events for other runners are not forwarded
	require.NoError(t, h.broker.Publish(ctx, newIdentity(), types.ChangeEvent{Kind: types.KindDatabase, ID: uuid.New()}))

	var msg StreamMessage
	require.NoError(t, stream.RecvMsg(&msg))
	assert.Equal(t, MessageChange, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, event.ID, msg.Event.ID)
	assert.Equal(t, types.ActionUpdated, msg.Event.Action)
}

func TestGuardUnsubscribesOnDisconnect(t *testing.T) {
	h := newHarness(t, lock.NewMemoryLocker(), quietConfig())
	identity := newIdentity()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.open(ctx, h.runnerToken(t, identity))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.broker.SubscriberCount(identity) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool {
		return h.broker.SubscriberCount(identity) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGuardLockExclusivity(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	locker := lock.NewMemoryLocker().WithClock(clock.Now)
	h := newHarness(t, locker, quietConfig())
	identity := newIdentity()
	token := h.runnerToken(t, identity)

	firstCtx, closeFirst := context.WithCancel(context.Background())
	_, err := h.open(firstCtx, token)
	require.NoError(t, err)

	// Second attempt inside the TTL window
	_, err = h.open(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	assert.True(t, IsAlreadyConnected(err))

	// The lock outlives an abrupt disconnect until its TTL runs out
	closeFirst()
	require.Eventually(t, func() bool {
		return h.broker.SubscriberCount(identity) == 0
	}, time.Second, 5*time.Millisecond)
	_, err = h.open(context.Background(), token)
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	clock.Advance(time.Minute)
	thirdCtx, closeThird := context.WithCancel(context.Background())
	defer closeThird()
	_, err = h.open(thirdCtx, token)
	assert.NoError(t, err)
}

func TestGuardConcurrentAttempts(t *testing.T) {
	h := newHarness(t, lock.NewMemoryLocker(), quietConfig())
	identity := newIdentity()
	token := h.runnerToken(t, identity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := h.open(ctx, token)
			results <- err
		}()
	}

	var accepted, rejected int
	for range 2 {
		err := <-results
		switch {
		case err == nil:
			accepted++
		case status.Code(err) == codes.AlreadyExists:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, rejected)
}

func TestGuardHeartbeatFailureTearsDownStream(t *testing.T) {
	interval := 20 * time.Millisecond
	h := newHarness(t, renewFailLocker{}, GuardConfig{LockTTL: time.Minute, HeartbeatInterval: interval})
	identity := newIdentity()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := h.open(ctx, h.runnerToken(t, identity))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for {
			var msg StreamMessage
			if err := stream.RecvMsg(&msg); err != nil {
				done <- err
				return
			}
		}
	}()

	select {
	case err := <-done:
		assert.Equal(t, codes.Aborted, status.Code(err))
	case <-time.After(10 * interval):
		t.Fatal("stream was not torn down after failed renewal")
	}

	assert.Eventually(t, func() bool {
		return h.broker.SubscriberCount(identity) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestGuardAuthentication(t *testing.T) {
	h := newHarness(t, lock.NewMemoryLocker(), quietConfig())

	operator, err := h.issuer.IssueOperatorToken(uuid.New(), "ops", 0)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  codes.Code
	}{
		{name: "no token", token: "", want: codes.Unauthenticated},
		{name: "garbage", token: "nope", want: codes.Unauthenticated},
		{name: "operator token", token: operator, want: codes.PermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.open(context.Background(), tt.token)
			assert.Equal(t, tt.want, status.Code(err))
		})
	}
}

func TestGuardRateLimit(t *testing.T) {
	cfg := quietConfig()
	cfg.AcceptRate = rate.Every(time.Hour)
	cfg.AcceptBurst = 1
	h := newHarness(t, lock.NewMemoryLocker(), cfg)
	identity := newIdentity()
	token := h.runnerToken(t, identity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := h.open(ctx, token)
	require.NoError(t, err)

	_, err = h.open(context.Background(), token)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	// Other runners have their own budget
	_, err = h.open(ctx, h.runnerToken(t, newIdentity()))
	assert.NoError(t, err)
}

type recordingHandler struct {
	mu       sync.Mutex
	connects int
	events   []types.ChangeEvent
}

func (r *recordingHandler) OnConnect(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connects++
}

func (r *recordingHandler) OnEvent(_ context.Context, event types.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingHandler) snapshot() (int, []types.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, append([]types.ChangeEvent(nil), r.events...)
}

func TestClientDeliversEvents(t *testing.T) {
	h := newHarness(t, lock.NewMemoryLocker(), quietConfig())
	identity := newIdentity()

	client, err := NewClient(ClientConfig{
		Address:     "passthrough:///bufnet",
		Token:       h.runnerToken(t, identity),
		DialOptions: h.dialOpts,
	})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	handler := &recordingHandler{}
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, handler) }()

	require.Eventually(t, func() bool {
		connects, _ := handler.snapshot()
		return connects == 1 && h.broker.SubscriberCount(identity) == 1
	}, 2*time.Second, 5*time.Millisecond)

	event := types.ChangeEvent{Kind: types.KindStaticSite, ID: uuid.New(), Action: types.ActionCreated}
	require.NoError(t, h.broker.Publish(ctx, identity, event))

	require.Eventually(t, func() bool {
		_, events := handler.snapshot()
		return len(events) == 1 && events[0].ID == event.ID
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClientReconnectsAfterStreamError(t *testing.T) {
	h := newHarness(t, renewFailLocker{}, GuardConfig{LockTTL: time.Minute, HeartbeatInterval: 10 * time.Millisecond})
	identity := newIdentity()

	client, err := NewClient(ClientConfig{
		Address:               "passthrough:///bufnet",
		Token:                 h.runnerToken(t, identity),
		DialOptions:           h.dialOpts,
		StreamErrorRetryDelay: 5 * time.Millisecond,
		ConnectRetryDelay:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := &recordingHandler{}
	go func() { _ = client.Run(ctx, handler) }()

	// Every reconnection triggers OnConnect again
	assert.Eventually(t, func() bool {
		connects, _ := handler.snapshot()
		return connects >= 3
	}, 3*time.Second, 5*time.Millisecond)
}
