package validators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/streaming"
	"github.com/chainmesh/fabric/pb"
)

func newTestService(t *testing.T) (*Service, *Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	bus := events.NewBus(reg)
	streams := streaming.NewManager(config.StreamingConfig{SubscriptionQueueCapacity: 64}, bus, reg)
	t.Cleanup(streams.Stop)
	registry := NewRegistry(bus, reg)
	return NewService(registry, streams), registry
}

func TestRegisterAndActivate(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	resp, err := svc.RegisterValidator(ctx, &pb.RegisterValidatorRequest{
		ValidatorId: "v1", PublicKey: []byte("pk"),
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	v, err := registry.Get("v1")
	require.NoError(t, err)
	assert.Equal(t, string(StatePending), v.Status)

	_, err = svc.ActivateValidator(ctx, &pb.StakeRequest{ValidatorId: "v1"})
	require.NoError(t, err)
	v, _ = registry.Get("v1")
	assert.Equal(t, string(StateActive), v.Status)
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RegisterValidator(ctx, &pb.RegisterValidatorRequest{ValidatorId: "v1", PublicKey: []byte("pk")})
	require.NoError(t, err)
	_, err = svc.RegisterValidator(ctx, &pb.RegisterValidatorRequest{ValidatorId: "v1", PublicKey: []byte("pk")})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestActivateWrongState(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	_, err := svc.ActivateValidator(ctx, &pb.StakeRequest{ValidatorId: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = registry.Register("v1", []byte("pk"))
	require.NoError(t, err)
	_, err = registry.Activate("v1")
	require.NoError(t, err)

	// Active -> Active is not a legal transition.
	_, err = svc.ActivateValidator(ctx, &pb.StakeRequest{ValidatorId: "v1"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStakeTokens(t *testing.T) {
	svc, registry := newTestService(t)
	ctx := context.Background()

	_, err := registry.Register("v1", []byte("pk"))
	require.NoError(t, err)

	// Staking a pending validator is a precondition failure.
	_, err = svc.StakeTokens(ctx, &pb.StakeRequest{ValidatorId: "v1", Amount: "100"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = registry.Activate("v1")
	require.NoError(t, err)

	resp, err := svc.StakeTokens(ctx, &pb.StakeRequest{ValidatorId: "v1", Amount: "100"})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	_, err = svc.StakeTokens(ctx, &pb.StakeRequest{ValidatorId: "v1", Amount: "50.5"})
	require.NoError(t, err)
	v, _ := registry.Get("v1")
	assert.Equal(t, "150.5", v.StakeAmount)

	_, err = svc.StakeTokens(ctx, &pb.StakeRequest{ValidatorId: "v1", Amount: "-5"})
	assert.Error(t, err)
}

func TestJailAndRelease(t *testing.T) {
	_, registry := newTestService(t)

	_, err := registry.Register("v1", []byte("pk"))
	require.NoError(t, err)
	_, err = registry.Activate("v1")
	require.NoError(t, err)
	v, err := registry.Jail("v1")
	require.NoError(t, err)
	assert.Equal(t, string(StateJailed), v.Status)

	// A jailed validator goes through Inactive before re-activation.
	_, err = registry.Activate("v1")
	require.Error(t, err)
	_, err = registry.Deactivate("v1")
	require.NoError(t, err)
	v, err = registry.Activate("v1")
	require.NoError(t, err)
	assert.Equal(t, string(StateActive), v.Status)
}

type fakeUpdateStream struct {
	grpc.ServerStream
	ctx    context.Context
	cancel context.CancelFunc
	sent   []*pb.ValidatorEventStream
	limit  int
}

func newFakeUpdateStream(limit int) *fakeUpdateStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeUpdateStream{ctx: ctx, cancel: cancel, limit: limit}
}

func (f *fakeUpdateStream) Context() context.Context { return f.ctx }

func (f *fakeUpdateStream) Send(e *pb.ValidatorEventStream) error {
	f.sent = append(f.sent, e)
	if len(f.sent) >= f.limit {
		f.cancel()
	}
	return nil
}

func TestSubscribeValidatorUpdates(t *testing.T) {
	svc, registry := newTestService(t)

	_, err := registry.Register("v1", []byte("pk"))
	require.NoError(t, err)

	stream := newFakeUpdateStream(2)
	done := make(chan error, 1)
	go func() {
		done <- svc.SubscribeValidatorUpdates(&pb.ValidatorSubscription{
			ClientId:     "c1",
			ValidatorIds: []string{"v1"},
		}, stream)
	}()

	// Give the subscription time to attach, then drive two events.
	time.Sleep(50 * time.Millisecond)
	_, err = registry.Activate("v1")
	require.NoError(t, err)
	_, err = registry.Stake("v1", "10")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not finish")
	}

	require.Len(t, stream.sent, 2)
	assert.Equal(t, "activated", stream.sent[0].EventType)
	assert.Equal(t, "staked", stream.sent[1].EventType)
	assert.Equal(t, "v1", stream.sent[0].Update.ValidatorId)
}

func TestSubscribePeriodicSnapshot(t *testing.T) {
	svc, registry := newTestService(t)

	_, err := registry.Register("v1", []byte("pk"))
	require.NoError(t, err)

	stream := newFakeUpdateStream(1)
	done := make(chan error, 1)
	go func() {
		done <- svc.SubscribeValidatorUpdates(&pb.ValidatorSubscription{
			ClientId:         "c1",
			UpdateIntervalMs: 20,
			EventTypes:       []string{"snapshot"},
		}, stream)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("periodic subscription did not finish")
	}

	require.NotEmpty(t, stream.sent)
	assert.Equal(t, "snapshot", stream.sent[0].EventType)
	assert.Equal(t, "v1", stream.sent[0].Update.ValidatorId)
}

func TestSubscribeStopsUnderContinuousTraffic(t *testing.T) {
	svc, registry := newTestService(t)

	_, err := registry.Register("v1", []byte("pk"))
	require.NoError(t, err)

	// A short tick keeps the subscription queue non-empty, so the handler
	// has to notice cancellation even when every poll returns an event.
	stream := newFakeUpdateStream(1 << 30)
	done := make(chan error, 1)
	go func() {
		done <- svc.SubscribeValidatorUpdates(&pb.ValidatorSubscription{
			ClientId:         "c1",
			UpdateIntervalMs: 5,
			EventTypes:       []string{"snapshot"},
		}, stream)
	}()

	time.Sleep(50 * time.Millisecond)
	stream.cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription ignored cancellation")
	}
}
