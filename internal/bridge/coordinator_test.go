package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/pb"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *events.Bus) {
	t.Helper()
	reg := metrics.NewRegistry()
	bus := events.NewBus(reg)
	cfg := config.BridgeConfig{DefaultTimeoutSeconds: 3600, PendingQueueCapacity: 100}
	return NewCoordinator(cfg, storage.NewMemory(), bus, reg), bus
}

func transferReq(bridgeID string, oracles ...string) *pb.BridgeTransferRequest {
	return &pb.BridgeTransferRequest{
		BridgeId:       bridgeID,
		SourceChain:    pb.Chain_ETHEREUM,
		DestChain:      pb.Chain_POLYGON,
		AssetAddress:   "0xA55E7",
		Amount:         "100.5",
		Recipient:      "0xRECIPIENT",
		SourceTxHash:   "0xSRC",
		TimeoutSeconds: 3600,
		OracleSet:      oracles,
	}
}

func vote(bridgeID, oracle string, approved bool) *pb.BridgeVerifyRequest {
	return &pb.BridgeVerifyRequest{
		BridgeId:      bridgeID,
		OracleAddress: oracle,
		Approved:      approved,
		Reason:        "checked",
	}
}

func TestHappyPathVerifyThenExecute(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)

	created, err := coord.Initiate(ctx, transferReq("B1", "O1", "O2", "O3", "O4"))
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_PENDING, created.Status)
	assert.Equal(t, 3, created.RequiredApprovals)

	res, err := coord.RecordVote(ctx, vote("B1", "O1", true))
	require.NoError(t, err)
	assert.Nil(t, res, "one approval is below threshold")

	res, err = coord.RecordVote(ctx, vote("B1", "O2", true))
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = coord.RecordVote(ctx, vote("B1", "O3", true))
	require.NoError(t, err)
	require.NotNil(t, res, "third approval reaches consensus")
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, int32(3), res.ApprovedCount)
	assert.Equal(t, int32(0), res.RejectedCount)
	assert.Equal(t, pb.BridgeStatus_RELAYED, res.Status)

	// Execution confirmations run their own round with the same threshold.
	tr, err := coord.ExecuteCallback(ctx, &pb.ExecuteCallbackRequest{
		BridgeId: "B1", OracleAddress: "O1", DestTxHash: "0xABC",
	})
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_RELAYED, tr.Status)

	tr, err = coord.ExecuteCallback(ctx, &pb.ExecuteCallbackRequest{
		BridgeId: "B1", OracleAddress: "O2", DestTxHash: "0xABC",
	})
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_RELAYED, tr.Status)

	tr, err = coord.ExecuteCallback(ctx, &pb.ExecuteCallbackRequest{
		BridgeId: "B1", OracleAddress: "O3", DestTxHash: "0xABC",
	})
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_EXECUTED, tr.Status)
	assert.Equal(t, "0xABC", tr.DestTxHash)
	assert.True(t, tr.Finalized)
}

func TestTimeoutRefundIsLazyAndIdempotent(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)

	base := time.Now()
	coord.now = func() time.Time { return base }

	req := transferReq("B2", "O1", "O2", "O3")
	req.TimeoutSeconds = 1
	_, err := coord.Initiate(ctx, req)
	require.NoError(t, err)

	coord.now = func() time.Time { return base.Add(2 * time.Second) }

	tr, err := coord.Status(ctx, "B2")
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_REFUNDED, tr.Status)
	assert.Contains(t, tr.Error, "timeout")

	// Further queries and votes leave the refund in place.
	tr, err = coord.Status(ctx, "B2")
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_REFUNDED, tr.Status)

	res, err := coord.RecordVote(ctx, vote("B2", "O1", true))
	require.NoError(t, err)
	assert.Nil(t, res)
	tr, _ = coord.Status(ctx, "B2")
	assert.Equal(t, pb.BridgeStatus_REFUNDED, tr.Status)
}

func TestSupermajorityThresholds(t *testing.T) {
	cases := []struct {
		oracles  int
		required int
	}{
		{1, 1},
		{3, 3},
		{4, 3},
		{7, 5},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.required, core.RequiredApprovalsFor(tc.oracles),
			"oracle set of %d", tc.oracles)
	}

	ctx := context.Background()
	coord, _ := newTestCoordinator(t)
	oracles := []string{"O1", "O2", "O3", "O4", "O5", "O6", "O7"}
	_, err := coord.Initiate(ctx, transferReq("B7", oracles...))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		res, err := coord.RecordVote(ctx, vote("B7", oracles[i], true))
		require.NoError(t, err)
		assert.Nil(t, res, "4 of 7 approvals must not reach consensus")
	}
	res, err := coord.RecordVote(ctx, vote("B7", oracles[4], true))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int32(5), res.ApprovedCount)
}

func TestDuplicateBridgeIDRejected(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)

	_, err := coord.Initiate(ctx, transferReq("B1", "O1"))
	require.NoError(t, err)

	_, err = coord.Initiate(ctx, transferReq("B1", "O1", "O2"))
	require.ErrorIs(t, err, ErrDuplicateBridge)

	// The original transfer is untouched.
	tr, err := coord.Status(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 1, tr.OracleSetSize)
}

func TestRevoteOverwrites(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)
	_, err := coord.Initiate(ctx, transferReq("B1", "O1", "O2", "O3"))
	require.NoError(t, err)

	_, err = coord.RecordVote(ctx, vote("B1", "O1", false))
	require.NoError(t, err)
	_, err = coord.RecordVote(ctx, vote("B1", "O1", true))
	require.NoError(t, err)

	approved, required, err := coord.Approvals("B1")
	require.NoError(t, err)
	assert.Equal(t, 1, approved)
	assert.Equal(t, 3, required)
}

func TestNoRegressionAfterRelayed(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)
	_, err := coord.Initiate(ctx, transferReq("B1", "O1", "O2", "O3", "O4"))
	require.NoError(t, err)

	for _, o := range []string{"O1", "O2", "O3"} {
		_, err := coord.RecordVote(ctx, vote("B1", o, true))
		require.NoError(t, err)
	}
	tr, _ := coord.Status(ctx, "B1")
	require.Equal(t, pb.BridgeStatus_RELAYED, tr.Status)

	// A late rejection never moves the transfer back.
	_, err = coord.RecordVote(ctx, vote("B1", "O4", false))
	require.NoError(t, err)
	tr, _ = coord.Status(ctx, "B1")
	assert.Equal(t, pb.BridgeStatus_RELAYED, tr.Status)
}

func TestUnknownBridgeVote(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	_, err := coord.RecordVote(context.Background(), vote("nope", "O1", true))
	assert.ErrorIs(t, err, ErrUnknownBridge)
}

func TestStatusEventsPublished(t *testing.T) {
	ctx := context.Background()
	coord, bus := newTestCoordinator(t)

	var statuses []pb.BridgeStatus
	bus.Subscribe(events.TopicBridgeStatus, nil, func(e *events.Event) error {
		if st, ok := e.Payload.(*pb.BridgeTransferStatus); ok {
			statuses = append(statuses, st.Status)
		}
		return nil
	})

	_, err := coord.Initiate(ctx, transferReq("B1", "O1", "O2", "O3"))
	require.NoError(t, err)
	for _, o := range []string{"O1", "O2", "O3"} {
		_, err := coord.RecordVote(ctx, vote("B1", o, true))
		require.NoError(t, err)
	}

	// Delivery is synchronous, so the transitions are already observed.
	require.GreaterOrEqual(t, len(statuses), 2)
	assert.Equal(t, pb.BridgeStatus_PENDING, statuses[0])
	assert.Equal(t, pb.BridgeStatus_RELAYED, statuses[len(statuses)-1])
}

func TestPendingQueueReceivesNewTransfers(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)

	_, err := coord.Initiate(ctx, transferReq("B1", "O1"))
	require.NoError(t, err)
	_, err = coord.Initiate(ctx, transferReq("B2", "O1"))
	require.NoError(t, err)

	first, ok := coord.Pending().Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, "B1", first.BridgeId)
	second, ok := coord.Pending().Poll(time.Second)
	require.True(t, ok)
	assert.Equal(t, "B2", second.BridgeId)
}

func TestMarkSettledFromExecuted(t *testing.T) {
	ctx := context.Background()
	coord, _ := newTestCoordinator(t)
	_, err := coord.Initiate(ctx, transferReq("B1", "O1"))
	require.NoError(t, err)

	_, err = coord.RecordVote(ctx, vote("B1", "O1", true))
	require.NoError(t, err)
	_, err = coord.ExecuteCallback(ctx, &pb.ExecuteCallbackRequest{
		BridgeId: "B1", OracleAddress: "O1", DestTxHash: "0xD",
	})
	require.NoError(t, err)

	tr, err := coord.MarkSettled(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_SETTLED, tr.Status)

	// Settled is terminal; the lazy refund never fires afterwards.
	coord.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	tr, err = coord.Status(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, pb.BridgeStatus_SETTLED, tr.Status)
}
