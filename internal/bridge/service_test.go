package bridge

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chainmesh/fabric/pb"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	coord, bus := newTestCoordinator(t)
	return NewService(coord, bus)
}

// fakeStream backs the stream fakes; only Context is ever called on the
// embedded ServerStream surface.
type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context {
	if f.ctx != nil {
		return f.ctx
	}
	return context.Background()
}

type fakeVerifyStream struct {
	fakeStream
	inbound []*pb.BridgeVerifyRequest
	sent    []*pb.VerificationResult
}

func (f *fakeVerifyStream) Recv() (*pb.BridgeVerifyRequest, error) {
	if len(f.inbound) == 0 {
		return nil, io.EOF
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next, nil
}

func (f *fakeVerifyStream) Send(r *pb.VerificationResult) error {
	f.sent = append(f.sent, r)
	return nil
}

type fakeBatchStream struct {
	fakeStream
	inbound []*pb.BridgeTransferRequest
	summary *pb.BatchTransferSummary
}

func (f *fakeBatchStream) Recv() (*pb.BridgeTransferRequest, error) {
	if len(f.inbound) == 0 {
		return nil, io.EOF
	}
	next := f.inbound[0]
	f.inbound = f.inbound[1:]
	return next, nil
}

func (f *fakeBatchStream) SendAndClose(s *pb.BatchTransferSummary) error {
	f.summary = s
	return nil
}

func TestInitiateTransferValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  *pb.BridgeTransferRequest
	}{
		{"missing bridge id", &pb.BridgeTransferRequest{Amount: "1", Recipient: "r", OracleSet: []string{"O1"}}},
		{"missing amount", &pb.BridgeTransferRequest{BridgeId: "b", Recipient: "r", OracleSet: []string{"O1"}}},
		{"missing recipient", &pb.BridgeTransferRequest{BridgeId: "b", Amount: "1", OracleSet: []string{"O1"}}},
		{"empty oracle set", &pb.BridgeTransferRequest{BridgeId: "b", Amount: "1", Recipient: "r"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.InitiateTransfer(ctx, tc.req)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
		})
	}
}

func TestInitiateTransferDuplicateCode(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.InitiateTransfer(ctx, transferReq("B1", "O1"))
	require.NoError(t, err)

	_, err = svc.InitiateTransfer(ctx, transferReq("B1", "O1"))
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
}

func TestGetStatusUnknownBridge(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetBridgeTransferStatus(context.Background(), &pb.BridgeStatusRequest{BridgeId: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = svc.GetBridgeTransferStatus(context.Background(), &pb.BridgeStatusRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestVerifyStreamEmitsResultOnConsensus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.InitiateTransfer(ctx, transferReq("B1", "O1", "O2", "O3", "O4"))
	require.NoError(t, err)

	stream := &fakeVerifyStream{inbound: []*pb.BridgeVerifyRequest{
		vote("B1", "O1", true),
		vote("nope", "OX", true), // unknown bridge: logged, never errors the stream
		vote("B1", "O2", true),
		vote("B1", "O3", true),
		vote("B1", "O4", true), // after consensus: no second result
	}}
	require.NoError(t, svc.VerifyBridgeMessage(stream))

	require.Len(t, stream.sent, 1)
	res := stream.sent[0]
	assert.Equal(t, "B1", res.BridgeId)
	assert.True(t, res.ConsensusReached)
	assert.Equal(t, int32(3), res.ApprovedCount)
	assert.Equal(t, pb.BridgeStatus_RELAYED, res.Status)
}

func TestBatchBridgeTransfersSummary(t *testing.T) {
	svc := newTestService(t)

	bad := transferReq("", "O1") // fails validation
	dup := transferReq("B1", "O1")
	stream := &fakeBatchStream{inbound: []*pb.BridgeTransferRequest{
		transferReq("B1", "O1"),
		transferReq("B2", "O1", "O2", "O3"),
		bad,
		dup,
	}}
	require.NoError(t, svc.BatchBridgeTransfers(stream))

	require.NotNil(t, stream.summary)
	assert.Equal(t, int32(2), stream.summary.Accepted)
	assert.Equal(t, int32(2), stream.summary.Rejected)
	assert.Equal(t, []string{"", "B1"}, stream.summary.FailedIds)
	assert.Len(t, stream.summary.Errors, 2)
}

func TestBatchBridgeTransfersEmpty(t *testing.T) {
	svc := newTestService(t)
	stream := &fakeBatchStream{}
	require.NoError(t, svc.BatchBridgeTransfers(stream))
	require.NotNil(t, stream.summary)
	assert.Equal(t, int32(0), stream.summary.Accepted)
	assert.Equal(t, int32(0), stream.summary.Rejected)
}

func TestExecuteCallbackValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ExecuteBridgeCallback(ctx, &pb.ExecuteCallbackRequest{BridgeId: "b", OracleAddress: "o"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = svc.ExecuteBridgeCallback(ctx, &pb.ExecuteCallbackRequest{
		BridgeId: "nope", OracleAddress: "o", DestTxHash: "0xD",
	})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
