package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/pb"
)

// Service exposes the coordinator over the bridge RPC surface.
type Service struct {
	pb.UnimplementedBridgeServiceServer

	coord  *Coordinator
	bus    *events.Bus
	logger *slog.Logger
}

func NewService(coord *Coordinator, bus *events.Bus) *Service {
	return &Service{
		coord:  coord,
		bus:    bus,
		logger: slog.Default().With("component", "bridge-service"),
	}
}

func (s *Service) InitiateTransfer(ctx context.Context, req *pb.BridgeTransferRequest) (*pb.BridgeTransferStatus, error) {
	if err := validateTransferRequest(req); err != nil {
		return nil, err
	}
	t, err := s.coord.Initiate(ctx, req)
	if err != nil {
		return nil, coordError(err)
	}
	return statusOf(t, 0), nil
}

func (s *Service) ExecuteBridgeCallback(ctx context.Context, req *pb.ExecuteCallbackRequest) (*pb.BridgeTransferStatus, error) {
	if req.BridgeId == "" || req.OracleAddress == "" {
		return nil, status.Error(codes.InvalidArgument, "bridge id and oracle address are required")
	}
	if req.DestTxHash == "" {
		return nil, status.Error(codes.InvalidArgument, "destination tx hash is required")
	}
	t, err := s.coord.ExecuteCallback(ctx, req)
	if err != nil {
		if errors.Is(err, ErrUnknownBridge) {
			return nil, status.Errorf(codes.NotFound, "bridge transfer %s not found", req.BridgeId)
		}
		return nil, coordError(err)
	}
	return s.renderStatus(t), nil
}

func (s *Service) GetBridgeTransferStatus(ctx context.Context, req *pb.BridgeStatusRequest) (*pb.BridgeTransferStatus, error) {
	if req.BridgeId == "" {
		return nil, status.Error(codes.InvalidArgument, "bridge id is required")
	}
	t, err := s.coord.Status(ctx, req.BridgeId)
	if err != nil {
		return nil, coordError(err)
	}
	return s.renderStatus(t), nil
}

// VerifyBridgeMessage consumes oracle votes and pushes a VerificationResult
// whenever a vote newly reaches consensus. Votes for unknown transfers are
// logged and dropped; they never error the stream.
func (s *Service) VerifyBridgeMessage(stream pb.BridgeService_VerifyBridgeMessageServer) error {
	ctx := stream.Context()
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if req.BridgeId == "" || req.OracleAddress == "" {
			s.logger.Warn("malformed verify message dropped",
				"bridge_id", req.BridgeId, "oracle", req.OracleAddress)
			continue
		}

		result, err := s.coord.RecordVote(ctx, req)
		if err != nil {
			if errors.Is(err, ErrUnknownBridge) {
				s.logger.Warn("vote for unknown transfer ignored", "bridge_id", req.BridgeId)
				continue
			}
			return coordError(err)
		}
		if result == nil {
			continue
		}
		if err := stream.Send(result); err != nil {
			return err
		}
	}
}

// StreamPendingBridgeTransfers drains the pending queue onto the stream,
// skipping transfers whose source chain does not match the filter.
func (s *Service) StreamPendingBridgeTransfers(filter *pb.PendingTransferFilter, stream pb.BridgeService_StreamPendingTransfersServer) error {
	ctx := stream.Context()
	queue := s.coord.Pending()
	for ctx.Err() == nil {
		t, ok := queue.Poll(time.Second)
		if !ok {
			continue
		}
		if filter != nil && filter.SourceChain != pb.Chain_CHAIN_UNKNOWN && t.SourceChain != filter.SourceChain {
			continue
		}
		if err := stream.Send(t); err != nil {
			return nil
		}
	}
	return nil
}

// BatchBridgeTransfers creates transfers until the client closes the stream,
// then replies with one summary. Individual failures never abort the batch.
func (s *Service) BatchBridgeTransfers(stream pb.BridgeService_BatchBridgeTransfersServer) error {
	summary := &pb.BatchTransferSummary{}
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(summary)
		}
		if err != nil {
			return err
		}

		if verr := validateTransferRequest(req); verr != nil {
			summary.Rejected++
			summary.FailedIds = append(summary.FailedIds, req.BridgeId)
			summary.Errors = append(summary.Errors, verr.Error())
			continue
		}
		if _, cerr := s.coord.Initiate(stream.Context(), req); cerr != nil {
			summary.Rejected++
			summary.FailedIds = append(summary.FailedIds, req.BridgeId)
			summary.Errors = append(summary.Errors, cerr.Error())
			continue
		}
		summary.Accepted++
	}
}

// MonitorCrossChainStatus attaches the caller to the status bus. The first
// inbound message selects the bridges to watch; an empty list matches all.
func (s *Service) MonitorCrossChainStatus(stream pb.BridgeService_MonitorCrossChainStatusServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	watched := make(map[string]struct{}, len(req.BridgeIds))
	for _, id := range req.BridgeIds {
		watched[id] = struct{}{}
	}

	queue := events.NewQueue[*pb.BridgeTransferStatus](256)
	sub := s.bus.Subscribe(events.TopicBridgeStatus, func(e *events.Event) bool {
		st, ok := e.Payload.(*pb.BridgeTransferStatus)
		if !ok {
			return false
		}
		if len(watched) == 0 {
			return true
		}
		_, ok = watched[st.BridgeId]
		return ok
	}, func(e *events.Event) error {
		if st, ok := e.Payload.(*pb.BridgeTransferStatus); ok {
			queue.Offer(st)
		}
		return nil
	})
	defer s.bus.Unsubscribe(sub)

	// Drain further inbound messages only to notice the disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := stream.Recv(); err != nil {
				return
			}
		}
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		default:
		}
		st, ok := queue.Poll(time.Second)
		if !ok {
			continue
		}
		if err := stream.Send(st); err != nil {
			return nil
		}
	}
}

func (s *Service) renderStatus(t *core.BridgeTransfer) *pb.BridgeTransferStatus {
	approved, _, err := s.coord.Approvals(t.BridgeID)
	if err != nil {
		approved = 0
	}
	return statusOf(t, int32(approved))
}

func validateTransferRequest(req *pb.BridgeTransferRequest) error {
	switch {
	case req.BridgeId == "":
		return status.Error(codes.InvalidArgument, "bridge id is required")
	case req.Amount == "":
		return status.Error(codes.InvalidArgument, "amount is required")
	case req.Recipient == "":
		return status.Error(codes.InvalidArgument, "recipient is required")
	case len(req.OracleSet) == 0:
		return status.Error(codes.InvalidArgument, "oracle set is empty")
	}
	return nil
}

func coordError(err error) error {
	switch {
	case errors.Is(err, ErrDuplicateBridge):
		return status.Error(codes.AlreadyExists, "bridge id already exists")
	case errors.Is(err, ErrUnknownBridge):
		return status.Errorf(codes.InvalidArgument, "unknown bridge id")
	default:
		return status.Errorf(codes.Unavailable, "bridge operation failed: %v", err)
	}
}
