package consensus

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/pb"
)

// Service exposes the node over the consensus RPC surface.
type Service struct {
	pb.UnimplementedConsensusServiceServer

	node *Node
	bus  *events.Bus
}

func NewService(node *Node, bus *events.Bus) *Service {
	return &Service{node: node, bus: bus}
}

func (s *Service) RequestVote(ctx context.Context, req *pb.VoteRequest) (*pb.VoteResponse, error) {
	if req.CandidateId == "" {
		return nil, status.Error(codes.InvalidArgument, "candidate id is required")
	}
	return s.node.HandleRequestVote(ctx, req), nil
}

func (s *Service) AppendEntries(ctx context.Context, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	if req.LeaderId == "" {
		return nil, status.Error(codes.InvalidArgument, "leader id is required")
	}
	return s.node.HandleAppendEntries(ctx, req), nil
}

func (s *Service) ProposeValue(ctx context.Context, req *pb.ProposeRequest) (*pb.ProposeResponse, error) {
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is empty")
	}
	index, term, err := s.node.Propose(ctx, req.Payload)
	if err != nil {
		return nil, proposeError(err)
	}
	return &pb.ProposeResponse{Committed: true, Index: index, Term: term}, nil
}

func (s *Service) AddNode(ctx context.Context, req *pb.ClusterChangeRequest) (*pb.ClusterChangeResponse, error) {
	if req.NodeId == "" {
		return nil, status.Error(codes.InvalidArgument, "node id is required")
	}
	if err := s.node.AddNode(ctx, req.NodeId); err != nil {
		return nil, proposeError(err)
	}
	return &pb.ClusterChangeResponse{Applied: true, Members: s.node.Members()}, nil
}

func (s *Service) RemoveNode(ctx context.Context, req *pb.ClusterChangeRequest) (*pb.ClusterChangeResponse, error) {
	if req.NodeId == "" {
		return nil, status.Error(codes.InvalidArgument, "node id is required")
	}
	if err := s.node.RemoveNode(ctx, req.NodeId); err != nil {
		return nil, proposeError(err)
	}
	return &pb.ClusterChangeResponse{Applied: true, Members: s.node.Members()}, nil
}

func (s *Service) GetNodeStatus(ctx context.Context, req *pb.NodeStatusRequest) (*pb.NodeStatus, error) {
	return s.node.Status(), nil
}

// StreamNodeStatus pushes the node status on every consensus transition.
func (s *Service) StreamNodeStatus(req *pb.NodeStatusRequest, stream pb.ConsensusService_StreamNodeStatusServer) error {
	if err := stream.Send(s.node.Status()); err != nil {
		return err
	}

	queue := events.NewQueue[*pb.NodeStatus](256)
	sub := s.bus.Subscribe(events.TopicConsensusStatus, nil, func(e *events.Event) error {
		if st, ok := e.Payload.(*pb.NodeStatus); ok {
			queue.Offer(st)
		}
		return nil
	})
	defer s.bus.Unsubscribe(sub)

	ctx := stream.Context()
	for ctx.Err() == nil {
		st, ok := queue.Poll(time.Second)
		if !ok {
			continue
		}
		if err := stream.Send(st); err != nil {
			return nil
		}
	}
	return nil
}

func proposeError(err error) error {
	switch {
	case errors.Is(err, ErrNotLeader):
		return status.Error(codes.FailedPrecondition, "node is not the leader")
	case errors.Is(err, ErrConfChangeInFlight):
		return status.Error(codes.FailedPrecondition, "membership change already in flight")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "proposal timed out")
	case errors.Is(err, ErrStopped):
		return status.Error(codes.Unavailable, "node is shutting down")
	default:
		return status.Errorf(codes.Internal, "proposal failed: %v", err)
	}
}
