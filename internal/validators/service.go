package validators

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/statemachine"
	"github.com/chainmesh/fabric/internal/streaming"
	"github.com/chainmesh/fabric/pb"
)

// Service exposes the registry over the validator RPC surface.
type Service struct {
	pb.UnimplementedValidatorServiceServer

	registry *Registry
	streams  *streaming.Manager
}

func NewService(registry *Registry, streams *streaming.Manager) *Service {
	return &Service{registry: registry, streams: streams}
}

func (s *Service) RegisterValidator(ctx context.Context, req *pb.RegisterValidatorRequest) (*pb.ValidatorActionResponse, error) {
	if req.ValidatorId == "" {
		return nil, status.Error(codes.InvalidArgument, "validator id is required")
	}
	if len(req.PublicKey) == 0 {
		return nil, status.Error(codes.InvalidArgument, "public key is required")
	}
	v, err := s.registry.Register(req.ValidatorId, req.PublicKey)
	if err != nil {
		return nil, registryError(err)
	}
	return &pb.ValidatorActionResponse{
		Success: true,
		Message: fmt.Sprintf("validator %s registered in state %s", v.ValidatorID, v.Status),
	}, nil
}

func (s *Service) ActivateValidator(ctx context.Context, req *pb.StakeRequest) (*pb.ValidatorActionResponse, error) {
	if req.ValidatorId == "" {
		return nil, status.Error(codes.InvalidArgument, "validator id is required")
	}
	v, err := s.registry.Activate(req.ValidatorId)
	if err != nil {
		return nil, registryError(err)
	}
	return &pb.ValidatorActionResponse{
		Success: true,
		Message: fmt.Sprintf("validator %s is now %s", v.ValidatorID, v.Status),
	}, nil
}

func (s *Service) StakeTokens(ctx context.Context, req *pb.StakeRequest) (*pb.ValidatorActionResponse, error) {
	if req.ValidatorId == "" {
		return nil, status.Error(codes.InvalidArgument, "validator id is required")
	}
	if req.Amount == "" {
		return nil, status.Error(codes.InvalidArgument, "amount is required")
	}
	v, err := s.registry.Stake(req.ValidatorId, req.Amount)
	if err != nil {
		return nil, registryError(err)
	}
	return &pb.ValidatorActionResponse{
		Success: true,
		Message: fmt.Sprintf("validator %s stake is %s", v.ValidatorID, v.StakeAmount),
	}, nil
}

// SubscribeValidatorUpdates pushes lifecycle events and, when the client
// sets updateIntervalMs, a periodic snapshot of the watched validators.
func (s *Service) SubscribeValidatorUpdates(req *pb.ValidatorSubscription, stream pb.ValidatorService_SubscribeUpdatesServer) error {
	spec := streaming.FilterSpec{EventTypes: []string{events.TopicValidator}}
	watched := make(map[string]struct{}, len(req.ValidatorIds))
	for _, id := range req.ValidatorIds {
		watched[id] = struct{}{}
	}
	wantedTypes := make(map[string]struct{}, len(req.EventTypes))
	for _, et := range req.EventTypes {
		wantedTypes[et] = struct{}{}
	}

	var sub *streaming.Subscriber
	if req.UpdateIntervalMs > 0 {
		interval := time.Duration(req.UpdateIntervalMs) * time.Millisecond
		sub = s.streams.AttachPeriodic([]string{events.TopicValidator}, spec, interval, func() any {
			return s.snapshotEvent(watched)
		})
	} else {
		sub = s.streams.Attach([]string{events.TopicValidator}, spec)
	}
	defer s.streams.Detach(sub)

	ctx := stream.Context()
	for ctx.Err() == nil {
		e, ok := sub.Next(time.Second)
		if !ok {
			continue
		}
		for _, ev := range eventsFrom(e) {
			if ev.Update == nil {
				continue
			}
			if len(watched) > 0 {
				if _, ok := watched[ev.Update.ValidatorId]; !ok {
					continue
				}
			}
			if len(wantedTypes) > 0 {
				if _, ok := wantedTypes[ev.EventType]; !ok {
					continue
				}
			}
			if ev.Timestamp == nil {
				ev.Timestamp = timestamppb.Now()
			}
			if err := stream.Send(ev); err != nil {
				return nil
			}
		}
	}
	return nil
}

// snapshotEvent renders the periodic tick as a slice of update events.
func (s *Service) snapshotEvent(watched map[string]struct{}) []*pb.ValidatorEventStream {
	var out []*pb.ValidatorEventStream
	for _, v := range s.registry.List() {
		if len(watched) > 0 {
			if _, ok := watched[v.ValidatorID]; !ok {
				continue
			}
		}
		out = append(out, &pb.ValidatorEventStream{
			EventType: "snapshot",
			Update:    updateOf(v),
			Timestamp: timestamppb.Now(),
		})
	}
	return out
}

func eventsFrom(e *events.Event) []*pb.ValidatorEventStream {
	switch p := e.Payload.(type) {
	case *pb.ValidatorEventStream:
		return []*pb.ValidatorEventStream{p}
	case []*pb.ValidatorEventStream:
		return p
	default:
		return nil
	}
}

func registryError(err error) error {
	var invalid *statemachine.InvalidTransitionError
	switch {
	case errors.Is(err, ErrDuplicateValidator):
		return status.Error(codes.AlreadyExists, "validator id already registered")
	case errors.Is(err, ErrUnknownValidator):
		return status.Error(codes.NotFound, "validator not found")
	case errors.As(err, &invalid):
		return status.Errorf(codes.FailedPrecondition, "invalid validator transition: %v", invalid)
	default:
		return status.Errorf(codes.InvalidArgument, "%v", err)
	}
}
