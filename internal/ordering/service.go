package ordering

import (
	"io"
	"log/slog"
	"time"

	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/pb"
)

// Service exposes batch optimization over the ordering RPC surface.
type Service struct {
	pb.UnimplementedOrderingServiceServer

	cfg    config.OrderingConfig
	buffer *TrainingBuffer
	reg    *metrics.Registry
	logger *slog.Logger
}

func NewService(cfg config.OrderingConfig, buffer *TrainingBuffer, reg *metrics.Registry) *Service {
	return &Service{
		cfg:    cfg,
		buffer: buffer,
		reg:    reg,
		logger: slog.Default().With("component", "ordering-service"),
	}
}

// OptimizeTransactionOrder collects the inbound batch, orders it, replies
// with one OptimizedBatch, and records a training point off the serving path.
// Malformed entries are counted and skipped; they never abort the batch.
func (s *Service) OptimizeTransactionOrder(stream pb.OrderingService_OptimizeTransactionOrderServer) error {
	var reqs []*pb.OptimizeTxRequest
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if req == nil || req.TxId == "" {
			s.reg.Counter("ordering_malformed_requests").Inc()
			continue
		}
		reqs = append(reqs, req)
	}

	batch := Optimize(reqs, s.cfg.ConfidenceVarianceDivisor)
	s.reg.Counter("ordering_batches_optimized").Inc()
	s.reg.Histogram("ordering_batch_size", []float64{1, 10, 100, 1000, 10000}).
		Observe(float64(batch.BatchSize))

	if len(batch.OptimizedTxOrder) > 0 {
		// Non-blocking: a full buffer drops the point, never the reply.
		go s.buffer.Offer(&core.TrainingDataPoint{
			OrderedTxIDs: batch.OptimizedTxOrder,
			QualityScore: batch.AvgScore,
			Timestamp:    time.Now(),
		})
	}
	return stream.SendAndClose(batch)
}
