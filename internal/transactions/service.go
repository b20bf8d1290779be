// Package transactions accepts signed transactions, derives deterministic
// ids, and streams status updates to subscribers.
package transactions

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"time"

	"golang.org/x/crypto/sha3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/internal/streaming"
	"github.com/chainmesh/fabric/pb"
)

// Service exposes the transaction RPC surface.
type Service struct {
	pb.UnimplementedTransactionServiceServer

	repo    storage.TransactionRepository
	bus     *events.Bus
	streams *streaming.Manager
	reg     *metrics.Registry
	logger  *slog.Logger
}

func NewService(repo storage.TransactionRepository, bus *events.Bus, streams *streaming.Manager, reg *metrics.Registry) *Service {
	return &Service{
		repo:    repo,
		bus:     bus,
		streams: streams,
		reg:     reg,
		logger:  slog.Default().With("component", "transactions"),
	}
}

// TxID derives the transaction id from the hash and payload, so the same
// submission always maps to the same id regardless of who retries it.
func TxID(txHash string, payload []byte) string {
	h := sha3.New256()
	h.Write([]byte(txHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SubmitTransaction accepts a transaction. Resubmitting an identical
// (hash, payload) pair returns the original receipt instead of an error.
func (s *Service) SubmitTransaction(ctx context.Context, req *pb.TransactionSubmit) (*pb.TransactionReceipt, error) {
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is empty")
	}
	if req.Signer == "" {
		return nil, status.Error(codes.InvalidArgument, "signer is required")
	}

	txID := TxID(req.TxHash, req.Payload)
	if existing, err := s.repo.FindByID(ctx, txID); err == nil {
		return receiptOf(existing), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.Unavailable, "transaction lookup failed: %v", err)
	}

	now := time.Now()
	tx := &core.Transaction{
		TxID:        txID,
		TxHash:      req.TxHash,
		Payload:     req.Payload,
		Signature:   req.Signature,
		Signer:      req.Signer,
		Nonce:       req.Nonce,
		Status:      pb.TransactionStatus_PENDING,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	if err := s.repo.Persist(ctx, tx); err != nil {
		return nil, status.Errorf(codes.Unavailable, "transaction persist failed: %v", err)
	}

	s.bus.Emit(events.TopicTxStatus, statusInfoOf(tx))
	s.reg.Counter("transactions_submitted").Inc()
	s.logger.Info("transaction accepted", "tx_id", txID, "signer", req.Signer)
	return receiptOf(tx), nil
}

func (s *Service) GetTransactionStatus(ctx context.Context, req *pb.TransactionStatusRequest) (*pb.TransactionStatusInfo, error) {
	if req.TxId == "" {
		return nil, status.Error(codes.InvalidArgument, "tx id is required")
	}
	tx, err := s.repo.FindByID(ctx, req.TxId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "transaction %s not found", req.TxId)
		}
		return nil, status.Errorf(codes.Unavailable, "transaction lookup failed: %v", err)
	}
	return statusInfoOf(tx), nil
}

// BatchSubmitTransactions ingests submissions until the client closes the
// stream, then replies with one summary. Individual failures never abort
// the batch.
func (s *Service) BatchSubmitTransactions(stream pb.TransactionService_BatchSubmitServer) error {
	summary := &pb.TransactionBatchSummary{}
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(summary)
		}
		if err != nil {
			return err
		}
		if _, serr := s.SubmitTransaction(stream.Context(), req); serr != nil {
			summary.Rejected++
			summary.FailedIds = append(summary.FailedIds, req.TxHash)
			continue
		}
		summary.Accepted++
	}
}

// StreamTransactionUpdates pushes status changes matching the filter. The
// subscription rides the streaming manager, so backpressure and idle
// eviction follow the fabric-wide policy.
func (s *Service) StreamTransactionUpdates(filter *pb.TransactionFilter, stream pb.TransactionService_StreamUpdatesServer) error {
	var spec streaming.FilterSpec
	if filter != nil {
		spec.EntityIDs = filter.TxIds
	}
	sub := s.streams.Attach([]string{events.TopicTxStatus}, spec)
	defer s.streams.Detach(sub)

	wanted := make(map[pb.TransactionStatus]struct{})
	if filter != nil {
		for _, st := range filter.Statuses {
			wanted[st] = struct{}{}
		}
	}

	ctx := stream.Context()
	for ctx.Err() == nil {
		e, ok := sub.Next(time.Second)
		if !ok {
			continue
		}
		info, isInfo := e.Payload.(*pb.TransactionStatusInfo)
		if !isInfo {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[info.Status]; !ok {
				continue
			}
		}
		if err := stream.Send(info); err != nil {
			return nil
		}
	}
	return nil
}

func statusInfoOf(tx *core.Transaction) *pb.TransactionStatusInfo {
	return &pb.TransactionStatusInfo{
		TxId:          tx.TxID,
		Status:        tx.Status,
		Confirmations: tx.Confirmations,
		BlockHash:     tx.BlockHash,
		Finalized:     tx.Finalized,
		UpdatedAt:     tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func receiptOf(tx *core.Transaction) *pb.TransactionReceipt {
	return &pb.TransactionReceipt{
		TxId:              tx.TxID,
		Status:            statusInfoOf(tx),
		BlockHeight:       tx.BlockHeight,
		GasUsed:           tx.GasUsed,
		Timestamp:         timestamppb.New(tx.SubmittedAt),
		ConfirmationCount: tx.Confirmations,
	}
}
