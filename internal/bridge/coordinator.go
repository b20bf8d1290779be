// Package bridge coordinates cross-chain transfers attested by an oracle
// committee. A transfer progresses Pending -> Relayed -> Executed -> Settled,
// with a lazy timeout refund evaluated on query. Verification and execution
// each run their own supermajority voting round.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chainmesh/fabric/internal/config"
	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/statemachine"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/pb"
)

var (
	// ErrDuplicateBridge means the bridgeId is already in use.
	ErrDuplicateBridge = errors.New("bridge: duplicate bridge id")
	// ErrUnknownBridge means no transfer exists for the bridgeId.
	ErrUnknownBridge = errors.New("bridge: unknown bridge id")
)

// transferMachine is the transfer lifecycle. Settled, Refunded and Failed
// have no outgoing edges and are therefore terminal.
func transferMachine() *statemachine.Machine {
	return statemachine.New(map[statemachine.State][]statemachine.State{
		statemachine.State(pb.BridgeStatus_PENDING.String()):  {statemachine.State(pb.BridgeStatus_RELAYED.String()), statemachine.State(pb.BridgeStatus_REFUNDED.String()), statemachine.State(pb.BridgeStatus_FAILED.String())},
		statemachine.State(pb.BridgeStatus_RELAYED.String()):  {statemachine.State(pb.BridgeStatus_EXECUTED.String()), statemachine.State(pb.BridgeStatus_REFUNDED.String()), statemachine.State(pb.BridgeStatus_FAILED.String())},
		statemachine.State(pb.BridgeStatus_EXECUTED.String()): {statemachine.State(pb.BridgeStatus_SETTLED.String()), statemachine.State(pb.BridgeStatus_REFUNDED.String()), statemachine.State(pb.BridgeStatus_FAILED.String())},
	})
}

// transferState is the in-memory view of one transfer. All operations on a
// single bridgeId serialize on mu; distinct transfers never contend.
type transferState struct {
	mu       sync.Mutex
	transfer *core.BridgeTransfer
	tracker  *statemachine.Tracker

	verifyRound *VotingRound
	execRound   *VotingRound
}

// Coordinator owns the transfer table and the pending-transfer queue.
type Coordinator struct {
	mu        sync.RWMutex
	transfers map[string]*transferState

	machine *statemachine.Machine
	pending *events.Queue[*pb.BridgeTransferStatus]

	cfg    config.BridgeConfig
	repo   storage.TransferRepository
	bus    *events.Bus
	reg    *metrics.Registry
	logger *slog.Logger
	now    func() time.Time
}

func NewCoordinator(cfg config.BridgeConfig, repo storage.TransferRepository, bus *events.Bus, reg *metrics.Registry) *Coordinator {
	if cfg.DefaultTimeoutSeconds <= 0 {
		cfg.DefaultTimeoutSeconds = 3600
	}
	if cfg.PendingQueueCapacity <= 0 {
		cfg.PendingQueueCapacity = 10000
	}
	return &Coordinator{
		transfers: make(map[string]*transferState),
		machine:   transferMachine(),
		pending:   events.NewQueue[*pb.BridgeTransferStatus](cfg.PendingQueueCapacity),
		cfg:       cfg,
		repo:      repo,
		bus:       bus,
		reg:       reg,
		logger:    slog.Default().With("component", "bridge"),
		now:       time.Now,
	}
}

// Pending exposes the pending-transfer queue for the server stream.
func (c *Coordinator) Pending() *events.Queue[*pb.BridgeTransferStatus] {
	return c.pending
}

// Initiate creates a transfer. The persist failure is the only error that
// fails the operation; a full pending queue only drops the queue entry.
func (c *Coordinator) Initiate(ctx context.Context, req *pb.BridgeTransferRequest) (*core.BridgeTransfer, error) {
	c.mu.Lock()
	if _, ok := c.transfers[req.BridgeId]; ok {
		c.mu.Unlock()
		return nil, ErrDuplicateBridge
	}
	// Reserve the slot before releasing the table lock so a concurrent
	// duplicate fails instead of racing the persist.
	st := &transferState{}
	st.mu.Lock()
	c.transfers[req.BridgeId] = st
	c.mu.Unlock()
	defer st.mu.Unlock()

	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeoutSeconds
	}
	now := c.now()
	required := core.RequiredApprovalsFor(len(req.OracleSet))
	t := &core.BridgeTransfer{
		BridgeID:          req.BridgeId,
		SourceChain:       req.SourceChain,
		DestChain:         req.DestChain,
		AssetRef:          req.AssetAddress,
		Amount:            req.Amount,
		Recipient:         req.Recipient,
		LockProof:         req.LockProof,
		SourceTxHash:      req.SourceTxHash,
		TimeoutSeconds:    timeout,
		CreatedAt:         now,
		UpdatedAt:         now,
		Status:            pb.BridgeStatus_PENDING,
		OracleSetSize:     len(req.OracleSet),
		RequiredApprovals: required,
	}

	if err := c.repo.Persist(ctx, t); err != nil {
		c.mu.Lock()
		delete(c.transfers, req.BridgeId)
		c.mu.Unlock()
		return nil, fmt.Errorf("persist transfer %s: %w", req.BridgeId, err)
	}

	st.transfer = t
	st.tracker = statemachine.NewTracker(c.machine, statemachine.State(pb.BridgeStatus_PENDING.String()))
	st.verifyRound = newVotingRound(req.BridgeId, required)
	st.execRound = newVotingRound(req.BridgeId, required)

	status := statusOf(t, 0)
	c.pending.Offer(status)
	c.bus.Emit(events.TopicBridgePending, status)
	c.bus.Emit(events.TopicBridgeStatus, status)
	c.reg.Counter("bridge_transfers_initiated").Inc()
	c.logger.Info("transfer initiated",
		"bridge_id", t.BridgeID,
		"source_chain", t.SourceChain.String(),
		"dest_chain", t.DestChain.String(),
		"required_approvals", required)
	return snapshot(t), nil
}

// RecordVote records one oracle's verification vote. The returned result is
// non-nil only when this vote newly reached consensus. Votes on unknown or
// terminal transfers are ignored.
func (c *Coordinator) RecordVote(ctx context.Context, req *pb.BridgeVerifyRequest) (*pb.VerificationResult, error) {
	st, err := c.state(req.BridgeId)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	c.refundIfExpiredLocked(ctx, st)
	if st.tracker.IsTerminal() {
		c.logger.Debug("vote ignored on terminal transfer",
			"bridge_id", req.BridgeId, "status", st.transfer.Status.String())
		return nil, nil
	}

	reached := st.verifyRound.Record(req.OracleAddress, req.Approved, req.Reason, c.now())
	c.reg.Counter("bridge_votes_recorded").Inc()

	if reached && st.transfer.Status == pb.BridgeStatus_PENDING {
		if err := c.transitionLocked(ctx, st, pb.BridgeStatus_RELAYED); err != nil {
			return nil, err
		}
	}
	if !reached {
		return nil, nil
	}
	return &pb.VerificationResult{
		BridgeId:         req.BridgeId,
		ConsensusReached: true,
		ApprovedCount:    int32(st.verifyRound.ApprovalCount()),
		RejectedCount:    int32(st.verifyRound.RejectionCount()),
		Status:           st.transfer.Status,
	}, nil
}

// ExecuteCallback records an execution confirmation. The transfer moves to
// Executed once the execution round reaches the same supermajority that the
// verification round required.
func (c *Coordinator) ExecuteCallback(ctx context.Context, req *pb.ExecuteCallbackRequest) (*core.BridgeTransfer, error) {
	st, err := c.state(req.BridgeId)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	c.refundIfExpiredLocked(ctx, st)
	if st.tracker.IsTerminal() {
		return snapshot(st.transfer), nil
	}

	reached := st.execRound.Record(req.OracleAddress, true, "Execution confirmed", c.now())
	if reached && st.transfer.Status == pb.BridgeStatus_RELAYED {
		st.transfer.DestTxHash = req.DestTxHash
		st.transfer.Finalized = true
		if err := c.transitionLocked(ctx, st, pb.BridgeStatus_EXECUTED); err != nil {
			return nil, err
		}
	}
	return snapshot(st.transfer), nil
}

// Status returns the current transfer, applying the lazy timeout refund when
// the deadline has passed and the transfer is not terminal.
func (c *Coordinator) Status(ctx context.Context, bridgeID string) (*core.BridgeTransfer, error) {
	st, err := c.state(bridgeID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	c.refundIfExpiredLocked(ctx, st)
	return snapshot(st.transfer), nil
}

// MarkSettled records the destination confirmation for an executed transfer.
func (c *Coordinator) MarkSettled(ctx context.Context, bridgeID string) (*core.BridgeTransfer, error) {
	st, err := c.state(bridgeID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.transfer.Status == pb.BridgeStatus_EXECUTED {
		if err := c.transitionLocked(ctx, st, pb.BridgeStatus_SETTLED); err != nil {
			return nil, err
		}
	}
	return snapshot(st.transfer), nil
}

// Fail moves a non-terminal transfer to Failed with the given reason.
func (c *Coordinator) Fail(ctx context.Context, bridgeID, reason string) (*core.BridgeTransfer, error) {
	st, err := c.state(bridgeID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.tracker.IsTerminal() {
		st.transfer.Error = reason
		if err := c.transitionLocked(ctx, st, pb.BridgeStatus_FAILED); err != nil {
			return nil, err
		}
	}
	return snapshot(st.transfer), nil
}

// Approvals reports the verification round tally.
func (c *Coordinator) Approvals(bridgeID string) (approved, required int, err error) {
	st, err := c.state(bridgeID)
	if err != nil {
		return 0, 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.verifyRound.ApprovalCount(), st.transfer.RequiredApprovals, nil
}

func (c *Coordinator) state(bridgeID string) (*transferState, error) {
	c.mu.RLock()
	st, ok := c.transfers[bridgeID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBridge, bridgeID)
	}
	// A reserved slot whose initiate ultimately failed never gains a
	// transfer; waiting on the lock settles the race either way.
	st.mu.Lock()
	initialized := st.transfer != nil
	st.mu.Unlock()
	if !initialized {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBridge, bridgeID)
	}
	return st, nil
}

func (c *Coordinator) refundIfExpiredLocked(ctx context.Context, st *transferState) {
	if st.tracker.IsTerminal() || !st.transfer.TimedOut(c.now()) {
		return
	}
	st.transfer.Error = fmt.Sprintf("transfer timeout exceeded after %ds", st.transfer.TimeoutSeconds)
	if err := c.transitionLocked(ctx, st, pb.BridgeStatus_REFUNDED); err != nil {
		c.logger.Error("refund transition failed", "bridge_id", st.transfer.BridgeID, "error", err)
		return
	}
	c.reg.Counter("bridge_transfers_refunded").Inc()
}

// transitionLocked advances the tracker and the entity together, persists,
// and emits the status event. The caller holds st.mu.
func (c *Coordinator) transitionLocked(ctx context.Context, st *transferState, next pb.BridgeStatus) error {
	if err := st.tracker.To(statemachine.State(next.String())); err != nil {
		return err
	}
	prev := st.transfer.Status
	st.transfer.Status = next
	st.transfer.UpdatedAt = c.now()
	if err := c.repo.Persist(ctx, st.transfer); err != nil {
		c.logger.Error("persist transfer failed",
			"bridge_id", st.transfer.BridgeID, "status", next.String(), "error", err)
	}
	c.bus.Emit(events.TopicBridgeStatus, statusOf(st.transfer, int32(st.verifyRound.ApprovalCount())))
	c.logger.Info("transfer status changed",
		"bridge_id", st.transfer.BridgeID,
		"from", prev.String(),
		"to", next.String())
	return nil
}

func snapshot(t *core.BridgeTransfer) *core.BridgeTransfer {
	cp := *t
	return &cp
}

// statusOf renders the wire status for a transfer.
func statusOf(t *core.BridgeTransfer, confirmations int32) *pb.BridgeTransferStatus {
	return &pb.BridgeTransferStatus{
		BridgeId:              t.BridgeID,
		SourceChain:           t.SourceChain,
		DestChain:             t.DestChain,
		Amount:                t.Amount,
		Status:                t.Status,
		OracleConfirmations:   confirmations,
		RequiredConfirmations: int32(t.RequiredApprovals),
		DestTxHash:            t.DestTxHash,
		Finalized:             t.Finalized,
		UpdatedAt:             t.UpdatedAt.UTC().Format(time.RFC3339),
		Error:                 t.Error,
	}
}
