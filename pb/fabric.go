// Package pb holds the wire-level message types and service contracts for the
// chainmesh fabric. The framing layer and protoc-generated bindings live in a
// separate repo; the structs and interfaces here mirror what the generator
// emits so the services can be built and tested against them directly.
package pb

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Chain identifies a supported source or destination chain.
type Chain int32

const (
	Chain_CHAIN_UNKNOWN Chain = 0
	Chain_ETHEREUM      Chain = 1
	Chain_POLYGON       Chain = 2
	Chain_BSC           Chain = 3
	Chain_AVALANCHE     Chain = 4
	Chain_SOLANA        Chain = 5
)

func (c Chain) String() string {
	switch c {
	case Chain_ETHEREUM:
		return "ETHEREUM"
	case Chain_POLYGON:
		return "POLYGON"
	case Chain_BSC:
		return "BSC"
	case Chain_AVALANCHE:
		return "AVALANCHE"
	case Chain_SOLANA:
		return "SOLANA"
	default:
		return "CHAIN_UNKNOWN"
	}
}

// BridgeStatus is the lifecycle status of a cross-chain transfer.
// Values are bit-exact with the wire contract.
type BridgeStatus int32

const (
	BridgeStatus_UNKNOWN  BridgeStatus = 0
	BridgeStatus_PENDING  BridgeStatus = 1
	BridgeStatus_RELAYED  BridgeStatus = 2
	BridgeStatus_EXECUTED BridgeStatus = 3
	BridgeStatus_SETTLED  BridgeStatus = 4
	BridgeStatus_REFUNDED BridgeStatus = 5
	BridgeStatus_FAILED   BridgeStatus = 6
)

func (s BridgeStatus) String() string {
	switch s {
	case BridgeStatus_PENDING:
		return "PENDING"
	case BridgeStatus_RELAYED:
		return "RELAYED"
	case BridgeStatus_EXECUTED:
		return "EXECUTED"
	case BridgeStatus_SETTLED:
		return "SETTLED"
	case BridgeStatus_REFUNDED:
		return "REFUNDED"
	case BridgeStatus_FAILED:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// TransactionStatus is the lifecycle status of a submitted transaction.
type TransactionStatus int32

const (
	TransactionStatus_UNKNOWN   TransactionStatus = 0
	TransactionStatus_PENDING   TransactionStatus = 1
	TransactionStatus_VALIDATED TransactionStatus = 2
	TransactionStatus_INCLUDED  TransactionStatus = 3
	TransactionStatus_CONFIRMED TransactionStatus = 4
	TransactionStatus_FINALIZED TransactionStatus = 5
)

func (s TransactionStatus) String() string {
	switch s {
	case TransactionStatus_PENDING:
		return "PENDING"
	case TransactionStatus_VALIDATED:
		return "VALIDATED"
	case TransactionStatus_INCLUDED:
		return "INCLUDED"
	case TransactionStatus_CONFIRMED:
		return "CONFIRMED"
	case TransactionStatus_FINALIZED:
		return "FINALIZED"
	default:
		return "UNKNOWN"
	}
}

// NodeState is the RAFT role of a consensus node.
type NodeState int32

const (
	NodeState_FOLLOWER  NodeState = 0
	NodeState_CANDIDATE NodeState = 1
	NodeState_LEADER    NodeState = 2
)

func (s NodeState) String() string {
	switch s {
	case NodeState_CANDIDATE:
		return "CANDIDATE"
	case NodeState_LEADER:
		return "LEADER"
	default:
		return "FOLLOWER"
	}
}

// ============================================================================
// BRIDGE MESSAGES
// ============================================================================

type BridgeTransferRequest struct {
	BridgeId       string
	SourceChain    Chain
	DestChain      Chain
	AssetAddress   string
	Amount         string // decimal string
	Recipient      string
	SourceTxHash   string
	LockProof      []byte
	TimeoutSeconds int64
	OracleSet      []string
}

type BridgeTransferStatus struct {
	BridgeId              string
	SourceChain           Chain
	DestChain             Chain
	Amount                string
	Status                BridgeStatus
	OracleConfirmations   int32
	RequiredConfirmations int32
	DestTxHash            string
	Finalized             bool
	UpdatedAt             string // RFC3339
	Error                 string
}

// BridgeVerifyRequest is one oracle vote on the verification stream.
type BridgeVerifyRequest struct {
	BridgeId      string
	OracleAddress string
	Approved      bool
	Reason        string
}

type VerificationResult struct {
	BridgeId         string
	ConsensusReached bool
	ApprovedCount    int32
	RejectedCount    int32
	Status           BridgeStatus
}

type ExecuteCallbackRequest struct {
	BridgeId      string
	OracleAddress string
	DestTxHash    string
}

type BridgeStatusRequest struct {
	BridgeId string
}

type PendingTransferFilter struct {
	SourceChain Chain // CHAIN_UNKNOWN matches all
}

type BatchTransferSummary struct {
	Accepted  int32
	Rejected  int32
	FailedIds []string
	Errors    []string
}

// MonitorRequest registers a monitor on the cross-chain status stream.
type MonitorRequest struct {
	ClientId  string
	BridgeIds []string // empty matches all
}

// ============================================================================
// TRANSACTION MESSAGES
// ============================================================================

type TransactionSubmit struct {
	TxHash    string
	Payload   []byte
	Signature []byte
	Signer    string
	Nonce     int64
}

type TransactionStatusInfo struct {
	TxId          string
	Status        TransactionStatus
	Confirmations int32
	BlockHash     string
	Finalized     bool
	UpdatedAt     string // RFC3339
}

type TransactionReceipt struct {
	TxId              string
	Status            *TransactionStatusInfo
	BlockHeight       int64
	GasUsed           int64
	Timestamp         *timestamppb.Timestamp
	ConfirmationCount int32
}

type TransactionStatusRequest struct {
	TxId string
}

type TransactionBatchSummary struct {
	Accepted  int32
	Rejected  int32
	FailedIds []string
}

// TransactionFilter selects transaction status updates on a stream.
type TransactionFilter struct {
	TxIds    []string
	Statuses []TransactionStatus
	Signer   string
}

// ============================================================================
// ORDERING MESSAGES
// ============================================================================

type OptimizeTxRequest struct {
	TxId         string
	Priority     int32
	GasPrice     int64
	Dependencies []string
}

type OptimizedBatch struct {
	OptimizedTxOrder               []string
	AvgScore                       float64
	Confidence                     float64
	OptimizationReason             string
	ProcessingTimeMs               int64
	BatchSize                      int32
	EstimatedThroughputGainPercent float64
}

// ============================================================================
// VALIDATOR MESSAGES
// ============================================================================

type ValidatorSubscription struct {
	ClientId         string
	UpdateIntervalMs int64
	EventTypes       []string
	ValidatorIds     []string
}

type ValidatorStatusUpdate struct {
	ValidatorId     string
	Status          string
	StakeAmount     string
	LastBlockHeight int64
	UpdatedAt       string // RFC3339
}

type ValidatorEventStream struct {
	EventType string
	Update    *ValidatorStatusUpdate
	Timestamp *timestamppb.Timestamp
}

type StakeRequest struct {
	ValidatorId string
	Amount      string
}

type ValidatorActionResponse struct {
	Success bool
	Message string
}

type RegisterValidatorRequest struct {
	ValidatorId string
	PublicKey   []byte
}

// ============================================================================
// CONSENSUS MESSAGES
// ============================================================================

// EntryKind distinguishes normal log entries from cluster membership changes.
type EntryKind int32

const (
	EntryKind_NORMAL      EntryKind = 0
	EntryKind_CONF_CHANGE EntryKind = 1
)

type LogEntry struct {
	Term    uint64
	Index   uint64
	Kind    EntryKind
	Payload []byte
}

type VoteRequest struct {
	Term         uint64
	CandidateId  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

type AppendEntriesRequest struct {
	Term         uint64
	LeaderId     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
}

type AppendEntriesResponse struct {
	Term       uint64
	Success    bool
	MatchIndex uint64
}

type ProposeRequest struct {
	Payload []byte
}

type ProposeResponse struct {
	Committed bool
	Index     uint64
	Term      uint64
}

type ClusterChangeRequest struct {
	NodeId string
}

type ClusterChangeResponse struct {
	Applied bool
	Members []string
}

type NodeStatus struct {
	NodeId      string
	State       NodeState
	CurrentTerm uint64
	CommitIndex uint64
	LastApplied uint64
	LeaderId    string
}

type NodeStatusRequest struct {
	NodeId string
}
