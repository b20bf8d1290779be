// Package core holds the domain entities shared by the fabric subsystems.
// Each entity is owned by exactly one component; everything else goes through
// that component's operations.
package core

import (
	"time"

	"github.com/chainmesh/fabric/pb"
)

// BridgeTransfer is a cross-chain transfer attested by an oracle committee.
type BridgeTransfer struct {
	BridgeID          string          `json:"bridge_id"`
	SourceChain       pb.Chain        `json:"source_chain"`
	DestChain         pb.Chain        `json:"dest_chain"`
	AssetRef          string          `json:"asset_ref"`
	Amount            string          `json:"amount"` // decimal string
	Recipient         string          `json:"recipient"`
	LockProof         []byte          `json:"lock_proof"`
	SourceTxHash      string          `json:"source_tx_hash"`
	DestTxHash        string          `json:"dest_tx_hash,omitempty"`
	TimeoutSeconds    int64           `json:"timeout_seconds"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Status            pb.BridgeStatus `json:"status"`
	OracleSetSize     int             `json:"oracle_set_size"`
	RequiredApprovals int             `json:"required_approvals"`
	Finalized         bool            `json:"finalized"`
	Error             string          `json:"error,omitempty"`
}

// TimedOut reports whether the transfer exceeded its refund deadline at now.
func (t *BridgeTransfer) TimedOut(now time.Time) bool {
	return now.Sub(t.CreatedAt) > time.Duration(t.TimeoutSeconds)*time.Second
}

// RequiredApprovalsFor is the Byzantine supermajority threshold for an oracle
// set of size n: tolerates up to (n-1)/3 faulty oracles.
func RequiredApprovalsFor(oracleSetSize int) int {
	return (2*oracleSetSize)/3 + 1
}

// OracleVote is one oracle's current vote in a round. Re-votes overwrite.
type OracleVote struct {
	OracleAddress string    `json:"oracle_address"`
	Approved      bool      `json:"approved"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// Transaction is a submitted fabric transaction.
type Transaction struct {
	TxID          string               `json:"tx_id"`
	TxHash        string               `json:"tx_hash"`
	Payload       []byte               `json:"payload"`
	Signature     []byte               `json:"signature"`
	Signer        string               `json:"signer"`
	Nonce         int64                `json:"nonce"`
	Status        pb.TransactionStatus `json:"status"`
	Confirmations int32                `json:"confirmations"`
	BlockHash     string               `json:"block_hash,omitempty"`
	BlockHeight   int64                `json:"block_height"`
	GasUsed       int64                `json:"gas_used"`
	Finalized     bool                 `json:"finalized"`
	SubmittedAt   time.Time            `json:"submitted_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Validator is a staking validator tracked by the validator service.
type Validator struct {
	ValidatorID     string    `json:"validator_id"`
	PublicKey       []byte    `json:"public_key"`
	Status          string    `json:"status"` // PENDING, ACTIVE, INACTIVE, JAILED
	StakeAmount     string    `json:"stake_amount"`
	LastBlockHeight int64     `json:"last_block_height"`
	RegisteredAt    time.Time `json:"registered_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RaftHardState is the durable slice of a consensus node. It must be persisted
// before answering a vote or append so a restart cannot double-vote in a term.
type RaftHardState struct {
	NodeID      string `json:"node_id"`
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
}

// ModelSnapshot is an installed ordering model version.
type ModelSnapshot struct {
	ModelName   string    `json:"model_name"`
	Version     uint64    `json:"version"`
	Weights     []byte    `json:"weights"`
	Accuracy    float64   `json:"accuracy"`
	InstalledAt time.Time `json:"installed_at"`
}

// TrainingDataPoint feeds the online learner.
type TrainingDataPoint struct {
	OrderedTxIDs []string  `json:"ordered_tx_ids"`
	QualityScore float64   `json:"quality_score"`
	Timestamp    time.Time `json:"timestamp"`
}

// OptimizationResult is an immutable record of one ordering pass.
type OptimizationResult struct {
	ResultID     string    `json:"result_id"`
	OrderedTxIDs []string  `json:"ordered_tx_ids"`
	AvgScore     float64   `json:"avg_score"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}
