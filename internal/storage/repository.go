// Package storage abstracts persistence behind repository interfaces. The
// core treats writes as at-least-once: a publish followed by a failed persist
// surfaces Unavailable to the caller and produces no further state change.
package storage

import (
	"context"
	"errors"

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/pb"
)

// ErrNotFound is returned when a lookup targets a missing entity.
var ErrNotFound = errors.New("storage: not found")

// TransferRepository persists bridge transfers.
type TransferRepository interface {
	Persist(ctx context.Context, t *core.BridgeTransfer) error
	FindByID(ctx context.Context, bridgeID string) (*core.BridgeTransfer, error)
	ListByStatus(ctx context.Context, status pb.BridgeStatus) ([]*core.BridgeTransfer, error)
	CountByStatus(ctx context.Context, status pb.BridgeStatus) (int, error)
}

// HardStateStore persists RAFT hard state. Save must complete before the
// node answers the vote or append that changed it.
type HardStateStore interface {
	Save(ctx context.Context, hs core.RaftHardState) error
	Load(ctx context.Context, nodeID string) (core.RaftHardState, error)
}

// ModelStore persists installed ordering model snapshots.
type ModelStore interface {
	Save(ctx context.Context, snap *core.ModelSnapshot) error
	Latest(ctx context.Context, modelName string) (*core.ModelSnapshot, error)
}

// TransactionRepository persists submitted transactions.
type TransactionRepository interface {
	Persist(ctx context.Context, tx *core.Transaction) error
	FindByID(ctx context.Context, txID string) (*core.Transaction, error)
}
