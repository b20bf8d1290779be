package storage

import (
	"context"
	"sync"

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/pb"
)

// Memory is the in-process implementation of every repository. It backs
// single-node deployments and all unit tests.
type Memory struct {
	mu        sync.RWMutex
	transfers map[string]*core.BridgeTransfer
	hardState map[string]core.RaftHardState
	models    map[string]*core.ModelSnapshot
	txs       map[string]*core.Transaction
}

func NewMemory() *Memory {
	return &Memory{
		transfers: make(map[string]*core.BridgeTransfer),
		hardState: make(map[string]core.RaftHardState),
		models:    make(map[string]*core.ModelSnapshot),
		txs:       make(map[string]*core.Transaction),
	}
}

func (m *Memory) Persist(ctx context.Context, t *core.BridgeTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transfers[t.BridgeID] = &cp
	return nil
}

func (m *Memory) FindByID(ctx context.Context, bridgeID string) (*core.BridgeTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[bridgeID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListByStatus(ctx context.Context, status pb.BridgeStatus) ([]*core.BridgeTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.BridgeTransfer
	for _, t := range m.transfers {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CountByStatus(ctx context.Context, status pb.BridgeStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, t := range m.transfers {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Save(ctx context.Context, hs core.RaftHardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardState[hs.NodeID] = hs
	return nil
}

func (m *Memory) Load(ctx context.Context, nodeID string) (core.RaftHardState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hs, ok := m.hardState[nodeID]
	if !ok {
		return core.RaftHardState{NodeID: nodeID}, ErrNotFound
	}
	return hs, nil
}

func (m *Memory) SaveModel(ctx context.Context, snap *core.ModelSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.models[snap.ModelName] = &cp
	return nil
}

func (m *Memory) Latest(ctx context.Context, modelName string) (*core.ModelSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.models[modelName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (m *Memory) PersistTransaction(ctx context.Context, tx *core.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tx
	m.txs[tx.TxID] = &cp
	return nil
}

func (m *Memory) FindTransaction(ctx context.Context, txID string) (*core.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[txID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

// Typed views so one Memory can serve every interface.

type memoryModelStore struct{ *Memory }

func (s memoryModelStore) Save(ctx context.Context, snap *core.ModelSnapshot) error {
	return s.SaveModel(ctx, snap)
}

// ModelStore returns the ModelStore view of this Memory.
func (m *Memory) ModelStore() ModelStore { return memoryModelStore{m} }

type memoryTxRepo struct{ *Memory }

func (s memoryTxRepo) Persist(ctx context.Context, tx *core.Transaction) error {
	return s.PersistTransaction(ctx, tx)
}

func (s memoryTxRepo) FindByID(ctx context.Context, txID string) (*core.Transaction, error) {
	return s.FindTransaction(ctx, txID)
}

// TransactionRepository returns the transaction view of this Memory.
func (m *Memory) TransactionRepository() TransactionRepository { return memoryTxRepo{m} }

var (
	_ TransferRepository = (*Memory)(nil)
	_ HardStateStore     = (*Memory)(nil)
)
