package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/pb"
)

// Postgres implements the repositories on a relational store. Schema is
// applied idempotently at connect time; tests run against a containerized
// instance.
type Postgres struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS bridge_transfers (
	bridge_id          TEXT PRIMARY KEY,
	source_chain       INT NOT NULL,
	dest_chain         INT NOT NULL,
	asset_ref          TEXT NOT NULL,
	amount             TEXT NOT NULL,
	recipient          TEXT NOT NULL,
	lock_proof         BYTEA,
	source_tx_hash     TEXT,
	dest_tx_hash       TEXT,
	timeout_seconds    BIGINT NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	status             INT NOT NULL,
	oracle_set_size    INT NOT NULL,
	required_approvals INT NOT NULL,
	finalized          BOOLEAN NOT NULL DEFAULT FALSE,
	error_detail       TEXT
);
CREATE INDEX IF NOT EXISTS idx_bridge_transfers_status ON bridge_transfers(status);

CREATE TABLE IF NOT EXISTS raft_hard_state (
	node_id      TEXT PRIMARY KEY,
	current_term BIGINT NOT NULL,
	voted_for    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS model_snapshots (
	model_name   TEXT NOT NULL,
	version      BIGINT NOT NULL,
	weights      BYTEA,
	accuracy     DOUBLE PRECISION NOT NULL,
	installed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (model_name, version)
);

CREATE TABLE IF NOT EXISTS transactions (
	tx_id        TEXT PRIMARY KEY,
	tx_hash      TEXT NOT NULL,
	body         JSONB NOT NULL,
	status       INT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

// NewPostgres opens the pool and applies the schema.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Persist(ctx context.Context, t *core.BridgeTransfer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bridge_transfers (
			bridge_id, source_chain, dest_chain, asset_ref, amount, recipient,
			lock_proof, source_tx_hash, dest_tx_hash, timeout_seconds,
			created_at, updated_at, status, oracle_set_size, required_approvals,
			finalized, error_detail
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (bridge_id) DO UPDATE SET
			dest_tx_hash = EXCLUDED.dest_tx_hash,
			updated_at   = EXCLUDED.updated_at,
			status       = EXCLUDED.status,
			finalized    = EXCLUDED.finalized,
			error_detail = EXCLUDED.error_detail`,
		t.BridgeID, int32(t.SourceChain), int32(t.DestChain), t.AssetRef, t.Amount,
		t.Recipient, t.LockProof, t.SourceTxHash, t.DestTxHash, t.TimeoutSeconds,
		t.CreatedAt, t.UpdatedAt, int32(t.Status), t.OracleSetSize,
		t.RequiredApprovals, t.Finalized, t.Error)
	if err != nil {
		return fmt.Errorf("persist transfer %s: %w", t.BridgeID, err)
	}
	return nil
}

func (p *Postgres) FindByID(ctx context.Context, bridgeID string) (*core.BridgeTransfer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT bridge_id, source_chain, dest_chain, asset_ref, amount, recipient,
		       lock_proof, source_tx_hash, dest_tx_hash, timeout_seconds,
		       created_at, updated_at, status, oracle_set_size, required_approvals,
		       finalized, COALESCE(error_detail, '')
		FROM bridge_transfers WHERE bridge_id = $1`, bridgeID)
	return scanTransfer(row)
}

func (p *Postgres) ListByStatus(ctx context.Context, status pb.BridgeStatus) ([]*core.BridgeTransfer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT bridge_id, source_chain, dest_chain, asset_ref, amount, recipient,
		       lock_proof, source_tx_hash, dest_tx_hash, timeout_seconds,
		       created_at, updated_at, status, oracle_set_size, required_approvals,
		       finalized, COALESCE(error_detail, '')
		FROM bridge_transfers WHERE status = $1 ORDER BY created_at`, int32(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.BridgeTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) CountByStatus(ctx context.Context, status pb.BridgeStatus) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bridge_transfers WHERE status = $1`, int32(status)).Scan(&n)
	return n, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTransfer(row scannable) (*core.BridgeTransfer, error) {
	var t core.BridgeTransfer
	var src, dst, status int32
	err := row.Scan(&t.BridgeID, &src, &dst, &t.AssetRef, &t.Amount, &t.Recipient,
		&t.LockProof, &t.SourceTxHash, &t.DestTxHash, &t.TimeoutSeconds,
		&t.CreatedAt, &t.UpdatedAt, &status, &t.OracleSetSize,
		&t.RequiredApprovals, &t.Finalized, &t.Error)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.SourceChain = pb.Chain(src)
	t.DestChain = pb.Chain(dst)
	t.Status = pb.BridgeStatus(status)
	return &t, nil
}

func (p *Postgres) Save(ctx context.Context, hs core.RaftHardState) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO raft_hard_state (node_id, current_term, voted_for)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_id) DO UPDATE SET
			current_term = EXCLUDED.current_term,
			voted_for    = EXCLUDED.voted_for`,
		hs.NodeID, int64(hs.CurrentTerm), hs.VotedFor)
	if err != nil {
		return fmt.Errorf("persist hard state for %s: %w", hs.NodeID, err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, nodeID string) (core.RaftHardState, error) {
	hs := core.RaftHardState{NodeID: nodeID}
	var term int64
	err := p.db.QueryRowContext(ctx,
		`SELECT current_term, voted_for FROM raft_hard_state WHERE node_id = $1`,
		nodeID).Scan(&term, &hs.VotedFor)
	if err == sql.ErrNoRows {
		return hs, ErrNotFound
	}
	if err != nil {
		return hs, err
	}
	hs.CurrentTerm = uint64(term)
	return hs, nil
}

// ModelStore view.

type postgresModelStore struct{ *Postgres }

func (s postgresModelStore) Save(ctx context.Context, snap *core.ModelSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_snapshots (model_name, version, weights, accuracy, installed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model_name, version) DO NOTHING`,
		snap.ModelName, int64(snap.Version), snap.Weights, snap.Accuracy, snap.InstalledAt)
	return err
}

func (s postgresModelStore) Latest(ctx context.Context, modelName string) (*core.ModelSnapshot, error) {
	var snap core.ModelSnapshot
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT model_name, version, weights, accuracy, installed_at
		FROM model_snapshots WHERE model_name = $1
		ORDER BY version DESC LIMIT 1`, modelName).
		Scan(&snap.ModelName, &version, &snap.Weights, &snap.Accuracy, &snap.InstalledAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap.Version = uint64(version)
	return &snap, nil
}

func (p *Postgres) ModelStore() ModelStore { return postgresModelStore{p} }

// TransactionRepository view. Transaction bodies are stored as JSONB; the
// hot read path is served from memory, this is the durable copy.

type postgresTxRepo struct{ *Postgres }

func (s postgresTxRepo) Persist(ctx context.Context, tx *core.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction %s: %w", tx.TxID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (tx_id, tx_hash, body, status, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_id) DO UPDATE SET
			body = EXCLUDED.body, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		tx.TxID, tx.TxHash, body, int32(tx.Status), tx.UpdatedAt)
	return err
}

func (s postgresTxRepo) FindByID(ctx context.Context, txID string) (*core.Transaction, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM transactions WHERE tx_id = $1`, txID).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var tx core.Transaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction %s: %w", txID, err)
	}
	return &tx, nil
}

func (p *Postgres) TransactionRepository() TransactionRepository { return postgresTxRepo{p} }

var (
	_ TransferRepository = (*Postgres)(nil)
	_ HardStateStore     = (*Postgres)(nil)
)
