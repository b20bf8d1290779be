package consensus

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainmesh/fabric/pb"
)

// LocalTransport wires nodes of one process together. It backs the tests and
// single-binary multi-node runs; a gRPC transport substitutes in a real
// deployment.
type LocalTransport struct {
	mu      sync.RWMutex
	nodes   map[string]*Node
	severed map[string]map[string]bool
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		nodes:   make(map[string]*Node),
		severed: make(map[string]map[string]bool),
	}
}

// Register attaches a node under its ID.
func (t *LocalTransport) Register(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.cfg.NodeID] = n
}

// Sever cuts the link between two nodes in both directions.
func (t *LocalTransport) Sever(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.severed[a] == nil {
		t.severed[a] = make(map[string]bool)
	}
	if t.severed[b] == nil {
		t.severed[b] = make(map[string]bool)
	}
	t.severed[a][b] = true
	t.severed[b][a] = true
}

// Heal restores the link between two nodes.
func (t *LocalTransport) Heal(a, b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.severed[a], b)
	delete(t.severed[b], a)
}

func (t *LocalTransport) target(from, to string) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.severed[from][to] {
		return nil, fmt.Errorf("transport: link %s -> %s severed", from, to)
	}
	n, ok := t.nodes[to]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %s", to)
	}
	return n, nil
}

// For returns the Transport view a specific node should use, so severed
// links apply per sender.
func (t *LocalTransport) For(nodeID string) Transport {
	return &localPeer{lt: t, from: nodeID}
}

type localPeer struct {
	lt   *LocalTransport
	from string
}

func (p *localPeer) RequestVote(ctx context.Context, peerID string, req *pb.VoteRequest) (*pb.VoteResponse, error) {
	n, err := p.lt.target(p.from, peerID)
	if err != nil {
		return nil, err
	}
	return n.HandleRequestVote(ctx, req), nil
}

func (p *localPeer) AppendEntries(ctx context.Context, peerID string, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	n, err := p.lt.target(p.from, peerID)
	if err != nil {
		return nil, err
	}
	return n.HandleAppendEntries(ctx, req), nil
}
