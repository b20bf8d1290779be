package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/pb"
)

func testConfig(nodeID string, peers ...string) Config {
	return Config{
		NodeID:             nodeID,
		Peers:              peers,
		ElectionTimeoutMin: 50 * time.Millisecond,
		ElectionTimeoutMax: 100 * time.Millisecond,
		HeartbeatInterval:  15 * time.Millisecond,
		ProposeTimeout:     2 * time.Second,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), msg)
}

type applyRecorder struct {
	mu      sync.Mutex
	entries []*pb.LogEntry
}

func (r *applyRecorder) apply(e *pb.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *applyRecorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = string(e.Payload)
	}
	return out
}

func newTestNode(t *testing.T, lt *LocalTransport, cfg Config) (*Node, *applyRecorder) {
	t.Helper()
	rec := &applyRecorder{}
	reg := metrics.NewRegistry()
	bus := events.NewBus(reg)
	n := NewNode(cfg, lt.For(cfg.NodeID), storage.NewMemory(), bus, reg, rec.apply)
	lt.Register(n)
	return n, rec
}

func TestSingleNodeElection(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1"))
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()

	waitFor(t, 2*time.Second, n.IsLeader, "single node should elect itself")

	st := n.Status()
	assert.Equal(t, pb.NodeState_LEADER, st.State)
	assert.Equal(t, uint64(1), st.CurrentTerm)
	assert.Equal(t, "n1", st.LeaderId)

	index, term, err := n.Propose(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), index)
	assert.Equal(t, uint64(1), term)
	assert.Equal(t, uint64(1), n.Status().CommitIndex)
}

func TestProposeOnFollowerRejected(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2", "n3"))
	// Not started: the node stays a follower at term 0.

	before := n.Status()
	_, _, err := n.Propose(context.Background(), []byte("y"))
	require.ErrorIs(t, err, ErrNotLeader)

	after := n.Status()
	assert.Equal(t, before.CurrentTerm, after.CurrentTerm)
	assert.Equal(t, uint64(0), n.log.lastIndex())
}

func TestThreeNodeElectionAndReplication(t *testing.T) {
	lt := NewLocalTransport()
	ids := []string{"n1", "n2", "n3"}
	nodes := make(map[string]*Node)
	recs := make(map[string]*applyRecorder)
	for _, id := range ids {
		peers := make([]string, 0, 2)
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		n, rec := newTestNode(t, lt, testConfig(id, peers...))
		nodes[id] = n
		recs[id] = rec
	}
	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
		defer n.Stop()
	}

	var leader *Node
	waitFor(t, 3*time.Second, func() bool {
		leaders := 0
		for _, n := range nodes {
			if n.IsLeader() {
				leaders++
				leader = n
			}
		}
		return leaders == 1
	}, "exactly one leader should emerge")

	// Election safety: no other node claims the leader's term.
	term := leader.Status().CurrentTerm
	for _, n := range nodes {
		st := n.Status()
		if st.NodeId != leader.cfg.NodeID && st.CurrentTerm == term {
			assert.NotEqual(t, pb.NodeState_LEADER, st.State)
		}
	}

	_, _, err := leader.Propose(context.Background(), []byte("alpha"))
	require.NoError(t, err)
	_, _, err = leader.Propose(context.Background(), []byte("beta"))
	require.NoError(t, err)

	waitFor(t, 3*time.Second, func() bool {
		for _, rec := range recs {
			p := rec.payloads()
			if len(p) != 2 || p[0] != "alpha" || p[1] != "beta" {
				return false
			}
		}
		return true
	}, "committed entries should apply in order on every node")
}

func TestRequestVoteStaleTermDenied(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2"))
	n.mu.Lock()
	n.term = 5
	n.mu.Unlock()

	resp := n.HandleRequestVote(context.Background(), &pb.VoteRequest{
		Term:        4,
		CandidateId: "n2",
	})
	assert.False(t, resp.VoteGranted)
	assert.Equal(t, uint64(5), resp.Term)
}

func TestRequestVoteStaleLogDenied(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2"))
	n.mu.Lock()
	n.term = 2
	n.log.append(2, pb.EntryKind_NORMAL, []byte("a"))
	n.log.append(2, pb.EntryKind_NORMAL, []byte("b"))
	n.mu.Unlock()

	// Candidate with a shorter log of the same last term.
	resp := n.HandleRequestVote(context.Background(), &pb.VoteRequest{
		Term:         3,
		CandidateId:  "n2",
		LastLogIndex: 1,
		LastLogTerm:  2,
	})
	assert.False(t, resp.VoteGranted)
	// The term is still adopted.
	assert.Equal(t, uint64(3), resp.Term)
}

func TestRequestVoteSingleVotePerTerm(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2", "n3"))

	grant := n.HandleRequestVote(context.Background(), &pb.VoteRequest{Term: 1, CandidateId: "n2"})
	require.True(t, grant.VoteGranted)

	deny := n.HandleRequestVote(context.Background(), &pb.VoteRequest{Term: 1, CandidateId: "n3"})
	assert.False(t, deny.VoteGranted)

	// Re-vote for the same candidate in the same term is allowed.
	again := n.HandleRequestVote(context.Background(), &pb.VoteRequest{Term: 1, CandidateId: "n2"})
	assert.True(t, again.VoteGranted)
}

func TestAppendEntriesPrevMismatch(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2"))

	resp := n.HandleAppendEntries(context.Background(), &pb.AppendEntriesRequest{
		Term:         1,
		LeaderId:     "n2",
		PrevLogIndex: 3,
		PrevLogTerm:  1,
	})
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(0), resp.MatchIndex)
}

func TestAppendEntriesConflictTruncation(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2"))
	n.mu.Lock()
	n.log.append(1, pb.EntryKind_NORMAL, []byte("a"))
	n.log.append(1, pb.EntryKind_NORMAL, []byte("stale"))
	n.log.append(1, pb.EntryKind_NORMAL, []byte("staler"))
	n.mu.Unlock()

	resp := n.HandleAppendEntries(context.Background(), &pb.AppendEntriesRequest{
		Term:         2,
		LeaderId:     "n2",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries: []*pb.LogEntry{
			{Term: 2, Index: 2, Payload: []byte("fresh")},
		},
		LeaderCommit: 2,
	})
	require.True(t, resp.Success)
	assert.Equal(t, uint64(2), resp.MatchIndex)
	assert.Equal(t, uint64(2), n.log.lastIndex())
	assert.Equal(t, "fresh", string(n.log.at(2).Payload))
	assert.Equal(t, uint64(2), n.Status().CommitIndex)
}

func TestTermNeverDecreases(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1", "n2"))

	n.HandleAppendEntries(context.Background(), &pb.AppendEntriesRequest{Term: 7, LeaderId: "n2"})
	require.Equal(t, uint64(7), n.Status().CurrentTerm)

	// A stale leader cannot drag the term back down.
	resp := n.HandleAppendEntries(context.Background(), &pb.AppendEntriesRequest{Term: 3, LeaderId: "n3"})
	assert.False(t, resp.Success)
	assert.Equal(t, uint64(7), n.Status().CurrentTerm)
}

func TestHardStatePersistedAcrossRestart(t *testing.T) {
	lt := NewLocalTransport()
	store := storage.NewMemory()
	reg := metrics.NewRegistry()
	bus := events.NewBus(reg)

	n := NewNode(testConfig("n1", "n2"), lt.For("n1"), store, bus, reg, nil)
	lt.Register(n)
	n.HandleRequestVote(context.Background(), &pb.VoteRequest{Term: 4, CandidateId: "n2"})

	// A fresh node over the same store must come back with the vote intact.
	restarted := NewNode(testConfig("n1", "n2"), lt.For("n1"), store, bus, reg, nil)
	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	restarted.mu.Lock()
	term, voted := restarted.term, restarted.votedFor
	restarted.mu.Unlock()
	assert.Equal(t, uint64(4), term)
	assert.Equal(t, "n2", voted)
}

func TestMembershipChange(t *testing.T) {
	lt := NewLocalTransport()
	n, _ := newTestNode(t, lt, testConfig("n1"))
	require.NoError(t, n.Start(context.Background()))
	defer n.Stop()
	waitFor(t, 2*time.Second, n.IsLeader, "single node should elect itself")

	// n2 answers RPCs but never campaigns; the add commits under the new
	// two-node configuration once n2 acknowledges replication.
	newTestNode(t, lt, testConfig("n2", "n1"))
	require.NoError(t, n.AddNode(context.Background(), "n2"))
	assert.ElementsMatch(t, []string{"n1", "n2"}, n.Members())

	// Cut n2 off before removing it. The configuration takes effect when
	// the entry is appended, so the remove commits under the shrunk quorum
	// instead of waiting for an acknowledgement from the unreachable node.
	lt.Sever("n1", "n2")
	require.NoError(t, n.RemoveNode(context.Background(), "n2"))
	assert.ElementsMatch(t, []string{"n1"}, n.Members())

	// The cluster is single-node again; normal proposals commit immediately.
	_, _, err := n.Propose(context.Background(), []byte("after-remove"))
	require.NoError(t, err)
}

func TestPartitionedMinorityCannotLead(t *testing.T) {
	lt := NewLocalTransport()
	ids := []string{"n1", "n2", "n3"}
	nodes := make(map[string]*Node)
	for _, id := range ids {
		peers := make([]string, 0, 2)
		for _, p := range ids {
			if p != id {
				peers = append(peers, p)
			}
		}
		n, _ := newTestNode(t, lt, testConfig(id, peers...))
		nodes[id] = n
	}

	// n1 is cut off before anything starts.
	lt.Sever("n1", "n2")
	lt.Sever("n1", "n3")
	for _, n := range nodes {
		require.NoError(t, n.Start(context.Background()))
		defer n.Stop()
	}

	waitFor(t, 3*time.Second, func() bool {
		return nodes["n2"].IsLeader() || nodes["n3"].IsLeader()
	}, "the majority side should elect a leader")

	// The isolated node keeps campaigning but can never win.
	time.Sleep(300 * time.Millisecond)
	assert.False(t, nodes["n1"].IsLeader())
	_, _, err := nodes["n1"].Propose(context.Background(), []byte("z"))
	assert.ErrorIs(t, err, ErrNotLeader)
}
