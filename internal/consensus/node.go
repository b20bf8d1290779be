// Package consensus implements the RAFT engine that orders fabric state:
// randomized leader election, log replication, and single-server membership
// changes. Hard state (term, vote) is persisted through the repository before
// any reply that depends on it, so a restarted node cannot double-vote.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
	"github.com/chainmesh/fabric/internal/statemachine"
	"github.com/chainmesh/fabric/internal/storage"
	"github.com/chainmesh/fabric/pb"
)

var (
	// ErrNotLeader rejects proposals on a non-leader node.
	ErrNotLeader = errors.New("consensus: not the leader")
	// ErrConfChangeInFlight serializes membership changes one at a time.
	ErrConfChangeInFlight = errors.New("consensus: membership change already in flight")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("consensus: node stopped")
)

// Role states, reused through the shared state machine (C3).
const (
	roleFollower  statemachine.State = "FOLLOWER"
	roleCandidate statemachine.State = "CANDIDATE"
	roleLeader    statemachine.State = "LEADER"
)

var roleMachine = statemachine.New(map[statemachine.State][]statemachine.State{
	roleFollower:  {roleCandidate},
	roleCandidate: {roleCandidate, roleLeader, roleFollower},
	roleLeader:    {roleFollower},
})

// Transport sends RAFT RPCs to a peer. Implementations must not call back
// into the node synchronously.
type Transport interface {
	RequestVote(ctx context.Context, peerID string, req *pb.VoteRequest) (*pb.VoteResponse, error)
	AppendEntries(ctx context.Context, peerID string, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error)
}

// Applier consumes committed normal entries, exactly once, in log order.
// It runs under the node's state lock and must not call back into the node.
type Applier func(entry *pb.LogEntry)

// Config carries the per-node consensus parameters.
type Config struct {
	NodeID             string
	Peers              []string // other cluster members at startup
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	ProposeTimeout     time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ElectionTimeoutMin == 0 {
		out.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if out.ElectionTimeoutMax <= out.ElectionTimeoutMin {
		out.ElectionTimeoutMax = 2 * out.ElectionTimeoutMin
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = out.ElectionTimeoutMin / 3
	}
	if out.ProposeTimeout == 0 {
		out.ProposeTimeout = 5 * time.Second
	}
	return out
}

type proposeOutcome struct {
	index uint64
	term  uint64
}

type confChange struct {
	Op     string `json:"op"` // "add" | "remove"
	NodeID string `json:"node_id"`
}

// Node is one RAFT participant. All state transitions are serialized by mu;
// the lock is never held across a transport call.
type Node struct {
	mu sync.Mutex

	cfg       Config
	tracker   *statemachine.Tracker
	role      pb.NodeState
	term      uint64
	votedFor  string
	log       *raftLog
	commit    uint64
	applied   uint64
	nextIndex map[string]uint64
	matchIdx  map[string]uint64
	members   map[string]struct{} // latest configuration in the log, includes self
	baseline  map[string]struct{} // startup configuration, immutable
	leaderID  string

	electionReset   time.Time
	electionTimeout time.Duration
	confPending     bool

	waiters map[uint64]chan proposeOutcome
	rng     *rand.Rand

	transport Transport
	store     storage.HardStateStore
	bus       *events.Bus
	reg       *metrics.Registry
	applier   Applier
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewNode(cfg Config, transport Transport, store storage.HardStateStore, bus *events.Bus, reg *metrics.Registry, applier Applier) *Node {
	cfg = cfg.withDefaults()
	members := map[string]struct{}{cfg.NodeID: {}}
	baseline := map[string]struct{}{cfg.NodeID: {}}
	for _, p := range cfg.Peers {
		members[p] = struct{}{}
		baseline[p] = struct{}{}
	}
	n := &Node{
		cfg:       cfg,
		tracker:   statemachine.NewTracker(roleMachine, roleFollower),
		role:      pb.NodeState_FOLLOWER,
		log:       newRaftLog(),
		nextIndex: make(map[string]uint64),
		matchIdx:  make(map[string]uint64),
		members:   members,
		baseline:  baseline,
		waiters:   make(map[uint64]chan proposeOutcome),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		transport: transport,
		store:     store,
		bus:       bus,
		reg:       reg,
		applier:   applier,
		logger:    slog.Default().With("component", "consensus", "node_id", cfg.NodeID),
		stopCh:    make(chan struct{}),
	}
	return n
}

// Start restores hard state and begins the election timer.
func (n *Node) Start(ctx context.Context) error {
	hs, err := n.store.Load(ctx, n.cfg.NodeID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load hard state: %w", err)
	}
	n.mu.Lock()
	n.term = hs.CurrentTerm
	n.votedFor = hs.VotedFor
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	go n.run()
	n.logger.Info("consensus started", "term", hs.CurrentTerm, "members", len(n.members))
	return nil
}

// Stop halts timers. Idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

// run drives the election timer. The tick granularity is well below the
// minimum election timeout so the randomized window stays meaningful.
func (n *Node) run() {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			expired := n.role != pb.NodeState_LEADER &&
				time.Since(n.electionReset) >= n.electionTimeout
			n.mu.Unlock()
			if expired {
				n.startElection()
			}
		}
	}
}

func (n *Node) resetElectionTimerLocked() {
	n.electionReset = time.Now()
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	n.electionTimeout = n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(spread)))
}

// persistLocked writes hard state through the repository. Ordered under the
// state lock so a reply never precedes its durable vote.
func (n *Node) persistLocked() {
	hs := core.RaftHardState{NodeID: n.cfg.NodeID, CurrentTerm: n.term, VotedFor: n.votedFor}
	if err := n.store.Save(context.Background(), hs); err != nil {
		n.logger.Error("hard state persist failed", "term", n.term, "error", err)
	}
}

func (n *Node) quorumLocked() int {
	return len(n.members)/2 + 1
}

func (n *Node) otherMembersLocked() []string {
	out := make([]string, 0, len(n.members)-1)
	for id := range n.members {
		if id != n.cfg.NodeID {
			out = append(out, id)
		}
	}
	return out
}

// stepDownLocked adopts a (possibly higher) term as Follower.
func (n *Node) stepDownLocked(term uint64) {
	if term > n.term {
		n.term = term
		n.votedFor = ""
	}
	if n.role != pb.NodeState_FOLLOWER {
		if err := n.tracker.To(roleFollower); err == nil {
			n.role = pb.NodeState_FOLLOWER
		}
	}
	n.confPending = false
	n.persistLocked()
	n.reg.Gauge("raft.term").Set(float64(n.term))
}

// ============================================================================
// ELECTION
// ============================================================================

func (n *Node) startElection() {
	n.mu.Lock()
	if n.role == pb.NodeState_LEADER {
		n.mu.Unlock()
		return
	}
	if err := n.tracker.To(roleCandidate); err != nil {
		n.mu.Unlock()
		return
	}
	n.role = pb.NodeState_CANDIDATE
	n.term++
	n.votedFor = n.cfg.NodeID
	n.leaderID = ""
	n.resetElectionTimerLocked()
	n.persistLocked()

	electionTerm := n.term
	lastIndex := n.log.lastIndex()
	lastTerm := n.log.lastTerm()
	peers := n.otherMembersLocked()
	votes := 1 // self
	won := votes >= n.quorumLocked()
	if won {
		n.becomeLeaderLocked()
	}
	n.mu.Unlock()

	n.reg.Counter("raft.elections").Inc()
	n.reg.Gauge("raft.term").Set(float64(electionTerm))
	n.logger.Info("election started", "term", electionTerm)
	n.publishStatus()
	if won {
		return
	}

	req := &pb.VoteRequest{
		Term:         electionTerm,
		CandidateId:  n.cfg.NodeID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range peers {
		go func(peer string) {
			ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
			defer cancel()
			resp, err := n.transport.RequestVote(ctx, peer, req)
			if err != nil {
				return
			}

			n.mu.Lock()
			if resp.Term > n.term {
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				n.publishStatus()
				return
			}
			if n.role != pb.NodeState_CANDIDATE || n.term != electionTerm || !resp.VoteGranted {
				n.mu.Unlock()
				return
			}
			votes++
			if votes >= n.quorumLocked() {
				n.becomeLeaderLocked()
				n.mu.Unlock()
				n.publishStatus()
				return
			}
			n.mu.Unlock()
		}(peer)
	}
}

func (n *Node) becomeLeaderLocked() {
	if err := n.tracker.To(roleLeader); err != nil {
		return
	}
	n.role = pb.NodeState_LEADER
	n.leaderID = n.cfg.NodeID
	next := n.log.lastIndex() + 1
	for id := range n.members {
		n.nextIndex[id] = next
		n.matchIdx[id] = 0
	}
	n.matchIdx[n.cfg.NodeID] = n.log.lastIndex()
	n.logger.Info("became leader", "term", n.term)
	go n.heartbeatLoop(n.term)
}

// heartbeatLoop sends AppendEntries at the heartbeat interval for as long as
// this node leads leaderTerm.
func (n *Node) heartbeatLoop(leaderTerm uint64) {
	n.broadcastAppend(leaderTerm)
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			still := n.role == pb.NodeState_LEADER && n.term == leaderTerm
			n.mu.Unlock()
			if !still {
				return
			}
			n.broadcastAppend(leaderTerm)
		}
	}
}

func (n *Node) broadcastAppend(leaderTerm uint64) {
	n.mu.Lock()
	peers := n.otherMembersLocked()
	n.mu.Unlock()
	for _, peer := range peers {
		go n.replicateTo(peer, leaderTerm)
	}
}

// replicateTo sends one AppendEntries to peer, carrying whatever the peer is
// missing (possibly nothing, as a heartbeat), and processes the reply.
func (n *Node) replicateTo(peer string, leaderTerm uint64) {
	n.mu.Lock()
	if n.role != pb.NodeState_LEADER || n.term != leaderTerm {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, _ := n.log.term(prevIndex)
	req := &pb.AppendEntriesRequest{
		Term:         n.term,
		LeaderId:     n.cfg.NodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      n.log.slice(next),
		LeaderCommit: n.commit,
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*3)
	defer cancel()
	resp, err := n.transport.AppendEntries(ctx, peer, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	if resp.Term > n.term {
		n.stepDownLocked(resp.Term)
		n.mu.Unlock()
		n.publishStatus()
		return
	}
	if n.role != pb.NodeState_LEADER || n.term != leaderTerm {
		n.mu.Unlock()
		return
	}
	if resp.Success {
		match := prevIndex + uint64(len(req.Entries))
		if match > n.matchIdx[peer] {
			n.matchIdx[peer] = match
		}
		n.nextIndex[peer] = match + 1
		n.advanceCommitLocked()
		n.mu.Unlock()
		return
	}

	// Log mismatch: walk prevLogIndex back using the follower's hint and let
	// the next round retry.
	if resp.MatchIndex+1 < next {
		n.nextIndex[peer] = resp.MatchIndex + 1
	} else if next > 1 {
		n.nextIndex[peer] = next - 1
	}
	n.mu.Unlock()
}

// ============================================================================
// RPC HANDLERS
// ============================================================================

// HandleRequestVote answers a candidate's vote request.
func (n *Node) HandleRequestVote(ctx context.Context, req *pb.VoteRequest) *pb.VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.term {
		return &pb.VoteResponse{Term: n.term, VoteGranted: false}
	}
	stepped := false
	if req.Term > n.term {
		n.stepDownLocked(req.Term)
		n.leaderID = ""
		stepped = true
	}

	upToDate := req.LastLogTerm > n.log.lastTerm() ||
		(req.LastLogTerm == n.log.lastTerm() && req.LastLogIndex >= n.log.lastIndex())

	granted := (n.votedFor == "" || n.votedFor == req.CandidateId) && upToDate
	if granted {
		n.votedFor = req.CandidateId
		n.resetElectionTimerLocked()
		n.persistLocked()
	} else if stepped {
		n.persistLocked()
	}
	return &pb.VoteResponse{Term: n.term, VoteGranted: granted}
}

// HandleAppendEntries reconciles the local log with the leader's.
func (n *Node) HandleAppendEntries(ctx context.Context, req *pb.AppendEntriesRequest) *pb.AppendEntriesResponse {
	n.mu.Lock()

	if req.Term < n.term {
		resp := &pb.AppendEntriesResponse{Term: n.term, Success: false}
		n.mu.Unlock()
		return resp
	}
	roleChanged := n.role != pb.NodeState_FOLLOWER || req.Term > n.term
	if roleChanged {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderId
	n.resetElectionTimerLocked()

	prevTerm, ok := n.log.term(req.PrevLogIndex)
	if !ok || prevTerm != req.PrevLogTerm {
		hint := n.log.lastIndex()
		if req.PrevLogIndex > 0 && req.PrevLogIndex-1 < hint {
			hint = req.PrevLogIndex - 1
		}
		resp := &pb.AppendEntriesResponse{Term: n.term, Success: false, MatchIndex: hint}
		n.mu.Unlock()
		if roleChanged {
			n.publishStatus()
		}
		return resp
	}

	lastNew := n.log.reconcile(req.PrevLogIndex, req.Entries)
	if len(req.Entries) > 0 {
		n.rebuildMembershipLocked()
	}
	if req.LeaderCommit > n.commit {
		n.commit = req.LeaderCommit
		if lastNew < n.commit {
			n.commit = lastNew
		}
		n.applyLocked()
	}
	resp := &pb.AppendEntriesResponse{Term: n.term, Success: true, MatchIndex: lastNew}
	n.mu.Unlock()
	if roleChanged {
		n.publishStatus()
	}
	return resp
}

// ============================================================================
// PROPOSALS & MEMBERSHIP
// ============================================================================

// Propose appends payload on the leader and blocks until the entry commits,
// the context expires, or the propose timeout elapses.
func (n *Node) Propose(ctx context.Context, payload []byte) (uint64, uint64, error) {
	return n.propose(ctx, pb.EntryKind_NORMAL, payload)
}

func (n *Node) propose(ctx context.Context, kind pb.EntryKind, payload []byte) (uint64, uint64, error) {
	n.mu.Lock()
	if n.role != pb.NodeState_LEADER {
		n.mu.Unlock()
		return 0, 0, ErrNotLeader
	}
	term := n.term
	index := n.log.append(term, kind, payload)
	n.matchIdx[n.cfg.NodeID] = index
	if kind == pb.EntryKind_CONF_CHANGE {
		// Single-server change rule: the configuration takes effect when
		// appended, not when committed, and the change itself commits under
		// the new configuration. Removing an unreachable node therefore
		// commits with the shrunk quorum instead of waiting on the node
		// being removed.
		n.applyConfChangeLocked(n.log.at(index))
	}
	ch := make(chan proposeOutcome, 1)
	n.waiters[index] = ch
	n.advanceCommitLocked() // a single-node cluster commits immediately
	n.mu.Unlock()

	n.broadcastAppend(term)

	timer := time.NewTimer(n.cfg.ProposeTimeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.term != term {
			return 0, 0, ErrNotLeader
		}
		return out.index, out.term, nil
	case <-ctx.Done():
		n.dropWaiter(index)
		return 0, 0, ctx.Err()
	case <-timer.C:
		n.dropWaiter(index)
		return 0, 0, context.DeadlineExceeded
	case <-n.stopCh:
		n.dropWaiter(index)
		return 0, 0, ErrStopped
	}
}

func (n *Node) dropWaiter(index uint64) {
	n.mu.Lock()
	delete(n.waiters, index)
	n.mu.Unlock()
}

// AddNode proposes a single-server membership addition through the log.
func (n *Node) AddNode(ctx context.Context, nodeID string) error {
	return n.proposeConfChange(ctx, confChange{Op: "add", NodeID: nodeID})
}

// RemoveNode proposes a single-server membership removal through the log.
func (n *Node) RemoveNode(ctx context.Context, nodeID string) error {
	return n.proposeConfChange(ctx, confChange{Op: "remove", NodeID: nodeID})
}

func (n *Node) proposeConfChange(ctx context.Context, cc confChange) error {
	n.mu.Lock()
	if n.role != pb.NodeState_LEADER {
		n.mu.Unlock()
		return ErrNotLeader
	}
	if n.confPending {
		n.mu.Unlock()
		return ErrConfChangeInFlight
	}
	n.confPending = true
	n.mu.Unlock()

	payload, err := json.Marshal(cc)
	if err != nil {
		return err
	}
	if _, _, err := n.propose(ctx, pb.EntryKind_CONF_CHANGE, payload); err != nil {
		n.mu.Lock()
		n.confPending = false
		n.mu.Unlock()
		return err
	}
	return nil
}

// advanceCommitLocked moves commitIndex forward over entries replicated to a
// quorum. Only entries of the current term commit by count.
func (n *Node) advanceCommitLocked() {
	if n.role != pb.NodeState_LEADER {
		return
	}
	for idx := n.commit + 1; idx <= n.log.lastIndex(); idx++ {
		t, _ := n.log.term(idx)
		if t != n.term {
			continue
		}
		count := 0
		for id := range n.members {
			if n.matchIdx[id] >= idx {
				count++
			}
		}
		if count >= n.quorumLocked() {
			n.commit = idx
		}
	}
	n.applyLocked()
}

// applyLocked applies committed entries in order, exactly once, and releases
// any proposal waiters.
func (n *Node) applyLocked() {
	for n.applied < n.commit {
		n.applied++
		e := n.log.at(n.applied)
		switch e.Kind {
		case pb.EntryKind_CONF_CHANGE:
			// The membership mutation already happened at append time; the
			// commit only releases the next change.
			if n.role == pb.NodeState_LEADER {
				n.confPending = false
			}
			n.logger.Info("membership change committed", "index", e.Index)
		default:
			if n.applier != nil {
				n.applier(e)
			}
		}
		n.reg.Counter("raft.committed").Inc()
		if ch, ok := n.waiters[e.Index]; ok {
			ch <- proposeOutcome{index: e.Index, term: e.Term}
			delete(n.waiters, e.Index)
		}
	}
}

// applyConfChangeLocked mutates the member set for an appended configuration
// entry. Runs at append time on the leader.
func (n *Node) applyConfChangeLocked(e *pb.LogEntry) {
	var cc confChange
	if err := json.Unmarshal(e.Payload, &cc); err != nil {
		n.logger.Error("malformed membership entry", "index", e.Index, "error", err)
		return
	}
	switch cc.Op {
	case "add":
		if _, exists := n.members[cc.NodeID]; !exists {
			n.members[cc.NodeID] = struct{}{}
			n.nextIndex[cc.NodeID] = n.log.lastIndex() + 1
			n.matchIdx[cc.NodeID] = 0
		}
	case "remove":
		delete(n.members, cc.NodeID)
		delete(n.nextIndex, cc.NodeID)
		delete(n.matchIdx, cc.NodeID)
	}
	n.logger.Info("membership applied", "op", cc.Op, "member", cc.NodeID, "size", len(n.members))
}

// rebuildMembershipLocked recomputes the member set as the startup
// configuration plus every configuration entry currently in the log.
// Followers run it after reconciling entries, which both applies newly
// appended configuration changes and rolls back any that were truncated.
func (n *Node) rebuildMembershipLocked() {
	members := make(map[string]struct{}, len(n.baseline))
	for id := range n.baseline {
		members[id] = struct{}{}
	}
	for idx := uint64(1); idx <= n.log.lastIndex(); idx++ {
		e := n.log.at(idx)
		if e.Kind != pb.EntryKind_CONF_CHANGE {
			continue
		}
		var cc confChange
		if err := json.Unmarshal(e.Payload, &cc); err != nil {
			continue
		}
		switch cc.Op {
		case "add":
			members[cc.NodeID] = struct{}{}
		case "remove":
			delete(members, cc.NodeID)
		}
	}
	n.members = members
}

// ============================================================================
// INTROSPECTION
// ============================================================================

// Status returns a point-in-time view of the node.
func (n *Node) Status() *pb.NodeStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return &pb.NodeStatus{
		NodeId:      n.cfg.NodeID,
		State:       n.role,
		CurrentTerm: n.term,
		CommitIndex: n.commit,
		LastApplied: n.applied,
		LeaderId:    n.leaderID,
	}
}

// Members returns the current cluster membership.
func (n *Node) Members() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.members))
	for id := range n.members {
		out = append(out, id)
	}
	return out
}

// IsLeader reports whether the node currently leads.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == pb.NodeState_LEADER
}

func (n *Node) publishStatus() {
	if n.bus != nil {
		n.bus.Emit(events.TopicConsensusStatus, n.Status())
	}
}
