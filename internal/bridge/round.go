package bridge

import (
	"time"

	"github.com/chainmesh/fabric/internal/core"
)

// VotingRound collects oracle votes for one transfer. Each oracle holds at
// most one current vote; a re-vote replaces the previous one. Access is
// serialized by the owning transfer's lock.
type VotingRound struct {
	bridgeID string
	required int
	votes    map[string]core.OracleVote
}

func newVotingRound(bridgeID string, required int) *VotingRound {
	return &VotingRound{
		bridgeID: bridgeID,
		required: required,
		votes:    make(map[string]core.OracleVote),
	}
}

// Record stores or replaces the oracle's vote and reports whether consensus
// was reached by this vote (false if it was already reached before).
func (r *VotingRound) Record(oracleAddress string, approved bool, reason string, at time.Time) bool {
	before := r.ConsensusReached()
	r.votes[oracleAddress] = core.OracleVote{
		OracleAddress: oracleAddress,
		Approved:      approved,
		Reason:        reason,
		At:            at,
	}
	return !before && r.ConsensusReached()
}

func (r *VotingRound) ApprovalCount() int {
	n := 0
	for _, v := range r.votes {
		if v.Approved {
			n++
		}
	}
	return n
}

func (r *VotingRound) RejectionCount() int {
	n := 0
	for _, v := range r.votes {
		if !v.Approved {
			n++
		}
	}
	return n
}

func (r *VotingRound) ConsensusReached() bool {
	return r.ApprovalCount() >= r.required
}
