// Package ordering scores and reorders transaction batches and feeds the
// online learner that tunes the scoring model between blocks.
package ordering

import (
	"math"
	"sort"

	"github.com/chainmesh/fabric/pb"
)

// Scoring weights. Priority dominates, gas price is capped so a fee spike
// cannot starve high-priority traffic, and dependency-free transactions get
// a fixed bonus because they can execute immediately.
const (
	weightPriority   = 0.5
	weightGas        = 0.3
	weightDependency = 0.2

	gasScoreCap      = 50.0
	depFreeScore     = 20.0
	depBlockedScore  = 5.0
	priorityMultiple = 10.0
	gasPriceDivisor  = 100.0
)

// Score is the pure scoring function. Higher scores order earlier.
func Score(priority int32, gasPrice int64, dependencyCount int) float64 {
	priorityScore := float64(priority) * priorityMultiple
	gasScore := math.Min(float64(gasPrice)/gasPriceDivisor, gasScoreCap)
	depScore := depBlockedScore
	if dependencyCount == 0 {
		depScore = depFreeScore
	}
	return weightPriority*priorityScore + weightGas*gasScore + weightDependency*depScore
}

// scored pairs a request with its score for sorting.
type scored struct {
	req   *pb.OptimizeTxRequest
	score float64
}

// rank scores every request and stable-sorts descending, so equal scores
// keep their arrival order.
func rank(reqs []*pb.OptimizeTxRequest) []scored {
	out := make([]scored, len(reqs))
	for i, r := range reqs {
		out[i] = scored{req: r, score: Score(r.Priority, r.GasPrice, len(r.Dependencies))}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].score > out[j].score
	})
	return out
}
