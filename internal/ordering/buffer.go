package ordering

import (
	"github.com/chainmesh/fabric/internal/core"
	"github.com/chainmesh/fabric/internal/events"
	"github.com/chainmesh/fabric/internal/metrics"
)

// TrainingBuffer is the bounded hand-off between serving and learning. A full
// buffer drops the incoming point and counts it; serving is never blocked on
// the learner.
type TrainingBuffer struct {
	q   *events.Queue[*core.TrainingDataPoint]
	reg *metrics.Registry
}

func NewTrainingBuffer(capacity int, reg *metrics.Registry) *TrainingBuffer {
	if capacity <= 0 {
		capacity = 100000
	}
	return &TrainingBuffer{
		q:   events.NewQueue[*core.TrainingDataPoint](capacity),
		reg: reg,
	}
}

// Offer enqueues the point, reporting false when the buffer is full.
func (b *TrainingBuffer) Offer(p *core.TrainingDataPoint) bool {
	if !b.q.Offer(p) {
		b.reg.Counter("ordering_training_points_dropped").Inc()
		return false
	}
	b.reg.Counter("ordering_training_points_buffered").Inc()
	return true
}

// Drain removes up to max points without blocking.
func (b *TrainingBuffer) Drain(max int) []*core.TrainingDataPoint {
	var out []*core.TrainingDataPoint
	for len(out) < max {
		p, ok := b.q.Poll(0)
		if !ok {
			return out
		}
		out = append(out, p)
	}
	return out
}

func (b *TrainingBuffer) Len() int { return b.q.Len() }
