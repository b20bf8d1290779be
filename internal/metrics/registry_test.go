package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterCreateOnFirstUse(t *testing.T) {
	reg := NewRegistry()

	reg.Counter("requests").Inc()
	reg.Counter("requests").Add(4)

	assert.Equal(t, int64(5), reg.Counter("requests").Value())
}

func TestSameNameSameInstance(t *testing.T) {
	reg := NewRegistry()

	require.Same(t, reg.Counter("a"), reg.Counter("a"))
	require.Same(t, reg.Gauge("b"), reg.Gauge("b"))
	require.Same(t, reg.Histogram("c", []float64{1, 2}), reg.Histogram("c", nil))
}

func TestGaugeSet(t *testing.T) {
	reg := NewRegistry()

	g := reg.Gauge("temperature")
	g.Set(3.5)
	assert.Equal(t, 3.5, g.Value())
	g.Set(-1)
	assert.Equal(t, -1.0, g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	reg := NewRegistry()

	h := reg.Histogram("latency", []float64{10, 100})
	h.Observe(5)
	h.Observe(10)  // boundary lands in the first bucket
	h.Observe(50)
	h.Observe(500) // overflow bucket

	assert.Equal(t, int64(4), h.Count())
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewRegistry()
	reg.Counter("hits").Add(2)
	reg.Gauge("depth").Set(7)

	snap := reg.Snapshot()
	assert.Equal(t, int64(2), snap.Counters["hits"])
	assert.Equal(t, 7.0, snap.Gauges["depth"])

	reg.Counter("hits").Inc()
	assert.Equal(t, int64(2), snap.Counters["hits"], "snapshot must not track later mutations")
}

func TestConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Counter("shared").Inc()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1600), reg.Counter("shared").Value())
}
