package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every exported metric name.
const namespace = "fabric"

// Collector exports a Registry in Prometheus form. Components keep counting
// through the Registry; every counter, gauge, and histogram they create shows
// up on /metrics without per-metric wiring. Names are sanitized into the
// fabric_* namespace at gather time.
type Collector struct {
	reg *Registry
}

func NewCollector(reg *Registry) *Collector { return &Collector{reg: reg} }

// Describe sends nothing: the metric set grows as components create metrics,
// so the collector is unchecked.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()

	for name, ctr := range c.reg.counters {
		desc := prometheus.NewDesc(promName(name)+"_total", "", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(ctr.Value()))
	}
	for name, g := range c.reg.gauges {
		desc := prometheus.NewDesc(promName(name), "", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, g.Value())
	}
	for name, h := range c.reg.histograms {
		desc := prometheus.NewDesc(promName(name), "", nil, nil)
		buckets := make(map[float64]uint64, len(h.bounds))
		var cum uint64
		for i, bound := range h.bounds {
			cum += uint64(h.counts[i].Load())
			buckets[bound] = cum
		}
		ch <- prometheus.MustNewConstHistogram(desc, uint64(h.n.Value()), h.Sum(), buckets)
	}
}

func promName(name string) string {
	return namespace + "_" + strings.ReplaceAll(name, ".", "_")
}
