package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	PlansCreated     = "plans_created"
	BlockersRecorded = "blockers_recorded"
	LastPoints       = "last_points"
)

// Accumulator holds per-orchestrator counters. It is not safe for concurrent
// use; one orchestrator owns one accumulator.
type Accumulator struct {
	counters   map[string]int
	lastPoints int
	collectors *Collectors
}

func NewAccumulator(c *Collectors) *Accumulator {
	return &Accumulator{
		counters:   map[string]int{PlansCreated: 0, BlockersRecorded: 0},
		collectors: c,
	}
}

// Incr adds amount to key, creating the counter at zero on first use.
func (a *Accumulator) Incr(key string, amount int) {
	if a.counters == nil {
		a.counters = map[string]int{}
	}
	a.counters[key] += amount
	a.collectors.add(key, amount)
}

// SetLastPoints records the total estimate points of the most recent plan.
func (a *Accumulator) SetLastPoints(points int) {
	a.lastPoints = points
	a.collectors.setLastPoints(points)
}

// Snapshot returns every counter plus last_points.
func (a *Accumulator) Snapshot() map[string]int {
	out := make(map[string]int, len(a.counters)+1)
	for k, v := range a.counters {
		out[k] = v
	}
	out[LastPoints] = a.lastPoints
	return out
}

// Collectors exports accumulator activity to Prometheus. Unlike the
// accumulator, collectors are process-wide and survive orchestrator instances.
type Collectors struct {
	counters   *prometheus.CounterVec
	lastPoints prometheus.Gauge
}

// MustNewCollectors registers the collectors with reg, reusing ones that are
// already registered under the same names.
func MustNewCollectors(reg prometheus.Registerer) *Collectors {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pmteam",
		Subsystem: "orchestrator",
		Name:      "counter_total",
		Help:      "Orchestrator counters (plans created, blockers recorded, ...).",
	}, []string{"counter"})
	lastPoints := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pmteam",
		Subsystem: "orchestrator",
		Name:      "last_points",
		Help:      "Total estimate points of the most recent plan.",
	})
	if err := reg.Register(counters); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		counters = already.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(lastPoints); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		lastPoints = already.ExistingCollector.(prometheus.Gauge)
	}
	return &Collectors{counters: counters, lastPoints: lastPoints}
}

func (c *Collectors) add(key string, amount int) {
	if c == nil || amount <= 0 {
		return
	}
	c.counters.WithLabelValues(key).Add(float64(amount))
}

func (c *Collectors) setLastPoints(points int) {
	if c == nil {
		return
	}
	c.lastPoints.Set(float64(points))
}
