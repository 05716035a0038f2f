package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const statusLabel = "status"

// StatusCounters is the atomic tally of nodes per status value
// described by spec.md §2 item 10: "invariant that sum = total
// registered nodes." Mutation happens through List.AddJob's initial
// increment and List.Transition, which holds the counters' mutex for the
// duration of the (i) compare (ii) write (iii) counter-adjust sequence
// spec.md §5 calls the status-counter mutex's job.
//
// Grounded on the teacher's internal/scheduler/metrics.cycleMetrics:
// one GaugeVec keyed by a label, updated from inside the same critical
// section that mutates the authoritative in-memory state, so the two
// never drift apart.
type StatusCounters struct {
	mu     sync.Mutex
	counts [numStatuses]int64
	gauge  *prometheus.GaugeVec
}

// NewStatusCounters allocates a zeroed counter set with a Prometheus
// GaugeVec registered under name (namespaced "assimilate_queue_" +
// name), or an unregistered no-op gauge if registerer is nil.
func NewStatusCounters(name string, registerer prometheus.Registerer) *StatusCounters {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "assimilate_queue_" + name + "_jobs",
			Help: "Number of jobs per status in the " + name + " queue.",
		},
		[]string{statusLabel},
	)
	if registerer != nil {
		registerer.MustRegister(gauge)
	}
	return &StatusCounters{gauge: gauge}
}

// Increment adds one to the count for s and reflects it in the gauge.
func (c *StatusCounters) Increment(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[s]++
	c.gauge.WithLabelValues(s.String()).Set(float64(c.counts[s]))
}

// Decrement subtracts one from the count for s and reflects it in the
// gauge.
func (c *StatusCounters) Decrement(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[s]--
	c.gauge.WithLabelValues(s.String()).Set(float64(c.counts[s]))
}

// Count returns the current count for s.
func (c *StatusCounters) Count(s Status) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[s]
}

// Total returns the sum across every status, which must equal the job
// list's length at all times outside a transition critical section
// (spec.md §8 invariant 1).
func (c *StatusCounters) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, n := range c.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of every non-zero count, keyed by status.
func (c *StatusCounters) Snapshot() map[Status]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Status]int64, numStatuses)
	for s, n := range c.counts {
		if n != 0 {
			out[Status(s)] = n
		}
	}
	return out
}
