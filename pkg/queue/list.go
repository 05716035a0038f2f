package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/valentin-krasontovitsch/ert/internal/common/ierrors"
)

// List is the ordered collection of job nodes with a readers-writer
// lock (spec.md §2 item 8) guarding only the slice/index itself:
// AddJob/Len/All/Get take mu briefly to add to or copy the node slice.
// Per-node status changes (spec.md §5) don't go through this lock at
// all — Node.casStatus is a CAS on the node's own atomic field, so the
// manager only needs mu for the instant it takes to snapshot the
// current node list at the top of each iteration, not for the
// iteration body itself.
type List struct {
	mu       sync.RWMutex
	nodes    []*Node
	byID     map[string]*Node
	Counters *StatusCounters
}

// NewList allocates an empty job list with its own status counters,
// registered under name if registerer is non-nil.
func NewList(name string, registerer prometheus.Registerer) *List {
	return &List{
		nodes:    nil,
		byID:     map[string]*Node{},
		Counters: NewStatusCounters(name, registerer),
	}
}

// AddJob registers a new node and transitions it NOT_ACTIVE -> WAITING,
// per spec.md §4.3.1.
func (l *List) AddJob(n *Node) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !n.casStatus(NotActive, Waiting) {
		return &ierrors.ErrInvalidState{
			Subject: "queue.List.AddJob",
			Message: "node is not in NOT_ACTIVE status",
		}
	}
	l.nodes = append(l.nodes, n)
	l.byID[n.ID()] = n
	l.Counters.Increment(Waiting)
	return nil
}

// Len returns the number of registered nodes.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.nodes)
}

// All returns a snapshot slice of every registered node, in
// registration order. The slice itself is a copy; the *Node values are
// shared and still require their own locking for field access.
func (l *List) All() []*Node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Node, len(l.nodes))
	copy(out, l.nodes)
	return out
}

// Get returns the node registered under id, or nil.
func (l *List) Get(id string) *Node {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byID[id]
}

// Transition is the single primitive of spec.md §5 that atomically
// verifies a node's current status equals old, writes the new status,
// and adjusts the status counters (decrement old, increment new). It
// returns false on mismatch, or if old->next is not an edge of the
// transition graph of spec.md §3, without side effect — this is the
// enforcement point for spec.md §8 invariant 2 ("every observed status
// transition is in the graph of §3").
func (l *List) Transition(n *Node, old, next Status) bool {
	if !ValidTransition(old, next) {
		return false
	}
	c := l.Counters
	c.mu.Lock()
	defer c.mu.Unlock()
	if !n.casStatus(old, next) {
		return false
	}
	c.counts[old]--
	c.gauge.WithLabelValues(old.String()).Set(float64(c.counts[old]))
	c.counts[next]++
	c.gauge.WithLabelValues(next.String()).Set(float64(c.counts[next]))
	return true
}
