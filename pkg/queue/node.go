package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DoneCallback verifies a job's output after its driver reports a
// terminal success signal; it returns true iff outputs are verified
// (spec.md §6).
type DoneCallback func(arg interface{}) bool

// RetryCallback decides whether a failed job is worth resubmitting once
// MaxSubmit attempts have been exhausted; true means retry.
type RetryCallback func(arg interface{}) bool

// ExitCallback runs terminal cleanup for a job that will not be
// retried.
type ExitCallback func(arg interface{})

// Node is one forward-model invocation: its identity, its status and
// submission bookkeeping, its completion-detection file conventions,
// and the three user callbacks (spec.md §3's Job Node tuple).
type Node struct {
	id uuid.UUID

	JobName string
	RunPath string
	RunCmd  string
	Argv    []string
	NumCPU  int

	// ExitFile, OkFile and StatusFile name the sentinel files at
	// RunPath that signal failure, success, and liveness respectively
	// (spec.md §6, §4.3.4). Empty means "not declared".
	ExitFile   string
	OkFile     string
	StatusFile string

	MaxSubmit     int
	MaxDuration   time.Duration
	MaxOkWaitTime time.Duration

	DoneCallback  DoneCallback
	RetryCallback RetryCallback
	ExitCallback  ExitCallback
	CallbackArg   interface{}

	mu               sync.RWMutex
	status           Status
	lastDriverStatus DriverStatus
	submitAttempt    int
	driverHandle     Handle
	simStart         time.Time
	simEnd           time.Time
}

// NewNode allocates a job node in NotActive status, matching spec.md
// §3's tuple; AddJob transitions it to Waiting.
func NewNode(name, runPath, runCmd string, argv []string, numCPU int) *Node {
	return &Node{
		id:      uuid.New(),
		JobName: name,
		RunPath: runPath,
		RunCmd:  runCmd,
		Argv:    argv,
		NumCPU:  numCPU,
		status:  NotActive,
	}
}

// ID returns the node's stable identifier, used as the map key in
// List and for log correlation.
func (n *Node) ID() string { return n.id.String() }

// Status returns the node's current status under its read lock. Per
// spec.md §5, a caller observing a non-WAITING status must not assume
// it stays that way without a fresh read: drivers are polled once per
// manager iteration.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

func (n *Node) LastDriverStatus() DriverStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastDriverStatus
}

func (n *Node) SubmitAttempt() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.submitAttempt
}

func (n *Node) DriverHandle() Handle {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.driverHandle
}

func (n *Node) SimStart() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.simStart
}

func (n *Node) SimEnd() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.simEnd
}

func (n *Node) setLastDriverStatus(s DriverStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastDriverStatus = s
}

func (n *Node) recordSubmission(h Handle, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.driverHandle = h
	n.simStart = now
	n.submitAttempt++
}

func (n *Node) decrementSubmitAttempt() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.submitAttempt > 0 {
		n.submitAttempt--
	}
}

func (n *Node) resetSubmitAttempt() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.submitAttempt = 0
}

func (n *Node) recordCompletion(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.simEnd = now
}

// runningFor reports how long ago the node was last submitted (now minus
// simStart), used by the manager's expiration check (spec.md §4.3.2
// step 3).
func (n *Node) runningFor(now time.Time) time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.simStart.IsZero() {
		return 0
	}
	return now.Sub(n.simStart)
}

// casStatus atomically verifies the node's status equals old and, if
// so, writes new, returning true. It never mutates counters itself —
// List.Transition wraps this with the counter adjustment spec.md §5
// assigns to the single transition(node, old, new) primitive.
func (n *Node) casStatus(old, next Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status != old {
		return false
	}
	n.status = next
	return true
}
