package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/valentin-krasontovitsch/ert/internal/common"
	"github.com/valentin-krasontovitsch/ert/internal/common/ierrors"
)

// maxSubmissionsPerIteration and maxInFlightCallbacks are named constants
// carried over from the literal values found in the original source's
// job queue main loop (one submission batch cap, one in-flight callback),
// rather than magic numbers sprinkled through the loop body.
const (
	maxSubmissionsPerIteration  = 5
	defaultMaxInFlightCallbacks = 1
	defaultUsleep               = 250 * time.Millisecond
	maxUsleep                   = 8 * defaultUsleep
)

// Manager owns the single main loop of spec.md §4.3: it polls driver
// status, submits new work, and runs terminal-state handlers against one
// List. A Manager is created already "open"; RunJobs sets open to false
// on return, matching spec.md §4.3.1's "must be explicitly reset before
// reuse."
type Manager struct {
	List       *List
	Driver     Driver
	MaxSubmit  int
	MaxRunning int // 0 means unlimited, spec.md §8 invariant 9

	// MaxInFlightCallbacks overrides the default of 1, per spec.md §9's
	// open question ("implementers may widen it behind a config option").
	MaxInFlightCallbacks int

	logger common.Logger

	runMutex sync.Mutex // try-lock enforcing a single concurrent RunJobs
	running  int32
	open     int32
	userExit int32
	paused   int32

	mu             sync.Mutex
	submitComplete bool
	stopTime       time.Time
}

// NewManager allocates a Manager in the open state over list, submitting
// through driver.
func NewManager(list *List, driver Driver, maxSubmit, maxRunning int, logger common.Logger) *Manager {
	if logger == nil {
		logger = common.StandardLogger()
	}
	return &Manager{
		List:       list,
		Driver:     driver,
		MaxSubmit:  maxSubmit,
		MaxRunning: maxRunning,
		open:       1,
		logger:     logger,
	}
}

func (m *Manager) inFlightLimit() int {
	if m.MaxInFlightCallbacks > 0 {
		return m.MaxInFlightCallbacks
	}
	return defaultMaxInFlightCallbacks
}

// SubmitComplete marks that no further jobs will be registered, per
// spec.md §8 invariant 7 ("idempotent: calling twice is equivalent to
// once") and §8 invariant 10 (required for num_total_run == 0 to
// terminate).
func (m *Manager) SubmitComplete() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitComplete = true
}

func (m *Manager) isSubmitComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitComplete
}

// StartUserExit sets the user-exit flag; the manager processes it on its
// next iteration by transitioning every killable node to DoKill, per
// spec.md §5's "busy-waits ... for the manager to be in running" — here
// expressed as a plain flag read each iteration rather than a real
// busy-wait, since the caller can simply await RunJobs's return.
func (m *Manager) StartUserExit() {
	atomic.StoreInt32(&m.userExit, 1)
}

func (m *Manager) isUserExit() bool { return atomic.LoadInt32(&m.userExit) == 1 }

// Pause and Resume implement spec.md §4.3.3's "paused" submit gate.
func (m *Manager) Pause()  { atomic.StoreInt32(&m.paused, 1) }
func (m *Manager) Resume() { atomic.StoreInt32(&m.paused, 0) }

func (m *Manager) isPaused() bool { return atomic.LoadInt32(&m.paused) == 1 }

// SetAutoJobStopTime implements spec.md §4.3.5: average wall-time over
// SUCCESS jobs, stop_time = now + 0.25*avg. No-op with no successes yet.
func (m *Manager) SetAutoJobStopTime(now time.Time) {
	nodes := m.List.All()
	var total time.Duration
	var count int
	for _, n := range nodes {
		if n.Status() != Success {
			continue
		}
		start, end := n.SimStart(), n.SimEnd()
		if start.IsZero() || end.IsZero() {
			continue
		}
		total += end.Sub(start)
		count++
	}
	if count == 0 {
		return
	}
	avg := total / time.Duration(count)
	m.mu.Lock()
	m.stopTime = now.Add(avg / 4)
	m.mu.Unlock()
}

func (m *Manager) stopTimeReached(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopTime.IsZero() && !now.Before(m.stopTime)
}

// RunJobs drives the main loop of spec.md §4.3.2 to completion: numTotal
// is the expected total job count (0 meaning "unbounded, rely on
// SubmitComplete"). Only one RunJobs may execute at a time; a concurrent
// call returns ErrConcurrentRunJobs immediately (spec.md §4.3.1's
// run_mutex try-lock).
func (m *Manager) RunJobs(ctx context.Context, numTotal int) error {
	if !m.runMutex.TryLock() {
		return ErrConcurrentRunJobs
	}
	defer m.runMutex.Unlock()

	atomic.StoreInt32(&m.running, 1)
	defer atomic.StoreInt32(&m.running, 0)
	defer atomic.StoreInt32(&m.open, 0)

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, m.inFlightLimit())

	usleep := defaultUsleep
	for {
		if ctx.Err() != nil {
			break
		}

		progressed, complete := m.iteration(gctx, numTotal, g, sem)
		if complete {
			break
		}

		if progressed {
			usleep = defaultUsleep
		} else if usleep < maxUsleep {
			usleep *= 2
			if usleep > maxUsleep {
				usleep = maxUsleep
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(usleep):
		}
	}

	return g.Wait()
}

// iteration runs one pass of the main loop body of spec.md §4.3.2. It
// takes the list's read lock only long enough to snapshot the current
// node slice; every subsequent status change goes through
// Node.casStatus/List.Transition, which don't touch that lock (spec.md
// §5's per-node mutex discipline, not a lock held for the whole body).
// It returns whether any node made forward progress this iteration
// (used to adapt the sleep interval) and whether the queue is now
// complete.
func (m *Manager) iteration(ctx context.Context, numTotal int, g *errgroup.Group, sem chan struct{}) (progressed, complete bool) {
	m.List.mu.RLock()
	nodes := make([]*Node, len(m.List.nodes))
	copy(nodes, m.List.nodes)
	m.List.mu.RUnlock()

	now := time.Now()

	if m.isUserExit() {
		for _, n := range nodes {
			if n.Status().Killable() {
				if m.List.Transition(n, n.Status(), DoKill) {
					progressed = true
				}
			}
		}
	}

	for _, n := range nodes {
		if n.Status() != Running {
			continue
		}
		expired := n.MaxDuration > 0 && n.runningFor(now) > n.MaxDuration
		if expired || m.stopTimeReached(now) {
			if m.List.Transition(n, Running, DoKill) {
				progressed = true
			}
		}
	}

	// Submitted is polled alongside Waiting/Pending/Running: the
	// transition graph requires Submitted -> {Pending, Running, Exit}
	// and nothing else advances a node out of Submitted.
	for _, n := range nodes {
		switch n.Status() {
		case Waiting, Submitted, Pending, Running:
			if m.pollOne(ctx, n) {
				progressed = true
			}
		}
	}

	numComplete := int(m.List.Counters.Count(Success) + m.List.Counters.Count(Failed) + m.List.Counters.Count(IsKilled))
	total := len(nodes)
	if numTotal > 0 {
		complete = numComplete == numTotal
	} else {
		complete = m.isSubmitComplete() && numComplete == total
	}
	if complete {
		return progressed, true
	}

	if m.submitBatch(ctx, nodes) {
		progressed = true
	}

	if m.runHandlers(ctx, nodes, g, sem) {
		progressed = true
	}

	return progressed, false
}

// pollOne queries the driver for one node's current handle and advances
// its status via the single transition primitive, matching spec.md
// §4.3.2 step 4's "update node status via the single transition
// primitive."
func (m *Manager) pollOne(ctx context.Context, n *Node) bool {
	h := n.DriverHandle()
	if h == nil {
		return false
	}
	ds, err := m.Driver.QueryStatus(ctx, h)
	if err != nil {
		m.logger.WithField("job_id", n.ID()).Warnf("queue: status poll failed: %s", err)
		return false
	}
	n.setLastDriverStatus(ds)

	var next Status
	switch ds {
	case DriverPending:
		next = Pending
	case DriverRunning:
		next = Running
	case DriverDone:
		next = Done
	case DriverExit:
		next = Exit
	default:
		return false
	}

	cur := n.Status()
	if next == cur {
		return false
	}

	// The graph only reaches DONE from RUNNING (spec.md §3); a fast
	// local job can finish between submission and the first poll,
	// reporting DONE while the node is still SUBMITTED/PENDING. Bridge
	// through RUNNING in that case rather than dropping the update.
	if next == Done && cur != Running {
		if !m.List.Transition(n, cur, Running) {
			return false
		}
		cur = Running
	}

	return m.List.Transition(n, cur, next)
}

// submitBatch implements spec.md §4.3.2 step 7: submit while
// pending+submitted+running < max_running (0 == unlimited) and at most
// maxSubmissionsPerIteration new submissions this iteration.
func (m *Manager) submitBatch(ctx context.Context, nodes []*Node) bool {
	if m.isUserExit() || m.isPaused() {
		return false
	}

	submitted := 0
	for _, n := range nodes {
		if submitted >= maxSubmissionsPerIteration {
			break
		}
		if n.Status() != Waiting {
			continue
		}
		if m.MaxRunning > 0 {
			inFlight := int(m.List.Counters.Count(Pending) + m.List.Counters.Count(Submitted) + m.List.Counters.Count(Running))
			if inFlight >= m.MaxRunning {
				break
			}
		}

		switch m.submitJob(ctx, n) {
		case submitOK:
			submitted++
		case submitDriverFail, submitQueueClosed:
			return submitted > 0
		}
	}
	return submitted > 0
}

type submitResult int

const (
	submitOK submitResult = iota
	submitDriverFail
	submitQueueClosed
)

// submitJob implements spec.md §4.3.3, surfacing the two named failure
// kinds of spec.md §7's error table as the sentinel errors of driver.go.
func (m *Manager) submitJob(ctx context.Context, n *Node) submitResult {
	if m.isUserExit() || m.isPaused() {
		m.logger.WithField("job_id", n.ID()).Debugf("%s", ErrSubmitQueueClosed)
		return submitQueueClosed
	}

	req := SubmitRequest{Name: n.JobName, Cmd: n.RunCmd, Argv: n.Argv, NumCPU: n.NumCPU, RunPath: n.RunPath}
	h, err := m.Driver.Submit(ctx, req)
	if err != nil {
		m.logger.WithField("job_id", n.ID()).Warnf("%s", &ErrSubmitDriverFail{Cause: err})
		return submitDriverFail
	}

	n.recordSubmission(h, time.Now())
	m.List.Transition(n, Waiting, Submitted)
	return submitOK
}

// runHandlers implements spec.md §4.3.2 step 8's terminal driver state
// handlers, dispatching DONE's async callback task through an errgroup
// bounded by sem so at most m.inFlightLimit() run concurrently.
func (m *Manager) runHandlers(ctx context.Context, nodes []*Node, g *errgroup.Group, sem chan struct{}) bool {
	progressed := false
	for _, n := range nodes {
		switch n.Status() {
		case Done:
			progressed = true
			m.dispatchDoneCallback(ctx, n, g, sem)
		case Exit:
			if m.handleExit(n) {
				progressed = true
			}
		case DoKillNodeFailure:
			m.handleKillNodeFailure(n)
			progressed = true
		case DoKill:
			m.handleKill(ctx, n)
			progressed = true
		}
	}
	return progressed
}

// dispatchDoneCallback spawns the async task of spec.md §4.3.2 step 8's
// DONE handler: exit-file check, ok-file poll, user done_callback, final
// SUCCESS/EXIT transition. The node moves to RunningDoneCallback first so
// the main loop does not redispatch it while the task is in flight.
func (m *Manager) dispatchDoneCallback(ctx context.Context, n *Node, g *errgroup.Group, sem chan struct{}) {
	if !m.List.Transition(n, Done, RunningDoneCallback) {
		return
	}

	g.Go(func() error {
		sem <- struct{}{}
		defer func() { <-sem }()

		outcome := detectCompletion(ctx, n, n.LastDriverStatus() == DriverDone)
		n.recordCompletion(time.Now())

		if outcome == CompletionFailure {
			m.List.Transition(n, RunningDoneCallback, Exit)
			return nil
		}

		verified := true
		if n.DoneCallback != nil {
			verified = n.DoneCallback(n.CallbackArg)
		}
		if verified {
			m.List.Transition(n, RunningDoneCallback, Success)
		} else {
			m.List.Transition(n, RunningDoneCallback, Exit)
		}
		return nil
	})
}

// handleExit implements spec.md §4.3.2 step 8's EXIT handler: retry up to
// MaxSubmit attempts, else consult retry_callback, else exit_callback and
// FAILED.
func (m *Manager) handleExit(n *Node) bool {
	if n.SubmitAttempt() < n.MaxSubmit {
		return m.List.Transition(n, Exit, Waiting)
	}

	retry := false
	if n.RetryCallback != nil {
		retry = n.RetryCallback(n.CallbackArg)
	}
	if retry {
		n.resetSubmitAttempt()
		return m.List.Transition(n, Exit, Waiting)
	}

	if n.ExitCallback != nil {
		n.ExitCallback(n.CallbackArg)
	}
	return m.List.Transition(n, Exit, Failed)
}

// handleKillNodeFailure implements spec.md §4.3.2 step 8's
// DO_KILL_NODE_FAILURE handler: blacklist, decrement submit attempt so a
// later retry does not count against max_submit, transition EXIT.
func (m *Manager) handleKillNodeFailure(n *Node) {
	if h := n.DriverHandle(); h != nil {
		if err := m.Driver.Blacklist(h); err != nil {
			m.logger.WithField("job_id", n.ID()).Warnf("queue: blacklist failed: %s", err)
		}
	}
	n.decrementSubmitAttempt()
	m.List.Transition(n, DoKillNodeFailure, Exit)
}

// handleKill implements spec.md §4.3.2 step 8's DO_KILL handler: drive
// kill(), free driver data, transition IS_KILLED.
func (m *Manager) handleKill(ctx context.Context, n *Node) {
	if h := n.DriverHandle(); h != nil {
		if err := m.Driver.Kill(ctx, h); err != nil {
			m.logger.WithField("job_id", n.ID()).Warnf("queue: kill failed: %s", err)
		}
		if err := m.Driver.Free(h); err != nil {
			m.logger.WithField("job_id", n.ID()).Warnf("queue: free failed: %s", err)
		}
	}
	m.List.Transition(n, DoKill, IsKilled)
}

// ErrConcurrentRunJobs is returned by RunJobs when another RunJobs call
// already holds the run_mutex try-lock of spec.md §4.3.1.
var ErrConcurrentRunJobs = &ierrors.ErrInvalidState{
	Subject: "queue.Manager.RunJobs",
	Message: "a RunJobs call is already in progress",
}
