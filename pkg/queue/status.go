// Package queue implements the job queue state machine (spec.md §2
// item 9 and §3): the ordered collection of forward-model job nodes,
// the status transition graph, pluggable drivers, and the manager loop
// that drives submission, polling, and completion callbacks.
package queue

import "fmt"

// Status is one value of the job lifecycle state machine (spec.md §3).
type Status int

const (
	NotActive Status = iota
	Waiting
	Pending
	Submitted
	Running
	Done
	RunningDoneCallback
	Success
	Exit
	Failed
	DoKill
	DoKillNodeFailure
	IsKilled

	numStatuses
)

func (s Status) String() string {
	switch s {
	case NotActive:
		return "NOT_ACTIVE"
	case Waiting:
		return "WAITING"
	case Pending:
		return "PENDING"
	case Submitted:
		return "SUBMITTED"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	case RunningDoneCallback:
		return "RUNNING_DONE_CALLBACK"
	case Success:
		return "SUCCESS"
	case Exit:
		return "EXIT"
	case Failed:
		return "FAILED"
	case DoKill:
		return "DO_KILL"
	case DoKillNodeFailure:
		return "DO_KILL_NODE_FAILURE"
	case IsKilled:
		return "IS_KILLED"
	default:
		return fmt.Sprintf("UNKNOWN_STATUS(%d)", int(s))
	}
}

// Terminal reports whether s is one of the three terminal statuses a
// job row is left at once the queue is done with it.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == IsKilled
}

// Killable reports whether a node in status s can be transitioned to
// DoKill by a user-exit or expiration check (spec.md §4.3.2 steps 2-3).
func (s Status) Killable() bool {
	switch s {
	case Waiting, Submitted, Pending, Running:
		return true
	default:
		return false
	}
}

// transitions enumerates the allowed edges of spec.md §3's state graph.
var transitions = map[Status][]Status{
	NotActive:           {Waiting},
	Waiting:             {Pending, Submitted, DoKill},
	Submitted:           {Pending, Running, Exit},
	Pending:             {Running, Exit, DoKill},
	Running:             {Done, Exit, DoKill, DoKillNodeFailure},
	Done:                {Success, Exit, RunningDoneCallback},
	RunningDoneCallback: {Success, Exit},
	Exit:                {Waiting, Failed},
	DoKillNodeFailure:   {Exit},
	DoKill:              {IsKilled},
	Success:             {},
	Failed:              {},
	IsKilled:            {},
}

// ValidTransition reports whether moving a node from `from` to `to` is
// an edge of the graph in spec.md §3.
func ValidTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
