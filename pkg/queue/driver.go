package queue

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverStatus is the coarse status a Driver reports for one handle,
// spec.md §4.2's "one of {NOT_ACTIVE, PENDING, RUNNING, DONE, EXIT,
// UNKNOWN}". It is deliberately smaller than Status: the manager maps
// DriverStatus onto the richer job lifecycle in Manager.pollOne.
type DriverStatus int

const (
	DriverNotActive DriverStatus = iota
	DriverPending
	DriverRunning
	DriverDone
	DriverExit
	DriverUnknown
)

func (s DriverStatus) String() string {
	switch s {
	case DriverNotActive:
		return "NOT_ACTIVE"
	case DriverPending:
		return "PENDING"
	case DriverRunning:
		return "RUNNING"
	case DriverDone:
		return "DONE"
	case DriverExit:
		return "EXIT"
	default:
		return "UNKNOWN"
	}
}

// Handle is the opaque driver-owned identity for one submitted job,
// per spec.md §9's "opaque handles across driver boundaries": the queue
// never inspects a handle's contents, only passes it back to the same
// driver that produced it.
type Handle interface {
	// ID is a stable, driver-assigned identifier used only for logging.
	ID() string
}

// SubmitRequest carries everything a driver's Submit needs, mirroring
// the positional argument list of spec.md §4.2's submit(cmd, num_cpu,
// run_path, name, argv).
type SubmitRequest struct {
	Name    string
	Cmd     string
	Argv    []string
	NumCPU  int
	RunPath string
}

// OptionKey enumerates the string-typed driver options of spec.md §6,
// modeled as a closed set (SPEC_FULL.md "Driver option value") rather
// than a bare map[string]string so set_option/get_option fail fast on
// an unknown key instead of silently storing garbage.
type OptionKey string

const (
	OptionMaxRunning     OptionKey = "MAX_RUNNING"
	OptionPartition      OptionKey = "PARTITION"
	OptionSubmitCmd      OptionKey = "SUBMIT_CMD"
	OptionCancelCmd      OptionKey = "CANCEL_CMD"
	OptionStatusCmd      OptionKey = "STATUS_CMD"
	OptionControlCmd     OptionKey = "CONTROL_CMD"
	OptionPollTimeout    OptionKey = "POLL_TIMEOUT"
	OptionMaxRuntime     OptionKey = "MAX_RUNTIME"
	OptionMemory         OptionKey = "MEMORY"
	OptionMemoryPerCPU   OptionKey = "MEMORY_PER_CPU"
	OptionIncludeHost    OptionKey = "INCLUDE_HOST"
	OptionExcludeHost    OptionKey = "EXCLUDE_HOST"
)

// hostListOptions accumulate (union) across multiple SetOption calls
// instead of overwriting, per spec.md §6 "Host-list options accumulate
// union across sets."
var hostListOptions = map[OptionKey]bool{
	OptionIncludeHost: true,
	OptionExcludeHost: true,
}

// Driver is the capability set of spec.md §4.2: submit, kill, query
// status, free, blacklist, and typed option get/set. Concrete drivers
// own their own Handle type and their own option validity set.
type Driver interface {
	Submit(ctx context.Context, req SubmitRequest) (Handle, error)
	QueryStatus(ctx context.Context, h Handle) (DriverStatus, error)
	Kill(ctx context.Context, h Handle) error
	Free(h Handle) error
	Blacklist(h Handle) error
	SetOption(key OptionKey, value string) error
	GetOption(key OptionKey) (string, bool)
}

// ErrSubmitQueueClosed and ErrSubmitDriverFail are the two submit-path
// failure kinds named in spec.md §4.3.3 / §7.
var (
	ErrSubmitQueueClosed = fmt.Errorf("queue: submit rejected, queue closed")
)

// ErrSubmitDriverFail wraps a driver-reported submission failure; node
// stays WAITING and the manager retries next iteration (spec.md §7).
type ErrSubmitDriverFail struct {
	Cause error
}

func (e *ErrSubmitDriverFail) Error() string {
	return fmt.Sprintf("queue: driver submit failed: %s", e.Cause)
}

func (e *ErrSubmitDriverFail) Unwrap() error { return e.Cause }

// ErrUnknownOption signals set_option/get_option called with a key
// outside the driver's closed option set — a programming error, per
// spec.md §7's "fails fast with programming-error signal" policy.
type ErrUnknownOption struct {
	Driver string
	Key    OptionKey
}

func (e *ErrUnknownOption) Error() string {
	return fmt.Sprintf("queue: %s driver does not recognize option %q", e.Driver, e.Key)
}

// validateOptionKeys checks a batch of keys against a driver's closed
// set, aggregating every unknown key into one multierror.Error rather
// than failing on the first bad key — matching the teacher's own
// guidance to aggregate independent validation failures.
func validateOptionKeys(driverName string, keys []OptionKey, valid map[OptionKey]bool) error {
	var result *multierror.Error
	for _, k := range keys {
		if !valid[k] {
			result = multierror.Append(result, &ErrUnknownOption{Driver: driverName, Key: k})
		}
	}
	return result.ErrorOrNil()
}
