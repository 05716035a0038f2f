package queue

import (
	"context"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// localHandle is the Local driver's concrete Handle: the running
// *exec.Cmd plus the terminal status its waiter goroutine observed.
type localHandle struct {
	id  string
	cmd *exec.Cmd

	mu       sync.Mutex
	status   DriverStatus
	exitCode int
}

func (h *localHandle) ID() string { return h.id }

func (h *localHandle) setStatus(s DriverStatus, exitCode int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
	h.exitCode = exitCode
}

func (h *localHandle) snapshot() (DriverStatus, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.exitCode
}

// LocalDriver runs forward models as local child processes, spec.md
// §4.2.1: submit spawns a child via fork/exec equivalent (os/exec),
// stores a handle, and launches a goroutine standing in for the
// detached waitpid thread — the goroutine blocked in cmd.Wait is itself
// the completion signal (spec.md §9's "Fork+waitpid+detached thread
// per job" design note).
type LocalDriver struct {
	// submitMu serializes process creation the way spec.md §4.2.1 says
	// "the submit path holds a process-wide submit mutex so concurrent
	// submissions do not race on the thread attribute object" — os/exec
	// has no equivalent shared attribute object, but the mutex is kept
	// for the same reason: child-process creation racing on fd
	// inheritance and signal masks is its own long-standing footgun.
	submitMu sync.Mutex

	optionsMu sync.Mutex
	options   map[OptionKey]string

	handles   sync.Map // id -> *localHandle
}

// localValidOptions is the closed option set the Local driver accepts;
// it ignores the cluster-only keys of spec.md §6.
var localValidOptions = map[OptionKey]bool{
	OptionMaxRunning: true,
}

// NewLocalDriver constructs a Local driver with no options set.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{options: map[OptionKey]string{}}
}

func (d *LocalDriver) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()

	cmd := exec.CommandContext(ctx, req.Cmd, req.Argv...)
	cmd.Dir = req.RunPath

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "local driver: starting %s", req.Cmd)
	}

	h := &localHandle{id: uuid.New().String(), cmd: cmd, status: DriverRunning}
	d.handles.Store(h.id, h)

	go d.wait(h)

	return h, nil
}

// wait stands in for the detached waitpid thread: it blocks on the
// child's exit and records the terminal driver status the manager's
// next QueryStatus call will observe.
func (d *LocalDriver) wait(h *localHandle) {
	err := h.cmd.Wait()
	if err == nil {
		h.setStatus(DriverDone, 0)
		return
	}
	exitCode := -1
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else {
		log.WithField("job_id", h.id).Warnf("local driver: wait failed: %s", err)
	}
	h.setStatus(DriverExit, exitCode)
}

func (d *LocalDriver) QueryStatus(_ context.Context, h Handle) (DriverStatus, error) {
	lh, ok := h.(*localHandle)
	if !ok {
		return DriverUnknown, errors.New("local driver: handle from a different driver")
	}
	status, _ := lh.snapshot()
	return status, nil
}

// Kill sends SIGTERM to the child process, per spec.md §4.2.1.
func (d *LocalDriver) Kill(_ context.Context, h Handle) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return errors.New("local driver: handle from a different driver")
	}
	if lh.cmd.Process == nil {
		return nil
	}
	if err := lh.cmd.Process.Signal(syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return errors.Wrap(err, "local driver: kill")
	}
	return nil
}

func (d *LocalDriver) Free(h Handle) error {
	lh, ok := h.(*localHandle)
	if !ok {
		return errors.New("local driver: handle from a different driver")
	}
	d.handles.Delete(lh.id)
	return nil
}

// Blacklist is a no-op for the local driver: there is only one compute
// node, and it cannot be retired mid-run.
func (d *LocalDriver) Blacklist(_ Handle) error { return nil }

func (d *LocalDriver) SetOption(key OptionKey, value string) error {
	if err := validateOptionKeys("local", []OptionKey{key}, localValidOptions); err != nil {
		return err
	}
	d.optionsMu.Lock()
	defer d.optionsMu.Unlock()
	d.options[key] = value
	return nil
}

func (d *LocalDriver) GetOption(key OptionKey) (string, bool) {
	d.optionsMu.Lock()
	defer d.optionsMu.Unlock()
	v, ok := d.options[key]
	return v, ok
}
