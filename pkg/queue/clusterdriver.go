package queue

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// StatusGrammar parses one line of a cluster status command's output
// into a job ID and a driver status. Sites differ in exactly how their
// batch system prints job state, so the grammar is injected rather than
// hard-coded — per spec.md §4.2.2's non-goal: "not a binding to any
// specific real scheduler's wire protocol."
type StatusGrammar func(line string) (jobID string, status DriverStatus, ok bool)

// SlurmLikeGrammar parses "<jobid> <state>" lines, mapping the common
// single-letter/single-word Slurm state tokens onto DriverStatus. Sites
// with a different grammar supply their own StatusGrammar instead.
func SlurmLikeGrammar(line string) (string, DriverStatus, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", DriverUnknown, false
	}
	jobID, token := fields[0], strings.ToUpper(fields[1])
	switch token {
	case "PD", "PENDING":
		return jobID, DriverPending, true
	case "R", "RUNNING":
		return jobID, DriverRunning, true
	case "CD", "COMPLETED":
		return jobID, DriverDone, true
	case "F", "FAILED", "CA", "CANCELLED", "TO", "TIMEOUT":
		return jobID, DriverExit, true
	default:
		return jobID, DriverUnknown, true
	}
}

// clusterHandle is the Cluster driver's concrete Handle: the batch
// system's own job ID, as parsed from the submit command's stdout.
type clusterHandle struct {
	id        string // our internal correlation id
	clusterID string
}

func (h *clusterHandle) ID() string { return h.id }

// clusterValidOptions is the closed option set of spec.md §6's
// "Cluster drivers (modeled)" list.
var clusterValidOptions = map[OptionKey]bool{
	OptionMaxRunning:   true,
	OptionPartition:    true,
	OptionSubmitCmd:    true,
	OptionCancelCmd:    true,
	OptionStatusCmd:    true,
	OptionControlCmd:   true,
	OptionPollTimeout:  true,
	OptionMaxRuntime:   true,
	OptionMemory:       true,
	OptionMemoryPerCPU: true,
	OptionIncludeHost:  true,
	OptionExcludeHost:  true,
}

// ClusterDriver submits work via a configurable external command line
// and polls status by invoking a configured status command and parsing
// its output through a pluggable StatusGrammar (spec.md §4.2.2). The
// command names default to a sbatch-shaped invocation but are entirely
// overridable via SetOption, so this never binds to one real scheduler.
type ClusterDriver struct {
	Grammar StatusGrammar
	Runner  CommandRunner

	mu           sync.Mutex
	options      map[OptionKey]string
	includeHosts map[string]bool
	excludeHosts map[string]bool
	byClusterID  map[string]*clusterHandle
}

// CommandRunner abstracts process execution so tests can substitute a
// fake without actually invoking a batch system's CLI.
type CommandRunner interface {
	Run(ctx context.Context, name string, args []string) (stdout string, err error)
}

// execRunner is the production CommandRunner, shelling out via os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	return string(out), err
}

// NewClusterDriver constructs a Cluster driver with sbatch-shaped
// default command names and the given status grammar.
func NewClusterDriver(grammar StatusGrammar) *ClusterDriver {
	return &ClusterDriver{
		Grammar: grammar,
		Runner:  execRunner{},
		options: map[OptionKey]string{
			OptionSubmitCmd: "sbatch",
			OptionCancelCmd: "scancel",
			OptionStatusCmd: "squeue",
		},
		includeHosts: map[string]bool{},
		excludeHosts: map[string]bool{},
		byClusterID:  map[string]*clusterHandle{},
	}
}

func (d *ClusterDriver) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	d.mu.Lock()
	submitCmd := d.options[OptionSubmitCmd]
	args := d.submitArgsLocked(req)
	d.mu.Unlock()

	out, err := d.Runner.Run(ctx, submitCmd, append(args, req.Cmd))
	if err != nil {
		return nil, errors.Wrapf(err, "cluster driver: %s", submitCmd)
	}

	clusterID := strings.TrimSpace(lastField(out))
	h := &clusterHandle{id: uuid.New().String(), clusterID: clusterID}

	d.mu.Lock()
	d.byClusterID[clusterID] = h
	d.mu.Unlock()

	return h, nil
}

// submitArgsLocked builds the submit command's argument list from the
// configured partition/memory/host options; callers must hold d.mu.
func (d *ClusterDriver) submitArgsLocked(req SubmitRequest) []string {
	var args []string
	if p := d.options[OptionPartition]; p != "" {
		args = append(args, "--partition="+p)
	}
	if m := d.options[OptionMemory]; m != "" {
		args = append(args, "--mem="+m)
	}
	if m := d.options[OptionMemoryPerCPU]; m != "" {
		args = append(args, "--mem-per-cpu="+m)
	}
	if req.NumCPU > 0 {
		args = append(args, "--cpus-per-task="+strconv.Itoa(req.NumCPU))
	}
	if len(d.includeHosts) > 0 {
		args = append(args, "--nodelist="+joinKeys(d.includeHosts))
	}
	if len(d.excludeHosts) > 0 {
		args = append(args, "--exclude="+joinKeys(d.excludeHosts))
	}
	if t := d.options[OptionMaxRuntime]; t != "" {
		args = append(args, "--time="+t)
	}
	return args
}

func (d *ClusterDriver) QueryStatus(ctx context.Context, h Handle) (DriverStatus, error) {
	ch, ok := h.(*clusterHandle)
	if !ok {
		return DriverUnknown, errors.New("cluster driver: handle from a different driver")
	}

	d.mu.Lock()
	statusCmd := d.options[OptionStatusCmd]
	pollTimeout := d.options[OptionPollTimeout]
	d.mu.Unlock()

	if pollTimeout != "" {
		if timeout, err := time.ParseDuration(pollTimeout); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	out, err := d.Runner.Run(ctx, statusCmd, []string{"-j", ch.clusterID})
	if err != nil {
		// Sites commonly purge finished jobs from the live queue
		// listing; an error querying a job no longer shown there is
		// read as DONE rather than a hard failure.
		return DriverDone, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		jobID, status, ok := d.Grammar(scanner.Text())
		if ok && jobID == ch.clusterID {
			return status, nil
		}
	}
	return DriverDone, nil
}

func (d *ClusterDriver) Kill(ctx context.Context, h Handle) error {
	ch, ok := h.(*clusterHandle)
	if !ok {
		return errors.New("cluster driver: handle from a different driver")
	}
	d.mu.Lock()
	cancelCmd := d.options[OptionCancelCmd]
	d.mu.Unlock()

	_, err := d.Runner.Run(ctx, cancelCmd, []string{ch.clusterID})
	return err
}

func (d *ClusterDriver) Free(h Handle) error {
	ch, ok := h.(*clusterHandle)
	if !ok {
		return errors.New("cluster driver: handle from a different driver")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byClusterID, ch.clusterID)
	return nil
}

// Blacklist is unconditionally a no-op: spec.md §4.2's "mark the
// underlying compute node as unusable for future retries" needs to know
// which host a job ran on, and this driver's StatusGrammar only parses a
// job ID and a state token, never a host column — there is no host to
// fold into the exclude-host set. A site that wants this needs a
// StatusGrammar (or a separate host-query command) that surfaces the
// assigned host, and Blacklist would then call
// SetOption(OptionExcludeHost, ...) itself.
func (d *ClusterDriver) Blacklist(_ Handle) error { return nil }

func (d *ClusterDriver) SetOption(key OptionKey, value string) error {
	if err := validateOptionKeys("cluster", []OptionKey{key}, clusterValidOptions); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch key {
	case OptionIncludeHost:
		d.includeHosts[value] = true
	case OptionExcludeHost:
		d.excludeHosts[value] = true
	default:
		d.options[key] = value
	}
	return nil
}

func (d *ClusterDriver) GetOption(key OptionKey) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hostListOptions[key] {
		return "", false
	}
	v, ok := d.options[key]
	return v, ok
}

func lastField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func joinKeys(m map[string]bool) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}
