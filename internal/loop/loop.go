// Package loop wires the job queue manager to the IES update kernel: it
// drives one or more outer assimilation iterations, each of which
// submits one forward-model job per active ensemble realization,
// collects the resulting simulated measurements, and feeds them through
// ies.UpdateA to produce the next ensemble.
//
// This is the "assimilation loop driver" implied by the dataflow
// description "the queue produces simulated measurements, the IES
// engine consumes them" but never given a concrete operation of its
// own — grounded on the teacher's own top-level orchestration style in
// cmd/executor/main.go, which wires a driver, a job manager and a
// reporting loop together behind one small Run method.
package loop

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/mat"

	"github.com/valentin-krasontovitsch/ert/internal/common"
	"github.com/valentin-krasontovitsch/ert/internal/mask"
	"github.com/valentin-krasontovitsch/ert/internal/matrixutil"
	"github.com/valentin-krasontovitsch/ert/pkg/ies"
	"github.com/valentin-krasontovitsch/ert/pkg/queue"
)

// MeasurementReader extracts the simulated-measurement column a
// completed forward-model run wrote at runPath, sized activeObs. Real
// deployments implement this against whatever file format the forward
// model emits; tests supply a fake.
type MeasurementReader func(runPath string) ([]float64, error)

// Config configures one Loop.
type Config struct {
	IES ies.Config

	// RunRoot is the parent directory under which one subdirectory per
	// realization per outer iteration is created, named
	// "realization-<i>/iter-<k>".
	RunRoot string

	// RunCmd/Argv launch the forward model for one realization; the
	// realization index and run path are appended as the final two
	// arguments, mirroring spec.md §6's run_path/argv convention.
	RunCmd string
	Argv   []string

	NumCPU             int
	MaxOuterIterations int
	MaxSubmit          int
	MaxRunning         int

	// DataRoot is the resolved data directory spec.md §6's "Environment
	// variable: DATA_ROOT — set by model configuration to the resolved
	// data directory" describes. NewLoop exports it as the literal
	// DATA_ROOT process environment variable so every forward-model
	// child process (spawned with no explicit Env, and so inheriting the
	// parent's environment) sees it, the way a real model configuration
	// would set it before launching a run.
	DataRoot string

	ReadMeasurement MeasurementReader

	Logger common.Logger

	// Registerer receives the per-iteration job list's status-count
	// gauges, so /metrics reflects the queue actually driving the
	// forward models. A nil Registerer leaves the gauges unregistered.
	Registerer prometheus.Registerer
}

// Loop owns one assimilation run: an ensemble A, an IES Data store
// across outer iterations, and the per-iteration queue plumbing.
type Loop struct {
	cfg    Config
	data   *ies.Data
	logger common.Logger
}

// NewLoop allocates a Loop with a fresh ies.Data store, exporting
// cfg.DataRoot as the DATA_ROOT environment variable if set.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = common.StandardLogger()
	}
	if cfg.DataRoot != "" {
		os.Setenv("DATA_ROOT", cfg.DataRoot)
	}
	return &Loop{
		cfg:    cfg,
		data:   ies.NewData(cfg.IES),
		logger: logger,
	}
}

// Run drives MaxOuterIterations update steps (or until ctx is
// cancelled), returning the final ensemble. A is mutated in place column
// by column via ies.UpdateA and also returned for convenience.
//
// obs is the vector of observed measurement values, R the measurement
// error covariance (active_obs x active_obs), rng the source of
// observation-perturbation noise.
func (l *Loop) Run(ctx context.Context, A *mat.Dense, obs []float64, R *mat.Dense, rng *rand.Rand) (*mat.Dense, error) {
	defer l.data.Close()

	_, numEns := A.Dims()
	activeObs := len(obs)

	ensMask := allActive(numEns)
	obsMask := allActive(activeObs)

	e0 := l.sampleObservationPerturbations(activeObs, numEns, R, rng)
	if err := l.data.InitUpdate(ensMask, obsMask, A, e0); err != nil {
		return nil, errors.Wrap(err, "loop: init_update")
	}

	for iter := 0; iter < l.cfg.MaxOuterIterations; iter++ {
		if ctx.Err() != nil {
			return A, ctx.Err()
		}

		l.logger.WithField("iteration", iter).Infof("loop: starting outer iteration")

		S, err := l.runForwardModels(ctx, iter, A, ensMask)
		if err != nil {
			return A, errors.Wrapf(err, "loop: forward models at iteration %d", iter)
		}

		D := l.buildInnovation(obs, S, l.data.E())

		if err := ies.UpdateA(l.cfg.IES, l.data, A, S, R, l.data.E(), D, rng); err != nil {
			return A, errors.Wrapf(err, "loop: ies update at iteration %d", iter)
		}
	}

	return A, nil
}

// runForwardModels submits one job per active realization through a
// fresh queue.Manager, blocks until every job reaches a terminal status,
// and assembles the resulting measurement matrix S (active_obs x
// active_ens) by reading each realization's output via
// cfg.ReadMeasurement.
func (l *Loop) runForwardModels(ctx context.Context, outerIter int, A *mat.Dense, ensMask mask.Mask) (*mat.Dense, error) {
	driver := queue.NewLocalDriver()
	list := queue.NewList(fmt.Sprintf("loop_iter_%d", outerIter), l.cfg.Registerer)
	manager := queue.NewManager(list, driver, l.cfg.MaxSubmit, l.cfg.MaxRunning, l.logger)

	nodes := make(map[int]*queue.Node)
	for _, realization := range ensMask.Indices() {
		runPath := filepath.Join(l.cfg.RunRoot, "realization-"+strconv.Itoa(realization), "iter-"+strconv.Itoa(outerIter))
		if err := os.MkdirAll(runPath, 0o755); err != nil {
			return nil, errors.Wrapf(err, "loop: creating run path for realization %d", realization)
		}
		argv := append(append([]string{}, l.cfg.Argv...), strconv.Itoa(realization), runPath)

		n := queue.NewNode(fmt.Sprintf("realization-%d", realization), runPath, l.cfg.RunCmd, argv, l.cfg.NumCPU)
		n.MaxSubmit = maxInt(l.cfg.MaxSubmit, 1)
		if err := list.AddJob(n); err != nil {
			return nil, errors.Wrap(err, "loop: add_job")
		}
		nodes[realization] = n
	}

	if err := manager.RunJobs(ctx, len(nodes)); err != nil {
		return nil, errors.Wrap(err, "loop: run_jobs")
	}

	var failed []int
	for realization, n := range nodes {
		if n.Status() != queue.Success {
			failed = append(failed, realization)
		}
	}
	if len(failed) > 0 {
		return nil, errors.Errorf("loop: %d realizations did not reach SUCCESS: %v", len(failed), failed)
	}

	_, numEns := A.Dims()
	activeObs := l.data.ObsMask().Count()
	S := mat.NewDense(activeObs, numEns, nil)
	for col, realization := range ensMask.Indices() {
		runPath := filepath.Join(l.cfg.RunRoot, "realization-"+strconv.Itoa(realization), "iter-"+strconv.Itoa(outerIter))
		values, err := l.cfg.ReadMeasurement(runPath)
		if err != nil {
			return nil, errors.Wrapf(err, "loop: reading measurement for realization %d", realization)
		}
		if len(values) != activeObs {
			return nil, errors.Errorf("loop: realization %d produced %d measurements, want %d", realization, len(values), activeObs)
		}
		for row, v := range values {
			S.Set(row, col, v)
		}
	}
	return S, nil
}

// buildInnovation forms D = obs + E - S, the perturbed-innovation matrix
// ies.UpdateA expects (spec.md §4.1's dataflow: "the queue produces
// simulated measurements... consumed alongside the perturbed
// observations").
func (l *Loop) buildInnovation(obs []float64, S, E *mat.Dense) *mat.Dense {
	activeObs, numEns := S.Dims()
	D := mat.NewDense(activeObs, numEns, nil)
	for i := 0; i < activeObs; i++ {
		for j := 0; j < numEns; j++ {
			D.Set(i, j, obs[i]+E.At(i, j)-S.At(i, j))
		}
	}
	return D
}

// sampleObservationPerturbations draws the initial E0 matrix from
// N(0, R) by realization, matching the "observation perturbations"
// glossary entry: stochastic noise added to observed values to produce
// the correct posterior ensemble covariance in stochastic EnKF.
func (l *Loop) sampleObservationPerturbations(activeObs, numEns int, R *mat.Dense, rng *rand.Rand) *mat.Dense {
	e0 := mat.NewDense(activeObs, numEns, nil)
	for i := 0; i < activeObs; i++ {
		stdDev := 0.0
		if v := R.At(i, i); v > 0 {
			stdDev = math.Sqrt(v)
		}
		for j := 0; j < numEns; j++ {
			e0.Set(i, j, stdDev*rng.NormFloat64())
		}
	}
	return e0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// FileMeasurementReader returns a MeasurementReader that opens
// filename under the run path and parses it as a row-major text dump of
// activeObs rows by one column (spec.md §6's "Matrix I/O (for tests):
// row-major and column-major text dumps, whitespace-separated doubles"),
// the simplest forward-model output convention this toolkit ships by
// default; real deployments supply their own reader for a model-specific
// format.
func FileMeasurementReader(activeObs int, filename string) MeasurementReader {
	return func(runPath string) ([]float64, error) {
		f, err := os.Open(filepath.Join(runPath, filename))
		if err != nil {
			return nil, err
		}
		defer f.Close()

		m, err := matrixutil.LoadRowMajor(f, activeObs, 1)
		if err != nil {
			return nil, err
		}
		values := make([]float64, activeObs)
		for i := 0; i < activeObs; i++ {
			values[i] = m.At(i, 0)
		}
		return values, nil
	}
}

func allActive(size int) mask.Mask {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return mask.FromIndices(size, indices...)
}
