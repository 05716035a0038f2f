package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	"github.com/valentin-krasontovitsch/ert/cmd/assimilate/configuration"
	"github.com/valentin-krasontovitsch/ert/internal/common"
	"github.com/valentin-krasontovitsch/ert/internal/loop"
	"github.com/valentin-krasontovitsch/ert/internal/matrixutil"
	"github.com/valentin-krasontovitsch/ert/pkg/ies"
)

func runCmd() *cobra.Command {
	var priorPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the IES assimilation loop against a configured ensemble.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd.Context(), configPath, priorPath)
		},
	}
	cmd.Flags().StringVar(&priorPath, "prior", "prior.txt", "row-major text dump of the initial ensemble, relative to --config")
	return cmd
}

// doRun loads the configuration rooted at configPath, builds the IES and
// loop configurations from it, and drives the assimilation loop to
// completion, dumping the updated ensemble to stdout in the same
// row-major text format the prior was read in.
func doRun(ctx context.Context, configPath, priorPath string) error {
	var cfg configuration.AssimilateConfiguration
	if err := common.LoadConfig(&cfg, configPath); err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	registerer := prometheus.NewRegistry()
	stopMetrics := serveMetrics(cfg.MetricsPort, registerer)
	defer stopMetrics()

	iesConfig, err := buildIESConfig(cfg.IES)
	if err != nil {
		return errors.Wrap(err, "building IES configuration")
	}

	numState, A, err := loadPrior(priorPath, cfg.Ensemble.NumRealizations)
	if err != nil {
		return errors.Wrap(err, "loading prior ensemble")
	}
	log.WithField("state_size", numState).WithField("num_realizations", cfg.Ensemble.NumRealizations).Info("assimilate: loaded prior ensemble")

	activeObs := len(cfg.Observations.Values)
	R := matrixutil.NewDense(activeObs, activeObs)
	for i, std := range cfg.Observations.StdDevs {
		R.Set(i, i, std*std)
	}

	logger := common.StandardLogger()
	l := loop.NewLoop(loop.Config{
		IES:                iesConfig,
		DataRoot:           cfg.DataRoot,
		RunRoot:            cfg.RunRoot,
		RunCmd:             cfg.Ensemble.RunCmd,
		Argv:               cfg.Ensemble.Argv,
		NumCPU:             cfg.Ensemble.NumCPU,
		MaxOuterIterations: cfg.MaxOuterIterations,
		MaxSubmit:          cfg.Queue.MaxSubmit,
		MaxRunning:         cfg.Queue.MaxRunning,
		ReadMeasurement:    loop.FileMeasurementReader(activeObs, "measurement"),
		Logger:             logger,
		Registerer:         registerer,
	})

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	rng := rand.New(rand.NewSource(1))
	updated, err := l.Run(ctx, A, cfg.Observations.Values, R, rng)
	if err != nil {
		return errors.Wrap(err, "running assimilation loop")
	}

	return matrixutil.DumpRowMajor(os.Stdout, updated)
}

// buildIESConfig translates the flat, YAML-friendly IESConfiguration
// into an ies.Config, resolving the inversion variant by name and
// validating the result before it drives a single update call.
func buildIESConfig(c configuration.IESConfiguration) (ies.Config, error) {
	variant, err := ies.ParseInversionVariant(c.InversionVariant)
	if err != nil {
		return ies.Config{}, err
	}
	cfg := ies.Config{
		Inversion:     variant,
		Truncation:    c.Truncation,
		MaxStepLength: c.MaxStepLength,
		MinStepLength: c.MinStepLength,
		DecStepLength: c.DecStepLength,
		AAProjection:  c.AAProjection,
	}
	if err := cfg.Validate(); err != nil {
		return ies.Config{}, err
	}
	return cfg, nil
}

// loadPrior opens path and reads it as a row-major text dump of the
// initial ensemble, one column per realization. The row count (state
// size) is the file's total value count divided by numEns since, unlike the
// measurement files the forward model writes, it is not known ahead of
// time by any other configuration field.
func loadPrior(path string, numEns int) (int, *mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	values, err := matrixutil.ScanFields(f)
	if err != nil {
		return 0, nil, err
	}
	if numEns <= 0 || len(values)%numEns != 0 {
		return 0, nil, errors.Errorf("prior file has %d values, not a multiple of %d realizations", len(values), numEns)
	}
	numState := len(values) / numEns

	A := matrixutil.NewDense(numState, numEns)
	for i := 0; i < numState; i++ {
		for j := 0; j < numEns; j++ {
			A.Set(i, j, values[i*numEns+j])
		}
	}
	return numState, A, nil
}

// serveMetrics starts a Prometheus metrics HTTP server on port if it is
// non-zero, returning a func that shuts it down. A zero port disables
// metrics serving entirely and returns a no-op stop func.
func serveMetrics(port uint16, registerer *prometheus.Registry) func() {
	if port == 0 {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("assimilate: metrics server failed")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
