package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "assimilate",
	Short: "assimilate runs an ensemble-based history-matching loop against a configurable forward model.",
	Long: `
assimilate drives an Iterative Ensemble Smoother update loop: each outer
iteration submits one forward-model run per ensemble realization through
a local job queue, collects the resulting simulated
measurements, and folds them into the ensemble via the IES update
kernel.

Configuration is read from config.yaml in the directory passed via
--config (default "."), overlaid by ASSIMILATE_-prefixed environment
variables — e.g. ASSIMILATE_DATAROOT overrides dataRoot. The resolved
dataRoot is in turn exported as the literal DATA_ROOT variable in every
forward-model job's environment.
`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(); it only needs to happen
// once to rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
