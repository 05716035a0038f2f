package common

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up the process-wide logrus logger used by every
// command in this repository.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureCommandLineLogging is a quieter variant for short-lived CLI
// invocations, where timestamps just add noise to the output.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	log.SetOutput(os.Stderr)
}
