package main

import (
	"github.com/valentin-krasontovitsch/ert/cmd/assimilate/cmd"
	"github.com/valentin-krasontovitsch/ert/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	cmd.Execute()
}
