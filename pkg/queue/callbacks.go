package queue

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// CompletionOutcome is the verdict of the completion detection protocol
// of spec.md §4.3.4.
type CompletionOutcome int

const (
	CompletionSuccess CompletionOutcome = iota
	CompletionFailure
)

// detectCompletion implements spec.md §4.3.4: because forward models
// cannot reliably propagate exit status through shells and distributed
// filesystems lag, sentinel files at RunPath are the completion signal
// of record, not the driver's exit code alone.
//
//   - An exit_file's existence is definite failure.
//   - An ok_file's existence is success; if not yet present, poll for
//     it once a second up to MaxOkWaitTime; timing out without it is
//     failure.
//   - With neither declared, the driver's own exit code decides.
func detectCompletion(ctx context.Context, n *Node, driverExitCode0 bool) CompletionOutcome {
	if n.ExitFile != "" {
		if fileExists(filepath.Join(n.RunPath, n.ExitFile)) {
			return CompletionFailure
		}
	}

	if n.OkFile == "" {
		if driverExitCode0 {
			return CompletionSuccess
		}
		return CompletionFailure
	}

	path := filepath.Join(n.RunPath, n.OkFile)
	if fileExists(path) {
		return CompletionSuccess
	}

	deadline := time.Now().Add(n.MaxOkWaitTime)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return CompletionFailure
		case <-ticker.C:
			if fileExists(path) {
				return CompletionSuccess
			}
			if time.Now().After(deadline) {
				return CompletionFailure
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
