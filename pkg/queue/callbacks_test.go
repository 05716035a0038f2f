package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectCompletionExitFileWins(t *testing.T) {
	dir := t.TempDir()
	n := NewNode("job", dir, "/bin/true", nil, 1)
	n.ExitFile = "exit_file"
	n.OkFile = "ok_file"
	n.MaxOkWaitTime = time.Second

	require.NoError(t, os.WriteFile(filepath.Join(dir, "exit_file"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok_file"), nil, 0o644))

	outcome := detectCompletion(context.Background(), n, true)
	assert.Equal(t, CompletionFailure, outcome)
}

func TestDetectCompletionOkFileAlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	n := NewNode("job", dir, "/bin/true", nil, 1)
	n.OkFile = "ok_file"
	n.MaxOkWaitTime = time.Second
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok_file"), nil, 0o644))

	outcome := detectCompletion(context.Background(), n, true)
	assert.Equal(t, CompletionSuccess, outcome)
}

func TestDetectCompletionOkFileTimesOut(t *testing.T) {
	dir := t.TempDir()
	n := NewNode("job", dir, "/bin/true", nil, 1)
	n.OkFile = "ok_file"
	n.MaxOkWaitTime = 1100 * time.Millisecond

	start := time.Now()
	outcome := detectCompletion(context.Background(), n, true)
	assert.Equal(t, CompletionFailure, outcome)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestDetectCompletionNoSentinelsUsesDriverExitCode(t *testing.T) {
	dir := t.TempDir()
	n := NewNode("job", dir, "/bin/true", nil, 1)

	assert.Equal(t, CompletionSuccess, detectCompletion(context.Background(), n, true))
	assert.Equal(t, CompletionFailure, detectCompletion(context.Background(), n, false))
}
