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

func newTestManager(t *testing.T, maxSubmit, maxRunning int) (*Manager, *List) {
	t.Helper()
	list := NewList(t.Name(), nil)
	driver := NewLocalDriver()
	m := NewManager(list, driver, maxSubmit, maxRunning, nil)
	return m, list
}

func runToCompletion(t *testing.T, m *Manager, numTotal int, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := m.RunJobs(ctx, numTotal)
	require.NoError(t, err)
}

// Scenario C: happy path, 4 local jobs each touching ok_file, max_running=2.
func TestRunJobsHappyPath(t *testing.T) {
	dir := t.TempDir()
	m, list := newTestManager(t, 1, 2)

	for i := 0; i < 4; i++ {
		runDir := filepath.Join(dir, "job", string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(runDir, 0o755))
		n := NewNode("job", runDir, "/bin/sh", []string{"-c", "touch ok_file"}, 1)
		n.OkFile = "ok_file"
		n.MaxSubmit = 1
		n.MaxOkWaitTime = 5 * time.Second
		require.NoError(t, list.AddJob(n))
	}

	runToCompletion(t, m, 4, 10*time.Second)

	for _, n := range list.All() {
		assert.Equal(t, Success, n.Status())
	}
	assert.EqualValues(t, 4, list.Counters.Count(Success))
}

// Scenario D: retry. First attempt touches exit_file, second touches ok_file.
func TestRunJobsRetry(t *testing.T) {
	dir := t.TempDir()
	m, list := newTestManager(t, 2, 1)

	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"if [ -f \""+dir+"/attempted\" ]; then rm -f \""+dir+"/exit_file\"; touch \""+dir+"/ok_file\"; "+
			"else touch \""+dir+"/attempted\"; touch \""+dir+"/exit_file\"; fi\n",
	), 0o755))

	n := NewNode("job", dir, "/bin/sh", []string{script}, 1)
	n.ExitFile = "exit_file"
	n.OkFile = "ok_file"
	n.MaxSubmit = 2
	n.MaxOkWaitTime = 5 * time.Second
	require.NoError(t, list.AddJob(n))

	runToCompletion(t, m, 1, 10*time.Second)

	assert.Equal(t, Success, n.Status())
	assert.Equal(t, 2, n.SubmitAttempt())
}

// Scenario E: kill on timeout. A job that sleeps far longer than
// max_duration is killed within a few seconds.
func TestRunJobsKillOnTimeout(t *testing.T) {
	dir := t.TempDir()
	m, list := newTestManager(t, 1, 1)

	n := NewNode("job", dir, "/bin/sh", []string{"-c", "sleep 10"}, 1)
	n.MaxSubmit = 1
	n.MaxDuration = time.Second

	require.NoError(t, list.AddJob(n))

	runToCompletion(t, m, 1, 8*time.Second)

	assert.Equal(t, IsKilled, n.Status())
}

// Scenario F: user exit. Three running jobs are all killed, no further
// submissions happen once start_user_exit has been called.
func TestRunJobsUserExit(t *testing.T) {
	dir := t.TempDir()
	m, list := newTestManager(t, 1, 3)

	for i := 0; i < 3; i++ {
		n := NewNode("job", dir, "/bin/sh", []string{"-c", "sleep 30"}, 1)
		n.MaxSubmit = 1
		require.NoError(t, list.AddJob(n))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.RunJobs(ctx, 3) }()

	require.Eventually(t, func() bool {
		return list.Counters.Count(Running) == 3
	}, 5*time.Second, 50*time.Millisecond)

	m.StartUserExit()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("RunJobs did not return after StartUserExit")
	}

	for _, n := range list.All() {
		assert.Equal(t, IsKilled, n.Status())
	}
}

func TestSubmitCompleteIdempotent(t *testing.T) {
	m, _ := newTestManager(t, 1, 1)
	m.SubmitComplete()
	m.SubmitComplete()
	assert.True(t, m.isSubmitComplete())
}

func TestConcurrentRunJobsRejected(t *testing.T) {
	dir := t.TempDir()
	m, list := newTestManager(t, 1, 1)
	n := NewNode("job", dir, "/bin/sh", []string{"-c", "sleep 2"}, 1)
	n.MaxSubmit = 1
	require.NoError(t, list.AddJob(n))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _ = m.RunJobs(ctx, 1) }()
	time.Sleep(100 * time.Millisecond)

	err := m.RunJobs(ctx, 1)
	assert.Equal(t, ErrConcurrentRunJobs, err)
}

// Invariant 1: the status-counter sum always equals the list length.
func TestStatusCounterSumInvariant(t *testing.T) {
	dir := t.TempDir()
	_, list := newTestManager(t, 1, 1)
	for i := 0; i < 5; i++ {
		n := NewNode("job", dir, "/bin/true", nil, 1)
		require.NoError(t, list.AddJob(n))
	}
	assert.EqualValues(t, list.Len(), list.Counters.Total())
}

// Invariant 9: max_running == 0 means unlimited.
func TestMaxRunningZeroMeansUnlimited(t *testing.T) {
	dir := t.TempDir()
	m, list := newTestManager(t, 1, 0)

	for i := 0; i < 3; i++ {
		runDir := filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.MkdirAll(runDir, 0o755))
		n := NewNode("job", runDir, "/bin/sh", []string{"-c", "touch ok_file"}, 1)
		n.OkFile = "ok_file"
		n.MaxSubmit = 1
		n.MaxOkWaitTime = 5 * time.Second
		require.NoError(t, list.AddJob(n))
	}

	runToCompletion(t, m, 3, 10*time.Second)
	assert.EqualValues(t, 3, list.Counters.Count(Success))
}
