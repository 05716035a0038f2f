package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDriverSubmitAndQueryStatus(t *testing.T) {
	d := NewLocalDriver()
	h, err := d.Submit(context.Background(), SubmitRequest{Cmd: "/bin/sh", Argv: []string{"-c", "exit 0"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := d.QueryStatus(context.Background(), h)
		return err == nil && status == DriverDone
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocalDriverSubmitReportsNonZeroExit(t *testing.T) {
	d := NewLocalDriver()
	h, err := d.Submit(context.Background(), SubmitRequest{Cmd: "/bin/sh", Argv: []string{"-c", "exit 3"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := d.QueryStatus(context.Background(), h)
		return err == nil && status == DriverExit
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocalDriverKillTerminatesProcess(t *testing.T) {
	d := NewLocalDriver()
	h, err := d.Submit(context.Background(), SubmitRequest{Cmd: "/bin/sh", Argv: []string{"-c", "sleep 30"}})
	require.NoError(t, err)

	require.NoError(t, d.Kill(context.Background(), h))

	require.Eventually(t, func() bool {
		status, err := d.QueryStatus(context.Background(), h)
		return err == nil && status == DriverExit
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocalDriverSetOptionRejectsUnknownKey(t *testing.T) {
	d := NewLocalDriver()
	assert.Error(t, d.SetOption(OptionPartition, "x"))
	assert.NoError(t, d.SetOption(OptionMaxRunning, "4"))
	v, ok := d.GetOption(OptionMaxRunning)
	assert.True(t, ok)
	assert.Equal(t, "4", v)
}

func TestLocalDriverBlacklistIsNoop(t *testing.T) {
	d := NewLocalDriver()
	h, err := d.Submit(context.Background(), SubmitRequest{Cmd: "/bin/sh", Argv: []string{"-c", "exit 0"}})
	require.NoError(t, err)

	assert.NoError(t, d.Blacklist(h))

	require.Eventually(t, func() bool {
		status, err := d.QueryStatus(context.Background(), h)
		return err == nil && status == DriverDone
	}, 2*time.Second, 20*time.Millisecond)
}
