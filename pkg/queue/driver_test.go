package queue

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateOptionKeysAggregatesFailures(t *testing.T) {
	valid := map[OptionKey]bool{OptionMaxRunning: true}

	err := validateOptionKeys("test", []OptionKey{OptionMaxRunning, OptionPartition, OptionMemory}, valid)
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 2)
}

func TestValidateOptionKeysAllValid(t *testing.T) {
	valid := map[OptionKey]bool{OptionMaxRunning: true}
	err := validateOptionKeys("test", []OptionKey{OptionMaxRunning}, valid)
	assert.NoError(t, err)
}
