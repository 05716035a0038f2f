package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCountersIncrementDecrement(t *testing.T) {
	c := NewStatusCounters("test_counters", nil)
	c.Increment(Waiting)
	c.Increment(Waiting)
	c.Increment(Running)
	assert.EqualValues(t, 2, c.Count(Waiting))
	assert.EqualValues(t, 1, c.Count(Running))
	assert.EqualValues(t, 3, c.Total())

	c.Decrement(Waiting)
	assert.EqualValues(t, 1, c.Count(Waiting))
	assert.EqualValues(t, 2, c.Total())
}

func TestStatusCountersSnapshotOmitsZero(t *testing.T) {
	c := NewStatusCounters("test_snapshot", nil)
	c.Increment(Running)
	c.Increment(Success)
	c.Increment(Success)
	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.EqualValues(t, 1, snap[Running])
	assert.EqualValues(t, 2, snap[Success])
	_, ok := snap[Failed]
	assert.False(t, ok)
}
