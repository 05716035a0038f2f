package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNodeCasStatus(t *testing.T) {
	n := NewNode("job", "/tmp", "/bin/true", nil, 1)
	assert.Equal(t, NotActive, n.Status())

	assert.False(t, n.casStatus(Waiting, Pending))
	assert.True(t, n.casStatus(NotActive, Waiting))
	assert.Equal(t, Waiting, n.Status())
}

func TestNodeSubmitAttemptBookkeeping(t *testing.T) {
	n := NewNode("job", "/tmp", "/bin/true", nil, 1)
	n.recordSubmission(nil, time.Now())
	n.recordSubmission(nil, time.Now())
	assert.Equal(t, 2, n.SubmitAttempt())

	n.decrementSubmitAttempt()
	assert.Equal(t, 1, n.SubmitAttempt())

	n.resetSubmitAttempt()
	assert.Equal(t, 0, n.SubmitAttempt())
}

func TestNodeRunningFor(t *testing.T) {
	n := NewNode("job", "/tmp", "/bin/true", nil, 1)
	assert.Equal(t, time.Duration(0), n.runningFor(time.Now()))

	start := time.Now().Add(-5 * time.Second)
	n.recordSubmission(nil, start)
	assert.GreaterOrEqual(t, n.runningFor(time.Now()), 5*time.Second)
}
