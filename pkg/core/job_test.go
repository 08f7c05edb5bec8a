package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, JobPending.IsTerminal())
	assert.False(t, JobActive.IsTerminal())
	assert.False(t, JobPaused.IsTerminal())
	assert.True(t, JobCompleted.IsTerminal())
	assert.True(t, JobFailed.IsTerminal())
	assert.True(t, JobCancelled.IsTerminal())
}

func TestJob_CanTransition(t *testing.T) {
	active := &Job{Status: JobActive}
	assert.True(t, active.CanTransition(JobPaused))
	assert.True(t, active.CanTransition(JobCancelled))
	assert.True(t, active.CanTransition(JobCompleted))
	assert.False(t, active.CanTransition(JobActive))

	paused := &Job{Status: JobPaused}
	assert.True(t, paused.CanTransition(JobActive))
	assert.True(t, paused.CanTransition(JobCancelled))

	done := &Job{Status: JobCompleted}
	assert.False(t, done.CanTransition(JobActive))
	assert.False(t, done.CanTransition(JobCancelled))

	cancelled := &Job{Status: JobCancelled}
	assert.False(t, cancelled.CanTransition(JobPaused))
}

func TestJob_Location(t *testing.T) {
	assert.Equal(t, time.UTC, (&Job{}).Location())
	assert.Equal(t, time.UTC, (&Job{Timezone: "bogus"}).Location())

	loc := (&Job{Timezone: "America/New_York"}).Location()
	assert.Equal(t, "America/New_York", loc.String())
}

func TestJob_Durations(t *testing.T) {
	job := &Job{TimeoutMS: 5000, RetryDelayMS: 250}
	assert.Equal(t, 5*time.Second, job.Timeout())
	assert.Equal(t, 250*time.Millisecond, job.RetryDelay())
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, ExecPending.IsTerminal())
	assert.False(t, ExecRunning.IsTerminal())
	assert.True(t, ExecSuccess.IsTerminal())
	assert.True(t, ExecFailed.IsTerminal())
	assert.True(t, ExecTimeout.IsTerminal())
	assert.True(t, ExecCancelled.IsTerminal())
	assert.True(t, ExecSkipped.IsTerminal())
}

func TestJobExecution_ExhaustedRetries(t *testing.T) {
	assert.True(t, (&JobExecution{RetryCount: 0, MaxRetries: 0}).ExhaustedRetries())
	assert.False(t, (&JobExecution{RetryCount: 1, MaxRetries: 2}).ExhaustedRetries())
	assert.True(t, (&JobExecution{RetryCount: 2, MaxRetries: 2}).ExhaustedRetries())
}

func TestDispatchEnvelope_RoundTrip(t *testing.T) {
	env, err := NewDispatchEnvelope(DispatchPayload{
		JobID:       "j1",
		ExecutionID: "e1",
		HandlerName: "handler",
		HandlerType: HandlerFunction,
		TimeoutMS:   1000,
	}, "corr-1")
	require.NoError(t, err)

	// Envelope id is the execution id: it doubles as the idempotency key.
	assert.Equal(t, "e1", env.ID)
	assert.Equal(t, EnvelopeDispatch, env.Type)
	assert.Equal(t, "corr-1", env.CorrelationID)

	p, err := env.DispatchPayload()
	require.NoError(t, err)
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, "handler", p.HandlerName)
}

func TestNoRetry(t *testing.T) {
	err := NoRetry(assert.AnError)

	var nr *NoRetryError
	require.ErrorAs(t, err, &nr)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("job", "x")))
	assert.False(t, IsNotFound(assert.AnError))
	assert.False(t, IsNotFound(nil))
}
