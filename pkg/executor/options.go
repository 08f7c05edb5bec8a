package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/retrypolicy"
)

// Config holds executor configuration.
type Config struct {
	// Group is the consumer-group name; all executor replicas sharing a
	// group compete for envelopes.
	Group string
	// Concurrency is the number of worker goroutines.
	Concurrency int
	// WorkerID identifies this executor instance in execution rows.
	WorkerID string
	// IdemTTLMargin pads the idempotency TTL beyond the worst-case
	// retry-chain duration.
	IdemTTLMargin time.Duration
}

// Option configures an Executor.
type Option interface {
	apply(*Executor)
}

type optionFunc func(*Executor)

func (f optionFunc) apply(e *Executor) { f(e) }

// WithGroup sets the consumer-group name. Default "executors".
func WithGroup(name string) Option {
	return optionFunc(func(e *Executor) { e.config.Group = name })
}

// WithConcurrency sets the worker-pool size. Default 4.
func WithConcurrency(n int) Option {
	return optionFunc(func(e *Executor) { e.config.Concurrency = n })
}

// WithWorkerID names this executor instance.
func WithWorkerID(id string) Option {
	return optionFunc(func(e *Executor) { e.config.WorkerID = id })
}

// WithRetryPolicy replaces the default backoff policy for failed
// executions.
func WithRetryPolicy(p retrypolicy.Policy) Option {
	return optionFunc(func(e *Executor) { e.policy = p })
}

// WithExecutorLogger sets the executor logger. Default no-op.
func WithExecutorLogger(l *zap.Logger) Option {
	return optionFunc(func(e *Executor) { e.logger = l })
}

// WithExecutorClock overrides the time source, for tests.
func WithExecutorClock(now func() time.Time) Option {
	return optionFunc(func(e *Executor) { e.now = now })
}

// Hooks observe execution outcomes in-process. All callbacks are optional
// and must not block.
type Hooks struct {
	OnStart   func(exec *core.JobExecution)
	OnSuccess func(exec *core.JobExecution)
	OnFailure func(exec *core.JobExecution, err error)
	OnRetry   func(exec *core.JobExecution, nextRetryAt time.Time)
}

// WithHooks registers outcome callbacks.
func WithHooks(h Hooks) Option {
	return optionFunc(func(e *Executor) { e.hooks = h })
}
