package scheduler

import (
	"time"

	"go.uber.org/zap"
)

// Config holds scheduler configuration.
type Config struct {
	// TickInterval is the cadence of the dispatch tick.
	TickInterval time.Duration
	// DueBatchLimit caps how many due jobs one tick processes.
	DueBatchLimit int

	// Defaults applied when a JobSpec leaves the field zero.
	DefaultMaxRetries int
	DefaultRetryDelay time.Duration
	DefaultTimeout    time.Duration

	// CatchUp dispatches the single most recent missed occurrence on
	// resume instead of skipping to the next one.
	CatchUp bool

	// InstanceID identifies this dispatcher in claims and logs.
	InstanceID string
}

func defaultConfig() Config {
	return Config{
		TickInterval:      60 * time.Second,
		DueBatchLimit:     100,
		DefaultMaxRetries: 3,
		DefaultRetryDelay: time.Second,
		DefaultTimeout:    30 * time.Second,
	}
}

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithTickInterval sets the dispatch tick cadence.
func WithTickInterval(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) { s.config.TickInterval = d })
}

// WithDueBatchLimit caps due jobs handled per tick.
func WithDueBatchLimit(n int) Option {
	return optionFunc(func(s *Scheduler) { s.config.DueBatchLimit = n })
}

// WithDefaultMaxRetries sets the retry budget applied to jobs that do not
// specify one.
func WithDefaultMaxRetries(n int) Option {
	return optionFunc(func(s *Scheduler) { s.config.DefaultMaxRetries = n })
}

// WithDefaultTimeout sets the execution deadline applied to jobs that do
// not specify one.
func WithDefaultTimeout(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) { s.config.DefaultTimeout = d })
}

// WithDefaultRetryDelay sets the base retry delay applied to jobs that do
// not specify one.
func WithDefaultRetryDelay(d time.Duration) Option {
	return optionFunc(func(s *Scheduler) { s.config.DefaultRetryDelay = d })
}

// WithCatchUp enables catch-up dispatch of the most recent missed
// occurrence on resume. Default is skip.
func WithCatchUp(enabled bool) Option {
	return optionFunc(func(s *Scheduler) { s.config.CatchUp = enabled })
}

// WithLogger sets the scheduler logger. Default no-op.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(s *Scheduler) { s.logger = l })
}

// WithInstanceID names this dispatcher instance.
func WithInstanceID(id string) Option {
	return optionFunc(func(s *Scheduler) { s.config.InstanceID = id })
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(s *Scheduler) { s.now = now })
}
