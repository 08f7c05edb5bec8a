// Package schedule computes next-run times for cron, interval and one-time
// schedules, timezone-aware.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tessara/schedq/pkg/core"
)

// Schedule defines when a job should run next.
type Schedule interface {
	// Next returns the first occurrence strictly after from, or the zero
	// time when no occurrence remains.
	Next(from time.Time) time.Time
}

// standard five-field parser: minute hour dom month dow.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronSchedule wraps a parsed cron expression evaluated in a location.
type cronSchedule struct {
	schedule cron.Schedule
	loc      *time.Location
}

// ParseCron parses a five-field cron expression evaluated in loc (UTC when
// nil). An unparseable expression returns a ValidationError.
func ParseCron(expr string, loc *time.Location) (Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, core.Validation("schedule", err)
	}
	return &cronSchedule{schedule: s, loc: loc}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from.In(s.loc))
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// onceSchedule fires a single time, then never again.
type onceSchedule struct {
	at time.Time
}

// Once creates a schedule with a single occurrence.
func Once(at time.Time) Schedule {
	return &onceSchedule{at: at}
}

func (s *onceSchedule) Next(from time.Time) time.Time {
	if s.at.After(from) {
		return s.at
	}
	return time.Time{}
}

// NextRunForJob computes the first occurrence of the job's schedule
// strictly after now, honoring its type, timezone, start/end bounds. A zero
// return means the job has no further occurrence.
func NextRunForJob(job *core.Job, now time.Time) (time.Time, error) {
	switch job.Type {
	case core.TypeOneTime:
		if job.NextRun != nil && job.NextRun.After(now) {
			return *job.NextRun, nil
		}
		return time.Time{}, nil
	case core.TypeCron, core.TypeRecurring:
		sched, err := ParseCron(job.Schedule, job.Location())
		if err != nil {
			return time.Time{}, err
		}
		from := now
		if job.Type == core.TypeRecurring && job.StartDate != nil && job.StartDate.After(from) {
			from = *job.StartDate
		}
		next := sched.Next(from)
		if next.IsZero() {
			return time.Time{}, nil
		}
		if job.Type == core.TypeRecurring && job.EndDate != nil && next.After(*job.EndDate) {
			return time.Time{}, nil
		}
		return next, nil
	default:
		return time.Time{}, core.Validation("type", fmt.Errorf("unknown job type %q", job.Type))
	}
}
