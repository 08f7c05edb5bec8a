package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tessara/schedq/pkg/core"
)

// MemoryStore is an in-process JobStore for tests and embedded use.
// A single mutex serializes all writes, which matches the row-level
// serialization the interface demands.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*core.Job
	execs    map[string]*core.JobExecution
	handlers map[string]*core.EventHandler
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*core.Job),
		execs:    make(map[string]*core.JobExecution),
		handlers: make(map[string]*core.EventHandler),
	}
}

// Migrate implements core.JobStore; nothing to create in memory.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

func copyJob(j *core.Job) *core.Job {
	out := *j
	return &out
}

func copyExec(e *core.JobExecution) *core.JobExecution {
	out := *e
	return &out
}

// CreateJob implements core.JobStore.
func (s *MemoryStore) CreateJob(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob implements core.JobStore.
func (s *MemoryStore) GetJob(_ context.Context, id string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, core.NotFound("job", id)
	}
	return copyJob(job), nil
}

// ListJobs implements core.JobStore.
func (s *MemoryStore) ListJobs(_ context.Context, filter core.JobFilter) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if filter.ScopeID != "" && j.ScopeID != filter.ScopeID {
			continue
		}
		if filter.Name != "" && !strings.Contains(j.Name, filter.Name) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateJob implements core.JobStore.
func (s *MemoryStore) UpdateJob(_ context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return core.NotFound("job", job.ID)
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// UpdateJobStatus implements core.JobStore.
func (s *MemoryStore) UpdateJobStatus(_ context.Context, id string, status core.JobStatus, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return core.NotFound("job", id)
	}
	job.Status = status
	job.NextRun = nextRun
	job.UpdatedAt = time.Now()
	return nil
}

// DeleteJob implements core.JobStore.
func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return core.NotFound("job", id)
	}
	delete(s.jobs, id)
	for eid, e := range s.execs {
		if e.JobID == id {
			delete(s.execs, eid)
		}
	}
	return nil
}

// GetDueJobs implements core.JobStore.
func (s *MemoryStore) GetDueJobs(_ context.Context, now time.Time, limit int) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*core.Job
	for _, j := range s.jobs {
		if j.Status != core.JobActive || j.NextRun == nil {
			continue
		}
		if j.NextRun.After(now) {
			continue
		}
		due = append(due, copyJob(j))
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].NextRun.Before(*due[k].NextRun)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ClaimDueJob implements core.JobStore. The claim succeeds only when the
// stored next_run still equals the expected token.
func (s *MemoryStore) ClaimDueJob(_ context.Context, id string, expected time.Time, next *time.Time, status core.JobStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, core.NotFound("job", id)
	}
	if job.NextRun == nil || !job.NextRun.Equal(expected) {
		return false, nil
	}
	job.NextRun = next
	job.Status = status
	job.UpdatedAt = time.Now()
	return true, nil
}

// ApplyOutcome implements core.JobStore.
func (s *MemoryStore) ApplyOutcome(_ context.Context, jobID string, outcome core.ExecutionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return core.NotFound("job", jobID)
	}
	applyOutcome(job, outcome)
	return nil
}

// applyOutcome folds one resolved execution into the job counters. The
// average duration update is the standard incremental mean.
func applyOutcome(job *core.Job, outcome core.ExecutionOutcome) {
	job.ExecutionsCount++
	if outcome.Success {
		job.SuccessCount++
	} else {
		job.FailureCount++
	}
	n := float64(job.ExecutionsCount)
	job.AvgDurationMS += (float64(outcome.Duration.Milliseconds()) - job.AvgDurationMS) / n
	lastRun := outcome.LastRun
	job.LastRun = &lastRun
	job.UpdatedAt = time.Now()
}

// CreateExecution implements core.JobStore.
func (s *MemoryStore) CreateExecution(_ context.Context, exec *core.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.OriginID == "" {
		exec.OriginID = exec.ID
	}
	now := time.Now()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	s.execs[exec.ID] = copyExec(exec)
	return nil
}

// GetExecution implements core.JobStore.
func (s *MemoryStore) GetExecution(_ context.Context, id string) (*core.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[id]
	if !ok {
		return nil, core.NotFound("execution", id)
	}
	return copyExec(e), nil
}

// UpdateExecution implements core.JobStore.
func (s *MemoryStore) UpdateExecution(_ context.Context, exec *core.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execs[exec.ID]; !ok {
		return core.NotFound("execution", exec.ID)
	}
	exec.UpdatedAt = time.Now()
	s.execs[exec.ID] = copyExec(exec)
	return nil
}

// ListExecutions implements core.JobStore.
func (s *MemoryStore) ListExecutions(_ context.Context, jobID string, opts core.ExecutionListOptions) ([]*core.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.JobExecution
	for _, e := range s.execs {
		if e.JobID != jobID {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		out = append(out, copyExec(e))
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].ScheduledAt.Before(out[k].ScheduledAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// CountLiveExecutions implements core.JobStore.
func (s *MemoryStore) CountLiveExecutions(_ context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.execs {
		if e.JobID == jobID && (e.Status == core.ExecPending || e.Status == core.ExecRunning) {
			count++
		}
	}
	return count, nil
}

// CreateEventHandler implements core.JobStore.
func (s *MemoryStore) CreateEventHandler(_ context.Context, h *core.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	now := time.Now()
	h.CreatedAt = now
	h.UpdatedAt = now
	cp := *h
	s.handlers[h.ID] = &cp
	return nil
}

// ListEventHandlers implements core.JobStore. An empty eventName lists all.
func (s *MemoryStore) ListEventHandlers(_ context.Context, eventName string) ([]*core.EventHandler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*core.EventHandler
	for _, h := range s.handlers {
		if eventName != "" && h.EventName != eventName {
			continue
		}
		cp := *h
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Priority != out[k].Priority {
			return out[i].Priority > out[k].Priority
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// UpdateEventHandler implements core.JobStore.
func (s *MemoryStore) UpdateEventHandler(_ context.Context, h *core.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[h.ID]; !ok {
		return core.NotFound("event_handler", h.ID)
	}
	h.UpdatedAt = time.Now()
	cp := *h
	s.handlers[h.ID] = &cp
	return nil
}

// RecordEventOutcome implements core.JobStore.
func (s *MemoryStore) RecordEventOutcome(_ context.Context, id string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handlers[id]
	if !ok {
		return core.NotFound("event_handler", id)
	}
	h.TriggerCount++
	if success {
		h.SuccessCount++
	} else {
		h.FailureCount++
	}
	h.UpdatedAt = time.Now()
	return nil
}

// DeleteEventHandler implements core.JobStore.
func (s *MemoryStore) DeleteEventHandler(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[id]; !ok {
		return core.NotFound("event_handler", id)
	}
	delete(s.handlers, id)
	return nil
}
