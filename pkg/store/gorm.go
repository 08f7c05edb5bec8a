// Package store provides JobStore implementations: a GORM-backed reference
// adapter and an in-memory store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tessara/schedq/pkg/core"
	"github.com/tessara/schedq/pkg/security"
)

// GormStore implements core.JobStore using GORM. SQLite is the reference
// driver; any GORM dialect with row-level write serialization works.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed job store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{}, &core.JobExecution{}, &core.EventHandler{})
}

// CreateJob implements core.JobStore.
func (s *GormStore) CreateJob(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJob implements core.JobStore.
func (s *GormStore) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.NotFound("job", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs implements core.JobStore.
func (s *GormStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if filter.ScopeID != "" {
		q = q.Where("scope_id = ?", filter.ScopeID)
	}
	if filter.Name != "" {
		q = q.Where("name LIKE ?", "%"+filter.Name+"%")
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var jobs []*core.Job
	err := q.Order("created_at ASC").Find(&jobs).Error
	return jobs, err
}

// UpdateJob implements core.JobStore.
func (s *GormStore) UpdateJob(ctx context.Context, job *core.Job) error {
	result := s.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("job", job.ID)
	}
	return nil
}

// UpdateJobStatus implements core.JobStore.
func (s *GormStore) UpdateJobStatus(ctx context.Context, id string, status core.JobStatus, nextRun *time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":   status,
			"next_run": nextRun,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("job", id)
	}
	return nil
}

// DeleteJob implements core.JobStore. Executions cascade.
func (s *GormStore) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&core.JobExecution{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&core.Job{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return core.NotFound("job", id)
		}
		return nil
	})
}

// GetDueJobs implements core.JobStore.
func (s *GormStore) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.JobActive).
		Where("next_run IS NOT NULL AND next_run <= ?", now).
		Order("priority DESC, next_run ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// ClaimDueJob implements core.JobStore. The conditional update on the
// previous next_run value is the optimistic-concurrency token: with
// multiple dispatchers, exactly one update matches per due occurrence.
func (s *GormStore) ClaimDueJob(ctx context.Context, id string, expected time.Time, next *time.Time, status core.JobStatus) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND next_run = ?", id, expected).
		Updates(map[string]any{
			"status":   status,
			"next_run": next,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ApplyOutcome implements core.JobStore.
func (s *GormStore) ApplyOutcome(ctx context.Context, jobID string, outcome core.ExecutionOutcome) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return core.NotFound("job", jobID)
			}
			return err
		}
		applyOutcome(&job, outcome)
		return tx.Save(&job).Error
	})
}

// CreateExecution implements core.JobStore.
func (s *GormStore) CreateExecution(ctx context.Context, exec *core.JobExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.OriginID == "" {
		exec.OriginID = exec.ID
	}
	if exec.Status == "" {
		exec.Status = core.ExecPending
	}
	exec.Error = security.SanitizeErrorMessage(exec.Error)
	return s.db.WithContext(ctx).Create(exec).Error
}

// GetExecution implements core.JobStore.
func (s *GormStore) GetExecution(ctx context.Context, id string) (*core.JobExecution, error) {
	var exec core.JobExecution
	err := s.db.WithContext(ctx).First(&exec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.NotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// UpdateExecution implements core.JobStore.
func (s *GormStore) UpdateExecution(ctx context.Context, exec *core.JobExecution) error {
	exec.Error = security.SanitizeErrorMessage(exec.Error)
	result := s.db.WithContext(ctx).Save(exec)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("execution", exec.ID)
	}
	return nil
}

// ListExecutions implements core.JobStore.
func (s *GormStore) ListExecutions(ctx context.Context, jobID string, opts core.ExecutionListOptions) ([]*core.JobExecution, error) {
	q := s.db.WithContext(ctx).Where("job_id = ?", jobID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var execs []*core.JobExecution
	err := q.Order("scheduled_at ASC").Find(&execs).Error
	return execs, err
}

// CountLiveExecutions implements core.JobStore.
func (s *GormStore) CountLiveExecutions(ctx context.Context, jobID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.JobExecution{}).
		Where("job_id = ?", jobID).
		Where("status IN ?", []core.ExecutionStatus{core.ExecPending, core.ExecRunning}).
		Count(&count).Error
	return int(count), err
}

// CreateEventHandler implements core.JobStore.
func (s *GormStore) CreateEventHandler(ctx context.Context, h *core.EventHandler) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(h).Error
}

// ListEventHandlers implements core.JobStore. An empty eventName lists all.
func (s *GormStore) ListEventHandlers(ctx context.Context, eventName string) ([]*core.EventHandler, error) {
	q := s.db.WithContext(ctx).Model(&core.EventHandler{})
	if eventName != "" {
		q = q.Where("event_name = ?", eventName)
	}

	var handlers []*core.EventHandler
	err := q.Order("priority DESC, created_at ASC").Find(&handlers).Error
	return handlers, err
}

// UpdateEventHandler implements core.JobStore.
func (s *GormStore) UpdateEventHandler(ctx context.Context, h *core.EventHandler) error {
	result := s.db.WithContext(ctx).Save(h)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("event_handler", h.ID)
	}
	return nil
}

// RecordEventOutcome implements core.JobStore. The increments run in the
// database so concurrent deliveries never lose updates.
func (s *GormStore) RecordEventOutcome(ctx context.Context, id string, success bool) error {
	updates := map[string]any{
		"trigger_count": gorm.Expr("trigger_count + 1"),
	}
	if success {
		updates["success_count"] = gorm.Expr("success_count + 1")
	} else {
		updates["failure_count"] = gorm.Expr("failure_count + 1")
	}
	result := s.db.WithContext(ctx).
		Model(&core.EventHandler{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("event_handler", id)
	}
	return nil
}

// DeleteEventHandler implements core.JobStore.
func (s *GormStore) DeleteEventHandler(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&core.EventHandler{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.NotFound("event_handler", id)
	}
	return nil
}
