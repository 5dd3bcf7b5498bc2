package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/exposcan/internal/domain"
	"github.com/timmy/exposcan/internal/scan"
)

// ScanRepository persists jobs, their tasks and merged findings.
type ScanRepository struct {
	db *gorm.DB
}

// NewScanRepository creates a new ScanRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *ScanRepository: repository instance bound to db.
func NewScanRepository(db *gorm.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// CreateJob inserts a job with its planned tasks in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist.
//   - tasks: one task per (target, provider) pair.
// Returns:
//   - error: non-nil if either insert fails.
func (r *ScanRepository) CreateJob(ctx context.Context, job *domain.ScanJob, tasks []domain.ProviderTask) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(tasks, 100).Error; err != nil {
			return fmt.Errorf("create tasks: %w", err)
		}
		return nil
	})
}

// UpdateJob saves the job's current state and credit totals.
func (r *ScanRepository) UpdateJob(ctx context.Context, job *domain.ScanJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

// UpdateTask saves one task's status, attempts and timing.
func (r *ScanRepository) UpdateTask(ctx context.Context, task *domain.ProviderTask) error {
	return r.db.WithContext(ctx).Save(task).Error
}

// SaveFindings replaces the merged findings stored for a job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: owning job.
//   - findings: merged findings; each must carry JobID.
// Returns:
//   - error: non-nil if the write fails.
func (r *ScanRepository) SaveFindings(ctx context.Context, jobID string, findings []domain.Finding) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&domain.Finding{}).Error; err != nil {
			return err
		}
		if len(findings) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(findings, 100).Error
	})
}

// LoadJob retrieves a job with its tasks and findings.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobID: job ID.
// Returns:
//   - *domain.ScanJob: job record.
//   - []domain.ProviderTask: tasks ordered by target then provider.
//   - []domain.Finding: merged findings ordered by confidence.
//   - error: scan.ErrJobNotFound if no such job exists.
func (r *ScanRepository) LoadJob(ctx context.Context, jobID string) (*domain.ScanJob, []domain.ProviderTask, []domain.Finding, error) {
	db := r.db.WithContext(ctx)

	var job domain.ScanJob
	if err := db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil, scan.ErrJobNotFound
		}
		return nil, nil, nil, err
	}

	var tasks []domain.ProviderTask
	if err := db.Where("job_id = ?", jobID).Order("target_id, provider_id").Find(&tasks).Error; err != nil {
		return nil, nil, nil, err
	}

	var findings []domain.Finding
	if err := db.Where("job_id = ?", jobID).Order("confidence DESC, id").Find(&findings).Error; err != nil {
		return nil, nil, nil, err
	}
	return &job, tasks, findings, nil
}

// ListJobs returns a workspace's most recent jobs.
func (r *ScanRepository) ListJobs(ctx context.Context, workspaceID string, limit int) ([]domain.ScanJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var jobs []domain.ScanJob
	err := r.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CountByState counts jobs per state.
func (r *ScanRepository) CountByState(ctx context.Context) (map[domain.JobState]int64, error) {
	var rows []struct {
		State domain.JobState
		Count int64
	}
	if err := r.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.JobState]int64, len(rows))
	for _, row := range rows {
		out[row.State] = row.Count
	}
	return out, nil
}
