package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/claimflow/internal/domain"
	"gorm.io/gorm"
)

// JobRepository handles job rows.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job record to persist; Status defaults to queued.
// Returns:
//   - error: non-nil if the insert fails.
func (r *JobRepository) Create(ctx context.Context, job *domain.Job) error {
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// GetByID retrieves a job by its queue-assigned ID.
// Returns domain.ErrJobNotFound when no row matches.
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	if err := r.db.WithContext(ctx).First(&job, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveForDocument reports whether the document has a queued or processing job.
func (r *JobRepository) HasActiveForDocument(ctx context.Context, documentID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("document_id = ? AND status IN ?", documentID,
			[]domain.JobStatus{domain.JobStatusQueued, domain.JobStatusProcessing}).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Fail marks a job failed without touching its document. Used when the task
// never reached the worker.
func (r *JobRepository) Fail(ctx context.Context, jobID, message string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":        domain.JobStatusFailed,
			"error_message": message,
			"completed_at":  &now,
			"updated_at":    now,
		}).Error
}

// ListByDocument returns the document's jobs, newest first.
func (r *JobRepository) ListByDocument(ctx context.Context, documentID string, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	q := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
