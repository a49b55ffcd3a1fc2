package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/claimflow/internal/domain"
	"gorm.io/gorm"
)

// StatusRepository moves a job and its document between states together.
// Every method runs in a single transaction so the two rows never disagree.
type StatusRepository struct {
	db *gorm.DB
}

// NewStatusRepository creates a new StatusRepository.
func NewStatusRepository(db *gorm.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// MarkProcessing records that the worker picked up the job.
func (r *StatusRepository) MarkProcessing(ctx context.Context, jobID, documentID string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Job{}).Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":        domain.JobStatusProcessing,
				"started_at":    &now,
				"error_message": "",
				"updated_at":    now,
			}).Error; err != nil {
			return fmt.Errorf("mark job processing: %w", err)
		}
		if err := tx.Model(&domain.Document{}).Where("id = ?", documentID).
			Updates(map[string]interface{}{
				"analysis_status": domain.AnalysisProcessing,
				"updated_at":      now,
			}).Error; err != nil {
			return fmt.Errorf("mark document processing: %w", err)
		}
		return nil
	})
}

// MarkCompleted writes the aggregated result, its normalized claim and both
// terminal states.
func (r *StatusRepository) MarkCompleted(ctx context.Context, jobID, documentID string, data, claim domain.JSONMap, at time.Time) error {
	if data == nil {
		data = domain.JSONMap{}
	}
	if claim == nil {
		claim = domain.JSONMap{}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Document{}).Where("id = ?", documentID).
			Updates(map[string]interface{}{
				"extracted_data":  data,
				"claim_data":      claim,
				"analysis_status": domain.AnalysisComplete,
				"analyzed_at":     &at,
				"updated_at":      at,
			}).Error; err != nil {
			return fmt.Errorf("mark document complete: %w", err)
		}
		if err := tx.Model(&domain.Job{}).Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":       domain.JobStatusCompleted,
				"completed_at": &at,
				"updated_at":   at,
			}).Error; err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		return nil
	})
}

// MarkFailed records the failure on the job and marks the document failed.
// An empty documentID leaves documents untouched; the worker passes one when
// the task was rejected before it touched any document. With keepResult, a
// document that already holds a completed analysis goes back to complete so
// its status keeps describing the extracted data it still carries.
func (r *StatusRepository) MarkFailed(ctx context.Context, jobID, documentID, message string, keepResult bool) error {
	now := time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Job{}).Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"status":        domain.JobStatusFailed,
				"error_message": message,
				"completed_at":  &now,
				"updated_at":    now,
			}).Error; err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		if documentID == "" {
			return nil
		}
		if keepResult {
			res := tx.Model(&domain.Document{}).
				Where("id = ? AND analyzed_at IS NOT NULL", documentID).
				Updates(map[string]interface{}{
					"analysis_status": domain.AnalysisComplete,
					"updated_at":      now,
				})
			if res.Error != nil {
				return fmt.Errorf("restore document status: %w", res.Error)
			}
			if res.RowsAffected > 0 {
				return nil
			}
		}
		if err := tx.Model(&domain.Document{}).Where("id = ?", documentID).
			Updates(map[string]interface{}{
				"analysis_status": domain.AnalysisFailed,
				"updated_at":      now,
			}).Error; err != nil {
			return fmt.Errorf("mark document failed: %w", err)
		}
		return nil
	})
}
