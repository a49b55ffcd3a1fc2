package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/claimflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DocumentRepository handles document rows.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new DocumentRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *DocumentRepository: repository instance bound to db.
func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Upsert creates the document or, when it already exists, points it at the new
// file and resets it to queued. Previously extracted data is kept until the next
// successful analysis replaces it.
func (r *DocumentRepository) Upsert(ctx context.Context, doc *domain.Document) error {
	if doc.AnalysisStatus == "" {
		doc.AnalysisStatus = domain.AnalysisQueued
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "file_path", "analysis_status", "updated_at"}),
	}).Create(doc).Error
}

// SetStatus updates only the analysis status.
func (r *DocumentRepository) SetStatus(ctx context.Context, id string, status domain.AnalysisStatus) error {
	return r.db.WithContext(ctx).Model(&domain.Document{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"analysis_status": status, "updated_at": time.Now()}).Error
}

// GetByID retrieves a document by its ID.
// Returns domain.ErrDocumentNotFound when no row matches.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	var doc domain.Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrDocumentNotFound
		}
		return nil, err
	}
	return &doc, nil
}
