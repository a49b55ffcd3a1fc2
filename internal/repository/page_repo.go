package repository

import (
	"context"

	"github.com/timmy/claimflow/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PageRepository handles converted_images (page cache rows) and the
// append-only extracted_pages log.
type PageRepository struct {
	db *gorm.DB
}

// NewPageRepository creates a new PageRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *PageRepository: repository instance bound to db.
func NewPageRepository(db *gorm.DB) *PageRepository {
	return &PageRepository{db: db}
}

// ListConvertedImages returns the cached pages of a document ordered by page number.
func (r *PageRepository) ListConvertedImages(ctx context.Context, documentID string) ([]domain.ConvertedImage, error) {
	var images []domain.ConvertedImage
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("page_number ASC").
		Find(&images).Error; err != nil {
		return nil, err
	}
	return images, nil
}

// UpsertConvertedImage records a cached page. Storing the same page twice
// overwrites the image path.
func (r *PageRepository) UpsertConvertedImage(ctx context.Context, image *domain.ConvertedImage) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "page_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"image_path"}),
	}).Create(image).Error
}

// AppendExtractedPage inserts one extraction result.
func (r *PageRepository) AppendExtractedPage(ctx context.Context, page *domain.ExtractedPage) error {
	return r.db.WithContext(ctx).Create(page).Error
}

// ListExtractedPagesByJob returns the rows a single job produced, in page order.
func (r *PageRepository) ListExtractedPagesByJob(ctx context.Context, jobID string) ([]domain.ExtractedPage, error) {
	var pages []domain.ExtractedPage
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("page_number ASC, id ASC").
		Find(&pages).Error; err != nil {
		return nil, err
	}
	return pages, nil
}

// CountExtractedPages counts every extraction row ever written for a document.
func (r *PageRepository) CountExtractedPages(ctx context.Context, documentID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.ExtractedPage{}).
		Where("document_id = ?", documentID).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
