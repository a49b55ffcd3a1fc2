package domain

import "time"

// ConvertedImage is a page cache entry: one rasterized PDF page in the blob store.
type ConvertedImage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID string    `gorm:"type:text;not null;uniqueIndex:idx_converted_images_page" json:"document_id"`
	PageNumber int       `gorm:"not null;uniqueIndex:idx_converted_images_page" json:"page_number"`
	ImagePath  string    `gorm:"type:text;not null" json:"image_path"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ConvertedImage) TableName() string {
	return "converted_images"
}

// ExtractedPage is one extraction result. Rows are append-only; every analysis
// run adds its own rows tagged with the producing job.
type ExtractedPage struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	DocumentID string    `gorm:"type:text;not null;index" json:"document_id"`
	JobID      string    `gorm:"type:text;index" json:"job_id"`
	PageNumber int       `gorm:"not null" json:"page_number"`
	Content    JSONMap   `gorm:"type:text" json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ExtractedPage) TableName() string {
	return "extracted_pages"
}
