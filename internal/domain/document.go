package domain

import "time"

// AnalysisStatus is the lifecycle state of a document's analysis.
type AnalysisStatus string

const (
	AnalysisQueued     AnalysisStatus = "queued"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisComplete   AnalysisStatus = "complete"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Document is an uploaded file and the merged result of its last successful analysis.
// ExtractedData is a projection of ExtractedPage rows, never a source of truth.
// ClaimData is ExtractedData normalized to the canonical claim fields, written
// in the same transaction.
type Document struct {
	ID             string         `gorm:"type:text;primaryKey" json:"id"`
	UserID         string         `gorm:"type:text;index" json:"user_id,omitempty"`
	FilePath       string         `gorm:"type:text" json:"file_path"`
	AnalysisStatus AnalysisStatus `gorm:"type:text;index;default:queued" json:"analysis_status"`
	ExtractedData  JSONMap        `gorm:"type:text" json:"extracted_data,omitempty"`
	ClaimData      JSONMap        `gorm:"type:text" json:"claim_data,omitempty"`
	AnalyzedAt     *time.Time     `json:"analyzed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// TableName returns the database table name for Document.
func (Document) TableName() string {
	return "documents"
}
