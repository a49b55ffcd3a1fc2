package service

import (
	"context"
	"time"

	"github.com/timmy/claimflow/internal/claims"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/letter"
	"github.com/timmy/claimflow/internal/logger"
)

// LetterRenderer fills a letter template.
type LetterRenderer interface {
	Render(l letter.Letter) ([]byte, error)
}

// LetterRequest carries either extracted data directly or the document whose
// stored result should be used.
type LetterRequest struct {
	ExtractedData map[string]interface{} `json:"extractedData"`
	DocumentID    string                 `json:"documentId"`
}

// LetterService generates demand letters from extraction results.
type LetterService struct {
	docs     DocumentStore
	renderer LetterRenderer
	now      func() time.Time
}

func NewLetterService(docs DocumentStore, renderer LetterRenderer) *LetterService {
	return &LetterService{docs: docs, renderer: renderer, now: time.Now}
}

// Generate returns the .docx bytes of the demand letter.
func (s *LetterService) Generate(ctx context.Context, req LetterRequest) ([]byte, error) {
	data := req.ExtractedData
	if data == nil {
		if req.DocumentID == "" {
			return nil, domain.NewInputError("Missing extracted data", nil)
		}
		doc, err := s.docs.GetByID(ctx, req.DocumentID)
		if err != nil {
			return nil, err
		}
		if doc.AnalysisStatus != domain.AnalysisComplete || len(doc.ExtractedData) == 0 {
			return nil, domain.NewInputError("document "+req.DocumentID+" has no completed analysis", nil)
		}
		data = doc.ExtractedData
	}

	claim := claims.Normalize(data)
	l := letter.Build(claim, s.now())
	logger.FromContext(ctx).WithFields(logger.Fields{
		"template":             l.Template,
		logger.FieldDocumentID: req.DocumentID,
	}).Info("Generating demand letter")

	return s.renderer.Render(l)
}
