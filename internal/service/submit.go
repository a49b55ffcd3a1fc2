package service

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/logger"
	"github.com/timmy/claimflow/internal/queue"
	"github.com/timmy/claimflow/internal/storage"
)

// DocumentStore persists documents.
type DocumentStore interface {
	Upsert(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// JobStore persists jobs on the submitting side.
type JobStore interface {
	Create(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	HasActiveForDocument(ctx context.Context, documentID string) (bool, error)
	Fail(ctx context.Context, jobID, message string) error
}

// Enqueuer is the producer side of the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *queue.Task) (string, error)
}

// Submitter validates uploads, records them and queues their processing.
type Submitter struct {
	blobs storage.ObjectStorage
	docs  DocumentStore
	jobs  JobStore
	queue Enqueuer
}

// NewSubmitter creates a submission service.
func NewSubmitter(blobs storage.ObjectStorage, docs DocumentStore, jobs JobStore, q Enqueuer) *Submitter {
	return &Submitter{blobs: blobs, docs: docs, jobs: jobs, queue: q}
}

// AnalysisRequest is one uploaded file to analyze.
type AnalysisRequest struct {
	DocumentID  string
	UserID      string
	FileName    string
	ContentType string
	Data        []byte
}

// JobView is what a status poll returns.
type JobView struct {
	JobID          string                `json:"jobId"`
	DocumentID     string                `json:"documentId"`
	Kind           domain.JobKind        `json:"kind"`
	Status         domain.JobStatus      `json:"status"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	AnalysisStatus domain.AnalysisStatus `json:"analysis_status,omitempty"`
	ExtractedData  domain.JSONMap        `json:"extracted_data,omitempty"`
	Claim          domain.JSONMap        `json:"claim,omitempty"`
}

// SubmitAnalysis checks the request, stores the file and queues an
// analyze-document job. Input problems are reported before anything is written.
func (s *Submitter) SubmitAnalysis(ctx context.Context, req AnalysisRequest) (*domain.Job, error) {
	if strings.TrimSpace(req.DocumentID) == "" {
		return nil, domain.NewInputError("", domain.ErrMissingDocumentID)
	}
	if _, err := domain.FormatOf(req.FileName); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, domain.NewInputError("file is empty", nil)
	}
	if err := s.ensureIdle(ctx, req.DocumentID); err != nil {
		return nil, err
	}

	fileName := filepath.Base(req.FileName)
	ext := strings.ToLower(filepath.Ext(fileName))
	filePath := fmt.Sprintf("%s/%s", req.DocumentID, fileName)
	contentType := req.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := storage.PutBytes(ctx, s.blobs, filePath, req.Data, contentType); err != nil {
		return nil, domain.NewStorageError("upload document", err)
	}
	if err := s.docs.Upsert(ctx, &domain.Document{
		ID:             req.DocumentID,
		UserID:         req.UserID,
		FilePath:       filePath,
		AnalysisStatus: domain.AnalysisQueued,
	}); err != nil {
		return nil, domain.NewStorageError("save document", err)
	}

	return s.enqueue(ctx, domain.KindAnalyzeDocument, req.DocumentID, req.UserID, domain.AnalyzeDocumentPayload{
		UserID:     req.UserID,
		FilePath:   filePath,
		FileName:   fileName,
		FileType:   ext,
		DocumentID: req.DocumentID,
	})
}

// SubmitReanalysis queues a reanalyze-images job for an existing document.
func (s *Submitter) SubmitReanalysis(ctx context.Context, documentID, userID string) (*domain.Job, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, domain.NewInputError("", domain.ErrMissingDocumentID)
	}
	if _, err := s.docs.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	if err := s.ensureIdle(ctx, documentID); err != nil {
		return nil, err
	}
	return s.enqueue(ctx, domain.KindReanalyzeImages, documentID, userID, domain.ReanalyzeImagesPayload{
		DocumentID: documentID,
		UserID:     userID,
	})
}

// JobStatus returns the job and, once it is known, the document's state.
func (s *Submitter) JobStatus(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &JobView{
		JobID:        job.JobID,
		DocumentID:   job.DocumentID,
		Kind:         job.Kind,
		Status:       job.Status,
		ErrorMessage: job.ErrorMessage,
		CompletedAt:  job.CompletedAt,
	}

	doc, err := s.docs.GetByID(ctx, job.DocumentID)
	if err != nil {
		logger.CtxWarn(ctx, "Job %s references missing document %s", job.JobID, job.DocumentID)
		return view, nil
	}
	view.AnalysisStatus = doc.AnalysisStatus
	if job.Status == domain.JobStatusCompleted {
		view.ExtractedData = doc.ExtractedData
		view.Claim = doc.ClaimData
	}
	return view, nil
}

// ensureIdle keeps at most one job per document in flight.
func (s *Submitter) ensureIdle(ctx context.Context, documentID string) error {
	busy, err := s.jobs.HasActiveForDocument(ctx, documentID)
	if err != nil {
		return domain.NewStorageError("check active jobs", err)
	}
	if busy {
		return domain.ErrDocumentBusy
	}
	return nil
}

// enqueue writes the job row before the task exists in the queue, so the
// worker can always find the row for the ID it receives.
func (s *Submitter) enqueue(ctx context.Context, kind domain.JobKind, documentID, userID string, payload interface{}) (*domain.Job, error) {
	task, err := queue.NewTask(kind, payload)
	if err != nil {
		return nil, err
	}

	job := &domain.Job{
		JobID:      task.ID,
		DocumentID: documentID,
		UserID:     userID,
		Kind:       kind,
		Status:     domain.JobStatusQueued,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, domain.NewStorageError("create job", err)
	}

	if _, err := s.queue.Enqueue(ctx, task); err != nil {
		if failErr := s.jobs.Fail(ctx, job.JobID, "enqueue failed: "+err.Error()); failErr != nil {
			logger.FromContext(ctx).WithError(failErr).Error("Failed to mark unqueued job failed")
		}
		return nil, domain.NewUpstreamError("enqueue job", err)
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldJobID:      job.JobID,
		logger.FieldJobKind:    string(kind),
		logger.FieldDocumentID: documentID,
	}).Info("Job queued")
	return job, nil
}
