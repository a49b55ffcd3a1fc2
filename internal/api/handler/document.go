package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/service"
)

// DocumentService is what the document endpoints need from the submitter.
type DocumentService interface {
	SubmitAnalysis(ctx context.Context, req service.AnalysisRequest) (*domain.Job, error)
	SubmitReanalysis(ctx context.Context, documentID, userID string) (*domain.Job, error)
	JobStatus(ctx context.Context, jobID string) (*service.JobView, error)
}

// DocumentHandler handles analysis submissions and job status.
type DocumentHandler struct {
	documents DocumentService
	maxUpload int64
}

// NewDocumentHandler creates a new document handler.
// Parameters:
//   - documents: submission service.
//   - maxUploadBytes: largest accepted upload; 0 means unlimited.
// Returns:
//   - *DocumentHandler: initialized handler.
func NewDocumentHandler(documents DocumentService, maxUploadBytes int64) *DocumentHandler {
	return &DocumentHandler{documents: documents, maxUpload: maxUploadBytes}
}

// SubmitResponse is returned when a job is queued.
type SubmitResponse struct {
	Message string `json:"message"`
	JobID   string `json:"jobId"`
}

// Analyze handles POST /analyze (multipart: file, documentId, userId).
func (h *DocumentHandler) Analyze(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded."})
		return
	}
	if h.maxUpload > 0 && fh.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d bytes", h.maxUpload),
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid upload: " + err.Error()})
		return
	}

	userID := strings.TrimSpace(c.PostForm("userId"))
	if userID == "" {
		userID = "unknown"
	}

	job, err := h.documents.SubmitAnalysis(c.Request.Context(), service.AnalysisRequest{
		DocumentID:  strings.TrimSpace(c.PostForm("documentId")),
		UserID:      userID,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		respondError(c, err, "Failed to enqueue job")
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{Message: "File enqueued for processing", JobID: job.JobID})
}

type reanalyzeRequest struct {
	UserID string `json:"userId"`
}

// Reanalyze handles POST /documents/:id/reanalyze.
func (h *DocumentHandler) Reanalyze(c *gin.Context) {
	var req reanalyzeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}

	job, err := h.documents.SubmitReanalysis(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		respondError(c, err, "Failed to enqueue job")
		return
	}

	c.JSON(http.StatusAccepted, SubmitResponse{Message: "Reanalysis enqueued", JobID: job.JobID})
}

// JobStatusResponse describes a job's state and, once done, its result.
type JobStatusResponse struct {
	JobID          string                `json:"jobId"`
	DocumentID     string                `json:"documentId"`
	Kind           domain.JobKind        `json:"kind"`
	State          domain.JobStatus      `json:"state"`
	AnalysisStatus domain.AnalysisStatus `json:"analysisStatus,omitempty"`
	Result         domain.JSONMap        `json:"result,omitempty"`
	Claim          domain.JSONMap        `json:"claim,omitempty"`
	FailedReason   string                `json:"failedReason,omitempty"`
	CompletedAt    *time.Time            `json:"completedAt,omitempty"`
}

// JobStatus handles GET /job-status/:id.
func (h *DocumentHandler) JobStatus(c *gin.Context) {
	view, err := h.documents.JobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to load job")
		return
	}

	c.JSON(http.StatusOK, JobStatusResponse{
		JobID:          view.JobID,
		DocumentID:     view.DocumentID,
		Kind:           view.Kind,
		State:          view.Status,
		AnalysisStatus: view.AnalysisStatus,
		Result:         view.ExtractedData,
		Claim:          view.Claim,
		FailedReason:   view.ErrorMessage,
		CompletedAt:    view.CompletedAt,
	})
}
