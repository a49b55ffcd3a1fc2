package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/claimflow/internal/service"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// LetterGenerator produces demand letters.
type LetterGenerator interface {
	Generate(ctx context.Context, req service.LetterRequest) ([]byte, error)
}

// LetterHandler handles demand letter generation.
type LetterHandler struct {
	letters LetterGenerator
}

func NewLetterHandler(letters LetterGenerator) *LetterHandler {
	return &LetterHandler{letters: letters}
}

// Generate handles POST /generate-demand-letter with {extractedData} or {documentId}.
func (h *LetterHandler) Generate(c *gin.Context) {
	var req service.LetterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing extracted data"})
		return
	}

	out, err := h.letters.Generate(c.Request.Context(), req)
	if err != nil {
		respondError(c, err, "Docx generation failed")
		return
	}

	c.Header("Content-Disposition", "attachment; filename=demand-letter.docx")
	c.Data(http.StatusOK, docxContentType, out)
}
