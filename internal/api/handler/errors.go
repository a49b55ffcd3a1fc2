package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/claimflow/internal/api/middleware"
	"github.com/timmy/claimflow/internal/domain"
)

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDocumentBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case domain.IsInputError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes {"error": ...}. Internal failures are logged and their
// details kept out of the response.
func respondError(c *gin.Context, err error, internalMessage string) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		middleware.GetLogger(c).WithError(err).Error(internalMessage)
		message = internalMessage
	}
	c.JSON(status, gin.H{"error": message})
}
