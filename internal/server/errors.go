package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/valpere/epubtran/internal/jobs"
)

const (
	codeInvalidInput       = "INVALID_INPUT"
	codeFileNotFound       = "FILE_NOT_FOUND"
	codeJobNotFound        = "JOB_NOT_FOUND"
	codeNotCompleted       = "NOT_COMPLETED"
	codeOutputNotFound     = "OUTPUT_NOT_FOUND"
	codeBackendUnavailable = "BACKEND_UNAVAILABLE"
	codeInternalError      = "INTERNAL_ERROR"
)

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

// respondJobError maps registry errors onto HTTP responses.
func (s *Server) respondJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		respondError(c, http.StatusNotFound, codeJobNotFound, "Job not found")
	case errors.Is(err, jobs.ErrFileNotFound):
		respondError(c, http.StatusNotFound, codeFileNotFound, "File not found")
	case errors.Is(err, jobs.ErrOutputNotReady):
		respondError(c, http.StatusBadRequest, codeNotCompleted, "Translation not completed")
	case errors.Is(err, jobs.ErrOutputNotFound):
		respondError(c, http.StatusNotFound, codeOutputNotFound, "Output file not found")
	case errors.Is(err, jobs.ErrShuttingDown):
		respondError(c, http.StatusServiceUnavailable, codeInternalError, "Server is shutting down")
	default:
		s.logger.Errorw("Request failed", "path", c.Request.URL.Path, "error", err)
		respondError(c, http.StatusInternalServerError, codeInternalError, "Internal server error")
	}
}
