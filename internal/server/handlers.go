package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/epub"
	"github.com/valpere/epubtran/internal/orchestrator"
)

type language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var supportedLanguages = []language{
	{Code: "en", Name: "English"},
	{Code: "ko", Name: "Korean"},
	{Code: "ja", Name: "Japanese"},
	{Code: "zh", Name: "Chinese"},
	{Code: "es", Name: "Spanish"},
	{Code: "fr", Name: "French"},
	{Code: "de", Name: "German"},
	{Code: "it", Name: "Italian"},
	{Code: "pt", Name: "Portuguese"},
	{Code: "ru", Name: "Russian"},
}

type uploadResponse struct {
	FileID       string `json:"file_id"`
	Filename     string `json:"filename"`
	FileSize     int64  `json:"file_size"`
	ChapterCount int    `json:"chapter_count"`
}

type translateRequest struct {
	FileID     string `json:"file_id" binding:"required"`
	SourceLang string `json:"source_language" binding:"required"`
	TargetLang string `json:"target_language" binding:"required"`
	Model      string `json:"model" binding:"required"`
}

type jobStatusResponse struct {
	JobID                  string          `json:"job_id"`
	Status                 internal.Status `json:"status"`
	CurrentChapter         int             `json:"current_chapter"`
	TotalChapters          int             `json:"total_chapters"`
	CurrentChunk           int             `json:"current_chunk"`
	TotalChunks            int             `json:"total_chunks"`
	Percentage             float64         `json:"percentage"`
	EstimatedTimeRemaining float64         `json:"estimated_time_remaining"`
	DetectedLanguage       string          `json:"detected_language,omitempty"`
	ErrorMessage           *string         `json:"error_message"`
	DownloadURL            *string         `json:"download_url"`
}

func newJobStatusResponse(state orchestrator.JobState, now time.Time) jobStatusResponse {
	resp := jobStatusResponse{
		JobID:            state.ID,
		Status:           state.Status,
		CurrentChapter:   state.CurrentChapter,
		TotalChapters:    state.TotalChapters,
		CurrentChunk:     state.CurrentChunk,
		TotalChunks:      state.TotalChunksInChapter,
		Percentage:       state.Percentage(),
		DetectedLanguage: state.DetectedLang,
	}
	if state.Status.IsActive() {
		resp.EstimatedTimeRemaining = state.EstimatedTimeRemaining(now)
	}
	if state.ErrorMessage != "" {
		msg := state.ErrorMessage
		resp.ErrorMessage = &msg
	}
	if state.Status == internal.StatusCompleted {
		url := orchestrator.DownloadURL(state.ID)
		resp.DownloadURL = &url
	}
	return resp
}

func newFileID() string {
	return uuid.NewString()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": s.opts.Version,
	})
}

func (s *Server) handleOllamaStatus(c *gin.Context) {
	if _, err := s.lookPath("ollama"); err != nil {
		c.JSON(http.StatusOK, gin.H{"installed": false, "running": false})
		return
	}
	running := s.backend.IsAvailable(c.Request.Context()) == nil
	c.JSON(http.StatusOK, gin.H{"installed": true, "running": running})
}

func (s *Server) handleOllamaStart(c *gin.Context) {
	if _, err := s.lookPath("ollama"); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "Ollama is not installed")
		return
	}
	if err := s.startOllama(); err != nil {
		s.logger.Errorw("Failed to start Ollama", "error", err)
		respondError(c, http.StatusInternalServerError, codeInternalError, "Failed to start Ollama: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleModels(c *gin.Context) {
	models, err := s.backend.ListModels(c.Request.Context())
	if err != nil {
		s.logger.Warnw("Listing models failed", "backend", s.backend.Name(), "error", err)
		respondError(c, http.StatusBadGateway, codeBackendUnavailable, "Translation backend is unavailable")
		return
	}
	if models == nil {
		models = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"languages": supportedLanguages})
}

func (s *Server) handleUpload(c *gin.Context) {
	if s.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes)
	}

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, codeInvalidInput, "File is too large")
			return
		}
		respondError(c, http.StatusBadRequest, codeInvalidInput, "Send the EPUB as multipart/form-data field \"file\"")
		return
	}

	filename := filepath.Base(header.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".epub") {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "File must be an EPUB")
		return
	}

	f, err := header.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "Cannot read uploaded file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "Cannot read uploaded file")
		return
	}

	if !isEPUB(data) {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "File must be an EPUB")
		return
	}
	chapters, err := epub.ChapterCount(data)
	if err != nil {
		s.logger.Infow("Rejected upload", "filename", filename, "error", err)
		respondError(c, http.StatusBadRequest, codeInvalidInput, "File is not a readable EPUB")
		return
	}

	fileID := s.newID()
	size, err := s.uploads.SaveUpload(fileID, bytes.NewReader(data))
	if err != nil {
		s.logger.Errorw("Saving upload failed", "file_id", fileID, "error", err)
		respondError(c, http.StatusInternalServerError, codeInternalError, "Cannot store uploaded file")
		return
	}
	s.logger.Infow("File uploaded", "file_id", fileID, "filename", filename, "bytes", size, "chapters", chapters)

	c.JSON(http.StatusOK, uploadResponse{
		FileID:       fileID,
		Filename:     filename,
		FileSize:     size,
		ChapterCount: chapters,
	})
}

// isEPUB accepts EPUB containers and plain zips; the codec checks the rest.
func isEPUB(data []byte) bool {
	for m := mimetype.Detect(data); m != nil; m = m.Parent() {
		if m.Is(epub.MediaType) || m.Is("application/zip") {
			return true
		}
	}
	return false
}

func (s *Server) handleTranslate(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidInput, "file_id, source_language, target_language and model are required")
		return
	}

	state, err := s.jobs.Create(internal.TranslationRequest{
		FileID:     req.FileID,
		SourceLang: strings.TrimSpace(req.SourceLang),
		TargetLang: strings.TrimSpace(req.TargetLang),
		Model:      strings.TrimSpace(req.Model),
	})
	if err != nil {
		s.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": state.ID})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	state, err := s.jobs.Get(c.Param("id"))
	if err != nil {
		s.respondJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, newJobStatusResponse(state, time.Now()))
}

func (s *Server) handleJobCancel(c *gin.Context) {
	if !s.jobs.Cancel(c.Param("id")) {
		c.JSON(http.StatusOK, gin.H{"success": false, "message": "Job not found or already completed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDownload(c *gin.Context) {
	id := c.Param("id")
	path, err := s.jobs.OutputPath(id)
	if err != nil {
		s.respondJobError(c, err)
		return
	}
	c.Header("Content-Type", epub.MediaType)
	c.Header("Cache-Control", "no-store")
	c.FileAttachment(path, orchestrator.OutputName(id))
}
