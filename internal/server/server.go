// Package server exposes translation jobs over HTTP and streams their
// progress over WebSocket.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/valpere/epubtran/internal"
	"github.com/valpere/epubtran/internal/broadcast"
	"github.com/valpere/epubtran/internal/orchestrator"
	"github.com/valpere/epubtran/internal/translator"
)

const (
	serviceName     = "epubtran"
	shutdownTimeout = 10 * time.Second
)

type Jobs interface {
	Create(req internal.TranslationRequest) (orchestrator.JobState, error)
	Get(id string) (orchestrator.JobState, error)
	Cancel(id string) bool
	OutputPath(id string) (string, error)
	Shutdown(ctx context.Context) error
}

type Uploads interface {
	SaveUpload(fileID string, r io.Reader) (int64, error)
}

type Subscriptions interface {
	Subscribe(jobID string, sub broadcast.Subscriber)
	Unsubscribe(jobID string, sub broadcast.Subscriber)
}

type Options struct {
	Version        string
	GinMode        string
	AllowedOrigins []string
	MaxUploadBytes int64
}

type Server struct {
	engine  *gin.Engine
	backend translator.Backend
	jobs    Jobs
	uploads Uploads
	subs    Subscriptions
	logger  *zap.SugaredLogger
	opts    Options

	newID       func() string
	lookPath    func(file string) (string, error)
	startOllama func() error
}

func New(backend translator.Backend, jobs Jobs, uploads Uploads, subs Subscriptions, logger *zap.SugaredLogger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.GinMode != "" {
		gin.SetMode(opts.GinMode)
	}

	s := &Server{
		backend:     backend,
		jobs:        jobs,
		uploads:     uploads,
		subs:        subs,
		logger:      logger,
		opts:        opts,
		newID:       newFileID,
		lookPath:    exec.LookPath,
		startOllama: startOllamaServe,
	}

	router := gin.New()
	router.Use(gin.Recovery(), accessLog(logger))

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition"}
	router.Use(cors.New(corsConfig))

	s.routes(router)
	s.engine = router
	return s
}

func (s *Server) routes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	{
		api.GET("/ollama/status", s.handleOllamaStatus)
		api.POST("/ollama/start", s.handleOllamaStart)
		api.GET("/models", s.handleModels)
		api.GET("/languages", s.handleLanguages)
		api.POST("/upload", s.handleUpload)
		api.POST("/translate", s.handleTranslate)
		api.GET("/job/:id", s.handleJobStatus)
		api.DELETE("/job/:id", s.handleJobCancel)
		api.GET("/download/:id", s.handleDownload)
	}

	router.GET("/ws/progress/:id", s.handleProgressSocket)
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts the HTTP server and
// the job registry down.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Starting API server", "addr", addr, "mode", gin.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Infow("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if jobsErr := s.jobs.Shutdown(shutdownCtx); jobsErr != nil {
		err = errors.Join(err, jobsErr)
	}
	if err != nil {
		return err
	}
	s.logger.Infow("Server stopped")
	return nil
}

func startOllamaServe() error {
	cmd := exec.Command("ollama", "serve")
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
