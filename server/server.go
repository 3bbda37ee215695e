// Package server exposes jobs over HTTP with gin.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/franksops/docferry/channel"
	"github.com/franksops/docferry/config"
	"github.com/franksops/docferry/engine"
	"github.com/franksops/docferry/store"
	"github.com/franksops/docferry/transfer"
)

// Runner executes one job to completion. *transfer.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, job *engine.TransferJob) (*transfer.Result, error)
}

// workDirer is implemented by runners that own the artifact directory.
type workDirer interface {
	WorkDir() string
}

// Server routes HTTP requests to jobs running on a bounded worker pool.
type Server struct {
	cfg     *config.Config
	runner  Runner
	workDir string
	pool    *engine.WorkerPool
	router  *gin.Engine
	hub     *channel.Hub
	jobs    store.Store
	logger  logrus.FieldLogger

	// results hands a job's Result from the pool worker back to the request.
	results sync.Map

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithHub serves websocket progress connections on /ws.
func WithHub(h *channel.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// WithStore serves job records on /api/jobs.
func WithStore(st store.Store) Option {
	return func(s *Server) { s.jobs = st }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server and starts its worker pool. The pool stops when ctx
// is cancelled or Shutdown is called.
func New(ctx context.Context, cfg *config.Config, runner Runner, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		workDir: cfg.Transfer.WorkDir,
		logger:  logrus.StandardLogger(),
	}
	// Archives and uploads must live where the runner reads and writes them.
	if wd, ok := runner.(workDirer); ok {
		s.workDir = wd.WorkDir()
	}
	for _, opt := range opts {
		opt(s)
	}

	workers := cfg.Transfer.MaxConcurrentJobs
	if workers < 1 {
		workers = 1
	}
	s.pool = engine.NewWorkerPool(ctx, make(engine.JobChannel, workers), s.handle)
	s.pool.SetWorkerCount(workers)

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}
	s.router = gin.New()
	s.router.MaxMultipartMemory = 32 << 20
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()

	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.health)

	if s.hub != nil {
		s.router.GET("/ws", gin.WrapF(s.hub.ServeWS))
	}

	api := s.router.Group("/api")
	api.POST("/backup", s.backup)
	api.POST("/transfer", s.transfer)
	api.POST("/upload", s.upload)
	api.GET("/jobs", s.listJobs)
	api.GET("/jobs/:id", s.getJob)

	s.router.GET("/download/:name", s.download)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting server")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the worker pool and then waits for in-flight requests.
// Queued jobs are refused at once so their requests can answer; running
// jobs finish unless ctx expires first.
func (s *Server) Shutdown(ctx context.Context) error {
	stopped := make(chan struct{})
	go func() {
		s.pool.Stop()
		close(stopped)
	}()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	select {
	case <-stopped:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// handle is the pool's JobHandler.
func (s *Server) handle(ctx context.Context, job *engine.TransferJob) error {
	res, err := s.runner.Run(ctx, job)
	if res != nil {
		s.results.Store(job.ID, res)
	}
	return err
}

func (s *Server) takeResult(jobID string) *transfer.Result {
	v, ok := s.results.LoadAndDelete(jobID)
	if !ok {
		return &transfer.Result{JobID: jobID}
	}
	return v.(*transfer.Result)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Millisecond),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("Request failed")
			return
		}
		entry.Debug("Request")
	}
}
