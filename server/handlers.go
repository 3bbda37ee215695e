package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/franksops/docferry/engine"
	"github.com/franksops/docferry/store"
	"github.com/franksops/docferry/transfer"
)

// UploadDir is the work dir subdirectory uploaded archives are saved in.
const UploadDir = "uploads"

type backupRequest struct {
	URI       string `json:"uri"`
	DBName    string `json:"dbName"`
	SocketID  string `json:"socketId"`
	BatchSize int    `json:"batchSize"`
}

type transferRequest struct {
	SrcURI    string `json:"srcUri"`
	SrcDB     string `json:"srcDb"`
	DstURI    string `json:"dstUri"`
	DstDB     string `json:"dstDb"`
	SocketID  string `json:"socketId"`
	BatchSize int    `json:"batchSize"`
}

func (s *Server) newJob(mode engine.Mode, socketID string, batchSize int) *engine.TransferJob {
	return &engine.TransferJob{
		ID:          uuid.NewString(),
		Mode:        mode,
		BatchSize:   s.cfg.Transfer.BatchSize(batchSize),
		RecipientID: socketID,
	}
}

func (s *Server) backup(c *gin.Context) {
	var req backupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	job := s.newJob(engine.ModeExport, req.SocketID, req.BatchSize)
	job.Source = engine.Endpoint{URI: req.URI, Database: req.DBName}

	res, ok := s.execute(c, job)
	if !ok {
		return
	}

	body := gin.H{"ok": true, "jobId": job.ID, "zip": res.DownloadPath}
	if res.RemoteURL != "" {
		body["remoteUrl"] = res.RemoteURL
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) transfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	job := s.newJob(engine.ModeCopy, req.SocketID, req.BatchSize)
	job.Source = engine.Endpoint{URI: req.SrcURI, Database: req.SrcDB}
	job.Destination = &engine.Endpoint{URI: req.DstURI, Database: req.DstDB}

	res, ok := s.execute(c, job)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                  true,
		"jobId":               job.ID,
		"migratedCollections": len(res.Collections),
		"totalDocs":           res.TotalDocs(),
	})
}

func (s *Server) upload(c *gin.Context) {
	if limit := s.cfg.Transfer.MaxUploadBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(c, http.StatusBadRequest, fmt.Errorf("file is required: %w", err))
		return
	}

	batchSize, _ := strconv.Atoi(c.PostForm("batchSize"))
	job := s.newJob(engine.ModeImport, c.PostForm("socketId"), batchSize)
	job.Destination = &engine.Endpoint{URI: c.PostForm("uri"), Database: c.PostForm("dbName")}
	job.ImportFile = filepath.Join(s.workDir, UploadDir, job.ID+".zip")

	if err := job.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(job.ImportFile), 0755); err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if err := c.SaveUploadedFile(fh, job.ImportFile); err != nil {
		os.Remove(job.ImportFile)
		respondError(c, http.StatusInternalServerError, fmt.Errorf("failed to save upload: %w", err))
		return
	}

	res, ok := s.execute(c, job)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                  true,
		"jobId":               job.ID,
		"importedCollections": len(res.Collections),
		"totalDocs":           res.TotalDocs(),
	})
}

// execute validates job, runs it on the pool and waits. The job outlives a
// dropped client connection. It writes the error response itself and
// reports whether the caller should write a success response.
func (s *Server) execute(c *gin.Context, job *engine.TransferJob) (*transfer.Result, bool) {
	if err := job.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, err)
		return nil, false
	}

	ctx := context.WithoutCancel(c.Request.Context())
	err := s.pool.Run(ctx, job)
	res := s.takeResult(job.ID)

	switch {
	case err == nil:
		return res, true
	case errors.Is(err, engine.ErrInvalidJob):
		respondError(c, http.StatusBadRequest, err)
	case errors.Is(err, engine.ErrPoolStopped):
		// The job never ran, so nothing else will remove its upload.
		if job.ImportFile != "" {
			os.Remove(job.ImportFile)
		}
		respondError(c, http.StatusServiceUnavailable, err)
	default:
		respondError(c, http.StatusInternalServerError, err)
	}
	return nil, false
}

func (s *Server) download(c *gin.Context) {
	name, ok := SanitizeName(c.Param("name"))
	if !ok {
		respondError(c, http.StatusBadRequest, errors.New("invalid archive name"))
		return
	}

	p := filepath.Join(s.workDir, name)
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		respondError(c, http.StatusNotFound, errors.New("archive not found"))
		return
	}
	c.FileAttachment(p, name)
}

// SanitizeName accepts a bare archive file name and rejects anything that
// could address a file outside the work dir.
func SanitizeName(name string) (string, bool) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return "", false
	}
	if filepath.Base(name) != name || !strings.HasSuffix(name, ".zip") {
		return "", false
	}
	return name, true
}

func (s *Server) listJobs(c *gin.Context) {
	if s.jobs == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []*store.JobRecord{}})
		return
	}
	jobs, err := s.jobs.ListJobs()
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []*store.JobRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	if s.jobs == nil {
		respondError(c, http.StatusNotFound, store.ErrJobNotFound)
		return
	}
	job, err := s.jobs.GetJob(c.Param("id"))
	if errors.Is(err, store.ErrJobNotFound) {
		respondError(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "workers": s.pool.WorkerCount(), "queued": s.pool.Queued()}
	if s.hub != nil {
		body["clients"] = s.hub.Clients()
	}
	c.JSON(http.StatusOK, body)
}

func respondError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
