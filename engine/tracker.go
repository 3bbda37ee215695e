package engine

import (
	"sync"
	"time"

	"github.com/franksops/docferry/store"
)

// CheckpointConfig defines the criteria for when to save a job's progress
type CheckpointConfig struct {
	// DocsInterval triggers a save after this many documents have been transferred
	DocsInterval int64
	// TimeInterval triggers a save after this much time has passed
	TimeInterval time.Duration
}

// DefaultCheckpointConfig provides reasonable defaults for checkpointing
var DefaultCheckpointConfig = CheckpointConfig{
	DocsInterval: 10000,
	TimeInterval: 5 * time.Second,
}

// JobTracker wraps a store to record job lifecycle and progress checkpoints.
// Checkpoints are informational; a failed job is never resumed from one.
type JobTracker struct {
	store  store.Store
	config CheckpointConfig
}

// NewJobTracker creates a new JobTracker
func NewJobTracker(store store.Store, config CheckpointConfig) *JobTracker {
	return &JobTracker{
		store:  store,
		config: config,
	}
}

// Store returns the underlying state store.
func (jt *JobTracker) Store() store.Store {
	return jt.store
}

// InitJob records a pending job.
func (jt *JobTracker) InitJob(job *TransferJob) error {
	db := job.Source.Database
	if job.Mode == ModeImport && job.Destination != nil {
		db = job.Destination.Database
	}

	record := &store.JobRecord{
		ID:        job.ID,
		Mode:      string(job.Mode),
		Database:  db,
		State:     store.StatePending,
		StartedAt: time.Now().UTC(),
	}
	return jt.store.SaveJob(record)
}

// MarkInProgress updates a job's state to InProgress
func (jt *JobTracker) MarkInProgress(jobID string) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.State = store.StateInProgress
	})
}

// StartCollection records the collection currently being transferred.
func (jt *JobTracker) StartCollection(jobID, collection string) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.CurrentCollection = collection
	})
}

// FinishCollection appends a finished collection and saves the job's
// running document total.
func (jt *JobTracker) FinishCollection(jobID, collection string, totalDocs int64) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.Collections = append(r.Collections, collection)
		r.CurrentCollection = ""
		r.DocsTransferred = totalDocs
	})
}

// MarkCompleted updates a job's state to Completed. archive may be empty.
func (jt *JobTracker) MarkCompleted(jobID, archive string) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		now := time.Now().UTC()
		r.State = store.StateCompleted
		r.CurrentCollection = ""
		r.Archive = archive
		r.FinishedAt = &now
	})
}

// MarkFailed updates a job's state to Failed with an error message
func (jt *JobTracker) MarkFailed(jobID string, err error) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		now := time.Now().UTC()
		r.State = store.StateFailed
		r.FinishedAt = &now
		if err != nil {
			r.Error = err.Error()
		}
	})
}

func (jt *JobTracker) update(jobID string, fn func(*store.JobRecord)) error {
	record, err := jt.store.GetJob(jobID)
	if err != nil {
		return err
	}
	fn(record)
	return jt.store.SaveJob(record)
}

// Checkpointer counts documents for one job and saves the running total
// whenever the configured document or time interval has elapsed.
type Checkpointer struct {
	tracker *JobTracker
	jobID   string

	mu              sync.Mutex
	docs            int64
	lastCheckpoint  int64
	lastCheckpointT time.Time
}

// NewCheckpointer creates a Checkpointer starting at startDocs.
func (jt *JobTracker) NewCheckpointer(jobID string, startDocs int64) *Checkpointer {
	return &Checkpointer{
		tracker:         jt,
		jobID:           jobID,
		docs:            startDocs,
		lastCheckpoint:  startDocs,
		lastCheckpointT: time.Now(),
	}
}

// Add records n more transferred documents and checkpoints if due.
func (c *Checkpointer) Add(n int64) {
	if n <= 0 {
		return
	}

	c.mu.Lock()
	c.docs += n

	needsCheckpoint := false
	if c.docs-c.lastCheckpoint >= c.tracker.config.DocsInterval {
		needsCheckpoint = true
	} else if time.Since(c.lastCheckpointT) >= c.tracker.config.TimeInterval {
		needsCheckpoint = true
	}

	current := c.docs
	c.mu.Unlock()

	if needsCheckpoint {
		c.checkpoint(current)
	}
}

func (c *Checkpointer) checkpoint(docs int64) {
	// Checkpoint failures are ignored; the next one or the final state save
	// will try again.
	err := c.tracker.update(c.jobID, func(r *store.JobRecord) {
		r.DocsTransferred = docs
	})
	if err == nil {
		c.mu.Lock()
		c.lastCheckpoint = docs
		c.lastCheckpointT = time.Now()
		c.mu.Unlock()
	}
}

// Docs returns the total number of documents counted.
func (c *Checkpointer) Docs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docs
}
