package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Mode selects what a TransferJob does.
type Mode string

const (
	// ModeExport streams every collection of a database to disk and archives it.
	ModeExport Mode = "export"
	// ModeCopy copies every collection between two live databases.
	ModeCopy Mode = "copy"
	// ModeImport loads collections from an extracted export archive.
	ModeImport Mode = "import"
)

// DefaultBatchSize is used when a request does not name a batch size.
const DefaultBatchSize = 1000

// ErrInvalidJob is returned for jobs that fail validation. A job that fails
// validation never starts.
var ErrInvalidJob = errors.New("invalid job")

// Endpoint addresses one database on one server.
type Endpoint struct {
	URI      string `json:"uri" validate:"required"`
	Database string `json:"database" validate:"required"`
}

// TransferJob describes one export, copy or import request.
type TransferJob struct {
	// ID identifies the job in the state store and logs.
	ID string `validate:"required"`

	Mode Mode `validate:"required,oneof=export copy import"`

	// Source is read from in export and copy mode.
	Source Endpoint `validate:"-"`

	// Destination is written to in copy and import mode.
	Destination *Endpoint `validate:"-"`

	// ImportFile is the uploaded archive consumed by import mode.
	ImportFile string

	// BatchSize bounds the number of records held in memory at once.
	BatchSize int `validate:"gte=1"`

	// RecipientID addresses the progress channel connection to notify.
	// Empty means progress is not delivered anywhere.
	RecipientID string
}

var validate = validator.New()

// Validate checks the fields every mode needs. Errors wrap ErrInvalidJob.
func (j *TransferJob) Validate() error {
	if err := validate.Struct(j); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidJob, describeValidation(err))
	}

	switch j.Mode {
	case ModeExport:
		if err := validate.Struct(j.Source); err != nil {
			return fmt.Errorf("%w: source %s", ErrInvalidJob, describeValidation(err))
		}
	case ModeCopy:
		if err := validate.Struct(j.Source); err != nil {
			return fmt.Errorf("%w: source %s", ErrInvalidJob, describeValidation(err))
		}
		if j.Destination == nil {
			return fmt.Errorf("%w: destination is required", ErrInvalidJob)
		}
		if err := validate.Struct(j.Destination); err != nil {
			return fmt.Errorf("%w: destination %s", ErrInvalidJob, describeValidation(err))
		}
		if *j.Destination == j.Source {
			return fmt.Errorf("%w: source and destination are the same database", ErrInvalidJob)
		}
	case ModeImport:
		if j.Destination == nil {
			return fmt.Errorf("%w: destination is required", ErrInvalidJob)
		}
		if err := validate.Struct(j.Destination); err != nil {
			return fmt.Errorf("%w: destination %s", ErrInvalidJob, describeValidation(err))
		}
		if j.ImportFile == "" {
			return fmt.Errorf("%w: import file is required", ErrInvalidJob)
		}
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %q", fe.Field(), fe.Tag())
}

// CollectionTask tracks one collection while it is being transferred.
// Collections of a job are processed one at a time.
type CollectionTask struct {
	Name  string
	Index int

	// TotalDocs is the expected number of documents; 0 means unknown.
	TotalDocs int64

	DocsDone  int64
	StartTime time.Time
}

// NewCollectionTask starts the clock on a collection.
func NewCollectionTask(name string, index int, total int64) *CollectionTask {
	return &CollectionTask{
		Name:      name,
		Index:     index,
		TotalDocs: total,
		StartTime: time.Now(),
	}
}

// Progress computes the current progress of the task.
func (t *CollectionTask) Progress() Progress {
	return ComputeProgress(t.DocsDone, t.TotalDocs, time.Since(t.StartTime))
}

// Submission pairs a queued job with the channel its outcome is delivered on.
type Submission struct {
	Ctx    context.Context
	Job    *TransferJob
	Result chan error
}

// JobChannel is a channel used to queue and dispatch submissions to workers
// in the worker pool.
type JobChannel chan Submission
