package transfer

import (
	"fmt"

	"github.com/franksops/docferry/engine"
)

// ErrInvalidJob is returned for jobs rejected before they start.
var ErrInvalidJob = engine.ErrInvalidJob

// Operations named in a CollectionError.
const (
	OpConnect = "connect"
	OpList    = "list collections"
	OpFind    = "query"
	OpRead    = "read"
	OpWrite   = "write"
	OpClear   = "clear"
	OpInsert  = "insert into"
	OpOpen    = "open"
	OpArchive = "archive"
	OpExtract = "extract"
)

// CollectionError is a job-fatal store or filesystem failure. Collection is
// empty for failures outside any collection, such as connecting.
type CollectionError struct {
	Collection string
	Op         string
	Err        error
}

func (e *CollectionError) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}

func fail(collection, op string, err error) error {
	return &CollectionError{Collection: collection, Op: op, Err: err}
}
