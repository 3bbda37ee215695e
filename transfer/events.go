package transfer

import (
	"encoding/json"

	"github.com/franksops/docferry/engine"
)

// Event name suffixes. The full name is "<prefix>-<suffix>", for example
// "backup-progress".
const (
	EventStart           = "start"
	EventCollectionStart = "collection-start"
	EventProgress        = "progress"
	EventCollectionDone  = "collection-done"
	EventDone            = "done"
	EventError           = "error"
)

// Prefix returns the event family of a mode.
func Prefix(mode engine.Mode) string {
	switch mode {
	case engine.ModeExport:
		return "backup"
	case engine.ModeCopy:
		return "transfer"
	case engine.ModeImport:
		return "upload"
	}
	return string(mode)
}

// EventName joins a mode's prefix and an event suffix.
func EventName(mode engine.Mode, suffix string) string {
	return Prefix(mode) + "-" + suffix
}

// countKey names the running counter in progress payloads.
func countKey(mode engine.Mode) string {
	switch mode {
	case engine.ModeCopy:
		return "transferred"
	case engine.ModeImport:
		return "importedCount"
	}
	return "docsDone"
}

// StartPayload opens a job. Export and copy set TotalCollections, import
// sets TotalFiles.
type StartPayload struct {
	TotalCollections *int     `json:"totalCollections,omitempty"`
	TotalFiles       *int     `json:"totalFiles,omitempty"`
	Collections      []string `json:"collections"`
}

func collectionsStart(names []string) StartPayload {
	n := len(names)
	return StartPayload{TotalCollections: &n, Collections: names}
}

func filesStart(names []string) StartPayload {
	n := len(names)
	return StartPayload{TotalFiles: &n, Collections: names}
}

// CollectionStartPayload opens one collection. TotalDocs is 0 when unknown.
type CollectionStartPayload struct {
	Collection string `json:"collection"`
	Index      int    `json:"index"`
	TotalDocs  int64  `json:"totalDocs"`
}

// ProgressPayload reports a collection's running count after a batch.
type ProgressPayload struct {
	Collection string
	// CountKey is docsDone, transferred or importedCount depending on mode.
	CountKey string
	Count    int64
	// TotalDocs is nil when the total is unknown.
	TotalDocs *int64
	engine.Progress
}

// MarshalJSON writes the count under its mode-specific key.
func (p ProgressPayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"collection": p.Collection,
		p.CountKey:   p.Count,
		"totalDocs":  p.TotalDocs,
		"percent":    p.Percent,
		"speed":      p.Speed,
		"etaSec":     p.ETASec,
	})
}

// CollectionDonePayload closes one collection.
type CollectionDonePayload struct {
	Collection string `json:"collection"`
	Index      int    `json:"index"`
	Count      int64  `json:"count"`
}

// ErrorPayload reports the single fatal error of a job.
type ErrorPayload struct {
	Message    string `json:"message"`
	Collection string `json:"collection,omitempty"`
}
