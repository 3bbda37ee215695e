package transfer

import (
	"github.com/franksops/docferry/engine"
)

// CollectionResult summarises one finished collection.
type CollectionResult struct {
	Name string `json:"name"`
	Docs int64  `json:"docs"`

	// Skipped counts malformed import lines.
	Skipped int64 `json:"skipped,omitempty"`

	// Checksum is the CRC64 of an exported file, in hex.
	Checksum string `json:"checksum,omitempty"`
}

// Result is what a finished job produced.
type Result struct {
	JobID       string             `json:"jobId"`
	Mode        engine.Mode        `json:"mode"`
	Collections []CollectionResult `json:"collections"`

	// Archive is the local path of the export archive.
	Archive string `json:"-"`
	// DownloadPath is the HTTP path the archive is served under.
	DownloadPath string `json:"zip,omitempty"`
	// RemoteURL is where the archive was published, if anywhere.
	RemoteURL string `json:"remoteUrl,omitempty"`
}

// TotalDocs sums documents across collections.
func (r *Result) TotalDocs() int64 {
	var n int64
	for _, c := range r.Collections {
		n += c.Docs
	}
	return n
}

// Summary is the payload of the job's done event.
func (r *Result) Summary() map[string]any {
	s := map[string]any{
		"collections": r.Collections,
		"totalDocs":   r.TotalDocs(),
	}
	switch r.Mode {
	case engine.ModeExport:
		s["zip"] = r.DownloadPath
		if r.RemoteURL != "" {
			s["remoteUrl"] = r.RemoteURL
		}
	case engine.ModeCopy:
		s["migratedCollections"] = len(r.Collections)
	case engine.ModeImport:
		s["importedCollections"] = len(r.Collections)
	}
	return s
}
