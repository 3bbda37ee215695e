package engine

import (
	"bufio"
	"fmt"
	"hash"
	"hash/crc64"
	"io"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/franksops/docferry/docstore"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// RecordWriter writes records as relaxed Extended JSON, one per line. Every
// line, including the last, ends with '\n'. A CRC64 of everything written is
// kept so archives can be verified later.
type RecordWriter struct {
	w     *bufio.Writer
	hash  hash.Hash64
	lines int64
	bytes int64
}

// NewRecordWriter wraps w with a buffered, checksumming line writer.
func NewRecordWriter(w io.Writer) *RecordWriter {
	h := crc64.New(crcTable)
	return &RecordWriter{
		w:    bufio.NewWriter(io.MultiWriter(w, h)),
		hash: h,
	}
}

// WriteBatch serializes and writes every record of a batch.
func (rw *RecordWriter) WriteBatch(records []docstore.Record) error {
	for _, rec := range records {
		line, err := bson.MarshalExtJSON(rec, false, false)
		if err != nil {
			return fmt.Errorf("failed to serialize record: %w", err)
		}
		if _, err := rw.w.Write(line); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		if err := rw.w.WriteByte('\n'); err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		rw.lines++
		rw.bytes += int64(len(line)) + 1
	}
	return nil
}

// Flush pushes buffered lines to the underlying writer.
func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// Lines returns the number of records written.
func (rw *RecordWriter) Lines() int64 {
	return rw.lines
}

// BytesWritten returns the number of bytes written, including newlines.
func (rw *RecordWriter) BytesWritten() int64 {
	return rw.bytes
}

// Checksum returns the CRC64 (ISO) of the flushed bytes. Call Flush first.
func (rw *RecordWriter) Checksum() uint64 {
	return rw.hash.Sum64()
}
