package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/franksops/docferry/docstore"
)

// BatchReader pulls successive bounded batches from a cursor. It never reads
// past the batch it is filling, so memory stays proportional to the batch size.
type BatchReader struct {
	cursor docstore.Cursor
	size   int
	done   bool
	read   int64
}

// NewBatchReader wraps cursor. A size below one is treated as one.
func NewBatchReader(cursor docstore.Cursor, size int) *BatchReader {
	if size < 1 {
		size = 1
	}
	return &BatchReader{cursor: cursor, size: size}
}

// Next returns the next batch of up to size records. After the cursor is
// exhausted it returns io.EOF with no records. Any cursor error is returned
// and the reader stays exhausted.
func (b *BatchReader) Next(ctx context.Context) ([]docstore.Record, error) {
	if b.done {
		return nil, io.EOF
	}

	batch := make([]docstore.Record, 0, b.size)
	for len(batch) < b.size {
		if !b.cursor.Next(ctx) {
			b.done = true
			if err := b.cursor.Err(); err != nil {
				return nil, fmt.Errorf("failed to advance cursor: %w", err)
			}
			break
		}

		var rec docstore.Record
		if err := b.cursor.Decode(&rec); err != nil {
			b.done = true
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		batch = append(batch, rec)
	}

	b.read += int64(len(batch))
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Read returns how many records have been handed out so far.
func (b *BatchReader) Read() int64 {
	return b.read
}

// Close releases the cursor.
func (b *BatchReader) Close(ctx context.Context) error {
	return b.cursor.Close(ctx)
}
