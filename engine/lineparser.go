package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/franksops/docferry/docstore"
)

// LineParser turns a line-delimited stream of Extended JSON documents into
// batches of records without ever holding more than one batch, one read
// chunk and one partial line in memory.
//
// Lines that fail to decode are skipped and counted. Bytes after the last
// line terminator are never parsed: a final record must end with '\n'.
type LineParser struct {
	r    io.Reader
	pool *BufferPool
	buf  *[]byte

	pending []byte
	off     int
	eof     bool

	size  int
	batch []docstore.Record

	parsed      int64
	skipped     int64
	droppedTail int
}

// NewLineParser creates a parser that yields batches of batchSize records.
// Read chunks come from pool; a nil pool uses a private one.
func NewLineParser(r io.Reader, batchSize int, pool *BufferPool) *LineParser {
	if batchSize < 1 {
		batchSize = 1
	}
	if pool == nil {
		pool = NewBufferPool(0)
	}
	return &LineParser{
		r:     r,
		pool:  pool,
		size:  batchSize,
		batch: make([]docstore.Record, 0, batchSize),
	}
}

// Next returns the next batch. Full batches hold exactly batchSize records;
// the trailing batch at end of stream may be shorter. After the last batch
// Next returns io.EOF. Read errors are returned wrapped.
func (p *LineParser) Next() ([]docstore.Record, error) {
	for {
		p.drain()

		if len(p.batch) >= p.size {
			return p.take(), nil
		}

		if p.eof {
			if p.pending != nil {
				p.droppedTail = len(bytes.TrimSpace(p.pending[p.off:]))
				p.pending, p.off = nil, 0
			}
			if len(p.batch) > 0 {
				return p.take(), nil
			}
			return nil, io.EOF
		}

		if err := p.fill(); err != nil {
			return nil, err
		}
	}
}

// Close returns the read buffer to the pool. It does not close the reader.
func (p *LineParser) Close() {
	if p.buf != nil {
		p.pool.Put(p.buf)
		p.buf = nil
	}
}

// Parsed returns the number of records decoded so far.
func (p *LineParser) Parsed() int64 { return p.parsed }

// Skipped returns the number of non-empty lines that failed to decode.
func (p *LineParser) Skipped() int64 { return p.skipped }

// DroppedTail returns the length of the unterminated content discarded at
// end of stream, ignoring surrounding whitespace.
func (p *LineParser) DroppedTail() int { return p.droppedTail }

// drain decodes complete lines already buffered until the batch is full.
func (p *LineParser) drain() {
	for len(p.batch) < p.size {
		rest := p.pending[p.off:]
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			return
		}
		p.consume(rest[:i])
		p.off += i + 1
	}
}

func (p *LineParser) consume(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var rec docstore.Record
	if err := bson.UnmarshalExtJSON(line, false, &rec); err != nil {
		p.skipped++
		return
	}
	p.parsed++
	p.batch = append(p.batch, rec)
}

// fill reads one chunk, first moving any partial line to the buffer start.
func (p *LineParser) fill() error {
	if p.off > 0 {
		n := copy(p.pending, p.pending[p.off:])
		p.pending = p.pending[:n]
		p.off = 0
	}

	if p.buf == nil {
		p.buf = p.pool.Get()
	}

	n, err := p.r.Read(*p.buf)
	if n > 0 {
		p.pending = append(p.pending, (*p.buf)[:n]...)
	}
	if errors.Is(err, io.EOF) {
		p.eof = true
		p.Close()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read record stream: %w", err)
	}
	return nil
}

func (p *LineParser) take() []docstore.Record {
	out := p.batch
	p.batch = make([]docstore.Record, 0, p.size)
	return out
}

// CountLines counts the lines in r without buffering it. A final line
// without a terminator still counts.
func CountLines(r io.Reader, pool *BufferPool) (int64, error) {
	if pool == nil {
		pool = NewBufferPool(0)
	}
	buf := pool.Get()
	defer pool.Put(buf)

	var (
		lines int64
		last  byte = '\n'
	)
	for {
		n, err := r.Read(*buf)
		if n > 0 {
			lines += int64(bytes.Count((*buf)[:n], []byte{'\n'}))
			last = (*buf)[n-1]
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return lines, fmt.Errorf("failed to count lines: %w", err)
		}
	}

	if last != '\n' {
		lines++
	}
	return lines, nil
}
