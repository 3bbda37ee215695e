package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/docferry/docstore"
)

func collect(t *testing.T, p *LineParser) ([]int, []docstore.Record) {
	t.Helper()
	var sizes []int
	var all []docstore.Record
	for {
		batch, err := p.Next()
		if errors.Is(err, io.EOF) {
			return sizes, all
		}
		require.NoError(t, err)
		sizes = append(sizes, len(batch))
		all = append(all, batch...)
	}
}

func jsonLines(n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "{\"n\":%d,\"name\":\"user-%d\"}\n", i, i)
	}
	return sb.String()
}

func TestLineParser_BatchesAndTrailingFlush(t *testing.T) {
	p := NewLineParser(strings.NewReader(jsonLines(25)), 10, nil)
	defer p.Close()

	sizes, recs := collect(t, p)
	assert.Equal(t, []int{10, 10, 5}, sizes)
	require.Len(t, recs, 25)
	assert.Equal(t, "user-24", recs[24].Map()["name"])
	assert.Equal(t, int64(25), p.Parsed())
	assert.Equal(t, int64(0), p.Skipped())
}

func TestLineParser_ChunkBoundariesSplitLines(t *testing.T) {
	input := jsonLines(7)

	// one byte per read, with a tiny pool buffer
	p := NewLineParser(iotest.OneByteReader(strings.NewReader(input)), 3, NewBufferPool(5))
	sizes, recs := collect(t, p)

	assert.Equal(t, []int{3, 3, 1}, sizes)
	require.Len(t, recs, 7)
	for i, rec := range recs {
		assert.EqualValues(t, i, rec.Map()["n"])
	}
}

func TestLineParser_MalformedLinesAreSkipped(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "{\"n\":%d}\n", i)
		if i == 3 {
			sb.WriteString("{not json\n")
		}
		if i == 7 {
			sb.WriteString("[1,2,3]\n")
		}
	}

	p := NewLineParser(strings.NewReader(sb.String()), 4, nil)
	_, recs := collect(t, p)

	assert.Len(t, recs, 10)
	assert.Equal(t, int64(10), p.Parsed())
	assert.Equal(t, int64(2), p.Skipped())
}

func TestLineParser_BlankLinesAndCRLF(t *testing.T) {
	input := "\n  \r\n{\"a\":1}\r\n\n\t{\"a\":2}  \n"
	p := NewLineParser(strings.NewReader(input), 10, nil)
	_, recs := collect(t, p)

	require.Len(t, recs, 2)
	assert.Equal(t, int64(0), p.Skipped())
}

func TestLineParser_ExtendedJSONTypes(t *testing.T) {
	input := `{"_id":{"$oid":"5f1d7a1b2c3d4e5f6a7b8c9d"},"at":{"$date":"2024-01-02T03:04:05Z"},"n":{"$numberLong":"9007199254740993"}}` + "\n"
	p := NewLineParser(strings.NewReader(input), 1, nil)
	_, recs := collect(t, p)

	require.Len(t, recs, 1)
	m := recs[0].Map()
	assert.Contains(t, m, "_id")
	assert.Equal(t, int64(9007199254740993), m["n"])
}

// A final record without a trailing newline is never parsed. Files written
// by the exporter always terminate every line, so only external files lose
// their last record.
func TestLineParser_UnterminatedFinalLineIsDropped(t *testing.T) {
	input := "{\"a\":1}\n{\"a\":2}\n{\"a\":3}"
	p := NewLineParser(strings.NewReader(input), 10, nil)
	_, recs := collect(t, p)

	assert.Len(t, recs, 2)
	assert.Equal(t, len(`{"a":3}`), p.DroppedTail())
}

func TestLineParser_EmptyStream(t *testing.T) {
	p := NewLineParser(strings.NewReader(""), 10, nil)
	batch, err := p.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Empty(t, batch)
	assert.Equal(t, 0, p.DroppedTail())
}

func TestLineParser_ReadErrorPropagates(t *testing.T) {
	boom := errors.New("disk on fire")
	r := io.MultiReader(strings.NewReader("{\"a\":1}\n"), iotest.ErrReader(boom))

	p := NewLineParser(r, 10, nil)
	_, err := p.Next()
	assert.ErrorIs(t, err, boom)
}

func TestCountLines(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"a\n", 1},
		{"a\nb\n", 2},
		{"a\nb", 2},
		{"\n\n", 2},
	}
	for _, tt := range tests {
		n, err := CountLines(iotest.HalfReader(strings.NewReader(tt.input)), NewBufferPool(3))
		require.NoError(t, err)
		assert.Equal(t, tt.want, n, "input %q", tt.input)
	}
}
