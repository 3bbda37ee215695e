package transfer_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/franksops/docferry/archive"
	"github.com/franksops/docferry/cleanup"
	"github.com/franksops/docferry/docstore"
	"github.com/franksops/docferry/engine"
	"github.com/franksops/docferry/provider"
	"github.com/franksops/docferry/store"
	"github.com/franksops/docferry/transfer"
)

type recorded struct {
	recipient string
	event     string
	payload   any
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) Send(recipientID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{recipientID, event, payload})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, e := range r.events {
		names[i] = e.event
	}
	return names
}

func (r *recorder) progress() []transfer.ProgressPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []transfer.ProgressPayload
	for _, e := range r.events {
		if p, ok := e.payload.(transfer.ProgressPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) last() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func makeDocs(n int) []docstore.Record {
	docs := make([]docstore.Record, n)
	for i := range docs {
		docs[i] = bson.D{{Key: "_id", Value: int32(i)}, {Key: "name", Value: fmt.Sprintf("doc-%d", i)}}
	}
	return docs
}

type fixture struct {
	conn     *docstore.MemoryConnector
	rec      *recorder
	registry *cleanup.Registry
	workDir  string
	orch     *transfer.Orchestrator
}

func newFixture(t *testing.T, opts ...transfer.Option) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()

	f := &fixture{
		conn:    docstore.NewMemoryConnector(),
		rec:     &recorder{},
		workDir: t.TempDir(),
	}
	f.registry = cleanup.New(logger, cleanup.WithRemoveFunc(func(string) error { return nil }))
	t.Cleanup(f.registry.Stop)

	opts = append([]transfer.Option{
		transfer.WithWorkDir(f.workDir),
		transfer.WithLogger(logger),
	}, opts...)
	f.orch = transfer.New(f.conn, f.rec, f.registry, opts...)
	return f
}

func exportJob() *engine.TransferJob {
	return &engine.TransferJob{
		ID:          "job-1",
		Mode:        engine.ModeExport,
		Source:      engine.Endpoint{URI: "mongodb://src", Database: "shop"},
		BatchSize:   1000,
		RecipientID: "sock-1",
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	n := 0
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestRun_ExportReportsBatchProgress(t *testing.T) {
	f := newFixture(t)
	f.conn.Database("mongodb://src", "shop").Seed("orders", makeDocs(2500)...)

	res, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"backup-start",
		"backup-collection-start",
		"backup-progress",
		"backup-progress",
		"backup-progress",
		"backup-collection-done",
		"backup-done",
	}, f.rec.names())

	progress := f.rec.progress()
	require.Len(t, progress, 3)
	for i, want := range []int{40, 80, 100} {
		require.NotNil(t, progress[i].Percent)
		assert.Equal(t, want, *progress[i].Percent)
		assert.Equal(t, "docsDone", progress[i].CountKey)
		require.NotNil(t, progress[i].TotalDocs)
		assert.EqualValues(t, 2500, *progress[i].TotalDocs)
	}
	assert.EqualValues(t, 2500, progress[2].Count)

	for _, e := range f.rec.events {
		assert.Equal(t, "sock-1", e.recipient)
	}

	assert.Equal(t, filepath.Join(f.workDir, "shop-job-1.zip"), res.Archive)
	assert.Equal(t, "/download/shop-job-1.zip", res.DownloadPath)
	assert.FileExists(t, res.Archive)
	assert.Equal(t, 2500, countLines(t, filepath.Join(f.workDir, "shop-job-1", "orders.json")))

	require.Len(t, res.Collections, 1)
	assert.EqualValues(t, 2500, res.Collections[0].Docs)
	assert.Len(t, res.Collections[0].Checksum, 16)

	summary, ok := f.rec.last().payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/download/shop-job-1.zip", summary["zip"])
	assert.EqualValues(t, 2500, summary["totalDocs"])

	assert.True(t, f.registry.Pending(filepath.Join(f.workDir, "shop-job-1")))
	assert.True(t, f.registry.Pending(res.Archive))
}

func TestRun_ExportedLinesRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.conn.Database("mongodb://src", "shop").Seed("users",
		bson.D{{Key: "_id", Value: "u1"}, {Key: "age", Value: int32(30)}},
	)

	_, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.workDir, "shop-job-1", "users.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"_id":"u1","age":30}`+"\n", string(data))
}

func TestRun_ExportPublishesArchive(t *testing.T) {
	remote := t.TempDir()
	f := newFixture(t, transfer.WithPublisher(provider.NewLocalProvider(remote)))
	f.conn.Database("mongodb://src", "shop").Seed("orders", makeDocs(3)...)

	res, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	published := filepath.Join(remote, "shop-job-1.zip")
	assert.FileExists(t, published)
	assert.Equal(t, "file://"+published, res.RemoteURL)

	local, err := os.ReadFile(res.Archive)
	require.NoError(t, err)
	copied, err := os.ReadFile(published)
	require.NoError(t, err)
	assert.Equal(t, local, copied)
}

type failingWriter struct{}

func (failingWriter) OpenWrite(context.Context, string, provider.FileInfo) (io.WriteCloser, error) {
	return nil, errors.New("bucket unreachable")
}

func TestRun_ExportPublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, transfer.WithPublisher(failingWriter{}))
	f.conn.Database("mongodb://src", "shop").Seed("orders", makeDocs(3)...)

	res, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)
	assert.Empty(t, res.RemoteURL)
	assert.FileExists(t, res.Archive)
	assert.Equal(t, "backup-done", f.rec.last().event)
}

func TestRun_EmptyCollection(t *testing.T) {
	f := newFixture(t)
	f.conn.Database("mongodb://src", "shop").Seed("empty")

	_, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"backup-start",
		"backup-collection-start",
		"backup-collection-done",
		"backup-done",
	}, f.rec.names())

	start, ok := f.rec.events[1].payload.(transfer.CollectionStartPayload)
	require.True(t, ok)
	assert.Equal(t, "empty", start.Collection)
	assert.EqualValues(t, 0, start.TotalDocs)

	data, err := json.Marshal(f.rec.events[0].payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalCollections":1,"collections":["empty"]}`, string(data))
}

func TestRun_EmptyDatabase(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	assert.Equal(t, []string{"backup-start", "backup-done"}, f.rec.names())
	assert.FileExists(t, res.Archive)
}

func TestRun_UnknownTotalLeavesPercentNil(t *testing.T) {
	f := newFixture(t)
	db := f.conn.Database("mongodb://src", "shop")
	db.Seed("orders", makeDocs(10)...)
	db.CountErr["orders"] = errors.New("count not permitted")

	_, err := f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	progress := f.rec.progress()
	require.Len(t, progress, 1)
	assert.Nil(t, progress[0].Percent)
	assert.Nil(t, progress[0].ETASec)
	assert.Nil(t, progress[0].TotalDocs)
	assert.EqualValues(t, 10, progress[0].Count)

	data, err := json.Marshal(progress[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"percent":null`)
	assert.Contains(t, string(data), `"totalDocs":null`)
}

func TestRun_CursorFailureAbortsJob(t *testing.T) {
	f := newFixture(t)
	db := f.conn.Database("mongodb://src", "shop")
	db.Seed("orders", makeDocs(2500)...)
	db.Seed("users", makeDocs(5)...)
	lost := errors.New("cursor lost")
	db.CursorFault["orders"] = docstore.CursorFault{After: 1500, Err: lost}

	_, err := f.orch.Run(context.Background(), exportJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, lost)

	var ce *transfer.CollectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "orders", ce.Collection)

	assert.Equal(t, []string{
		"backup-start",
		"backup-collection-start",
		"backup-progress",
		"backup-error",
	}, f.rec.names())

	payload, ok := f.rec.last().payload.(transfer.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "orders", payload.Collection)
	assert.Contains(t, payload.Message, "cursor lost")

	// artifacts are still scheduled for removal
	assert.True(t, f.registry.Pending(filepath.Join(f.workDir, "shop-job-1")))
}

func TestRun_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.conn.ConnectErr = errors.New("no reachable servers")

	_, err := f.orch.Run(context.Background(), exportJob())
	require.Error(t, err)

	assert.Equal(t, []string{"backup-error"}, f.rec.names())
	payload := f.rec.last().payload.(transfer.ErrorPayload)
	assert.Empty(t, payload.Collection)
	assert.Contains(t, payload.Message, "no reachable servers")
}

func TestRun_InvalidJobEmitsNothing(t *testing.T) {
	f := newFixture(t)
	job := exportJob()
	job.Source.Database = ""

	_, err := f.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrInvalidJob)
	assert.Empty(t, f.rec.names())
}

func TestRun_CopyReplacesDestination(t *testing.T) {
	f := newFixture(t)
	src := f.conn.Database("mongodb://src", "shop")
	src.Seed("orders", makeDocs(25)...)
	src.Seed("system.views", makeDocs(1)...)
	dst := f.conn.Database("mongodb://dst", "shop_copy")
	dst.Seed("orders", bson.D{{Key: "_id", Value: "stale"}})

	job := &engine.TransferJob{
		ID:          "job-2",
		Mode:        engine.ModeCopy,
		Source:      engine.Endpoint{URI: "mongodb://src", Database: "shop"},
		Destination: &engine.Endpoint{URI: "mongodb://dst", Database: "shop_copy"},
		BatchSize:   10,
		RecipientID: "sock-2",
	}

	res, err := f.orch.Run(context.Background(), job)
	require.NoError(t, err)

	docs := dst.Documents("orders")
	require.Len(t, docs, 25)
	assert.Equal(t, int32(0), docs[0][0].Value)
	assert.Equal(t, 3, dst.Inserts["orders"])
	assert.Empty(t, dst.Documents("system.views"))

	names := f.rec.names()
	assert.Equal(t, "transfer-start", names[0])
	assert.Equal(t, "transfer-done", names[len(names)-1])

	progress := f.rec.progress()
	require.Len(t, progress, 3)
	assert.Equal(t, "transferred", progress[0].CountKey)
	assert.EqualValues(t, 25, progress[2].Count)

	summary := res.Summary()
	assert.Equal(t, 1, summary["migratedCollections"])
	assert.True(t, src.Closed())
	assert.True(t, dst.Closed())
}

func TestRun_CopyInsertFailure(t *testing.T) {
	f := newFixture(t)
	f.conn.Database("mongodb://src", "shop").Seed("orders", makeDocs(5)...)
	dst := f.conn.Database("mongodb://dst", "shop_copy")
	dst.InsertErr["orders"] = errors.New("duplicate key")

	job := &engine.TransferJob{
		ID:          "job-3",
		Mode:        engine.ModeCopy,
		Source:      engine.Endpoint{URI: "mongodb://src", Database: "shop"},
		Destination: &engine.Endpoint{URI: "mongodb://dst", Database: "shop_copy"},
		BatchSize:   10,
	}

	_, err := f.orch.Run(context.Background(), job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert into orders")
	assert.Equal(t, []string{"transfer-start", "transfer-collection-start", "transfer-error"}, f.rec.names())
}

func writeArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	src := t.TempDir()
	for name, content := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	dst := filepath.Join(t.TempDir(), "upload.zip")
	_, err := archive.Zip(context.Background(), src, dst)
	require.NoError(t, err)
	return dst
}

func importJob(file string) *engine.TransferJob {
	return &engine.TransferJob{
		ID:          "job-4",
		Mode:        engine.ModeImport,
		Destination: &engine.Endpoint{URI: "mongodb://dst", Database: "restored"},
		ImportFile:  file,
		BatchSize:   4,
		RecipientID: "sock-4",
	}
}

func TestRun_ImportSkipsMalformedLines(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf(`{"_id":%d,"name":"doc-%d"}`, i, i))
		if i == 3 || i == 7 {
			lines = append(lines, `{"_id": oops`)
		}
	}
	upload := writeArchive(t, map[string]string{
		"shop/users.json":     strings.Join(lines, "\n") + "\n",
		"shop/.hidden.json":   `{"_id":1}` + "\n",
		"__MACOSX/users.json": `{"_id":1}` + "\n",
		"shop/readme.txt":     "not records",
		"shop/orders.ndjson":  `{"_id":"o1"}` + "\n" + `{"_id":"o2"}`,
	})

	f := newFixture(t)
	dst := f.conn.Database("mongodb://dst", "restored")
	dst.Seed("users", bson.D{{Key: "_id", Value: "stale"}})

	res, err := f.orch.Run(context.Background(), importJob(upload))
	require.NoError(t, err)

	assert.Len(t, dst.Documents("users"), 10)
	// the unterminated final line is dropped
	assert.Len(t, dst.Documents("orders"), 1)

	require.Len(t, res.Collections, 2)
	assert.Equal(t, "orders", res.Collections[0].Name)
	assert.Equal(t, "users", res.Collections[1].Name)
	assert.EqualValues(t, 2, res.Collections[1].Skipped)

	names := f.rec.names()
	assert.Equal(t, "upload-start", names[0])
	assert.Equal(t, "upload-done", names[len(names)-1])
	assert.NotContains(t, names, "upload-error")

	data, err := json.Marshal(f.rec.events[0].payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"totalFiles":2,"collections":["orders","users"]}`, string(data))

	var usersDone int64
	for _, p := range f.rec.progress() {
		assert.Equal(t, "importedCount", p.CountKey)
		if p.Collection == "users" {
			usersDone = p.Count
		}
	}
	assert.EqualValues(t, 10, usersDone)

	assert.Equal(t, 2, res.Summary()["importedCollections"])
	assert.True(t, f.registry.Pending(upload))
	assert.True(t, f.registry.Pending(filepath.Join(f.workDir, "import-job-4")))
}

func TestRun_ImportMergesDuplicateCollections(t *testing.T) {
	upload := writeArchive(t, map[string]string{
		"a/users.json":  `{"_id":1}` + "\n",
		"b/users.jsonl": `{"_id":2}` + "\n" + `{"_id":3}` + "\n",
	})

	f := newFixture(t)
	res, err := f.orch.Run(context.Background(), importJob(upload))
	require.NoError(t, err)

	assert.Len(t, f.conn.Database("mongodb://dst", "restored").Documents("users"), 3)
	assert.EqualValues(t, 3, res.TotalDocs())
}

func TestRun_ImportMissingArchive(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Run(context.Background(), importJob(filepath.Join(t.TempDir(), "missing.zip")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to extract")
	assert.Equal(t, []string{"upload-error"}, f.rec.names())
}

func TestRun_TracksJobState(t *testing.T) {
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer s.Close()
	tracker := engine.NewJobTracker(s, engine.DefaultCheckpointConfig)

	f := newFixture(t, transfer.WithTracker(tracker))
	db := f.conn.Database("mongodb://src", "shop")
	db.Seed("orders", makeDocs(30)...)
	db.Seed("users", makeDocs(12)...)

	_, err = f.orch.Run(context.Background(), exportJob())
	require.NoError(t, err)

	record, err := s.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, store.StateCompleted, record.State)
	assert.Equal(t, []string{"orders", "users"}, record.Collections)
	assert.EqualValues(t, 42, record.DocsTransferred)
	assert.Equal(t, filepath.Join(f.workDir, "shop-job-1.zip"), record.Archive)
	require.NotNil(t, record.FinishedAt)

	failing := exportJob()
	failing.ID = "job-9"
	db.CursorFault["users"] = docstore.CursorFault{After: 0, Err: errors.New("boom")}

	_, err = f.orch.Run(context.Background(), failing)
	require.Error(t, err)

	record, err = s.GetJob("job-9")
	require.NoError(t, err)
	assert.Equal(t, store.StateFailed, record.State)
	assert.Equal(t, []string{"orders"}, record.Collections)
	assert.Equal(t, "users", record.CurrentCollection)
	assert.Contains(t, record.Error, "boom")
}

func TestLogSender(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s := transfer.LogSender{Logger: logger}

	pct := 50
	s.Send("", "backup-progress", transfer.ProgressPayload{Collection: "orders", Count: 5, Progress: engine.Progress{Percent: &pct}})
	s.Send("", "backup-collection-done", transfer.CollectionDonePayload{Collection: "orders", Count: 10})
	s.Send("", "backup-error", transfer.ErrorPayload{Message: "failed to read orders: boom", Collection: "orders"})

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, 50, entries[0].Data["percent"])
	assert.Equal(t, logrus.InfoLevel, entries[1].Level)
	assert.Equal(t, logrus.ErrorLevel, entries[2].Level)
	assert.Equal(t, "failed to read orders: boom", entries[2].Message)
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "backup-progress", transfer.EventName(engine.ModeExport, transfer.EventProgress))
	assert.Equal(t, "transfer-done", transfer.EventName(engine.ModeCopy, transfer.EventDone))
	assert.Equal(t, "upload-collection-start", transfer.EventName(engine.ModeImport, transfer.EventCollectionStart))
}
