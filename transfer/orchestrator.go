// Package transfer runs export, copy and import jobs.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/franksops/docferry/archive"
	"github.com/franksops/docferry/channel"
	"github.com/franksops/docferry/cleanup"
	"github.com/franksops/docferry/docstore"
	"github.com/franksops/docferry/engine"
	"github.com/franksops/docferry/provider"
)

const (
	// ExportExtension is the extension of exported collection files.
	ExportExtension = ".json"

	// DownloadPrefix is the HTTP path archives are served under.
	DownloadPrefix = "/download/"
)

// Orchestrator drives jobs. One Orchestrator serves any number of
// concurrent jobs; each job runs its collections strictly one at a time.
type Orchestrator struct {
	connector docstore.Connector
	sender    channel.Sender
	cleanup   *cleanup.Registry

	logger     logrus.FieldLogger
	local      *provider.LocalProvider
	publisher  provider.Writer
	tracker    *engine.JobTracker
	pool       *engine.BufferPool
	ttl        time.Duration
	maxExtract int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithWorkDir sets the directory export files, archives and extracted
// uploads are written under.
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.local = provider.NewLocalProvider(dir) }
}

// WithCleanupTTL sets how long artifacts live before they are removed.
func WithCleanupTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.ttl = ttl }
}

// WithTracker records job state and checkpoints through t.
func WithTracker(t *engine.JobTracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithPublisher copies finished export archives to p.
func WithPublisher(p provider.Writer) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithBufferPool shares read buffers with other components.
func WithBufferPool(p *engine.BufferPool) Option {
	return func(o *Orchestrator) { o.pool = p }
}

// WithMaxExtractBytes caps the extracted size of an import archive.
func WithMaxExtractBytes(n int64) Option {
	return func(o *Orchestrator) { o.maxExtract = n }
}

// New creates an Orchestrator. sender and registry may be nil.
func New(connector docstore.Connector, sender channel.Sender, registry *cleanup.Registry, opts ...Option) *Orchestrator {
	if sender == nil {
		sender = channel.Discard
	}
	o := &Orchestrator{
		connector: connector,
		sender:    sender,
		cleanup:   registry,
		logger:    logrus.StandardLogger(),
		local:     provider.NewLocalProvider(filepath.Join(os.TempDir(), "dferry")),
		ttl:       cleanup.DefaultTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pool == nil {
		o.pool = engine.NewBufferPool(0)
	}
	return o
}

// WorkDir returns the directory job artifacts are written under.
func (o *Orchestrator) WorkDir() string {
	return o.local.Base()
}

// Run executes job and blocks until it finishes. Invalid jobs return an
// error wrapping ErrInvalidJob without emitting any event. Any other failure
// emits exactly one error event, stops the job and is returned as a
// *CollectionError.
func (o *Orchestrator) Run(ctx context.Context, job *engine.TransferJob) (*Result, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	r := &jobRun{
		o:   o,
		job: job,
		logger: o.logger.WithFields(logrus.Fields{
			"job":  job.ID,
			"mode": job.Mode,
		}),
		result: &Result{JobID: job.ID, Mode: job.Mode, Collections: []CollectionResult{}},
	}

	r.track(func(t *engine.JobTracker) error { return t.InitJob(job) })
	r.track(func(t *engine.JobTracker) error { return t.MarkInProgress(job.ID) })
	if o.tracker != nil {
		r.checkpoint = o.tracker.NewCheckpointer(job.ID, 0)
	}

	start := time.Now()
	r.logger.Info("Job started")

	var err error
	switch job.Mode {
	case engine.ModeExport:
		err = r.export(ctx)
	case engine.ModeCopy:
		err = r.copy(ctx)
	case engine.ModeImport:
		err = r.importArchive(ctx)
	}

	if err != nil {
		payload := ErrorPayload{Message: err.Error()}
		var ce *CollectionError
		if errors.As(err, &ce) {
			payload.Collection = ce.Collection
		}
		r.emit(EventError, payload)
		r.track(func(t *engine.JobTracker) error { return t.MarkFailed(job.ID, err) })
		r.logger.WithError(err).Error("Job failed")
		return r.result, err
	}

	r.emit(EventDone, r.result.Summary())
	r.track(func(t *engine.JobTracker) error { return t.MarkCompleted(job.ID, r.result.Archive) })
	r.logger.WithFields(logrus.Fields{
		"collections": len(r.result.Collections),
		"docs":        r.result.TotalDocs(),
		"elapsed":     time.Since(start).Round(time.Millisecond),
	}).Info("Job finished")
	return r.result, nil
}

func (o *Orchestrator) schedule(p string) {
	if o.cleanup == nil || p == "" {
		return
	}
	o.cleanup.Schedule(p, o.ttl)
}

// jobRun is the state of one executing job.
type jobRun struct {
	o          *Orchestrator
	job        *engine.TransferJob
	logger     logrus.FieldLogger
	result     *Result
	checkpoint *engine.Checkpointer
}

func (r *jobRun) emit(suffix string, payload any) {
	r.o.sender.Send(r.job.RecipientID, EventName(r.job.Mode, suffix), payload)
}

// track applies a state store update. Store failures never fail the job.
func (r *jobRun) track(fn func(*engine.JobTracker) error) {
	if r.o.tracker == nil {
		return
	}
	if err := fn(r.o.tracker); err != nil {
		r.logger.WithError(err).Warn("Failed to record job state")
	}
}

func (r *jobRun) finished(res CollectionResult) {
	r.result.Collections = append(r.result.Collections, res)
	total := r.result.TotalDocs()
	r.track(func(t *engine.JobTracker) error { return t.FinishCollection(r.job.ID, res.Name, total) })
}

// collectionLoop describes one pass of the shared per-collection skeleton.
type collectionLoop struct {
	name  string
	index int
	total int64

	next  func() ([]docstore.Record, error)
	apply func([]docstore.Record) error
	// op names apply failures.
	op string
	// finish, if set, runs after the last batch and before collection-done.
	finish func() error
}

// runCollection emits collection-start, then pulls, applies and reports
// batches until next returns io.EOF, then emits collection-done. Progress
// is only reported after a non-empty batch has been applied.
func (r *jobRun) runCollection(l collectionLoop) (int64, error) {
	task := engine.NewCollectionTask(l.name, l.index, l.total)

	r.emit(EventCollectionStart, CollectionStartPayload{Collection: l.name, Index: l.index, TotalDocs: l.total})
	r.track(func(t *engine.JobTracker) error { return t.StartCollection(r.job.ID, l.name) })

	for {
		batch, err := l.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return task.DocsDone, fail(l.name, OpRead, err)
		}
		if len(batch) == 0 {
			continue
		}

		if err := l.apply(batch); err != nil {
			return task.DocsDone, fail(l.name, l.op, err)
		}

		task.DocsDone += int64(len(batch))
		r.emit(EventProgress, r.progress(task))
		if r.checkpoint != nil {
			r.checkpoint.Add(int64(len(batch)))
		}
	}

	if l.finish != nil {
		if err := l.finish(); err != nil {
			return task.DocsDone, fail(l.name, l.op, err)
		}
	}

	r.emit(EventCollectionDone, CollectionDonePayload{Collection: l.name, Index: l.index, Count: task.DocsDone})
	return task.DocsDone, nil
}

func (r *jobRun) progress(t *engine.CollectionTask) ProgressPayload {
	p := ProgressPayload{
		Collection: t.Name,
		CountKey:   countKey(r.job.Mode),
		Count:      t.DocsDone,
		Progress:   t.Progress(),
	}
	if t.TotalDocs > 0 {
		total := t.TotalDocs
		p.TotalDocs = &total
	}
	return p
}

func (r *jobRun) connect(ctx context.Context, ep engine.Endpoint) (docstore.Database, error) {
	db, err := r.o.connector.Connect(ctx, ep.URI, ep.Database)
	if err != nil {
		return nil, fail("", OpConnect, err)
	}
	return db, nil
}

func (r *jobRun) closeDB(db docstore.Database) {
	if err := db.Close(context.Background()); err != nil {
		r.logger.WithError(err).WithField("database", db.Name()).Warn("Failed to close connection")
	}
}

// count returns a collection's size, or 0 (unknown) if counting fails.
func (r *jobRun) count(ctx context.Context, db docstore.Database, name string) int64 {
	n, err := db.Count(ctx, name)
	if err != nil {
		r.logger.WithError(err).WithField("collection", name).Warn("Count failed, total unknown")
		return 0
	}
	if n < 0 {
		return 0
	}
	return n
}

func listCollections(ctx context.Context, db docstore.Database) ([]string, error) {
	all, err := db.ListCollections(ctx)
	if err != nil {
		return nil, fail("", OpList, err)
	}
	names := make([]string, 0, len(all))
	for _, name := range all {
		if !docstore.IsSystemCollection(name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (r *jobRun) export(ctx context.Context) error {
	db, err := r.connect(ctx, r.job.Source)
	if err != nil {
		return err
	}
	defer r.closeDB(db)

	names, err := listCollections(ctx, db)
	if err != nil {
		return err
	}

	dir := artifactName(r.job.Source.Database, r.job.ID)
	zipName := dir + ".zip"
	defer func() {
		r.o.schedule(r.o.local.Resolve(dir))
		r.o.schedule(r.o.local.Resolve(zipName))
	}()

	if err := os.MkdirAll(r.o.local.Resolve(dir), 0755); err != nil {
		return fail("", OpWrite, err)
	}

	r.emit(EventStart, collectionsStart(names))

	for i, name := range names {
		res, err := r.exportCollection(ctx, db, dir, name, i)
		if err != nil {
			return err
		}
		r.finished(res)
	}

	if _, err := archive.Zip(ctx, r.o.local.Resolve(dir), r.o.local.Resolve(zipName)); err != nil {
		return fail("", OpArchive, err)
	}
	r.result.Archive = r.o.local.Resolve(zipName)
	r.result.DownloadPath = DownloadPrefix + zipName

	r.publish(ctx, zipName)
	return nil
}

func (r *jobRun) exportCollection(ctx context.Context, db docstore.Database, dir, name string, index int) (CollectionResult, error) {
	total := r.count(ctx, db, name)

	w, err := r.o.local.OpenWrite(ctx, path.Join(dir, fileName(name)), nil)
	if err != nil {
		return CollectionResult{}, fail(name, OpOpen, err)
	}
	closed := false
	defer func() {
		if !closed {
			provider.Abort(w, errors.New("export aborted"))
		}
	}()

	cur, err := db.Find(ctx, name, r.job.BatchSize)
	if err != nil {
		return CollectionResult{}, fail(name, OpFind, err)
	}
	reader := engine.NewBatchReader(cur, r.job.BatchSize)
	defer reader.Close(context.Background())

	rw := engine.NewRecordWriter(w)
	docs, err := r.runCollection(collectionLoop{
		name:  name,
		index: index,
		total: total,
		next:  func() ([]docstore.Record, error) { return reader.Next(ctx) },
		apply: func(batch []docstore.Record) error {
			if err := rw.WriteBatch(batch); err != nil {
				return err
			}
			return rw.Flush()
		},
		op: OpWrite,
		finish: func() error {
			closed = true
			return w.Close()
		},
	})
	if err != nil {
		return CollectionResult{}, err
	}

	return CollectionResult{
		Name:     name,
		Docs:     docs,
		Checksum: fmt.Sprintf("%016x", rw.Checksum()),
	}, nil
}

// publish copies the archive to the configured publisher. Failures are
// logged; the local archive stays downloadable.
func (r *jobRun) publish(ctx context.Context, zipName string) {
	if r.o.publisher == nil {
		return
	}

	buf := r.o.pool.Get()
	defer r.o.pool.Put(buf)

	n, err := provider.Copy(ctx, r.o.local, zipName, r.o.publisher, zipName, *buf)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to publish archive")
		return
	}
	r.result.RemoteURL = provider.Describe(r.o.publisher, zipName)
	r.logger.WithFields(logrus.Fields{"url": r.result.RemoteURL, "bytes": n}).Info("Archive published")
}

func (r *jobRun) copy(ctx context.Context) error {
	src, err := r.connect(ctx, r.job.Source)
	if err != nil {
		return err
	}
	defer r.closeDB(src)

	dst, err := r.connect(ctx, *r.job.Destination)
	if err != nil {
		return err
	}
	defer r.closeDB(dst)

	names, err := listCollections(ctx, src)
	if err != nil {
		return err
	}

	r.emit(EventStart, collectionsStart(names))

	for i, name := range names {
		total := r.count(ctx, src, name)

		if _, err := dst.DeleteMany(ctx, name); err != nil {
			return fail(name, OpClear, err)
		}

		cur, err := src.Find(ctx, name, r.job.BatchSize)
		if err != nil {
			return fail(name, OpFind, err)
		}
		reader := engine.NewBatchReader(cur, r.job.BatchSize)

		docs, err := r.runCollection(collectionLoop{
			name:  name,
			index: i,
			total: total,
			next:  func() ([]docstore.Record, error) { return reader.Next(ctx) },
			apply: func(batch []docstore.Record) error { return dst.InsertMany(ctx, name, batch) },
			op:    OpInsert,
		})
		reader.Close(context.Background())
		if err != nil {
			return err
		}
		r.finished(CollectionResult{Name: name, Docs: docs})
	}
	return nil
}

func (r *jobRun) importArchive(ctx context.Context) error {
	dir := artifactName("import", r.job.ID)
	defer func() {
		r.o.schedule(r.job.ImportFile)
		r.o.schedule(r.o.local.Resolve(dir))
	}()

	db, err := r.connect(ctx, *r.job.Destination)
	if err != nil {
		return err
	}
	defer r.closeDB(db)

	if _, err := archive.Unzip(ctx, r.job.ImportFile, r.o.local.Resolve(dir), r.o.maxExtract); err != nil {
		return fail("", OpExtract, err)
	}

	files, err := engine.ListRecordFiles(ctx, r.o.local, dir)
	if err != nil {
		return fail("", OpList, err)
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Collection
	}
	r.emit(EventStart, filesStart(names))

	// several files may feed one collection; it is cleared only once
	cleared := make(map[string]bool)
	for i, f := range files {
		res, err := r.importFile(ctx, db, f, i, cleared)
		if err != nil {
			return err
		}
		r.finished(res)
	}
	return nil
}

func (r *jobRun) importFile(ctx context.Context, db docstore.Database, f engine.RecordFile, index int, cleared map[string]bool) (CollectionResult, error) {
	name := f.Collection
	if !cleared[name] {
		if _, err := db.DeleteMany(ctx, name); err != nil {
			return CollectionResult{}, fail(name, OpClear, err)
		}
		cleared[name] = true
	}

	total := r.lineCount(ctx, f.Path)

	rc, err := r.o.local.OpenRead(ctx, f.Path)
	if err != nil {
		return CollectionResult{}, fail(name, OpOpen, err)
	}
	defer rc.Close()

	parser := engine.NewLineParser(rc, r.job.BatchSize, r.o.pool)
	defer parser.Close()

	docs, err := r.runCollection(collectionLoop{
		name:  name,
		index: index,
		total: total,
		next:  parser.Next,
		apply: func(batch []docstore.Record) error { return db.InsertMany(ctx, name, batch) },
		op:    OpInsert,
	})
	if err != nil {
		return CollectionResult{}, err
	}

	log := r.logger.WithFields(logrus.Fields{"collection": name, "file": f.Path})
	if parser.Skipped() > 0 {
		log.WithField("skipped", parser.Skipped()).Warn("Skipped malformed lines")
	}
	if parser.DroppedTail() > 0 {
		log.WithField("bytes", parser.DroppedTail()).Warn("Dropped unterminated final line")
	}

	return CollectionResult{Name: name, Docs: docs, Skipped: parser.Skipped()}, nil
}

// lineCount estimates a file's record count, or 0 (unknown) on failure.
func (r *jobRun) lineCount(ctx context.Context, p string) int64 {
	rc, err := r.o.local.OpenRead(ctx, p)
	if err != nil {
		r.logger.WithError(err).WithField("file", p).Warn("Line count failed, total unknown")
		return 0
	}
	defer rc.Close()

	n, err := engine.CountLines(rc, r.o.pool)
	if err != nil {
		r.logger.WithError(err).WithField("file", p).Warn("Line count failed, total unknown")
		return 0
	}
	return n
}

// artifactName builds a file-system and URL safe name for job artifacts.
func artifactName(label, jobID string) string {
	return safeName(label) + "-" + safeName(jobID)
}

func fileName(collection string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(collection) + ExportExtension
}

func safeName(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
