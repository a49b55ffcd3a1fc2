package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/timmy/claimflow/internal/aggregate"
	"github.com/timmy/claimflow/internal/claims"
	"github.com/timmy/claimflow/internal/docx"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/extraction"
	"github.com/timmy/claimflow/internal/imaging"
	"github.com/timmy/claimflow/internal/logger"
	"github.com/timmy/claimflow/internal/queue"
	"github.com/timmy/claimflow/internal/storage"
)

// TaskQueue is the consumer side of the job queue. Acquire, Renew and Release
// manage the single-consumer lease that Recover and Dequeue require.
type TaskQueue interface {
	Acquire(ctx context.Context) error
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
	Recover(ctx context.Context) (int, error)
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Fail(ctx context.Context, d *queue.Delivery, cause error) (bool, error)
}

// Rasterizer converts a PDF into page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, name string, pdf []byte) ([]string, error)
	FetchPage(ctx context.Context, url string) ([]byte, error)
	CountPages(pdf []byte) (int, error)
}

// Extractor turns a page image or document text into structured data.
type Extractor interface {
	ExtractFromImage(ctx context.Context, png []byte) (extraction.Result, error)
	ExtractFromText(ctx context.Context, text string) (extraction.Result, error)
}

// PageCache stores rasterized pages.
type PageCache interface {
	Lookup(ctx context.Context, documentID string) ([]domain.ConvertedImage, error)
	Load(ctx context.Context, image domain.ConvertedImage) ([]byte, error)
	Store(ctx context.Context, documentID string, pageNumber int, png []byte) (*domain.ConvertedImage, error)
}

// JobReader looks up job rows.
type JobReader interface {
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
}

// PageLog appends extraction results.
type PageLog interface {
	AppendExtractedPage(ctx context.Context, page *domain.ExtractedPage) error
}

// StatusPropagator writes job and document state together.
type StatusPropagator interface {
	MarkProcessing(ctx context.Context, jobID, documentID string) error
	MarkCompleted(ctx context.Context, jobID, documentID string, data, claim domain.JSONMap, at time.Time) error
	MarkFailed(ctx context.Context, jobID, documentID, message string, keepResult bool) error
}

// WorkerDeps bundles the collaborators a Worker is built from.
type WorkerDeps struct {
	Queue      TaskQueue
	Blobs      storage.ObjectStorage
	Cache      PageCache
	Rasterizer Rasterizer
	Extractor  Extractor
	Jobs       JobReader
	Pages      PageLog
	Status     StatusPropagator
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	// StagingDir receives downloaded source files; empty means os.TempDir().
	StagingDir string
	// IdleBackoff is the pause after a failed dequeue.
	IdleBackoff time.Duration
	// LeaseRenewInterval is how often the consumer lease is extended. It must be
	// well below the queue's lease TTL.
	LeaseRenewInterval time.Duration
}

// Worker is the single consumer of the processing queue. It handles one job at
// a time, end to end, and extracts pages sequentially.
type Worker struct {
	deps       WorkerDeps
	stagingDir string
	backoff    time.Duration
	renewEvery time.Duration
	now        func() time.Time
}

// NewWorker creates a worker.
func NewWorker(deps WorkerDeps, cfg *WorkerConfig) *Worker {
	if cfg == nil {
		cfg = &WorkerConfig{}
	}
	backoff := cfg.IdleBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	renewEvery := cfg.LeaseRenewInterval
	if renewEvery <= 0 {
		renewEvery = 10 * time.Second
	}
	return &Worker{
		deps:       deps,
		stagingDir: cfg.StagingDir,
		backoff:    backoff,
		renewEvery: renewEvery,
		now:        time.Now,
	}
}

func (w *Worker) log(ctx context.Context) *logger.Logger {
	return logger.FromContext(ctx)
}

// Run consumes the queue until ctx is cancelled. It refuses to start unless it
// wins the consumer lease, and stops with queue.ErrNotConsumer if the lease is
// lost. Tasks abandoned by a previous crash are requeued first. Cancelling ctx
// stops further dequeues but never interrupts the job in flight.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logger.SetComponent(ctx, "worker")

	if err := w.deps.Queue.Acquire(ctx); err != nil {
		return fmt.Errorf("acquire consumer lease: %w", err)
	}
	defer w.release(ctx)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go w.keepLease(ctx, cancel)

	recovered, err := w.deps.Queue.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover abandoned tasks: %w", err)
	}
	if recovered > 0 {
		w.log(ctx).WithField(logger.FieldCount, recovered).Warn("Requeued tasks abandoned by a previous run")
	}
	w.log(ctx).Info("Worker started")

	for {
		if ctx.Err() != nil {
			if cause := context.Cause(ctx); errors.Is(cause, queue.ErrNotConsumer) {
				return fmt.Errorf("worker stopped: %w", cause)
			}
			w.log(ctx).Info("Worker stopped")
			return nil
		}

		d, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, queue.ErrNotConsumer) {
				cancel(err)
				continue
			}
			w.log(ctx).WithError(err).Error("Dequeue failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.backoff):
			}
			continue
		}
		if d == nil {
			continue
		}

		w.process(context.WithoutCancel(ctx), d)
	}
}

// keepLease renews the consumer lease until ctx ends. Losing it cancels Run.
func (w *Worker) keepLease(ctx context.Context, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.deps.Queue.Renew(ctx)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrNotConsumer):
				w.log(ctx).Error("Consumer lease lost, stopping")
				cancel(err)
				return
			case ctx.Err() == nil:
				w.log(ctx).WithError(err).Warn("Failed to renew consumer lease")
			}
		}
	}
}

func (w *Worker) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Queue.Release(ctx); err != nil {
		w.log(ctx).WithError(err).Warn("Failed to release consumer lease")
	}
}

func (w *Worker) process(ctx context.Context, d *queue.Delivery) {
	err := w.Handle(ctx, d.Task)
	if err == nil {
		if ackErr := w.deps.Queue.Ack(ctx, d); ackErr != nil {
			w.log(ctx).WithError(ackErr).WithField(logger.FieldJobID, d.Task.ID).Error("Failed to ack task")
		}
		return
	}

	requeued, failErr := w.deps.Queue.Fail(ctx, d, err)
	if failErr != nil {
		w.log(ctx).WithError(failErr).WithField(logger.FieldJobID, d.Task.ID).Error("Failed to settle failed task")
		return
	}
	w.log(ctx).WithFields(logger.Fields{
		logger.FieldJobID: d.Task.ID,
		"requeued":        requeued,
		"attempts":        d.Task.Attempts + 1,
	}).Info("Task settled after failure")
}

// Handle runs one task through received -> analyzing -> complete|failed.
// The returned error is what the queue's retry policy sees.
func (w *Worker) Handle(ctx context.Context, task *queue.Task) error {
	start := time.Now()
	ctx = logger.SetJob(ctx, task.ID, string(task.Kind), "")

	job, err := w.deps.Jobs.GetByID(ctx, task.ID)
	switch {
	case err == nil && job.Status == domain.JobStatusCompleted:
		// Redelivered after the result was already written.
		w.log(ctx).Info("Job already completed, skipping redelivery")
		return nil
	case err != nil && !errors.Is(err, domain.ErrJobNotFound):
		return domain.NewStorageError("load job", err)
	}

	req, err := parseTask(task)
	if err != nil {
		w.fail(ctx, task, "", err)
		return err
	}
	ctx = logger.SetJob(ctx, task.ID, string(task.Kind), req.documentID)

	if err := w.deps.Status.MarkProcessing(ctx, task.ID, req.documentID); err != nil {
		err = domain.NewStorageError("mark processing", err)
		w.fail(ctx, task, req.documentID, err)
		return err
	}
	w.log(ctx).Info("Job processing")

	var data map[string]interface{}
	switch task.Kind {
	case domain.KindAnalyzeDocument:
		data, err = w.analyzeDocument(ctx, task.ID, req)
	case domain.KindReanalyzeImages:
		data, err = w.reanalyzeImages(ctx, task.ID, req.documentID)
	}
	if err != nil {
		w.fail(ctx, task, req.documentID, err)
		return err
	}

	claim := claims.Normalize(data).Map()
	if err := w.deps.Status.MarkCompleted(ctx, task.ID, req.documentID, data, claim, w.now()); err != nil {
		err = domain.NewStorageError("mark completed", err)
		w.fail(ctx, task, req.documentID, err)
		return err
	}

	logger.With(logger.Fields{logger.FieldDocumentID: req.documentID}).
		WithStatus(string(domain.JobStatusCompleted)).
		WithDuration(time.Since(start).Milliseconds()).
		WithCount(len(data)).
		Info(ctx, "Job completed")
	return nil
}

// fail records the failure. An empty documentID leaves the document untouched.
// A failed re-analysis keeps a document's earlier result, and its status.
func (w *Worker) fail(ctx context.Context, task *queue.Task, documentID string, cause error) {
	w.log(ctx).WithError(cause).WithField("error_kind", string(domain.KindOf(cause))).Error("Job failed")
	keepResult := task.Kind == domain.KindReanalyzeImages
	if err := w.deps.Status.MarkFailed(ctx, task.ID, documentID, cause.Error(), keepResult); err != nil {
		w.log(ctx).WithError(err).Error("Failed to record job failure")
	}
}

type taskRequest struct {
	documentID string
	analyze    domain.AnalyzeDocumentPayload
	format     domain.FileFormat
}

// parseTask validates a task before anything is written for it.
func parseTask(task *queue.Task) (*taskRequest, error) {
	switch task.Kind {
	case domain.KindAnalyzeDocument:
		var p domain.AnalyzeDocumentPayload
		if err := task.Decode(&p); err != nil {
			return nil, err
		}
		if p.DocumentID == "" {
			return nil, domain.NewInputError("", domain.ErrMissingDocumentID)
		}
		if p.FilePath == "" {
			return nil, domain.NewInputError("filePath is required", nil)
		}
		format, err := domain.FormatOf(sourceName(p))
		if err != nil {
			return nil, err
		}
		return &taskRequest{documentID: p.DocumentID, analyze: p, format: format}, nil

	case domain.KindReanalyzeImages:
		var p domain.ReanalyzeImagesPayload
		if err := task.Decode(&p); err != nil {
			return nil, err
		}
		if p.DocumentID == "" {
			return nil, domain.NewInputError("", domain.ErrMissingDocumentID)
		}
		return &taskRequest{documentID: p.DocumentID}, nil

	default:
		return nil, domain.NewInputError(fmt.Sprintf("job kind %q", task.Kind), domain.ErrUnknownJobKind)
	}
}

// sourceName picks the name whose extension decides the branch. fileType,
// when set, is an extension such as ".pdf".
func sourceName(p domain.AnalyzeDocumentPayload) string {
	if p.FileType != "" {
		if p.FileType[0] == '.' {
			return p.FileType
		}
		return "." + p.FileType
	}
	if p.FileName != "" {
		return p.FileName
	}
	return p.FilePath
}

func (w *Worker) analyzeDocument(ctx context.Context, jobID string, req *taskRequest) (map[string]interface{}, error) {
	p := req.analyze

	path, cleanup, err := w.stage(ctx, p.FilePath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.NewStorageError("read staged file", err)
	}

	switch req.format {
	case domain.FormatPDF:
		return w.analyzePDF(ctx, jobID, p, data)
	case domain.FormatDOCX:
		text, err := docx.ExtractText(data)
		if err != nil {
			return nil, domain.NewInputError("read docx", err)
		}
		res, err := w.deps.Extractor.ExtractFromText(ctx, text)
		if err != nil {
			return nil, err
		}
		return w.recordSingle(ctx, jobID, p.DocumentID, res)
	default:
		png, err := imaging.ToPNG(data)
		if err != nil {
			return nil, domain.NewInputError("read image", err)
		}
		if width, height, err := imaging.Dimensions(png); err == nil {
			w.log(ctx).WithFields(logger.Fields{"width": width, "height": height}).Debug("Image normalized to PNG")
		}
		res, err := w.deps.Extractor.ExtractFromImage(ctx, png)
		if err != nil {
			return nil, err
		}
		return w.recordSingle(ctx, jobID, p.DocumentID, res)
	}
}

// recordSingle stores a one-shot result; it is the document's combined result as is.
func (w *Worker) recordSingle(ctx context.Context, jobID, documentID string, res extraction.Result) (map[string]interface{}, error) {
	content := res.Content()
	if err := w.appendPage(ctx, jobID, documentID, 1, content); err != nil {
		return nil, err
	}
	return content, nil
}

func (w *Worker) analyzePDF(ctx context.Context, jobID string, p domain.AnalyzeDocumentPayload, pdf []byte) (map[string]interface{}, error) {
	cached, err := w.deps.Cache.Lookup(ctx, p.DocumentID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		cached, err = w.completeCache(ctx, p, pdf, cached)
		if err != nil {
			return nil, err
		}
		w.log(ctx).WithField(logger.FieldCount, len(cached)).Info("Page cache hit, skipping rasterization")
		return w.extractCached(ctx, jobID, p.DocumentID, cached)
	}

	pages, err := w.rasterize(ctx, p, pdf)
	if err != nil {
		return nil, err
	}
	numbers := make([]int, len(pages))
	for i := range pages {
		numbers[i] = i + 1
	}
	return w.extractPages(ctx, jobID, p.DocumentID, numbers, func(i int) ([]byte, error) {
		return pages[i], nil
	})
}

func pdfName(p domain.AnalyzeDocumentPayload) string {
	if p.FileName != "" {
		return p.FileName
	}
	return filepath.Base(p.FilePath)
}

// rasterize converts the PDF and caches every page before any extraction runs,
// so an interrupted job leaves its pages behind for the next attempt.
func (w *Worker) rasterize(ctx context.Context, p domain.AnalyzeDocumentPayload, pdf []byte) ([][]byte, error) {
	expected, countErr := w.deps.Rasterizer.CountPages(pdf)
	if countErr != nil {
		w.log(ctx).WithError(countErr).Warn("Could not read page count locally")
	}

	urls, err := w.deps.Rasterizer.Rasterize(ctx, pdfName(p), pdf)
	if err != nil {
		return nil, err
	}
	if countErr == nil && expected != len(urls) {
		w.log(ctx).WithFields(logger.Fields{
			"expected_pages":  expected,
			"converted_pages": len(urls),
		}).Warn("Converted page count differs from PDF page count")
	}

	pages := make([][]byte, 0, len(urls))
	for i, url := range urls {
		png, err := w.cachePage(ctx, p.DocumentID, i+1, url)
		if err != nil {
			return nil, err
		}
		pages = append(pages, png)
	}

	w.log(ctx).WithField(logger.FieldCount, len(pages)).Info("Pages rasterized and cached")
	return pages, nil
}

func (w *Worker) cachePage(ctx context.Context, documentID string, pageNumber int, url string) ([]byte, error) {
	png, err := w.deps.Rasterizer.FetchPage(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageNumber, err)
	}
	if _, err := w.deps.Cache.Store(ctx, documentID, pageNumber, png); err != nil {
		return nil, fmt.Errorf("page %d: %w", pageNumber, err)
	}
	return png, nil
}

// completeCache makes a cache hit cover every page of the PDF. Pages left out
// by an interrupted run are converted and stored again; a cache that still has
// gaps afterwards is a cache error, never a shorter result.
func (w *Worker) completeCache(ctx context.Context, p domain.AnalyzeDocumentPayload, pdf []byte, cached []domain.ConvertedImage) ([]domain.ConvertedImage, error) {
	var urls []string
	expected, err := w.deps.Rasterizer.CountPages(pdf)
	if err != nil {
		// Without a local count the converter is the only source of truth.
		w.log(ctx).WithError(err).Warn("Could not read page count locally, converting again to verify the page cache")
		if urls, err = w.deps.Rasterizer.Rasterize(ctx, pdfName(p), pdf); err != nil {
			return nil, err
		}
		expected = len(urls)
	}

	missing := missingPages(cached, expected)
	if len(missing) == 0 {
		return cached, nil
	}
	w.log(ctx).WithFields(logger.Fields{
		logger.FieldCount: len(missing),
		"missing_pages":   missing,
	}).Warn("Page cache is partial, converting missing pages")

	if urls == nil {
		if urls, err = w.deps.Rasterizer.Rasterize(ctx, pdfName(p), pdf); err != nil {
			return nil, err
		}
	}
	for _, page := range missing {
		if page > len(urls) {
			return nil, domain.NewCacheError(fmt.Sprintf("page %d is missing from the cache and the converter returned only %d pages", page, len(urls)), nil)
		}
		if _, err := w.cachePage(ctx, p.DocumentID, page, urls[page-1]); err != nil {
			return nil, err
		}
	}

	cached, err = w.deps.Cache.Lookup(ctx, p.DocumentID)
	if err != nil {
		return nil, err
	}
	if gaps := missingPages(cached, expected); len(gaps) > 0 {
		return nil, domain.NewCacheError(fmt.Sprintf("pages %v are still missing from the cache", gaps), nil)
	}
	return cached, nil
}

// missingPages lists the page numbers absent from 1..max(expected, highest cached).
func missingPages(cached []domain.ConvertedImage, expected int) []int {
	have := make(map[int]bool, len(cached))
	last := expected
	for _, img := range cached {
		have[img.PageNumber] = true
		if img.PageNumber > last {
			last = img.PageNumber
		}
	}
	var missing []int
	for n := 1; n <= last; n++ {
		if !have[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// reanalyzeImages has no source file to convert again, so the cache must
// already be contiguous.
func (w *Worker) reanalyzeImages(ctx context.Context, jobID, documentID string) (map[string]interface{}, error) {
	cached, err := w.deps.Cache.Lookup(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, domain.NewInputError("", domain.ErrNoConvertedImages)
	}
	if gaps := missingPages(cached, 0); len(gaps) > 0 {
		return nil, domain.NewCacheError(fmt.Sprintf("cached pages %v are missing, submit the document again", gaps), nil)
	}
	return w.extractCached(ctx, jobID, documentID, cached)
}

func (w *Worker) extractCached(ctx context.Context, jobID, documentID string, cached []domain.ConvertedImage) (map[string]interface{}, error) {
	numbers := make([]int, len(cached))
	for i, img := range cached {
		numbers[i] = img.PageNumber
	}
	return w.extractPages(ctx, jobID, documentID, numbers, func(i int) ([]byte, error) {
		return w.deps.Cache.Load(ctx, cached[i])
	})
}

// extractPages runs image extraction over the given pages, one at a time,
// logging each result and merging only what this run produced.
func (w *Worker) extractPages(ctx context.Context, jobID, documentID string, pageNumbers []int, load func(i int) ([]byte, error)) (map[string]interface{}, error) {
	results := make([]map[string]interface{}, 0, len(pageNumbers))
	for i, pageNumber := range pageNumbers {
		png, err := load(i)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNumber, err)
		}

		res, err := w.deps.Extractor.ExtractFromImage(ctx, png)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNumber, err)
		}
		if !res.Parsed {
			logger.With(logger.Fields{"parsed": false}).
				WithPage(pageNumber).
				Warn(ctx, "Extraction reply was not JSON, kept as raw text")
		}

		content := res.Content()
		if err := w.appendPage(ctx, jobID, documentID, pageNumber, content); err != nil {
			return nil, err
		}
		results = append(results, content)
	}
	return aggregate.Merge(results), nil
}

func (w *Worker) appendPage(ctx context.Context, jobID, documentID string, pageNumber int, content map[string]interface{}) error {
	if err := w.deps.Pages.AppendExtractedPage(ctx, &domain.ExtractedPage{
		DocumentID: documentID,
		JobID:      jobID,
		PageNumber: pageNumber,
		Content:    content,
	}); err != nil {
		return domain.NewStorageError(fmt.Sprintf("record extracted page %d", pageNumber), err)
	}
	return nil
}

// stage downloads a source blob into a temp file. The returned cleanup always
// removes it and only logs when removal fails.
func (w *Worker) stage(ctx context.Context, key string) (string, func(), error) {
	noop := func() {}

	rc, err := w.deps.Blobs.Download(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", noop, domain.NewInputError("source file "+key+" not found", err)
	}
	if err != nil {
		return "", noop, domain.NewStorageError("download source file", err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(w.stagingDir, "claimflow-*"+filepath.Ext(key))
	if err != nil {
		return "", noop, domain.NewStorageError("create staging file", err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log(ctx).WithError(err).WithField("path", path).Warn("Could not delete staged file")
		}
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		cleanup()
		return "", noop, domain.NewStorageError("stage source file", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", noop, domain.NewStorageError("stage source file", err)
	}
	return path, cleanup, nil
}
