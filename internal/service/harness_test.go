package service

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/timmy/claimflow/internal/config"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/extraction"
	"github.com/timmy/claimflow/internal/pagecache"
	"github.com/timmy/claimflow/internal/queue"
	"github.com/timmy/claimflow/internal/repository"
	"github.com/timmy/claimflow/internal/storage"
	"gorm.io/gorm"
)

type fakeRasterizer struct {
	mu         sync.Mutex
	urls       []string
	pages      map[string][]byte
	fetchErr   map[string]error
	convertErr error
	calls      int
}

func newFakeRasterizer(pages int) *fakeRasterizer {
	r := &fakeRasterizer{pages: map[string][]byte{}, fetchErr: map[string]error{}}
	for i := 1; i <= pages; i++ {
		url := fmt.Sprintf("https://pdf.example/page-%d.png", i)
		r.urls = append(r.urls, url)
		r.pages[url] = []byte(fmt.Sprintf("png-page-%d", i))
	}
	return r
}

func (r *fakeRasterizer) Rasterize(ctx context.Context, name string, pdf []byte) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.convertErr != nil {
		return nil, r.convertErr
	}
	if len(r.urls) == 0 {
		return nil, domain.NewConversionError("", domain.ErrNoImages)
	}
	return r.urls, nil
}

func (r *fakeRasterizer) FetchPage(ctx context.Context, url string) ([]byte, error) {
	if err := r.fetchErr[url]; err != nil {
		return nil, err
	}
	return r.pages[url], nil
}

func (r *fakeRasterizer) CountPages(pdf []byte) (int, error) {
	return len(r.urls), nil
}

func (r *fakeRasterizer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// fakeExtractor answers with reply(call index, input).
type fakeExtractor struct {
	mu         sync.Mutex
	reply      func(n int, input string) (string, error)
	imageCalls int
	textCalls  int
	texts      []string
}

func replyWith(content string) func(int, string) (string, error) {
	return func(int, string) (string, error) { return content, nil }
}

func (e *fakeExtractor) ExtractFromImage(ctx context.Context, png []byte) (extraction.Result, error) {
	e.mu.Lock()
	n := e.imageCalls + e.textCalls
	e.imageCalls++
	e.mu.Unlock()
	content, err := e.reply(n, string(png))
	if err != nil {
		return extraction.Result{}, err
	}
	return extraction.Decode(content), nil
}

func (e *fakeExtractor) ExtractFromText(ctx context.Context, text string) (extraction.Result, error) {
	e.mu.Lock()
	n := e.imageCalls + e.textCalls
	e.textCalls++
	e.texts = append(e.texts, text)
	e.mu.Unlock()
	content, err := e.reply(n, text)
	if err != nil {
		return extraction.Result{}, err
	}
	return extraction.Decode(content), nil
}

type harness struct {
	t          *testing.T
	db         *gorm.DB
	blobs      *storage.MemoryStorage
	docs       *repository.DocumentRepository
	jobs       *repository.JobRepository
	pages      *repository.PageRepository
	cache      *pagecache.Cache
	mr         *miniredis.Miniredis
	redis      *redis.Client
	queue      *queue.Queue
	raster     *fakeRasterizer
	extractor  *fakeExtractor
	worker     *Worker
	submitter  *Submitter
	stagingDir string
}

func newHarness(t *testing.T, pdfPages int) *harness {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "claimflow.db"),
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		t:          t,
		db:         db,
		blobs:      storage.NewMemoryStorage(),
		docs:       repository.NewDocumentRepository(db),
		jobs:       repository.NewJobRepository(db),
		pages:      repository.NewPageRepository(db),
		mr:         mr,
		redis:      client,
		queue: queue.New(client, queue.Options{
			Name:         "test",
			MaxAttempts:  1,
			BlockTimeout: time.Second,
			ConsumerID:   "worker-test",
		}),
		raster:     newFakeRasterizer(pdfPages),
		extractor:  &fakeExtractor{reply: replyWith(`{"Claimant Name": "Jane Doe"}`)},
		stagingDir: t.TempDir(),
	}
	h.cache = pagecache.New(h.blobs, h.pages)
	h.worker = NewWorker(WorkerDeps{
		Queue:      h.queue,
		Blobs:      h.blobs,
		Cache:      h.cache,
		Rasterizer: h.raster,
		Extractor:  h.extractor,
		Jobs:       h.jobs,
		Pages:      h.pages,
		Status:     repository.NewStatusRepository(db),
	}, &WorkerConfig{StagingDir: h.stagingDir, IdleBackoff: 10 * time.Millisecond})
	h.submitter = NewSubmitter(h.blobs, h.docs, h.jobs, h.queue)
	require.NoError(t, h.queue.Acquire(context.Background()))
	return h
}

// processNext dequeues one task and runs it the way Run does.
func (h *harness) processNext() {
	h.t.Helper()
	d, err := h.queue.Dequeue(context.Background())
	require.NoError(h.t, err)
	require.NotNil(h.t, d, "expected a queued task")
	h.worker.process(context.Background(), d)
}

func (h *harness) submit(documentID, fileName string, data []byte) *domain.Job {
	h.t.Helper()
	job, err := h.submitter.SubmitAnalysis(context.Background(), AnalysisRequest{
		DocumentID: documentID,
		UserID:     "user-1",
		FileName:   fileName,
		Data:       data,
	})
	require.NoError(h.t, err)
	return job
}

func (h *harness) job(id string) *domain.Job {
	h.t.Helper()
	job, err := h.jobs.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) document(id string) *domain.Document {
	h.t.Helper()
	doc, err := h.docs.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return doc
}

func (h *harness) extractedCount(documentID string) int64 {
	h.t.Helper()
	n, err := h.pages.CountExtractedPages(context.Background(), documentID)
	require.NoError(h.t, err)
	return n
}

func (h *harness) convertedCount(documentID string) int {
	h.t.Helper()
	images, err := h.pages.ListConvertedImages(context.Background(), documentID)
	require.NoError(h.t, err)
	return len(images)
}

func buildTestDocx(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	for _, p := range paragraphs {
		body.WriteString("<w:p><w:r><w:t>" + p + "</w:t></w:r></w:p>")
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body.String() + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTestPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.Black)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
