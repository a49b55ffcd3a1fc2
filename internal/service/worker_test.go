package service

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/claimflow/internal/domain"
	"github.com/timmy/claimflow/internal/queue"
)

var pdfBytes = []byte("%PDF-1.4 test")

func TestWorker_PDFUncached(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	assert.Equal(t, domain.AnalysisQueued, h.document("doc-1").AnalysisStatus)
	assert.Equal(t, domain.JobStatusQueued, h.job(job.JobID).Status)

	h.processNext()

	assert.Equal(t, 1, h.raster.Calls())
	assert.Equal(t, 2, h.convertedCount("doc-1"))
	assert.Equal(t, int64(2), h.extractedCount("doc-1"))
	assert.Equal(t, 2, h.extractor.imageCalls)

	doc := h.document("doc-1")
	assert.Equal(t, domain.AnalysisComplete, doc.AnalysisStatus)
	assert.Equal(t, "Jane Doe", doc.ExtractedData["Claimant Name"])
	assert.Equal(t, "Jane Doe", doc.ClaimData["claimantName"])
	assert.Equal(t, []interface{}{}, doc.ClaimData["providers"])
	assert.NotNil(t, doc.AnalyzedAt)

	done := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	exists, err := h.blobs.Exists(ctx, "converted-images/doc-1/page-2.png")
	require.NoError(t, err)
	assert.True(t, exists)

	stats, err := h.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	view, err := h.submitter.JobStatus(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", view.Claim["claimantName"])
}

func TestWorker_PageCacheSkipsRasterizer(t *testing.T) {
	h := newHarness(t, 2)

	h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()
	require.Equal(t, 1, h.raster.Calls())

	second := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	assert.Equal(t, 1, h.raster.Calls())
	assert.Equal(t, domain.JobStatusCompleted, h.job(second.JobID).Status)
	assert.Equal(t, 2, h.convertedCount("doc-1"))
	assert.Equal(t, int64(4), h.extractedCount("doc-1"))
}

func TestWorker_UnparseableReplyDegrades(t *testing.T) {
	h := newHarness(t, 1)
	h.extractor.reply = replyWith("Sorry, I can't read this.")

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	assert.Equal(t, domain.JobStatusCompleted, h.job(job.JobID).Status)
	pages, err := h.pages.ListExtractedPagesByJob(context.Background(), job.JobID)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, domain.JSONMap{"raw_text": "Sorry, I can't read this."}, pages[0].Content)
	assert.Equal(t, "Sorry, I can't read this.", h.document("doc-1").ExtractedData["raw_text"])
}

func TestWorker_ConversionWithoutImagesFails(t *testing.T) {
	h := newHarness(t, 0)

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "no images")
	assert.Zero(t, h.extractedCount("doc-1"))
	assert.Equal(t, domain.AnalysisFailed, h.document("doc-1").AnalysisStatus)

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Dead)
}

func TestWorker_ReanalyzeWithoutCacheFails(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	require.NoError(t, h.docs.Upsert(ctx, &domain.Document{ID: "doc-1", FilePath: "doc-1/a.pdf"}))

	job, err := h.submitter.SubmitReanalysis(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "No converted images found.", failed.ErrorMessage)
	assert.Zero(t, h.extractor.imageCalls)
}

func TestWorker_ReanalyzeTwiceKeepsOnlyLatestAggregate(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.docs.Upsert(ctx, &domain.Document{ID: "doc-1", FilePath: "doc-1/a.pdf"}))
	const n = 3
	for page := 1; page <= n; page++ {
		_, err := h.cache.Store(ctx, "doc-1", page, []byte("cached"))
		require.NoError(t, err)
	}

	h.extractor.reply = func(call int, _ string) (string, error) {
		if call < n {
			return `{"Claim Number": "FIRST", "Injuries": ["neck"]}`, nil
		}
		return `{"Claim Number": "SECOND", "Injuries": ["back"]}`, nil
	}

	for i := 0; i < 2; i++ {
		job, err := h.submitter.SubmitReanalysis(ctx, "doc-1", "user-1")
		require.NoError(t, err)
		h.processNext()
		assert.Equal(t, domain.JobStatusCompleted, h.job(job.JobID).Status)
	}

	assert.Equal(t, int64(2*n), h.extractedCount("doc-1"))
	assert.Zero(t, h.raster.Calls())
	data := h.document("doc-1").ExtractedData
	assert.Equal(t, "SECOND", data["Claim Number"])
	assert.Equal(t, []interface{}{"back"}, data["Injuries"])
}

func TestWorker_FailedReanalysisKeepsEarlierResult(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	first := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()
	require.Equal(t, domain.JobStatusCompleted, h.job(first.JobID).Status)
	analyzedAt := h.document("doc-1").AnalyzedAt

	h.extractor.reply = func(int, string) (string, error) {
		return "", domain.NewUpstreamError("extraction service returned error", errors.New("HTTP 500"))
	}
	job, err := h.submitter.SubmitReanalysis(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	h.processNext()

	assert.Equal(t, domain.JobStatusFailed, h.job(job.JobID).Status)
	doc := h.document("doc-1")
	assert.Equal(t, domain.AnalysisComplete, doc.AnalysisStatus)
	assert.Equal(t, "Jane Doe", doc.ExtractedData["Claimant Name"])
	assert.Equal(t, "Jane Doe", doc.ClaimData["claimantName"])
	require.NotNil(t, doc.AnalyzedAt)
	assert.True(t, doc.AnalyzedAt.Equal(*analyzedAt))
}

func TestWorker_FailedAnalysisMarksDocumentFailed(t *testing.T) {
	h := newHarness(t, 2)

	h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	h.extractor.reply = func(int, string) (string, error) {
		return "", domain.NewUpstreamError("extraction service returned error", errors.New("HTTP 500"))
	}
	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	assert.Equal(t, domain.JobStatusFailed, h.job(job.JobID).Status)
	assert.Equal(t, domain.AnalysisFailed, h.document("doc-1").AnalysisStatus)
}

func TestWorker_RejectsUnsupportedExtensionWithoutDocumentWrites(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	task, err := queue.NewTask(domain.KindAnalyzeDocument, domain.AnalyzeDocumentPayload{
		DocumentID: "doc-1",
		FilePath:   "doc-1/notes.txt",
		FileName:   "notes.txt",
	})
	require.NoError(t, err)
	require.NoError(t, h.jobs.Create(ctx, &domain.Job{JobID: task.ID, DocumentID: "doc-1", Kind: task.Kind}))

	err = h.worker.Handle(ctx, task)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnsupportedFileType)

	assert.Equal(t, domain.JobStatusFailed, h.job(task.ID).Status)
	_, err = h.docs.GetByID(ctx, "doc-1")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)
	assert.Zero(t, h.extractedCount("doc-1"))
	assert.Empty(t, h.blobs.Keys())
}

func TestWorker_MissingDocumentIDAndUnknownKind(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	task, err := queue.NewTask(domain.KindReanalyzeImages, domain.ReanalyzeImagesPayload{UserID: "u"})
	require.NoError(t, err)
	err = h.worker.Handle(ctx, task)
	assert.ErrorIs(t, err, domain.ErrMissingDocumentID)

	task, err = queue.NewTask("resize-images", map[string]string{"documentId": "doc-1"})
	require.NoError(t, err)
	err = h.worker.Handle(ctx, task)
	assert.ErrorIs(t, err, domain.ErrUnknownJobKind)
	assert.False(t, domain.IsRetryable(err))
}

func TestWorker_CompletedRedeliveryIsSkipped(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	d, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, h.worker.Handle(ctx, d.Task))
	calls := h.extractor.imageCalls

	// the ack was lost; the same task arrives again
	require.NoError(t, h.worker.Handle(ctx, d.Task))
	assert.Equal(t, calls, h.extractor.imageCalls)
	assert.Equal(t, int64(1), h.extractedCount("doc-1"))
	assert.Equal(t, domain.JobStatusCompleted, h.job(job.JobID).Status)
}

func TestWorker_DocxBranch(t *testing.T) {
	h := newHarness(t, 1)
	h.extractor.reply = replyWith("```json\n{\"Claim Number\": \"C-9\"}\n```")

	job := h.submit("doc-1", "Letter.DOCX", buildTestDocx(t, "Claim number C-9", "Provider: Total Injury"))
	h.processNext()

	assert.Equal(t, domain.JobStatusCompleted, h.job(job.JobID).Status)
	require.Len(t, h.extractor.texts, 1)
	assert.Equal(t, "Claim number C-9\nProvider: Total Injury", h.extractor.texts[0])
	assert.Zero(t, h.raster.Calls())
	assert.Equal(t, "C-9", h.document("doc-1").ExtractedData["Claim Number"])
	assert.Equal(t, int64(1), h.extractedCount("doc-1"))
}

func TestWorker_ImageBranch(t *testing.T) {
	h := newHarness(t, 1)

	job := h.submit("doc-1", "scan.png", buildTestPNG(t))
	h.processNext()

	assert.Equal(t, domain.JobStatusCompleted, h.job(job.JobID).Status)
	assert.Equal(t, 1, h.extractor.imageCalls)
	assert.Zero(t, h.raster.Calls())
	assert.Equal(t, "Jane Doe", h.document("doc-1").ExtractedData["Claimant Name"])
}

func TestWorker_CorruptImageIsInputError(t *testing.T) {
	h := newHarness(t, 1)

	job := h.submit("doc-1", "scan.jpg", []byte("not really a jpeg"))
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "read image")
	assert.Zero(t, h.extractor.imageCalls)
}

func TestWorker_StaleCacheIsFatal(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()
	require.NoError(t, h.blobs.Delete(ctx, "converted-images/doc-1/page-2.png"))

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "missing from storage")
	assert.Equal(t, 1, h.raster.Calls())
	assert.Equal(t, domain.AnalysisFailed, h.document("doc-1").AnalysisStatus)
}

func TestWorker_PageFetchFailureKeepsEarlierPagesCached(t *testing.T) {
	h := newHarness(t, 3)
	h.raster.fetchErr[h.raster.urls[1]] = domain.NewUpstreamError("fetch page image", errors.New("HTTP 503"))

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.True(t, strings.HasPrefix(failed.ErrorMessage, "page 2:"))
	assert.Equal(t, 1, h.convertedCount("doc-1"))
	assert.Zero(t, h.extractedCount("doc-1"))
}

func TestWorker_PartialCacheIsCompletedOnResubmit(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	h.raster.fetchErr[h.raster.urls[1]] = domain.NewUpstreamError("fetch page image", errors.New("HTTP 503"))

	first := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()
	require.Equal(t, domain.JobStatusFailed, h.job(first.JobID).Status)
	require.Equal(t, 1, h.convertedCount("doc-1"))

	delete(h.raster.fetchErr, h.raster.urls[1])
	second := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	assert.Equal(t, domain.JobStatusCompleted, h.job(second.JobID).Status)
	assert.Equal(t, domain.AnalysisComplete, h.document("doc-1").AnalysisStatus)
	assert.Equal(t, 3, h.convertedCount("doc-1"))
	assert.Equal(t, 2, h.raster.Calls())

	rows, err := h.pages.ListExtractedPagesByJob(ctx, second.JobID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, i+1, row.PageNumber)
	}
}

func TestWorker_ReanalyzeWithGapInCacheFails(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	require.NoError(t, h.docs.Upsert(ctx, &domain.Document{ID: "doc-1", FilePath: "doc-1/a.pdf"}))
	for _, page := range []int{1, 3} {
		_, err := h.cache.Store(ctx, "doc-1", page, []byte("cached"))
		require.NoError(t, err)
	}

	job, err := h.submitter.SubmitReanalysis(ctx, "doc-1", "user-1")
	require.NoError(t, err)
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "[2]")
	assert.Zero(t, h.extractedCount("doc-1"))
}

func TestMissingPages(t *testing.T) {
	pages := func(numbers ...int) []domain.ConvertedImage {
		out := make([]domain.ConvertedImage, len(numbers))
		for i, n := range numbers {
			out[i] = domain.ConvertedImage{PageNumber: n}
		}
		return out
	}
	tests := []struct {
		name     string
		cached   []domain.ConvertedImage
		expected int
		want     []int
	}{
		{"complete", pages(1, 2, 3), 3, nil},
		{"trailing pages missing", pages(1), 3, []int{2, 3}},
		{"interior gap", pages(1, 3), 3, []int{2}},
		{"unknown count sees interior gaps only", pages(2, 4), 0, []int{1, 3}},
		{"more cached than expected", pages(1, 2, 3), 2, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, missingPages(tt.cached, tt.expected))
		})
	}
}

func TestWorker_ExtractionFailureFailsJob(t *testing.T) {
	h := newHarness(t, 2)
	h.extractor.reply = func(call int, _ string) (string, error) {
		if call == 1 {
			return "", domain.NewUpstreamError("extraction service returned error", errors.New("HTTP 500"))
		}
		return `{"a": 1}`, nil
	}

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()

	failed := h.job(job.JobID)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "HTTP 500")
	assert.Equal(t, int64(1), h.extractedCount("doc-1"))
	assert.Equal(t, 2, h.convertedCount("doc-1"))
}

func TestWorker_StagedFileIsRemoved(t *testing.T) {
	h := newHarness(t, 1)

	h.submit("doc-1", "invoice.pdf", pdfBytes)
	h.processNext()
	h.submit("doc-2", "bad.jpg", []byte("garbage"))
	h.processNext()

	entries, err := os.ReadDir(h.stagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWorker_RunProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())

	job := h.submit("doc-1", "invoice.pdf", pdfBytes)

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		j, err := h.jobs.GetByID(context.Background(), job.JobID)
		return err == nil && j.Status == domain.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.False(t, h.mr.Exists("test:consumer"), "lease should be released on shutdown")
}

func TestWorker_RunRefusesWithoutLease(t *testing.T) {
	h := newHarness(t, 2)
	job := h.submit("doc-1", "invoice.pdf", pdfBytes)

	second := NewWorker(WorkerDeps{
		Queue: queue.New(h.redis, queue.Options{Name: "test", MaxAttempts: 1, BlockTimeout: time.Second, ConsumerID: "worker-b"}),
		Jobs:  h.jobs,
	}, nil)

	err := second.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrConsumerActive)

	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Pending: 1}, stats)
	assert.Equal(t, domain.JobStatusQueued, h.job(job.JobID).Status)
}

func TestWorker_RunStopsWhenLeaseLost(t *testing.T) {
	h := newHarness(t, 2)
	h.worker.renewEvery = 20 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		holder, err := h.mr.Get("test:consumer")
		return err == nil && holder == "worker-test"
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, h.mr.Set("test:consumer", "intruder"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, queue.ErrNotConsumer)
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running without the lease")
	}
	holder, err := h.mr.Get("test:consumer")
	require.NoError(t, err)
	assert.Equal(t, "intruder", holder)
}
