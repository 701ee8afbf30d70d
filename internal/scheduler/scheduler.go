// Package scheduler runs ingest jobs through a bounded worker pool, retrying
// transient extraction failures and folding results into the embedding store.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	"github.com/pvavrin/facelens/internal/extract"
	"github.com/pvavrin/facelens/internal/store"
)

const previewImageLimit = 50

// Options tunes the pool and retry policy.
type Options struct {
	Concurrency    int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
}

// jobControl holds the per-job handles needed for cancellation and for
// making completion fire exactly once.
type jobControl struct {
	cancel   context.CancelFunc
	complete sync.Once
}

// Scheduler owns the ingest worker pool. Enqueued jobs run with bounded
// concurrency; every state change is persisted through the backend.
type Scheduler struct {
	backend   backend.Backend
	blobs     blob.Store
	extractor extract.Extractor
	stores    *store.Manager
	opts      Options
	log       *slog.Logger

	sem  chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	jobs map[string]*jobControl
}

// New creates a scheduler. Call Wait during shutdown to let in-flight
// jobs finish.
func New(b backend.Backend, blobs blob.Store, extractor extract.Extractor, stores *store.Manager, opts Options, log *slog.Logger) *Scheduler {
	opts.applyDefaults()
	return &Scheduler{
		backend:   b,
		blobs:     blobs,
		extractor: extractor,
		stores:    stores,
		opts:      opts,
		log:       log,
		sem:       make(chan struct{}, opts.Concurrency),
		jobs:      make(map[string]*jobControl),
	}
}

// EnqueueBatch accepts a batch of already-persisted pending jobs and returns
// immediately. Jobs run as pool slots free up, in submission order.
func (s *Scheduler) EnqueueBatch(ctx context.Context, jobs []backend.IngestJob) {
	for _, job := range jobs {
		jobCtx, cancel := context.WithCancel(ctx)

		s.mu.Lock()
		s.jobs[job.ID] = &jobControl{cancel: cancel}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(job backend.IngestJob) {
			defer s.wg.Done()
			defer cancel()

			select {
			case s.sem <- struct{}{}:
			case <-jobCtx.Done():
				s.finishCanceled(job.ID)
				return
			}
			defer func() { <-s.sem }()

			if jobCtx.Err() != nil {
				s.finishCanceled(job.ID)
				return
			}
			s.runJob(jobCtx, job)
		}(job)
	}
}

// Cancel stops a job. A job still waiting for a pool slot is marked canceled
// directly; a running job is interrupted cooperatively and keeps its slot
// until the extraction call returns. Unknown ids are a no-op.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	control, ok := s.jobs[jobID]
	s.mu.Unlock()
	if ok {
		control.cancel()
	}
}

// Wait blocks until every enqueued job has reached a terminal state.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runJob(ctx context.Context, job backend.IngestJob) {
	log := s.log.With("job_id", job.ID, "collection_id", job.CollectionID)

	now := time.Now()
	running := backend.JobRunning
	if _, err := s.backend.UpdateIngestJob(ctx, job.ID, backend.JobUpdate{Status: &running, StartedAt: &now}); err != nil {
		log.Error("failed to mark job running", "error", err)
		s.release(job.ID)
		return
	}

	archive, err := s.blobs.Get(ctx, job.FileKey)
	if err != nil {
		log.Error("failed to fetch archive", "error", err)
		s.finishFailed(job, fmt.Sprintf("archive unavailable: %v", err))
		return
	}

	result, err := s.extractWithRetry(ctx, job, archive)
	switch {
	case err == nil:
		s.applyResult(ctx, job, result, log)
	case ctx.Err() != nil:
		s.finishCanceled(job.ID)
	case errors.Is(err, extract.ErrDomain):
		log.Warn("archive rejected", "error", err)
		s.finishFailed(job, err.Error())
	default:
		log.Error("extraction failed after retries", "error", err)
		s.finishFailed(job, err.Error())
	}
}

// extractWithRetry retries transient extraction failures with exponential
// backoff. Domain errors and collaborator silence are not retried.
func (s *Scheduler) extractWithRetry(ctx context.Context, job backend.IngestJob, archive []byte) (*extract.Result, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.InitialBackoff
	policy.MaxInterval = s.opts.MaxBackoff

	var result *extract.Result
	operation := func() error {
		r, err := s.extractor.ProcessArchive(ctx, job.ID, job.CollectionID, archive, job.Filename)
		if err != nil {
			if errors.Is(err, extract.ErrDomain) || errors.Is(err, extract.ErrNoResponse) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	}

	wrapped := backoff.WithMaxRetries(backoff.WithContext(policy, ctx), uint64(s.opts.MaxAttempts-1))
	if err := backoff.Retry(operation, wrapped); err != nil {
		return nil, err
	}
	return result, nil
}

// applyResult folds a successful extraction into the embedding store and
// marks the job completed. It runs at most once per job; a duplicate signal
// for the same job is a no-op.
func (s *Scheduler) applyResult(ctx context.Context, job backend.IngestJob, result *extract.Result, log *slog.Logger) {
	s.mu.Lock()
	control, ok := s.jobs[job.ID]
	s.mu.Unlock()
	if !ok {
		return
	}

	control.complete.Do(func() {
		defer s.release(job.ID)

		updated, err := s.stores.BuildOrReplace(ctx, job.CollectionID, result.Records)
		if err != nil {
			log.Error("failed to persist embedding store", "error", err)
			s.finishFailedLocked(job, fmt.Sprintf("failed to persist embeddings: %v", err))
			return
		}

		now := time.Now()
		completed := backend.JobCompleted
		total := result.Metadata.TotalImages
		if _, err := s.backend.UpdateIngestJob(ctx, job.ID, backend.JobUpdate{
			Status:          &completed,
			TotalImages:     &total,
			ProcessedImages: &result.Metadata.Processed,
			FinishedAt:      &now,
		}); err != nil {
			log.Error("failed to mark job completed", "error", err)
		}

		s.updateCollection(ctx, job.CollectionID, updated, log)
		log.Info("ingest job completed",
			"total_images", result.Metadata.TotalImages,
			"images_with_faces", updated.Metadata.ImagesWithFaces,
			"store_version", updated.Metadata.Version)
	})
}

// updateCollection refreshes the collection summary from the rebuilt store:
// image count, preview keys and status.
func (s *Scheduler) updateCollection(ctx context.Context, collectionID string, st *store.Store, log *slog.Logger) {
	previews := make([]string, 0, previewImageLimit)
	for _, record := range st.Records {
		if len(previews) == previewImageLimit {
			break
		}
		previews = append(previews, record.ImagePath)
	}

	status := backend.CollectionComplete
	count := len(st.Records)
	if err := s.backend.UpdateCollection(ctx, collectionID, backend.CollectionUpdate{
		Status:        &status,
		ImagesCount:   &count,
		PreviewImages: &previews,
	}); err != nil {
		log.Error("failed to update collection", "collection_id", collectionID, "error", err)
	}
}

func (s *Scheduler) finishFailed(job backend.IngestJob, message string) {
	s.mu.Lock()
	control, ok := s.jobs[job.ID]
	s.mu.Unlock()
	if !ok {
		return
	}
	control.complete.Do(func() {
		defer s.release(job.ID)
		s.finishFailedLocked(job, message)
	})
}

// finishFailedLocked persists the failed state. Caller must hold the
// completion once.
func (s *Scheduler) finishFailedLocked(job backend.IngestJob, message string) {
	now := time.Now()
	failed := backend.JobFailed
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.backend.UpdateIngestJob(ctx, job.ID, backend.JobUpdate{
		Status:     &failed,
		Error:      &message,
		FinishedAt: &now,
	}); err != nil {
		s.log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}

	errStatus := backend.CollectionError
	if err := s.backend.UpdateCollection(ctx, job.CollectionID, backend.CollectionUpdate{Status: &errStatus}); err != nil {
		s.log.Error("failed to mark collection errored", "collection_id", job.CollectionID, "error", err)
	}
}

func (s *Scheduler) finishCanceled(jobID string) {
	s.mu.Lock()
	control, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return
	}
	control.complete.Do(func() {
		defer s.release(jobID)

		now := time.Now()
		canceled := backend.JobCanceled
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := s.backend.UpdateIngestJob(ctx, jobID, backend.JobUpdate{Status: &canceled, FinishedAt: &now}); err != nil {
			s.log.Error("failed to mark job canceled", "job_id", jobID, "error", err)
		}
	})
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}
