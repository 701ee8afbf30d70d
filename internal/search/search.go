// Package search drives a search request from pending to a terminal state:
// extract the reference face, scan the collection's embedding store, persist
// progress and results, and fan the outcome out to observers.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/extract"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/store"
)

// progressStep is how many images are scanned between progress writes.
const progressStep = 10

// Notifier receives exactly one call per search request, after it reaches a
// terminal state.
type Notifier interface {
	SearchFinished(ctx context.Context, req *backend.SearchRequest)
}

// NopNotifier discards terminal notifications.
type NopNotifier struct{}

func (NopNotifier) SearchFinished(context.Context, *backend.SearchRequest) {}

// Runner executes search requests. A request runs once and never
// auto-retries; a failed run leaves the request in the error state for the
// user to resubmit.
type Runner struct {
	backend   backend.Backend
	extractor extract.Extractor
	stores    *store.Manager
	notifier  Notifier
	opts      match.Options
	log       *slog.Logger
}

func NewRunner(b backend.Backend, extractor extract.Extractor, stores *store.Manager, notifier Notifier, opts match.Options, log *slog.Logger) *Runner {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Runner{
		backend:   b,
		extractor: extractor,
		stores:    stores,
		notifier:  notifier,
		opts:      opts,
		log:       log,
	}
}

// Run processes one search request to completion with the runner's default
// matching options. The returned error reports infrastructure trouble only; a
// request that terminates in the error state (no face in the reference,
// extraction rejected the image) returns nil because the outcome was recorded
// and delivered.
func (r *Runner) Run(ctx context.Context, requestID string, referenceImage []byte) error {
	return r.RunWith(ctx, requestID, referenceImage, r.opts)
}

// RunWith is Run with per-request matching options, for callers that let the
// user override the threshold or gender handling.
func (r *Runner) RunWith(ctx context.Context, requestID string, referenceImage []byte, opts match.Options) error {
	log := r.log.With("request_id", requestID)

	req, err := r.backend.GetSearchRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("failed to load search request: %w", err)
	}
	if req.Status.Terminal() {
		log.Warn("search request already terminal", "status", req.Status)
		return nil
	}
	log = log.With("collection_id", req.CollectionID)

	processing := backend.SearchProcessing
	if _, err := r.backend.UpdateSearchRequest(ctx, requestID, backend.SearchUpdate{Status: &processing}); err != nil {
		return fmt.Errorf("failed to mark search processing: %w", err)
	}

	faces, err := r.extractor.ExtractReference(ctx, referenceImage)
	if err != nil {
		if errors.Is(err, extract.ErrDomain) {
			log.Warn("reference image rejected", "error", err)
			return r.finishError(ctx, requestID, "could not read the reference image")
		}
		log.Error("reference extraction failed", "error", err)
		return r.finishError(ctx, requestID, "face extraction is unavailable, try again later")
	}
	if len(faces) == 0 {
		log.Info("no face in reference image")
		return r.finishError(ctx, requestID, "no face found in reference image")
	}
	reference := faces[0]

	st, err := r.stores.Load(ctx, req.CollectionID)
	if errors.Is(err, store.ErrNotFound) {
		// Nothing ingested yet. The search still completes, with no results.
		st = &store.Store{}
	} else if err != nil {
		log.Error("failed to load embedding store", "error", err)
		return r.finishError(ctx, requestID, "photo collection is unavailable, try again later")
	}

	// Pin the image total at scan start so progress is measured against a
	// fixed denominator even if the store is rebuilt mid-scan.
	total := len(st.Records)
	zero := 0
	if _, err := r.backend.UpdateSearchRequest(ctx, requestID, backend.SearchUpdate{
		TotalImages:     &total,
		ProcessedImages: &zero,
	}); err != nil {
		return fmt.Errorf("failed to record scan size: %w", err)
	}

	images, err := match.ScanImages(st, reference, opts, func(processed int) {
		if processed%progressStep != 0 {
			return
		}
		p := processed
		if _, err := r.backend.UpdateSearchRequest(ctx, requestID, backend.SearchUpdate{ProcessedImages: &p}); err != nil {
			log.Warn("failed to record progress", "processed", processed, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	complete := backend.SearchComplete
	final, err := r.backend.UpdateSearchRequest(ctx, requestID, backend.SearchUpdate{
		Status:          &complete,
		ImagesFound:     &images,
		ProcessedImages: &total,
	})
	if err != nil {
		return fmt.Errorf("failed to record search result: %w", err)
	}

	log.Info("search complete", "images_scanned", total, "images_found", len(images))
	r.notifier.SearchFinished(ctx, final)
	return nil
}

// finishError records a terminal error outcome and notifies observers. This
// is the path for user-visible failures; infrastructure errors surface to the
// caller instead.
func (r *Runner) finishError(ctx context.Context, requestID, message string) error {
	errStatus := backend.SearchError
	final, err := r.backend.UpdateSearchRequest(ctx, requestID, backend.SearchUpdate{
		Status: &errStatus,
		Error:  &message,
	})
	if err != nil {
		return fmt.Errorf("failed to record search error: %w", err)
	}
	r.notifier.SearchFinished(ctx, final)
	return nil
}
