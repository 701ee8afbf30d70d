package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/search"
)

const (
	// maxReferenceSize caps the reference photo at 32 MB.
	maxReferenceSize = 32 << 20

	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

// SearchHandler creates search requests and exposes their progress to
// polling, waiting, and streaming observers.
type SearchHandler struct {
	backend  backend.Backend
	runner   *search.Runner
	waiter   *search.Waiter
	defaults match.Options
	log      *slog.Logger
}

func NewSearchHandler(deps Deps) *SearchHandler {
	return &SearchHandler{
		backend:  deps.Backend,
		runner:   deps.Runner,
		waiter:   deps.Waiter,
		defaults: deps.MatchDefaults,
		log:      deps.Log,
	}
}

// parseOptions applies optional form overrides on top of the configured
// matching defaults.
func (h *SearchHandler) parseOptions(r *http.Request) match.Options {
	opts := h.defaults
	if v := r.FormValue("threshold"); v != "" {
		if threshold, err := strconv.ParseFloat(v, 64); err == nil && threshold > 0 && threshold < 1 {
			opts.Threshold = threshold
		}
	}
	if v := r.FormValue("gender_match"); v != "" {
		if genderMatch, err := strconv.ParseBool(v); err == nil {
			opts.GenderMatch = genderMatch
		}
	}
	if v := r.FormValue("top_n"); v != "" {
		if topN, err := strconv.Atoi(v); err == nil && topN > 0 {
			opts.TopN = topN
		}
	}
	return opts
}

// Create handles POST /collections/{id}/search: a multipart reference photo
// plus optional matching overrides. The search runs in the background; the
// response carries the request id to observe.
func (h *SearchHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collectionID := chi.URLParam(r, "id")

	collection, err := h.backend.GetCollection(ctx, collectionID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "collection not found")
			return
		}
		h.log.Error("failed to load collection", "collection_id", collectionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load collection")
		return
	}
	if collection.Status != backend.CollectionComplete {
		respondError(w, http.StatusConflict, "collection is not ready for search")
		return
	}

	if err := r.ParseMultipartForm(maxReferenceSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	file, _, err := r.FormFile("photo")
	if err != nil {
		respondError(w, http.StatusBadRequest, "reference photo is required, use the 'photo' field")
		return
	}
	defer file.Close()
	image, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read reference photo")
		return
	}

	req := backend.SearchRequest{
		ID:                 uuid.NewString(),
		CollectionID:       collectionID,
		Status:             backend.SearchPending,
		ExternalChannelRef: r.FormValue("chat_id"),
		CreatedAt:          time.Now(),
	}
	if err := h.backend.CreateSearchRequest(ctx, &req); err != nil {
		h.log.Error("failed to create search request", "collection_id", collectionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create search request")
		return
	}

	opts := h.parseOptions(r)
	go func() {
		// The search outlives the HTTP request.
		if err := h.runner.RunWith(context.Background(), req.ID, image, opts); err != nil {
			h.log.Error("search run failed", "request_id", req.ID, "error", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, req)
}

// Get handles GET /search/{requestId}.
func (h *SearchHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	req, err := h.backend.GetSearchRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "search request not found")
			return
		}
		h.log.Error("failed to load search request", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load search request")
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// Wait handles GET /search/{requestId}/wait?timeout=SECONDS. A request that
// finishes inside the window answers 200 with the terminal snapshot; an
// expired window answers 408 and the search keeps running.
func (h *SearchHandler) Wait(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")

	window := defaultWaitTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			respondError(w, http.StatusBadRequest, "timeout must be a positive number of seconds")
			return
		}
		window = time.Duration(seconds) * time.Second
		if window > maxWaitTimeout {
			window = maxWaitTimeout
		}
	}

	req, err := h.waiter.WaitTerminal(r.Context(), requestID, window)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, req)
	case errors.Is(err, search.ErrTimeout):
		respondJSON(w, http.StatusRequestTimeout, map[string]string{
			"id":     requestID,
			"status": "waiting",
			"detail": "search still running, try again",
		})
	case errors.Is(err, backend.ErrNotFound):
		respondError(w, http.StatusNotFound, "search request not found")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to answer.
	default:
		h.log.Error("wait failed", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to wait for search")
	}
}

// Events handles GET /search/{requestId}/events, an SSE stream of request
// snapshots ending with the terminal one.
func (h *SearchHandler) Events(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	updates, cancel, err := h.backend.SubscribeSearchRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "search request not found")
			return
		}
		h.log.Error("failed to subscribe to search request", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to subscribe to search request")
		return
	}
	defer cancel()

	// Subscribe first, then read the current snapshot, so updates landing in
	// between are not lost.
	req, err := h.backend.GetSearchRequest(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, http.StatusNotFound, "search request not found")
			return
		}
		h.log.Error("failed to load search request", "request_id", requestID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load search request")
		return
	}

	streamSSE(w, r, *req, updates, func(req backend.SearchRequest) bool {
		return req.Status.Terminal()
	})
}
