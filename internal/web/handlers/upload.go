package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	"github.com/pvavrin/facelens/internal/scheduler"
	"github.com/pvavrin/facelens/internal/store"
)

// maxUploadSize caps a single upload request at 512 MB.
const maxUploadSize = 512 << 20

// UploadHandler accepts photo archives for a collection and enqueues their
// ingestion.
type UploadHandler struct {
	backend   backend.Backend
	blobs     blob.Store
	scheduler *scheduler.Scheduler
	stores    *store.Manager
	log       *slog.Logger
}

func NewUploadHandler(deps Deps) *UploadHandler {
	return &UploadHandler{
		backend:   deps.Backend,
		blobs:     deps.Blobs,
		scheduler: deps.Scheduler,
		stores:    deps.Stores,
		log:       deps.Log,
	}
}

// UploadResponse lists the jobs created for one upload.
type UploadResponse struct {
	CollectionID string              `json:"collectionId"`
	Jobs         []backend.IngestJob `json:"jobs"`
}

// validateArchive checks that data is a readable zip holding at least one
// image entry and returns the image count.
func validateArchive(data []byte) (int, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, errors.New("not a valid zip archive")
	}
	images := 0
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		if isImageEntry(entry.Name) {
			images++
		}
	}
	if images == 0 {
		return 0, errors.New("archive contains no images")
	}
	return images, nil
}

// storeImages unpacks the archive's image entries into blob storage under
// <collectionID>/<name>, the keys the extraction results point back to.
func (h *UploadHandler) storeImages(ctx context.Context, collectionID string, data []byte) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() || !isImageEntry(entry.Name) {
			continue
		}
		file, err := entry.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", entry.Name, err)
		}
		content, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			return fmt.Errorf("reading %s: %w", entry.Name, err)
		}
		name := path.Base(entry.Name)
		key := collectionID + "/" + name
		if err := h.blobs.Put(ctx, key, content, contentTypeForImage(name)); err != nil {
			return fmt.Errorf("storing %s: %w", name, err)
		}
	}
	return nil
}

// Upload handles POST /collections/{id}/upload. Each uploaded zip becomes one
// ingest job; a new upload replaces the collection's previous embeddings.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
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

	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	files := r.MultipartForm.File["archives"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no archives uploaded, use the 'archives' field")
		return
	}

	// Read and validate everything up front so a bad archive rejects the
	// whole upload before any job exists.
	type pendingArchive struct {
		filename string
		data     []byte
	}
	archives := make([]pendingArchive, 0, len(files))
	for _, fileHeader := range files {
		if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".zip") {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a .zip archive", fileHeader.Filename))
			return
		}
		file, err := fileHeader.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("failed to open %s", fileHeader.Filename))
			return
		}
		data, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("failed to read %s", fileHeader.Filename))
			return
		}
		if _, err := validateArchive(data); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", fileHeader.Filename, err))
			return
		}
		archives = append(archives, pendingArchive{filename: fileHeader.Filename, data: data})
	}

	// A fresh upload replaces previous results: drop the old embedding store
	// so the new jobs build it from scratch.
	if err := h.stores.Delete(ctx, collectionID); err != nil {
		h.log.Error("failed to reset embedding store", "collection_id", collectionID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to reset previous embeddings")
		return
	}

	jobs := make([]backend.IngestJob, 0, len(archives))
	for _, archive := range archives {
		jobID := uuid.NewString()
		key := collectionID + "/uploads/" + jobID + ".zip"
		if err := h.blobs.Put(ctx, key, archive.data, "application/zip"); err != nil {
			h.log.Error("failed to store archive", "collection_id", collectionID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to store archive")
			return
		}
		if err := h.storeImages(ctx, collectionID, archive.data); err != nil {
			h.log.Error("failed to unpack images", "collection_id", collectionID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to store archive images")
			return
		}

		job := backend.IngestJob{
			ID:           jobID,
			CollectionID: collectionID,
			FileKey:      key,
			Filename:     archive.filename,
			Status:       backend.JobPending,
			CreatedAt:    time.Now(),
		}
		if err := h.backend.CreateIngestJob(ctx, &job); err != nil {
			h.log.Error("failed to create ingest job", "collection_id", collectionID, "error", err)
			respondError(w, http.StatusInternalServerError, "failed to create ingest job")
			return
		}
		jobs = append(jobs, job)
	}

	processing := backend.CollectionProcessing
	if err := h.backend.UpdateCollection(ctx, collectionID, backend.CollectionUpdate{Status: &processing}); err != nil {
		h.log.Error("failed to mark collection processing", "collection_id", collectionID, "error", err)
	}

	// Jobs outlive the request; they run on the scheduler's own context.
	h.scheduler.EnqueueBatch(context.Background(), jobs)
	h.log.Info("upload accepted",
		"collection_id", collectionID,
		"collection", sanitizeForLog(collection.Title),
		"archives", len(jobs))

	respondJSON(w, http.StatusAccepted, UploadResponse{CollectionID: collectionID, Jobs: jobs})
}
