package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	extractmock "github.com/pvavrin/facelens/internal/extract/mock"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/scheduler"
	"github.com/pvavrin/facelens/internal/search"
	"github.com/pvavrin/facelens/internal/store"
)

type testEnv struct {
	backend   *backend.Memory
	blobs     *blob.MemoryStore
	extractor *extractmock.Extractor
	stores    *store.Manager
	scheduler *scheduler.Scheduler
	deps      Deps
	router    *chi.Mux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	env := &testEnv{
		backend:   backend.NewMemory(),
		blobs:     blob.NewMemoryStore(),
		extractor: &extractmock.Extractor{},
	}
	env.stores = store.NewManager(env.blobs, log)
	env.scheduler = scheduler.New(env.backend, env.blobs, env.extractor, env.stores,
		scheduler.Options{Concurrency: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, log)

	defaults := match.Options{Threshold: 0.6, GenderMatch: true}
	runner := search.NewRunner(env.backend, env.extractor, env.stores, nil, defaults, log)
	waiter := search.NewWaiter(env.backend, 5*time.Millisecond, log)

	env.deps = Deps{
		Backend:       env.backend,
		Blobs:         env.blobs,
		Scheduler:     env.scheduler,
		Runner:        runner,
		Waiter:        waiter,
		Stores:        env.stores,
		MatchDefaults: defaults,
		Log:           log,
	}

	upload := NewUploadHandler(env.deps)
	jobs := NewJobsHandler(env.deps)
	searchHandler := NewSearchHandler(env.deps)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthCheck)
		r.Post("/collections/{id}/upload", upload.Upload)
		r.Get("/jobs/{jobId}", jobs.Status)
		r.Get("/jobs/{jobId}/events", jobs.Events)
		r.Delete("/jobs/{jobId}", jobs.Cancel)
		r.Post("/collections/{id}/search", searchHandler.Create)
		r.Get("/search/{requestId}", searchHandler.Get)
		r.Get("/search/{requestId}/events", searchHandler.Events)
		r.Get("/search/{requestId}/wait", searchHandler.Wait)
	})
	env.router = r

	env.backend.PutCollection(&backend.Collection{
		ID:     "col-1",
		Title:  "Prom 2026",
		Status: backend.CollectionComplete,
	})
	return env
}

// zipWith builds an in-memory zip archive with the given entry names, each
// holding a few placeholder bytes.
func zipWith(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for _, name := range names {
		entry, err := writer.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := entry.Write([]byte("data")); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// multipartBody builds a multipart form with one file plus optional fields,
// returning the body and its content type.
func multipartBody(t *testing.T, fileField, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatal(err)
		}
	}
	part, err := writer.CreateFormFile(fileField, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return body, writer.FormDataContentType()
}

// waitForSearchStatus polls until the request reaches want or the deadline
// passes.
func waitForSearchStatus(t *testing.T, b *backend.Memory, id string, want backend.SearchStatus) *backend.SearchRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		req, err := b.GetSearchRequest(context.Background(), id)
		if err == nil && req.Status == want {
			return req
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("search request %s never reached %s", id, want)
	return nil
}
