package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/store"
)

func TestUpload_AcceptsZipAndCreatesJob(t *testing.T) {
	env := newTestEnv(t)
	archive := zipWith(t, "photos/a.jpg", "photos/b.png", "notes.txt")
	body, contentType := multipartBody(t, "archives", "batch.zip", archive, nil)

	req := httptest.NewRequest("POST", "/api/v1/collections/col-1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp UploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(resp.Jobs))
	}
	if resp.Jobs[0].Status != backend.JobPending && resp.Jobs[0].Status != backend.JobRunning {
		t.Errorf("unexpected job status %s", resp.Jobs[0].Status)
	}

	// The archive landed in blob storage under the job's key.
	if _, err := env.blobs.Get(context.Background(), resp.Jobs[0].FileKey); err != nil {
		t.Errorf("archive not stored: %v", err)
	}

	// Image entries were unpacked next to it so search results can link them.
	for _, key := range []string{"col-1/a.jpg", "col-1/b.png"} {
		if _, err := env.blobs.Get(context.Background(), key); err != nil {
			t.Errorf("image %s not stored: %v", key, err)
		}
	}
	if _, err := env.blobs.Get(context.Background(), "col-1/notes.txt"); err == nil {
		t.Error("non-image entry should not be stored")
	}

	col, _ := env.backend.GetCollection(context.Background(), "col-1")
	if col.Status != backend.CollectionProcessing && col.Status != backend.CollectionComplete {
		t.Errorf("collection status %s", col.Status)
	}

	env.scheduler.Wait()
}

func TestUpload_RejectsNonZip(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "archives", "photo.jpg", []byte("jpeg"), nil)

	req := httptest.NewRequest("POST", "/api/v1/collections/col-1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not a .zip") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestUpload_RejectsArchiveWithoutImages(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name    string
		entries []string
	}{
		{"only text files", []string{"readme.txt", "data.csv"}},
		{"only resource forks", []string{"__MACOSX/._a.jpg", "photos/.hidden.jpg"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := zipWith(t, tt.entries...)
			body, contentType := multipartBody(t, "archives", "batch.zip", archive, nil)

			req := httptest.NewRequest("POST", "/api/v1/collections/col-1/upload", body)
			req.Header.Set("Content-Type", contentType)
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), "no images") {
				t.Errorf("unexpected body %s", rec.Body.String())
			}
		})
	}
}

func TestUpload_RejectsCorruptZip(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "archives", "batch.zip", []byte("this is not a zip"), nil)

	req := httptest.NewRequest("POST", "/api/v1/collections/col-1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpload_UnknownCollection(t *testing.T) {
	env := newTestEnv(t)
	archive := zipWith(t, "a.jpg")
	body, contentType := multipartBody(t, "archives", "batch.zip", archive, nil)

	req := httptest.NewRequest("POST", "/api/v1/collections/nope/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpload_ReplacesPreviousStore(t *testing.T) {
	env := newTestEnv(t)

	// An earlier ingest left embeddings behind.
	old := []store.EmbeddingRecord{{ImageName: "old.jpg", ImagePath: "col-1/old.jpg"}}
	if _, err := env.stores.BuildOrReplace(context.Background(), "col-1", old); err != nil {
		t.Fatal(err)
	}

	archive := zipWith(t, "new.jpg")
	body, contentType := multipartBody(t, "archives", "batch.zip", archive, nil)
	req := httptest.NewRequest("POST", "/api/v1/collections/col-1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	env.scheduler.Wait()

	// The mock extractor returns no records, so a fully replaced store is
	// empty rather than holding the old image.
	st, err := env.stores.Load(context.Background(), "col-1")
	if err == nil {
		for _, record := range st.Records {
			if record.ImageName == "old.jpg" {
				t.Error("previous embeddings survived a replacing upload")
			}
		}
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}
