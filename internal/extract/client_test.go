package extract

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_ProcessArchive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process-archive" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("bad multipart form: %v", err)
		}
		if got := r.FormValue("job_id"); got != "job-1" {
			t.Errorf("expected job_id job-1, got %q", got)
		}
		if got := r.FormValue("collection_id"); got != "col-1" {
			t.Errorf("expected collection_id col-1, got %q", got)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"metadata": map[string]int{"total_images": 2, "processed_successfully": 2},
			"embeddings": []map[string]any{
				{"image_name": "a.jpg", "image_path": "col-1/a.jpg", "faces_count": 1,
					"faces": []map[string]any{{"face_index": 0, "embedding": []float32{0.1, 0.2}, "gender": "male", "bbox": []float64{1, 2, 3, 4}}}},
				{"image_name": "b.jpg", "image_path": "col-1/b.jpg", "faces_count": 0, "faces": []any{}},
			},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Minute)
	result, err := c.ProcessArchive(context.Background(), "job-1", "col-1", []byte("zipdata"), "batch.zip")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	if result.Metadata.TotalImages != 2 {
		t.Errorf("expected 2 total images, got %d", result.Metadata.TotalImages)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
	if result.Records[0].Faces[0].Gender != "male" {
		t.Errorf("face metadata lost: %+v", result.Records[0].Faces[0])
	}
}

func TestClient_DomainErrorOn4xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not a zip archive", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Minute)
	_, err := c.ProcessArchive(context.Background(), "job-1", "col-1", []byte("junk"), "junk.bin")
	if !errors.Is(err, ErrDomain) {
		t.Errorf("expected ErrDomain, got %v", err)
	}
}

func TestClient_TransientErrorOn5xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Minute)
	_, err := c.ProcessArchive(context.Background(), "job-1", "col-1", []byte("zip"), "batch.zip")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrDomain) || errors.Is(err, ErrNoResponse) {
		t.Errorf("5xx must be transient, got %v", err)
	}
}

func TestClient_SilenceYieldsNoResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels the request context; otherwise Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	c := NewClient(server.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := c.ExtractReference(context.Background(), []byte("img"))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("expected ErrNoResponse, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not bounded")
	}
}

func TestClient_CallerDeadlineIsNotSilence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	// The per-call timeout is generous; only the caller's deadline expires.
	c := NewClient(server.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ExtractReference(ctx, []byte("img"))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrNoResponse) {
		t.Errorf("caller deadline must not look like collaborator silence: %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected the caller's deadline error, got %v", err)
	}
}

func TestClient_ExtractReferenceNoFaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"faces_count": 0, "faces": []any{}})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Minute)
	faces, err := c.ExtractReference(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces, got %d", len(faces))
	}
}

func TestClient_ErrorStringInPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "corrupted archive"})
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Minute)
	_, err := c.ProcessArchive(context.Background(), "job-1", "col-1", []byte("zip"), "batch.zip")
	if !errors.Is(err, ErrDomain) {
		t.Errorf("terminal error string must map to ErrDomain, got %v", err)
	}
}
