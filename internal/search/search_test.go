package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pvavrin/facelens/internal/backend"
	"github.com/pvavrin/facelens/internal/blob"
	extractmock "github.com/pvavrin/facelens/internal/extract/mock"
	"github.com/pvavrin/facelens/internal/match"
	"github.com/pvavrin/facelens/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingNotifier counts terminal notifications and keeps the last
// snapshot delivered.
type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	last  *backend.SearchRequest
}

func (n *recordingNotifier) SearchFinished(_ context.Context, req *backend.SearchRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.last = req
}

func (n *recordingNotifier) snapshot() (int, *backend.SearchRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls, n.last
}

type fixture struct {
	backend   *backend.Memory
	blobs     *blob.MemoryStore
	stores    *store.Manager
	extractor *extractmock.Extractor
	notifier  *recordingNotifier
	runner    *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend:   backend.NewMemory(),
		blobs:     blob.NewMemoryStore(),
		extractor: &extractmock.Extractor{},
		notifier:  &recordingNotifier{},
	}
	f.stores = store.NewManager(f.blobs, discardLogger())
	opts := match.Options{Threshold: 0.6, GenderMatch: true}
	f.runner = NewRunner(f.backend, f.extractor, f.stores, f.notifier, opts, discardLogger())
	return f
}

func (f *fixture) seedRequest(t *testing.T, id string) {
	t.Helper()
	req := backend.SearchRequest{
		ID:           id,
		CollectionID: "col-1",
		Status:       backend.SearchPending,
		CreatedAt:    time.Now(),
	}
	if err := f.backend.CreateSearchRequest(context.Background(), &req); err != nil {
		t.Fatal(err)
	}
}

// seedStore builds a collection store where every image holds one male face
// and the images listed in matching point in the reference direction.
func (f *fixture) seedStore(t *testing.T, total int, matching map[int]bool) {
	t.Helper()
	var records []store.EmbeddingRecord
	for i := 0; i < total; i++ {
		vector := []float32{0, 1, 0}
		if matching[i] {
			vector = []float32{1, 0, 0}
		}
		records = append(records, store.EmbeddingRecord{
			ImageName:  fmt.Sprintf("img-%03d.jpg", i),
			ImagePath:  fmt.Sprintf("col-1/img-%03d.jpg", i),
			FacesCount: 1,
			Faces:      []store.FaceEmbedding{{Vector: vector, Gender: store.GenderMale}},
		})
	}
	if _, err := f.stores.BuildOrReplace(context.Background(), "col-1", records); err != nil {
		t.Fatal(err)
	}
}

func referenceFace() store.FaceEmbedding {
	return store.FaceEmbedding{Vector: []float32{1, 0, 0}, Gender: store.GenderMale}
}

func TestRunner_FindsMatchingImages(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	f.seedStore(t, 3, map[int]bool{0: true, 2: true})
	f.extractor.ReferenceFaces = []store.FaceEmbedding{referenceFace()}

	if err := f.runner.Run(context.Background(), "req-1", []byte("photo")); err != nil {
		t.Fatal(err)
	}

	req, err := f.backend.GetSearchRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != backend.SearchComplete {
		t.Fatalf("expected complete, got %s (%s)", req.Status, req.Error)
	}
	if len(req.ImagesFound) != 2 {
		t.Fatalf("expected 2 images, got %v", req.ImagesFound)
	}
	if req.ImagesFound[0] != "col-1/img-000.jpg" || req.ImagesFound[1] != "col-1/img-002.jpg" {
		t.Errorf("wrong images or order: %v", req.ImagesFound)
	}
	if req.TotalImages == nil || *req.TotalImages != 3 {
		t.Errorf("total images not pinned: %v", req.TotalImages)
	}
	if req.ProcessedImages == nil || *req.ProcessedImages != 3 {
		t.Errorf("final progress not recorded: %v", req.ProcessedImages)
	}

	calls, last := f.notifier.snapshot()
	if calls != 1 {
		t.Errorf("expected exactly one notification, got %d", calls)
	}
	if last == nil || last.Status != backend.SearchComplete {
		t.Errorf("notifier got wrong snapshot: %+v", last)
	}
}

func TestRunner_PersistsBestMatchesFirst(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	f.extractor.ReferenceFaces = []store.FaceEmbedding{referenceFace()}

	records := []store.EmbeddingRecord{
		{
			ImageName: "close.jpg", ImagePath: "col-1/close.jpg", FacesCount: 1,
			Faces: []store.FaceEmbedding{{Vector: []float32{0.8, 0.6, 0}, Gender: store.GenderMale}},
		},
		{
			ImageName: "miss.jpg", ImagePath: "col-1/miss.jpg", FacesCount: 1,
			Faces: []store.FaceEmbedding{{Vector: []float32{0, 1, 0}, Gender: store.GenderMale}},
		},
		{
			ImageName: "exact.jpg", ImagePath: "col-1/exact.jpg", FacesCount: 1,
			Faces: []store.FaceEmbedding{{Vector: []float32{1, 0, 0}, Gender: store.GenderMale}},
		},
	}
	if _, err := f.stores.BuildOrReplace(context.Background(), "col-1", records); err != nil {
		t.Fatal(err)
	}

	if err := f.runner.Run(context.Background(), "req-1", []byte("photo")); err != nil {
		t.Fatal(err)
	}

	req, _ := f.backend.GetSearchRequest(context.Background(), "req-1")
	if len(req.ImagesFound) != 2 {
		t.Fatalf("expected 2 images, got %v", req.ImagesFound)
	}
	if req.ImagesFound[0] != "col-1/exact.jpg" || req.ImagesFound[1] != "col-1/close.jpg" {
		t.Errorf("results not ordered by similarity: %v", req.ImagesFound)
	}
}

func TestRunner_NoFaceInReference(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	f.extractor.ReferenceFaces = nil

	if err := f.runner.Run(context.Background(), "req-1", []byte("landscape")); err != nil {
		t.Fatal(err)
	}

	req, _ := f.backend.GetSearchRequest(context.Background(), "req-1")
	if req.Status != backend.SearchError {
		t.Fatalf("expected error status, got %s", req.Status)
	}
	if req.Error != "no face found in reference image" {
		t.Errorf("unexpected message %q", req.Error)
	}
	if f.blobs.Len() != 0 {
		t.Error("store must never be touched when the reference has no face")
	}

	calls, _ := f.notifier.snapshot()
	if calls != 1 {
		t.Errorf("error outcomes notify too, got %d calls", calls)
	}
}

func TestRunner_EmptyCollectionCompletes(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	f.extractor.ReferenceFaces = []store.FaceEmbedding{referenceFace()}
	// No store artifact exists for col-1 at all.

	if err := f.runner.Run(context.Background(), "req-1", []byte("photo")); err != nil {
		t.Fatal(err)
	}

	req, _ := f.backend.GetSearchRequest(context.Background(), "req-1")
	if req.Status != backend.SearchComplete {
		t.Fatalf("expected complete, got %s (%s)", req.Status, req.Error)
	}
	if len(req.ImagesFound) != 0 {
		t.Errorf("expected no images, got %v", req.ImagesFound)
	}
	if req.TotalImages == nil || *req.TotalImages != 0 {
		t.Errorf("expected pinned total of 0, got %v", req.TotalImages)
	}
}

func TestRunner_ProgressIsThrottled(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	f.seedStore(t, 25, map[int]bool{})
	f.extractor.ReferenceFaces = []store.FaceEmbedding{referenceFace()}

	updates, cancel, err := f.backend.SubscribeSearchRequest(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := f.runner.Run(context.Background(), "req-1", []byte("photo")); err != nil {
		t.Fatal(err)
	}

	var progress []int
	for {
		select {
		case update := <-updates:
			if update.ProcessedImages != nil {
				progress = append(progress, *update.ProcessedImages)
			}
			if update.Status.Terminal() {
				// Mid-scan writes land only on full steps of ten.
				for _, p := range progress[:len(progress)-1] {
					if p != 0 && p%10 != 0 {
						t.Errorf("unthrottled progress write %d (saw %v)", p, progress)
					}
				}
				if progress[len(progress)-1] != 25 {
					t.Errorf("final progress must be the full total, saw %v", progress)
				}
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("terminal update never arrived, progress so far %v", progress)
		}
	}
}

func TestRunner_TerminalRequestIsNotRerun(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	f.seedStore(t, 1, map[int]bool{0: true})
	f.extractor.ReferenceFaces = []store.FaceEmbedding{referenceFace()}

	if err := f.runner.Run(context.Background(), "req-1", []byte("photo")); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Run(context.Background(), "req-1", []byte("photo")); err != nil {
		t.Fatal(err)
	}

	calls, _ := f.notifier.snapshot()
	if calls != 1 {
		t.Errorf("rerunning a finished request must not notify again, got %d", calls)
	}
}

func TestWaiter_ReturnsTerminalImmediately(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")
	complete := backend.SearchComplete
	if _, err := f.backend.UpdateSearchRequest(context.Background(), "req-1", backend.SearchUpdate{Status: &complete}); err != nil {
		t.Fatal(err)
	}

	w := NewWaiter(f.backend, 10*time.Millisecond, discardLogger())
	req, err := w.WaitTerminal(context.Background(), "req-1", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != backend.SearchComplete {
		t.Errorf("got %s", req.Status)
	}
}

func TestWaiter_SeesPushUpdate(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")

	go func() {
		time.Sleep(30 * time.Millisecond)
		complete := backend.SearchComplete
		images := []string{"col-1/img-000.jpg"}
		f.backend.UpdateSearchRequest(context.Background(), "req-1", backend.SearchUpdate{
			Status:      &complete,
			ImagesFound: &images,
		})
	}()

	w := NewWaiter(f.backend, time.Minute, discardLogger())
	req, err := w.WaitTerminal(context.Background(), "req-1", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != backend.SearchComplete || len(req.ImagesFound) != 1 {
		t.Errorf("wrong terminal snapshot: %+v", req)
	}
}

func TestWaiter_TimesOutDistinctFromError(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")

	w := NewWaiter(f.backend, 5*time.Millisecond, discardLogger())
	_, err := w.WaitTerminal(context.Background(), "req-1", 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// The request is untouched: still pending, not errored.
	req, _ := f.backend.GetSearchRequest(context.Background(), "req-1")
	if req.Status != backend.SearchPending {
		t.Errorf("timeout must not change the request, got %s", req.Status)
	}
}

func TestWaiter_ReleasesSubscriptionOnTimeout(t *testing.T) {
	f := newFixture(t)
	f.seedRequest(t, "req-1")

	w := NewWaiter(f.backend, 5*time.Millisecond, discardLogger())
	if _, err := w.WaitTerminal(context.Background(), "req-1", 20*time.Millisecond); err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A later update must not panic or block on the abandoned subscription.
	complete := backend.SearchComplete
	if _, err := f.backend.UpdateSearchRequest(context.Background(), "req-1", backend.SearchUpdate{Status: &complete}); err != nil {
		t.Fatal(err)
	}
}
