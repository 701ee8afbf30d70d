package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pvavrin/facelens/internal/blob"
)

func testRecord(name string, faces int) EmbeddingRecord {
	rec := EmbeddingRecord{
		ImageName:   name,
		ImagePath:   "col1/" + name,
		FacesCount:  faces,
		ProcessedAt: time.Now().UTC(),
	}
	for i := 0; i < faces; i++ {
		rec.Faces = append(rec.Faces, FaceEmbedding{
			FaceIndex: i,
			Vector:    []float32{0.1, 0.2, 0.3},
			Gender:    GenderMale,
			BBox:      [4]float64{10, 10, 50, 50},
		})
	}
	return rec
}

func TestManager_LoadMissing(t *testing.T) {
	m := NewManager(blob.NewMemoryStore(), nil)

	_, err := m.Load(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_BuildThenLoad(t *testing.T) {
	m := NewManager(blob.NewMemoryStore(), nil)
	ctx := context.Background()

	records := []EmbeddingRecord{
		testRecord("a.jpg", 2),
		testRecord("b.jpg", 0),
		testRecord("c.jpg", 1),
	}
	built, err := m.BuildOrReplace(ctx, "col1", records)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if built.Metadata.TotalImages != 3 {
		t.Errorf("expected 3 total images, got %d", built.Metadata.TotalImages)
	}
	if built.Metadata.ImagesWithFaces != 2 {
		t.Errorf("expected 2 images with faces, got %d", built.Metadata.ImagesWithFaces)
	}
	if built.Metadata.TotalFaces != 3 {
		t.Errorf("expected 3 total faces, got %d", built.Metadata.TotalFaces)
	}
	if built.Metadata.Version != 1 {
		t.Errorf("expected version 1, got %d", built.Metadata.Version)
	}

	loaded, err := m.Load(ctx, "col1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(loaded.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(loaded.Records))
	}
	if loaded.Records[0].ImageName != "a.jpg" {
		t.Errorf("record order lost: first is %s", loaded.Records[0].ImageName)
	}
	if len(loaded.Records[0].Faces) != 2 {
		t.Errorf("faces lost on roundtrip: %d", len(loaded.Records[0].Faces))
	}
}

func TestManager_MergePreservesOrderAndBumpsVersion(t *testing.T) {
	m := NewManager(blob.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := m.BuildOrReplace(ctx, "col1", []EmbeddingRecord{testRecord("a.jpg", 1)}); err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	merged, err := m.BuildOrReplace(ctx, "col1", []EmbeddingRecord{testRecord("b.jpg", 1)})
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if merged.Metadata.Version != 2 {
		t.Errorf("expected version 2, got %d", merged.Metadata.Version)
	}
	if len(merged.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(merged.Records))
	}
	if merged.Records[0].ImageName != "a.jpg" || merged.Records[1].ImageName != "b.jpg" {
		t.Errorf("merge lost ordering: %s, %s", merged.Records[0].ImageName, merged.Records[1].ImageName)
	}

	// No de-duplication across runs: the same image name appends again.
	again, err := m.BuildOrReplace(ctx, "col1", []EmbeddingRecord{testRecord("a.jpg", 1)})
	if err != nil {
		t.Fatalf("re-merge failed: %v", err)
	}
	if len(again.Records) != 3 {
		t.Errorf("expected duplicate image name appended, got %d records", len(again.Records))
	}
}

func TestManager_DeleteResetsStore(t *testing.T) {
	m := NewManager(blob.NewMemoryStore(), nil)
	ctx := context.Background()

	if _, err := m.BuildOrReplace(ctx, "col1", []EmbeddingRecord{testRecord("a.jpg", 1)}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if err := m.Delete(ctx, "col1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := m.Load(ctx, "col1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// A rebuild after delete starts over at version 1.
	rebuilt, err := m.BuildOrReplace(ctx, "col1", []EmbeddingRecord{testRecord("b.jpg", 0)})
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if rebuilt.Metadata.Version != 1 || len(rebuilt.Records) != 1 {
		t.Errorf("expected fresh store, got version %d with %d records",
			rebuilt.Metadata.Version, len(rebuilt.Records))
	}
}

func TestManager_SwapLeavesNoTempObjects(t *testing.T) {
	blobs := blob.NewMemoryStore()
	m := NewManager(blobs, nil)
	ctx := context.Background()

	if _, err := m.BuildOrReplace(ctx, "col1", []EmbeddingRecord{testRecord("a.jpg", 1)}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	keys, err := blobs.ListAll(ctx, "col1/")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != ArtifactKey("col1") {
		t.Errorf("expected only the final artifact, got %v", keys)
	}
}

func TestCodec_Roundtrip(t *testing.T) {
	original := &Store{
		Metadata: computeMetadata("col1", 7, []EmbeddingRecord{testRecord("a.jpg", 1)}),
		Records:  []EmbeddingRecord{testRecord("a.jpg", 1)},
	}

	data, err := encodeArtifact(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeArtifact(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.Metadata.Version != 7 {
		t.Errorf("version lost: %d", decoded.Metadata.Version)
	}
	if len(decoded.Records) != 1 || decoded.Records[0].Faces[0].Gender != GenderMale {
		t.Errorf("records corrupted: %+v", decoded.Records)
	}
}
