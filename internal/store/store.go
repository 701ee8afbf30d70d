package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pvavrin/facelens/internal/blob"
)

// ErrNotFound indicates no artifact exists for the collection.
var ErrNotFound = errors.New("embedding store not found")

const artifactContentType = "application/gzip"

// Manager reads and writes consolidated embedding artifacts.
//
// Writes are whole-artifact: the new artifact is written to a temporary key
// and swapped over the final key with a server-side copy, so concurrent
// readers observe either the prior or the new version, never a mix. A
// per-collection mutex serializes writers; readers are never blocked.
type Manager struct {
	blobs blob.Store
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	loads singleflight.Group
}

func NewManager(blobs blob.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		blobs: blobs,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}
}

// ArtifactKey returns the object key of a collection's store artifact.
func ArtifactKey(collectionID string) string {
	return collectionID + "/embeddings.json.gz"
}

// collectionLock returns the write mutex for one collection.
func (m *Manager) collectionLock(collectionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[collectionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[collectionID] = lock
	}
	return lock
}

// Load fetches and decodes the full artifact. Callers scan the returned
// snapshot in memory; the artifact is read exactly once per search.
// Concurrent loads of the same collection share one fetch, so a burst of
// searches against a large collection costs a single download.
func (m *Manager) Load(ctx context.Context, collectionID string) (*Store, error) {
	result, err, _ := m.loads.Do(collectionID, func() (any, error) {
		data, err := m.blobs.Get(ctx, ArtifactKey(collectionID))
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				return nil, fmt.Errorf("collection %s: %w", collectionID, ErrNotFound)
			}
			return nil, fmt.Errorf("loading store for %s: %w", collectionID, err)
		}
		return decodeArtifact(data)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Store), nil
}

// BuildOrReplace merges records into the collection's artifact, creating it
// if absent, and swaps the result in atomically. Records append in call
// order; image names are not de-duplicated across ingestion runs.
func (m *Manager) BuildOrReplace(ctx context.Context, collectionID string, records []EmbeddingRecord) (*Store, error) {
	lock := m.collectionLock(collectionID)
	lock.Lock()
	defer lock.Unlock()

	version := 1
	var merged []EmbeddingRecord

	existing, err := m.Load(ctx, collectionID)
	switch {
	case err == nil:
		version = existing.Metadata.Version + 1
		merged = append(merged, existing.Records...)
	case errors.Is(err, ErrNotFound):
		// First artifact for this collection.
	default:
		return nil, err
	}
	merged = append(merged, records...)

	updated := &Store{
		Metadata: computeMetadata(collectionID, version, merged),
		Records:  merged,
	}

	if err := m.swapIn(ctx, collectionID, updated); err != nil {
		return nil, err
	}

	m.log.Info("embedding store updated",
		"collection_id", collectionID,
		"version", version,
		"total_images", updated.Metadata.TotalImages,
		"total_faces", updated.Metadata.TotalFaces)
	return updated, nil
}

// Delete removes the collection's artifact. Used when a collection is
// re-ingested from scratch: the new run starts from an empty store.
func (m *Manager) Delete(ctx context.Context, collectionID string) error {
	lock := m.collectionLock(collectionID)
	lock.Lock()
	defer lock.Unlock()
	return m.blobs.Delete(ctx, ArtifactKey(collectionID))
}

// swapIn writes the artifact to a temporary key, copies it over the final
// key server-side, and removes the temporary object.
func (m *Manager) swapIn(ctx context.Context, collectionID string, s *Store) error {
	data, err := encodeArtifact(s)
	if err != nil {
		return err
	}

	finalKey := ArtifactKey(collectionID)
	tmpKey := finalKey + ".tmp-" + uuid.New().String()

	if err := m.blobs.Put(ctx, tmpKey, data, artifactContentType); err != nil {
		return fmt.Errorf("writing temp artifact: %w", err)
	}
	if err := m.blobs.Copy(ctx, tmpKey, finalKey); err != nil {
		return fmt.Errorf("swapping artifact: %w", err)
	}
	if err := m.blobs.Delete(ctx, tmpKey); err != nil {
		// The swap already succeeded; a stray temp object is harmless.
		m.log.Warn("failed to remove temp artifact", "key", tmpKey, "error", err)
	}
	return nil
}
