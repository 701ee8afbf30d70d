// Package mock provides a configurable in-memory extraction service for
// tests.
package mock

import (
	"context"
	"sync"

	"github.com/pvavrin/facelens/internal/extract"
	"github.com/pvavrin/facelens/internal/store"
)

// Extractor implements extract.Extractor with injectable results and errors.
type Extractor struct {
	mu sync.Mutex

	// ArchiveResult is returned from ProcessArchive when ArchiveErrs is
	// exhausted or empty.
	ArchiveResult *extract.Result
	// ArchiveErrs are returned one per call, in order, before ArchiveResult
	// takes over. Use it to simulate transient failures followed by success.
	ArchiveErrs []error

	// ReferenceFaces and ReferenceErr control ExtractReference.
	ReferenceFaces []store.FaceEmbedding
	ReferenceErr   error

	// Block, when non-nil, makes ProcessArchive wait until the channel is
	// closed or the context ends. Use it to test cancellation.
	Block chan struct{}

	ArchiveCalls   int
	ReferenceCalls int
}

func (m *Extractor) ProcessArchive(ctx context.Context, jobID, collectionID string, archive []byte, filename string) (*extract.Result, error) {
	m.mu.Lock()
	m.ArchiveCalls++
	var next error
	if len(m.ArchiveErrs) > 0 {
		next = m.ArchiveErrs[0]
		m.ArchiveErrs = m.ArchiveErrs[1:]
	}
	block := m.Block
	result := m.ArchiveResult
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if next != nil {
		return nil, next
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if result == nil {
		result = &extract.Result{}
	}
	return result, nil
}

func (m *Extractor) ExtractReference(ctx context.Context, image []byte) ([]store.FaceEmbedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReferenceCalls++
	if m.ReferenceErr != nil {
		return nil, m.ReferenceErr
	}
	return m.ReferenceFaces, nil
}

// Calls returns the number of ProcessArchive invocations so far.
func (m *Extractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ArchiveCalls
}
