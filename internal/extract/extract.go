// Package extract talks to the external face extraction service.
package extract

import (
	"context"
	"errors"

	"github.com/pvavrin/facelens/internal/store"
)

// Error taxonomy for collaborator failures. The scheduler retries transient
// failures only; everything wrapped in ErrDomain fails fast.
var (
	// ErrDomain marks malformed input the collaborator rejected. Retrying
	// cannot help.
	ErrDomain = errors.New("domain error")

	// ErrNoResponse marks collaborator silence past the configured timeout.
	ErrNoResponse = errors.New("no response from extraction service")
)

// Metadata summarizes one archive processing run.
type Metadata struct {
	TotalImages int `json:"total_images"`
	Processed   int `json:"processed_successfully"`
	Errors      int `json:"errors"`
}

// Result is the collaborator's answer for one ingest job.
type Result struct {
	Metadata Metadata
	Records  []store.EmbeddingRecord
}

// Extractor is the consumed contract of the extraction collaborator.
type Extractor interface {
	// ProcessArchive submits one uploaded archive and waits for embeddings.
	// The jobID lets the collaborator dedupe resubmissions of the same work.
	ProcessArchive(ctx context.Context, jobID, collectionID string, archive []byte, filename string) (*Result, error)

	// ExtractReference returns the faces detected in a single reference
	// image. An image without faces yields an empty slice, not an error.
	ExtractReference(ctx context.Context, image []byte) ([]store.FaceEmbedding, error)
}
