package backend

import (
	"context"
	"errors"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Backend is the reactive record store the core reads, writes, and watches.
//
// Update calls on records already in a terminal state are silent no-ops and
// return the unchanged record: terminal statuses are final and idempotent
// completion callbacks rely on the second application changing nothing.
type Backend interface {
	CreateIngestJob(ctx context.Context, job *IngestJob) error
	GetIngestJob(ctx context.Context, id string) (*IngestJob, error)
	UpdateIngestJob(ctx context.Context, id string, update JobUpdate) (*IngestJob, error)

	CreateSearchRequest(ctx context.Context, req *SearchRequest) error
	GetSearchRequest(ctx context.Context, id string) (*SearchRequest, error)
	UpdateSearchRequest(ctx context.Context, id string, update SearchUpdate) (*SearchRequest, error)

	GetCollection(ctx context.Context, id string) (*Collection, error)
	UpdateCollection(ctx context.Context, id string, update CollectionUpdate) error

	// SubscribeSearchRequest delivers a snapshot after every change to the
	// request until the returned cancel function is called or ctx ends.
	// Slow consumers may observe coalesced snapshots, never stale ones out
	// of order.
	SubscribeSearchRequest(ctx context.Context, id string) (<-chan SearchRequest, func(), error)

	// SubscribeIngestJob is the job-side equivalent, feeding the SSE stream.
	SubscribeIngestJob(ctx context.Context, id string) (<-chan IngestJob, func(), error)
}
