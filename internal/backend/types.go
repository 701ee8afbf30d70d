// Package backend provides durable record storage with push-based change
// notification for ingest jobs, search requests, and collections.
package backend

import "time"

// JobStatus represents the lifecycle state of an ingest job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// SearchStatus represents the lifecycle state of a search request.
type SearchStatus string

const (
	SearchPending    SearchStatus = "pending"
	SearchProcessing SearchStatus = "processing"
	SearchComplete   SearchStatus = "complete"
	SearchError      SearchStatus = "error"
)

func (s SearchStatus) Terminal() bool {
	return s == SearchComplete || s == SearchError
}

// Collection readiness states, owned by the admin workflow.
const (
	CollectionNotStarted = "not_started"
	CollectionProcessing = "processing"
	CollectionComplete   = "complete"
	CollectionError      = "error"
)

// IngestJob is one unit of ingestion work for one uploaded archive.
type IngestJob struct {
	ID              string     `json:"id"`
	CollectionID    string     `json:"collectionId"`
	FileKey         string     `json:"fileKey"`
	Filename        string     `json:"filename"`
	Status          JobStatus  `json:"status"`
	TotalImages     *int       `json:"totalImages,omitempty"`
	ProcessedImages int        `json:"processedImages"`
	Error           string     `json:"error,omitempty"`
	WorkHandle      string     `json:"workHandle,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
}

// SearchRequest is one user query against a collection.
type SearchRequest struct {
	ID                 string       `json:"id"`
	CollectionID       string       `json:"collectionId"`
	Status             SearchStatus `json:"status"`
	ImagesFound        []string     `json:"imagesFound"`
	TotalImages        *int         `json:"totalImages,omitempty"`
	ProcessedImages    *int         `json:"processedImages,omitempty"`
	Error              string       `json:"error,omitempty"`
	ExternalChannelRef string       `json:"externalChannelRef,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
}

// Collection is referenced, never owned, by the core.
type Collection struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	ImagesCount   int      `json:"imagesCount"`
	Status        string   `json:"status"`
	PreviewImages []string `json:"previewImages,omitempty"`
}

// JobUpdate is a partial update to an ingest job. Nil fields are unchanged.
type JobUpdate struct {
	Status          *JobStatus
	TotalImages     *int
	ProcessedImages *int
	Error           *string
	WorkHandle      *string
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

// SearchUpdate is a partial update to a search request. Nil fields are
// unchanged. ImagesFound, when set, replaces the whole list.
type SearchUpdate struct {
	Status          *SearchStatus
	ImagesFound     *[]string
	TotalImages     *int
	ProcessedImages *int
	Error           *string
}

// CollectionUpdate is a partial update to a collection record.
type CollectionUpdate struct {
	Status        *string
	ImagesCount   *int
	PreviewImages *[]string
}
