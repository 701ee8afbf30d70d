// Package store maintains the consolidated embedding artifact, one per
// collection, in object storage.
package store

import "time"

// Gender tags assigned by the extraction service.
const (
	GenderMale   = "male"
	GenderFemale = "female"
)

// FaceEmbedding is one detected face: a fixed-length vector plus metadata.
type FaceEmbedding struct {
	FaceIndex int        `json:"face_index"`
	Vector    []float32  `json:"embedding"`
	Gender    string     `json:"gender"`
	BBox      [4]float64 `json:"bbox"` // [x1, y1, x2, y2] in pixel coordinates
}

// EmbeddingRecord holds every face found in one image.
type EmbeddingRecord struct {
	ImageName   string          `json:"image_name"`
	ImagePath   string          `json:"image_path"`
	FacesCount  int             `json:"faces_count"`
	Faces       []FaceEmbedding `json:"faces"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// Metadata summarizes a consolidated store artifact.
type Metadata struct {
	CollectionID    string    `json:"collection_id"`
	TotalImages     int       `json:"total_images"`
	ImagesWithFaces int       `json:"images_with_faces"`
	TotalFaces      int       `json:"total_faces"`
	Version         int       `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store is the full consolidated artifact for one collection. Records keep
// their ingestion order; the matching engine relies on it for deterministic
// tie-breaking.
type Store struct {
	Metadata Metadata          `json:"metadata"`
	Records  []EmbeddingRecord `json:"records"`
}

// computeMetadata recalculates the aggregate counters over records.
func computeMetadata(collectionID string, version int, records []EmbeddingRecord) Metadata {
	meta := Metadata{
		CollectionID: collectionID,
		TotalImages:  len(records),
		Version:      version,
		CreatedAt:    time.Now().UTC(),
	}
	for _, rec := range records {
		if rec.FacesCount > 0 {
			meta.ImagesWithFaces++
		}
		meta.TotalFaces += rec.FacesCount
	}
	return meta
}
