// Package match scores reference faces against a collection's embedding
// store and returns deterministic, ordered results.
package match

import (
	"errors"
	"math"
	"sort"

	"github.com/pvavrin/facelens/internal/store"
)

// ErrNoReferenceFace is returned when the reference image contains no
// detectable face. Callers should report this to the user rather than retry.
var ErrNoReferenceFace = errors.New("no face found in reference image")

// Options controls how matches are selected.
type Options struct {
	// Threshold is the exclusive similarity floor. A candidate matches only
	// when its cosine similarity is strictly greater than Threshold.
	Threshold float64
	// GenderMatch restricts matches to candidates with the same detected
	// gender as the reference face.
	GenderMatch bool
	// TopN caps the result list when positive. Zero means unlimited.
	TopN int
}

// Match is one candidate face that cleared the threshold.
type Match struct {
	ImagePath  string     `json:"image_path"`
	ImageName  string     `json:"image_name"`
	ImageIndex int        `json:"image_index"`
	FaceIndex  int        `json:"face_index"`
	Similarity float64    `json:"similarity"`
	Gender     string     `json:"gender"`
	BBox       [4]float64 `json:"bbox"`
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Accumulation happens in float64 to keep the result stable regardless of
// vector length. Mismatched or empty vectors score -1.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return -1
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return similarity
}

// FindMatches scans every face in the store against the reference face and
// returns all candidates above the threshold, sorted by similarity descending.
// Ties break on (image index, face index) ascending so repeated runs over the
// same store produce identical output. An empty store yields an empty result.
func FindMatches(s *store.Store, reference store.FaceEmbedding, opts Options) ([]Match, error) {
	if len(reference.Vector) == 0 {
		return nil, ErrNoReferenceFace
	}

	var matches []Match
	for imageIndex, record := range s.Records {
		for _, face := range record.Faces {
			if opts.GenderMatch && face.Gender != reference.Gender {
				continue
			}
			similarity := CosineSimilarity(reference.Vector, face.Vector)
			if similarity <= opts.Threshold {
				continue
			}
			matches = append(matches, Match{
				ImagePath:  record.ImagePath,
				ImageName:  record.ImageName,
				ImageIndex: imageIndex,
				FaceIndex:  face.FaceIndex,
				Similarity: similarity,
				Gender:     face.Gender,
				BBox:       face.BBox,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].ImageIndex != matches[j].ImageIndex {
			return matches[i].ImageIndex < matches[j].ImageIndex
		}
		return matches[i].FaceIndex < matches[j].FaceIndex
	})

	if opts.TopN > 0 && len(matches) > opts.TopN {
		matches = matches[:opts.TopN]
	}
	return matches, nil
}

// FindMatchingImages collapses matches to at most one per image, scored by
// the first matching face of each. Results are ordered by similarity
// descending, with store order breaking ties; TopN caps the list when set.
func FindMatchingImages(s *store.Store, reference store.FaceEmbedding, opts Options) ([]string, error) {
	return ScanImages(s, reference, opts, nil)
}

// ScanImages is FindMatchingImages with a progress callback. progress is
// called with the running count of examined images, matching or not, so
// callers can report how far the scan has gotten.
func ScanImages(s *store.Store, reference store.FaceEmbedding, opts Options, progress func(processed int)) ([]string, error) {
	if len(reference.Vector) == 0 {
		return nil, ErrNoReferenceFace
	}

	type imageHit struct {
		path       string
		similarity float64
	}
	var hits []imageHit
	for i, record := range s.Records {
		for _, face := range record.Faces {
			if opts.GenderMatch && face.Gender != reference.Gender {
				continue
			}
			if similarity := CosineSimilarity(reference.Vector, face.Vector); similarity > opts.Threshold {
				hits = append(hits, imageHit{path: record.ImagePath, similarity: similarity})
				break
			}
		}
		if progress != nil {
			progress(i + 1)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].similarity > hits[j].similarity
	})
	if opts.TopN > 0 && len(hits) > opts.TopN {
		hits = hits[:opts.TopN]
	}

	var images []string
	for _, hit := range hits {
		images = append(images, hit.path)
	}
	return images, nil
}
