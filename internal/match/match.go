// Package match decides which registered people appear in a photo, given
// the photo's detected face embeddings and an index scope of reference
// embeddings.
package match

import (
	"fmt"
	"sort"

	"github.com/photopick/photopick/internal/face"
	"github.com/photopick/photopick/internal/index"
)

// PersonMatch reports one person found in a photo.
type PersonMatch struct {
	PersonID   int64   `json:"person_id"`
	FaceIndex  int     `json:"face_index"` // which detected face matched best
	Distance   float64 `json:"distance"`   // minimum distance across the person's references
	Confidence float64 `json:"confidence"` // 1 - distance/threshold, clamped to [0,1]
}

// Result is the outcome of matching one photo. A photo with no detected
// faces and a photo whose faces matched nobody are distinct outcomes.
type Result struct {
	NoFacesDetected bool          `json:"no_faces_detected"`
	FaceCount       int           `json:"face_count"`
	Matches         []PersonMatch `json:"matches"`
}

// Matched reports whether any person cleared the threshold.
func (r Result) Matched() bool {
	return len(r.Matches) > 0
}

// Matcher matches detected faces against an index scope.
type Matcher struct {
	store     *index.Store
	threshold float64
}

// New creates a matcher. threshold is the maximum cosine distance accepted
// as a positive match.
func New(store *index.Store, threshold float64) *Matcher {
	return &Matcher{store: store, threshold: threshold}
}

// Threshold returns the configured match distance bound.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match compares every detected face against every person in the scope.
// A person matches a face when the minimum distance across all of the
// person's reference embeddings is below the threshold; a single good
// reference is enough, so appearance variance across enrollment photos does
// not dilute the decision the way a centroid would. Several people can match
// the same face; all are reported.
func (m *Matcher) Match(scope string, faces []face.Detection) (Result, error) {
	if len(faces) == 0 {
		return Result{NoFacesDetected: true}, nil
	}

	// Request enough neighbors that every enrolled person can still be
	// represented after the per-person reduction below.
	candidates := index.SearchMultiplier * len(m.store.Persons(scope))
	if candidates == 0 {
		return Result{FaceCount: len(faces), Matches: nil}, nil
	}

	// person -> best match found across all faces
	best := make(map[int64]PersonMatch)

	for i, f := range faces {
		hits, err := m.store.Search(scope, f.Embedding, candidates)
		if err != nil {
			return Result{}, fmt.Errorf("matching face %d: %w", i, err)
		}

		// Reduce hits to the per-person minimum distance for this face.
		perPerson := make(map[int64]float64)
		for _, h := range hits {
			if d, ok := perPerson[h.PersonID]; !ok || h.Distance < d {
				perPerson[h.PersonID] = h.Distance
			}
		}

		for personID, d := range perPerson {
			if d >= m.threshold {
				continue
			}
			if b, ok := best[personID]; !ok || d < b.Distance {
				best[personID] = PersonMatch{
					PersonID:   personID,
					FaceIndex:  i,
					Distance:   d,
					Confidence: confidence(d, m.threshold),
				}
			}
		}
	}

	matches := make([]PersonMatch, 0, len(best))
	for _, pm := range best {
		matches = append(matches, pm)
	}
	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Confidence != matches[b].Confidence {
			return matches[a].Confidence > matches[b].Confidence
		}
		return matches[a].PersonID < matches[b].PersonID
	})

	return Result{FaceCount: len(faces), Matches: matches}, nil
}

// confidence maps a distance to a comparable [0,1] score, monotonically
// decreasing in distance.
func confidence(distance, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	c := 1 - distance/threshold
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
