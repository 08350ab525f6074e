// Package index implements the in-memory embedding index: per-scope HNSW
// graphs over enrolled reference embeddings. A scope is either one user's
// personal profile set or one event's combined participant set; scopes never
// share state and a rebuild in one scope does not block queries in another.
package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// HNSW parameters for 512-dim face embeddings
const (
	// MaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	MaxNeighbors = 16

	// SearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after per-person reduction.
	SearchMultiplier = 3
)

// ErrInconsistent indicates the enrollment set and the index diverged:
// a vector of the wrong dimension, or a scope built for a different model
// profile. The affected scope must be rebuilt before further use.
var ErrInconsistent = errors.New("index inconsistent with enrollment set")

// Reference is one enrolled embedding owned by a person.
type Reference struct {
	ID        int64
	PersonID  int64
	Embedding []float32
}

// Hit is one search result, ascending by distance.
type Hit struct {
	PersonID int64
	RefID    int64
	Distance float64
}

// Store holds one HNSW graph per scope.
type Store struct {
	dim    int
	mu     sync.RWMutex
	scopes map[string]*scopeIndex
}

type scopeIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[int64]
	refs  map[int64]Reference
}

// NewStore creates an empty store for embeddings of the given dimension.
// Vectors of any other dimension are rejected with ErrInconsistent.
func NewStore(dim int) *Store {
	return &Store{
		dim:    dim,
		scopes: make(map[string]*scopeIndex),
	}
}

func newScopeIndex() *scopeIndex {
	return &scopeIndex{refs: make(map[int64]Reference)}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = MaxNeighbors
	g.Ml = 1.0 / float64(MaxNeighbors) // Standard HNSW formula
	g.Distance = hnsw.CosineDistance
	return g
}

// scope returns the index for a scope, creating it when create is set.
func (s *Store) scope(name string, create bool) *scopeIndex {
	s.mu.RLock()
	sc := s.scopes[name]
	s.mu.RUnlock()
	if sc != nil || !create {
		return sc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sc = s.scopes[name]; sc == nil {
		sc = newScopeIndex()
		s.scopes[name] = sc
	}
	return sc
}

// Add inserts a reference embedding into a scope, creating the scope when
// needed.
func (s *Store) Add(scope string, ref Reference) error {
	if len(ref.Embedding) != s.dim {
		return fmt.Errorf("%w: embedding dim %d, index dim %d", ErrInconsistent, len(ref.Embedding), s.dim)
	}

	sc := s.scope(scope, true)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.graph == nil {
		sc.graph = newGraph()
	}
	sc.graph.Add(hnsw.MakeNode(ref.ID, ref.Embedding))
	sc.refs[ref.ID] = ref
	return nil
}

// Rebuild replaces a scope's contents with the given reference set. Used
// after enrollment membership changes and on ErrInconsistent recovery.
func (s *Store) Rebuild(scope string, refs []Reference) error {
	for _, ref := range refs {
		if len(ref.Embedding) != s.dim {
			return fmt.Errorf("%w: embedding dim %d, index dim %d", ErrInconsistent, len(ref.Embedding), s.dim)
		}
	}

	sc := s.scope(scope, true)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.refs = make(map[int64]Reference, len(refs))
	if len(refs) == 0 {
		sc.graph = nil
		return nil
	}

	g := newGraph()
	for _, ref := range refs {
		g.Add(hnsw.MakeNode(ref.ID, ref.Embedding))
		sc.refs[ref.ID] = ref
	}
	sc.graph = g
	return nil
}

// RemovePerson drops all of a person's references from a scope and rebuilds
// the scope graph. HNSW has no true delete; enrollment sets are small enough
// that a synchronous rebuild is cheaper than carrying tombstones.
func (s *Store) RemovePerson(scope string, personID int64) {
	sc := s.scope(scope, false)
	if sc == nil {
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	remaining := make(map[int64]Reference, len(sc.refs))
	for id, ref := range sc.refs {
		if ref.PersonID != personID {
			remaining[id] = ref
		}
	}
	if len(remaining) == len(sc.refs) {
		return
	}

	sc.refs = remaining
	if len(remaining) == 0 {
		sc.graph = nil
		return
	}
	g := newGraph()
	for _, ref := range remaining {
		g.Add(hnsw.MakeNode(ref.ID, ref.Embedding))
	}
	sc.graph = g
}

// Search finds up to k nearest references to the query embedding, ascending
// by cosine distance. A missing or empty scope returns an empty result.
func (s *Store) Search(scope string, query []float32, k int) ([]Hit, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query dim %d, index dim %d", ErrInconsistent, len(query), s.dim)
	}

	sc := s.scope(scope, false)
	if sc == nil {
		return nil, nil
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.graph == nil || len(sc.refs) == 0 {
		return nil, nil
	}

	neighbors := sc.graph.Search(query, k)
	hits := make([]Hit, 0, len(neighbors))
	for _, n := range neighbors {
		ref, ok := sc.refs[n.Key]
		if !ok {
			continue
		}
		// Compute the exact cosine distance from the node's own vector; the
		// graph's internal ordering is approximate.
		hits = append(hits, Hit{
			PersonID: ref.PersonID,
			RefID:    ref.ID,
			Distance: CosineDistance(query, n.Value),
		})
	}
	sort.Slice(hits, func(a, b int) bool {
		return hits[a].Distance < hits[b].Distance
	})
	return hits, nil
}

// Count returns the number of references indexed in a scope.
func (s *Store) Count(scope string) int {
	sc := s.scope(scope, false)
	if sc == nil {
		return 0
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.refs)
}

// Persons returns the distinct person IDs present in a scope.
func (s *Store) Persons(scope string) []int64 {
	sc := s.scope(scope, false)
	if sc == nil {
		return nil
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	seen := make(map[int64]struct{})
	ids := make([]int64, 0)
	for _, ref := range sc.refs {
		if _, ok := seen[ref.PersonID]; ok {
			continue
		}
		seen[ref.PersonID] = struct{}{}
		ids = append(ids, ref.PersonID)
	}
	return ids
}

// DropScope removes a scope entirely. Dropping a missing scope is a no-op.
func (s *Store) DropScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scope)
}

// Dim returns the embedding dimension the store was built for.
func (s *Store) Dim() int {
	return s.dim
}
