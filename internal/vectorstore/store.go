// Package vectorstore provides an in-memory scoped vector index with exact
// cosine search and an optional IVF-flat path for large scopes.
package vectorstore

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/google/uuid"
)

// Config controls the store dimension and the IVF indexing policy.
type Config struct {
	// Dimension is the required length of every stored vector.
	Dimension int
	// RebuildThreshold is the scope size at which an IVF index is built.
	// Scopes below it are always scanned exactly.
	RebuildThreshold int
	// Probes is the number of nearest clusters searched per IVF query.
	Probes int
}

// DefaultConfig returns the store defaults.
func DefaultConfig(dimension int) Config {
	return Config{
		Dimension:        dimension,
		RebuildThreshold: 256,
		Probes:           3,
	}
}

// Store holds chunk vectors partitioned by scope ID. Searches against one
// scope never see another scope's chunks.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	scopes map[string]*scope
}

type scope struct {
	mu sync.RWMutex
	// chunks is append-only within a scope; position i corresponds to
	// normed[i]. Entries are only removed by deleting the whole scope.
	chunks []domain.Chunk
	normed [][]float32
	seqs   map[int]struct{}
	ivf    *ivfIndex
}

// New creates a Store with the given configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Dimension <= 0 {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"vector store dimension must be positive", domain.ErrInvalidConfiguration)
	}
	if cfg.RebuildThreshold <= 0 {
		cfg.RebuildThreshold = DefaultConfig(cfg.Dimension).RebuildThreshold
	}
	if cfg.Probes <= 0 {
		cfg.Probes = DefaultConfig(cfg.Dimension).Probes
	}
	return &Store{cfg: cfg, scopes: make(map[string]*scope)}, nil
}

// Insert stores one chunk under the scope. The (scope, sequence index) pair
// must be unique; the insert is atomic with respect to concurrent searches.
func (s *Store) Insert(scopeID string, sequenceIndex int, text string, vector []float32) (string, error) {
	if len(vector) != s.cfg.Dimension {
		return "", domain.ErrDimensionMismatch
	}
	if sequenceIndex < 0 {
		return "", domain.NewDomainError(domain.ErrCodeValidation, "sequence index must be non-negative")
	}
	if text == "" {
		return "", domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"chunk text is required", domain.ErrMissingRequiredField)
	}

	sc := s.scope(scopeID)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if _, exists := sc.seqs[sequenceIndex]; exists {
		return "", domain.ErrDuplicateSequenceIndex
	}

	chunk := domain.Chunk{
		ID:            uuid.NewString(),
		ScopeID:       scopeID,
		SequenceIndex: sequenceIndex,
		Text:          text,
		Vector:        append([]float32(nil), vector...),
		CreatedAt:     time.Now().UTC(),
	}

	sc.chunks = append(sc.chunks, chunk)
	sc.normed = append(sc.normed, normalize(vector))
	sc.seqs[sequenceIndex] = struct{}{}

	return chunk.ID, nil
}

// Search returns up to topK chunks from the scope ordered by descending
// cosine similarity; ties are broken by ascending sequence index. An unknown
// or empty scope yields an empty result, not an error.
func (s *Store) Search(scopeID string, queryVector []float32, topK int) ([]domain.SearchResult, error) {
	if len(queryVector) != s.cfg.Dimension {
		return nil, domain.ErrDimensionMismatch
	}
	if topK <= 0 {
		return []domain.SearchResult{}, nil
	}

	s.mu.RLock()
	sc := s.scopes[scopeID]
	s.mu.RUnlock()
	if sc == nil {
		return []domain.SearchResult{}, nil
	}

	query := normalize(queryVector)

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if len(sc.chunks) == 0 {
		return []domain.SearchResult{}, nil
	}

	var candidates []int
	// The IVF path trades recall for speed, so it is only taken when it can
	// actually drop candidates. topK >= scope size must return every chunk.
	if sc.ivf != nil && topK < len(sc.chunks) {
		candidates = sc.ivf.candidates(query, s.cfg.Probes)
		// Chunks inserted after the last rebuild are scanned exactly.
		for i := sc.ivf.size; i < len(sc.chunks); i++ {
			candidates = append(candidates, i)
		}
	} else {
		candidates = make([]int, len(sc.chunks))
		for i := range sc.chunks {
			candidates[i] = i
		}
	}

	results := make([]domain.SearchResult, 0, len(candidates))
	for _, i := range candidates {
		results = append(results, domain.SearchResult{
			Chunk: sc.chunks[i],
			Score: similarity(query, sc.normed[i]),
		})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].Chunk.SequenceIndex < results[b].Chunk.SequenceIndex
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteScope removes every chunk belonging to the scope. Deleting an
// unknown scope is a no-op.
func (s *Store) DeleteScope(scopeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, scopeID)
}

// Count returns the number of chunks indexed under the scope.
func (s *Store) Count(scopeID string) int {
	s.mu.RLock()
	sc := s.scopes[scopeID]
	s.mu.RUnlock()
	if sc == nil {
		return 0
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.chunks)
}

// Rebuild recomputes the IVF index for the scope when it is large enough,
// folding the unindexed tail into the clusters. Small scopes stay exact.
func (s *Store) Rebuild(scopeID string) {
	s.mu.RLock()
	sc := s.scopes[scopeID]
	s.mu.RUnlock()
	if sc == nil {
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if len(sc.chunks) < s.cfg.RebuildThreshold {
		sc.ivf = nil
		return
	}
	sc.ivf = buildIVF(sc.normed)
}

// StaleScopes lists scopes whose IVF index is missing or whose unindexed
// tail has grown past a quarter of the indexed size. The rebuild worker
// feeds these back into Rebuild.
func (s *Store) StaleScopes() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.scopes))
	scopes := make([]*scope, 0, len(s.scopes))
	for id, sc := range s.scopes {
		ids = append(ids, id)
		scopes = append(scopes, sc)
	}
	s.mu.RUnlock()

	var stale []string
	for i, sc := range scopes {
		sc.mu.RLock()
		total := len(sc.chunks)
		if total >= s.cfg.RebuildThreshold {
			if sc.ivf == nil || (total-sc.ivf.size)*4 > sc.ivf.size {
				stale = append(stale, ids[i])
			}
		}
		sc.mu.RUnlock()
	}
	sort.Strings(stale)
	return stale
}

func (s *Store) scope(scopeID string) *scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scopes[scopeID]
	if !ok {
		sc = &scope{seqs: make(map[int]struct{})}
		s.scopes[scopeID] = sc
	}
	return sc
}

// normalize returns a unit-length copy of v. Zero vectors stay zero, which
// makes their similarity to everything zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// similarity computes the cosine similarity of two unit vectors, clamped to
// [0,1] so scores stay in the documented range.
func similarity(a, b []float32) float32 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return float32(dot)
}
