package domain

import "time"

// Chunk is an immutable span of extracted document text plus its embedding.
// Chunks belonging to one scope carry contiguous sequence indexes from 0.
type Chunk struct {
	ID            string
	ScopeID       string
	SequenceIndex int
	Text          string
	Vector        []float32
	CreatedAt     time.Time
}

// SearchResult pairs a chunk with its similarity score in [0,1].
type SearchResult struct {
	Chunk Chunk
	Score float32
}
