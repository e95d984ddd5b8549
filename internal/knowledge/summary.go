package knowledge

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/54b3r/coachkb/internal/embedder"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/rag"
)

// BuildSummary describes a finished build.
type BuildSummary struct {
	BuildID   string `json:"build_id"`
	CreatorID string `json:"creator_id"`

	// TotalChunks is the number of chunks saved in the knowledge base.
	TotalChunks int `json:"total_chunks"`
	// ChunkTypes lists the distinct chunk types saved, sorted.
	ChunkTypes []string `json:"chunk_types"`
	// EmbeddingDimension is the dimension of the space holding most chunks,
	// or 0 when the knowledge base is empty.
	EmbeddingDimension int `json:"embedding_dimension"`
	// Spaces counts saved chunks per embedding space ("model/dimension").
	Spaces map[string]int `json:"embedding_spaces"`

	// SkippedPosts lists posts rejected by validation.
	SkippedPosts []ingestion.SkippedPost `json:"skipped_posts,omitempty"`
	// FailedChunks lists chunks dropped because embedding failed.
	FailedChunks []FailedChunk `json:"failed_chunks,omitempty"`
	// FallbackBatches is the number of batches served by the fallback.
	FallbackBatches int `json:"fallback_batches"`

	Duration time.Duration `json:"duration_ns"`
}

// SortedSpaces returns the Spaces keys, most populated first.
func (s *BuildSummary) SortedSpaces() []string {
	keys := make([]string, 0, len(s.Spaces))
	for k := range s.Spaces {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if c := cmp.Compare(s.Spaces[b], s.Spaces[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return keys
}

// FailedChunk identifies a chunk that could not be embedded.
type FailedChunk struct {
	// Position is the chunk's position in the build, before removal.
	Position  int           `json:"position"`
	PostID    string        `json:"post_id"`
	ChunkType rag.ChunkType `json:"chunk_type"`
	Index     int           `json:"chunk_index"`
}

// PartialBuildError is returned when a build saved only part of its chunks
// because some embedding batches failed on every backend. Summary describes
// what was saved; errors.Is(err, embedder.ErrFallbackFailed) holds.
type PartialBuildError struct {
	Summary *BuildSummary
	Causes  []*embedder.BatchError
}

func (e *PartialBuildError) Error() string {
	return fmt.Sprintf("knowledge: build for creator %s saved %d chunks, %d could not be embedded",
		e.Summary.CreatorID, e.Summary.TotalChunks, len(e.Summary.FailedChunks))
}

// Unwrap exposes the batch errors to errors.Is/As.
func (e *PartialBuildError) Unwrap() []error {
	out := make([]error, len(e.Causes))
	for i, c := range e.Causes {
		out[i] = c
	}
	return out
}

// IsPartial reports whether err is a *PartialBuildError, returning it.
func IsPartial(err error) (*PartialBuildError, bool) {
	var perr *PartialBuildError
	ok := errors.As(err, &perr)
	return perr, ok
}
