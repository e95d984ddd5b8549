package rag

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/54b3r/coachkb/internal/logging"
)

// QualityWeight scales chunk quality into the final ranking score.
const QualityWeight = 0.1

// Defaults applied by NewRetriever.
const (
	defaultTopK      = 5
	defaultOverfetch = 2
)

// Retriever embeds a query, searches a knowledge base index and re-ranks the
// hits by quality. It holds no per-creator state and is safe for concurrent
// use.
type Retriever struct {
	// embedder converts query text to a vector in some embedding space.
	embedder QueryEmbedder

	// defaultTopK is the number of results returned when the caller passes 0.
	defaultTopK int

	// overfetch multiplies k when querying the index so the quality boost
	// can promote candidates just below the similarity cut.
	overfetch int
}

// NewRetriever constructs a Retriever. topK and overfetch fall back
// to 5 and 2 when not positive.
func NewRetriever(embedder QueryEmbedder, topK, overfetch int) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if overfetch <= 0 {
		overfetch = defaultOverfetch
	}
	return &Retriever{
		embedder:    embedder,
		defaultTopK: topK,
		overfetch:   overfetch,
	}, nil
}

// Retrieve returns at most k results from kb for query, ordered by final
// score. An empty or nil knowledge base yields an empty result without
// calling the embedder.
//
// The query is embedded once per space present in the index, largest
// partition first, and each partition is searched with the vector from its
// own space. A space whose query embedding fails is skipped with a warning;
// the call fails only when no space could be queried.
func (r *Retriever) Retrieve(ctx context.Context, kb *KnowledgeBase, query string, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = r.defaultTopK
	}
	if kb.Len() == 0 {
		return []SearchResult{}, nil
	}
	k = min(k, kb.Len())
	candidates := k * r.overfetch

	log := logging.FromContext(ctx)
	var (
		matches []Match
		errs    []error
	)
	spaces := kb.Index.Spaces()
	for _, sp := range orderedSpaces(spaces) {
		qv, err := r.embedder.EmbedQueryIn(ctx, query, sp)
		if err != nil {
			log.Warn("rag: could not embed query for a knowledge base space, skipping it",
				slog.String("creator_id", kb.CreatorID),
				slog.String("space", sp.String()),
				slog.Any("error", err),
			)
			errs = append(errs, err)
			continue
		}
		matches = append(matches, kb.Index.Search(qv, candidates)...)
	}
	if len(spaces) > 0 && len(errs) == len(spaces) {
		return nil, fmt.Errorf("rag: embedding query failed: %w", errors.Join(errs...))
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return Rerank(kb.Chunks, matches, k), nil
}

// orderedSpaces returns the spaces of an index, most rows first, ties by name.
func orderedSpaces(spaces map[Space]int) []Space {
	out := make([]Space, 0, len(spaces))
	for sp := range spaces {
		out = append(out, sp)
	}
	slices.SortFunc(out, func(a, b Space) int {
		if c := cmp.Compare(spaces[b], spaces[a]); c != 0 {
			return c
		}
		return cmp.Compare(a.String(), b.String())
	})
	return out
}

// Rerank turns index matches into results scored as
// similarity + quality*QualityWeight, stable-sorted by descending final
// score so equal scores keep their similarity order. Matches pointing
// outside chunks are dropped. When k > 0 the result is truncated to k.
func Rerank(chunks []Chunk, matches []Match, k int) []SearchResult {
	out := make([]SearchResult, 0, len(matches))
	for _, m := range matches {
		if m.Position < 0 || m.Position >= len(chunks) {
			continue
		}
		c := chunks[m.Position]
		out = append(out, SearchResult{
			Chunk:      c,
			Similarity: m.Similarity,
			FinalScore: m.Similarity + c.QualityOrDefault()*QualityWeight,
		})
	}

	slices.SortStableFunc(out, func(a, b SearchResult) int {
		return cmp.Compare(b.FinalScore, a.FinalScore)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
