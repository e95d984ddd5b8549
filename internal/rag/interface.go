// Package rag defines the retrieval core of a creator knowledge base: the
// chunk model, embedding spaces, the flat inner-product index and the
// quality-weighted re-ranking applied on top of similarity search.
// Backends (remote embedders, persistence, Qdrant) satisfy the interfaces
// declared here so the knowledge service never depends on a specific one.
package rag

import (
	"context"
	"fmt"
)

// ChunkType identifies the chunking strategy that produced a chunk.
type ChunkType string

const (
	// ChunkCaption is a token-window fragment of a post caption.
	ChunkCaption ChunkType = "semantic_caption"
	// ChunkTranscript is a token-window fragment of a post transcript.
	ChunkTranscript ChunkType = "semantic_transcript"
	// ChunkHighValue is the whole text of a viral or highly engaged post.
	ChunkHighValue ChunkType = "high_value"
)

// DefaultQuality is the quality used for ranking when a chunk carries none.
const DefaultQuality = 0.5

// PostMetadata is the snapshot of the originating post stored with a chunk.
type PostMetadata struct {
	PostID   string   `json:"post_id"`
	PostType string   `json:"post_type"`
	PostDate string   `json:"post_date,omitempty"`
	Likes    int      `json:"likes"`
	Comments int      `json:"comments"`
	Hashtags []string `json:"hashtags,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
}

// EngagementMetrics is the engagement snapshot carried by high-value chunks.
type EngagementMetrics struct {
	Likes          int     `json:"likes"`
	Comments       int     `json:"comments"`
	EngagementRate float64 `json:"engagement_rate"`
}

// Chunk is the unit of retrieval. Chunks are value types; once built they
// are never mutated.
type Chunk struct {
	// Text is the trimmed, non-empty chunk content.
	Text string `json:"chunk_text"`

	// Type is the strategy that produced this chunk.
	Type ChunkType `json:"chunk_type"`

	// TopicTags are descriptive labels (caption, transcript, viral, ...).
	TopicTags []string `json:"topic_tags"`

	// Post is the metadata of the originating post.
	Post PostMetadata `json:"post_metadata"`

	// Index is the fragment position within its strategy for the post.
	Index int `json:"chunk_index"`

	// Quality is the heuristic quality in [0,1]. Nil means unscored.
	Quality *float64 `json:"content_quality,omitempty"`

	// Engagement is set on high-value chunks only.
	Engagement *EngagementMetrics `json:"engagement_metrics,omitempty"`

	// ExpertiseArea is the creator expertise area mentioned in the text.
	ExpertiseArea string `json:"expertise_area,omitempty"`

	// FrameworkReference is the creator framework mentioned in the text.
	FrameworkReference string `json:"framework_reference,omitempty"`
}

// QualityOrDefault returns the chunk quality, or DefaultQuality when unset.
func (c Chunk) QualityOrDefault() float64 {
	if c.Quality == nil {
		return DefaultQuality
	}
	return *c.Quality
}

// Space identifies the embedding model and dimension a vector lives in.
// Vectors from different spaces are never compared.
type Space struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// String returns "model/dimension".
func (s Space) String() string {
	return fmt.Sprintf("%s/%d", s.Model, s.Dimension)
}

// Vector is an embedding tagged with the space that produced it.
type Vector struct {
	Space  Space     `json:"space"`
	Values []float32 `json:"v"`
}

// SearchResult is a chunk with its raw similarity and re-ranked score.
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity_score"`
	FinalScore float64 `json:"final_score"`
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder embeds a single query in a given embedding space, so each
// partition of a mixed-space knowledge base is compared like with like.
type QueryEmbedder interface {
	EmbedQueryIn(ctx context.Context, text string, space Space) (Vector, error)
}
