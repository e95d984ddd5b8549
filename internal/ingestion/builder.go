package ingestion

import (
	"fmt"
	"slices"
	"strings"

	"github.com/54b3r/coachkb/internal/rag"
)

// BuilderConfig holds the chunking policy.
type BuilderConfig struct {
	// CaptionTokens is the token window for captions. Defaults to 100.
	CaptionTokens int

	// TranscriptTokens is the token window for transcripts. Defaults to 200.
	TranscriptTokens int

	// MinChars is the trimmed length below which a fragment is dropped.
	// Defaults to 20.
	MinChars int
}

// SkippedPost records a post that produced no chunks because it failed
// validation.
type SkippedPost struct {
	PostID string `json:"post_id"`
	Reason string `json:"reason"`
}

// BuildResult is the output of Builder.BuildChunks.
type BuildResult struct {
	// Chunks are ordered by post, then caption, transcript, high value.
	Chunks []rag.Chunk

	// Skipped lists posts rejected by validation.
	Skipped []SkippedPost
}

// Builder converts posts into retrieval chunks. It is stateless apart from
// its configuration and safe for concurrent use when the tokenizer is.
type Builder struct {
	tok Tokenizer
	cfg BuilderConfig
}

// NewBuilder constructs a Builder, applying defaults to zero config fields.
func NewBuilder(tok Tokenizer, cfg *BuilderConfig) (*Builder, error) {
	if tok == nil {
		return nil, fmt.Errorf("ingestion: tokenizer must not be nil")
	}
	var c BuilderConfig
	if cfg != nil {
		c = *cfg
	}
	if c.CaptionTokens <= 0 {
		c.CaptionTokens = 100
	}
	if c.TranscriptTokens <= 0 {
		c.TranscriptTokens = 200
	}
	if c.MinChars <= 0 {
		c.MinChars = 20
	}
	return &Builder{tok: tok, cfg: c}, nil
}

// BuildChunks chunks every valid post independently and concatenates the
// results in post order. Invalid posts are reported in Skipped and never
// abort the build. profile may be nil.
func (b *Builder) BuildChunks(posts []Post, profile *CoachProfile) BuildResult {
	ann := newAnnotator(profile)
	res := BuildResult{Chunks: []rag.Chunk{}}

	for _, p := range posts {
		if err := ValidatePost(p); err != nil {
			res.Skipped = append(res.Skipped, SkippedPost{PostID: p.PostID, Reason: err.Error()})
			continue
		}
		res.Chunks = append(res.Chunks, b.postChunks(p, ann)...)
	}
	return res
}

// postChunks returns the chunks for a single post.
func (b *Builder) postChunks(p Post, ann annotator) []rag.Chunk {
	var out []rag.Chunk
	meta := postMetadata(p)

	if p.CaptionText != "" {
		out = append(out, b.semantic(p, meta, ann, p.CaptionText, rag.ChunkCaption, "caption", b.cfg.CaptionTokens)...)
	}
	if p.Transcript != "" {
		out = append(out, b.semantic(p, meta, ann, p.Transcript, rag.ChunkTranscript, "transcript", b.cfg.TranscriptTokens)...)
	}
	if isHighValue(p) {
		if c, ok := newHighValueChunk(p, meta, ann); ok {
			out = append(out, c)
		}
	}
	return out
}

// semantic windows text and keeps the fragments long enough to be useful.
// Index is the window position before filtering.
func (b *Builder) semantic(p Post, meta rag.PostMetadata, ann annotator, text string, typ rag.ChunkType, tag string, window int) []rag.Chunk {
	var out []rag.Chunk
	for i, fragment := range ChunkByTokens(b.tok, text, window) {
		trimmed := strings.TrimSpace(fragment)
		if len([]rune(trimmed)) < b.cfg.MinChars {
			continue
		}
		out = append(out, newSemanticChunk(trimmed, typ, tag, meta, i, ScoreQuality(trimmed, p), ann))
	}
	return out
}

// newSemanticChunk builds a caption or transcript fragment chunk.
func newSemanticChunk(text string, typ rag.ChunkType, tag string, meta rag.PostMetadata, index int, quality float64, ann annotator) rag.Chunk {
	return rag.Chunk{
		Text:               text,
		Type:               typ,
		TopicTags:          []string{tag},
		Post:               meta,
		Index:              index,
		Quality:            &quality,
		ExpertiseArea:      ann.expertiseArea(text),
		FrameworkReference: ann.framework(text),
	}
}

// newHighValueChunk builds the whole-text chunk of a viral post, preferring
// the transcript over the caption. It reports false when the post has no
// usable text.
func newHighValueChunk(p Post, meta rag.PostMetadata, ann annotator) (rag.Chunk, bool) {
	text := strings.TrimSpace(p.Transcript)
	if text == "" {
		text = strings.TrimSpace(p.CaptionText)
	}
	if text == "" {
		return rag.Chunk{}, false
	}
	quality := 1.0
	return rag.Chunk{
		Text:      text,
		Type:      rag.ChunkHighValue,
		TopicTags: []string{"viral", "high_engagement"},
		Post:      meta,
		Quality:   &quality,
		Engagement: &rag.EngagementMetrics{
			Likes:          p.Likes,
			Comments:       p.Comments,
			EngagementRate: p.EngagementRate,
		},
		ExpertiseArea:      ann.expertiseArea(text),
		FrameworkReference: ann.framework(text),
	}, true
}

// postMetadata snapshots the post fields stored with each chunk.
func postMetadata(p Post) rag.PostMetadata {
	return rag.PostMetadata{
		PostID:   p.PostID,
		PostType: p.PostType,
		PostDate: p.PostDate,
		Likes:    p.Likes,
		Comments: p.Comments,
		Hashtags: slices.Clone(p.Hashtags),
		MediaURL: p.MediaURL,
	}
}

// ChunkTypes returns the sorted, de-duplicated chunk types in chunks.
func ChunkTypes(chunks []rag.Chunk) []string {
	seen := make(map[rag.ChunkType]struct{})
	out := []string{}
	for _, c := range chunks {
		if _, ok := seen[c.Type]; ok {
			continue
		}
		seen[c.Type] = struct{}{}
		out = append(out, string(c.Type))
	}
	slices.Sort(out)
	return out
}
