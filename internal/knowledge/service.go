// Package knowledge exposes the two operations of a creator knowledge base:
// building it from posts and searching it. It owns the per-creator write
// serialisation, the cache of loaded knowledge bases and the swap that makes
// a rebuilt knowledge base visible to queries only once it is fully saved.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/coachkb/internal/cache"
	"github.com/54b3r/coachkb/internal/embedder"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/kbstore"
	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/rag"
	"github.com/54b3r/coachkb/internal/store"
)

var (
	// ErrNoKnowledgeBase is returned by LoadKnowledgeBase when the creator
	// has never been built. SearchKnowledge turns it into an empty result.
	ErrNoKnowledgeBase = errors.New("knowledge: no knowledge base for creator")

	// ErrEmbeddingFailed is returned when not a single chunk of a build
	// could be embedded. The previously saved knowledge base is kept.
	ErrEmbeddingFailed = errors.New("knowledge: embedding failed for every chunk")

	// ErrEmptyQuery is returned for a blank search query.
	ErrEmptyQuery = errors.New("knowledge: query must not be empty")
)

// Embedder embeds chunk texts in batches with the primary-then-fallback
// policy, and queries in the space of each index partition.
// *embedder.Fallback implements it.
type Embedder interface {
	EmbedBatches(ctx context.Context, texts []string, progress func(done, total int)) ([]embedder.Batch, []*embedder.BatchError)
	EmbedQueryIn(ctx context.Context, text string, space rag.Space) (rag.Vector, error)
}

// KBStore persists knowledge bases. *kbstore.Store implements it.
type KBStore interface {
	Save(ctx context.Context, kb *rag.KnowledgeBase) error
	Load(ctx context.Context, creatorID string) (*rag.KnowledgeBase, error)
}

// Publisher receives every successfully saved knowledge base, e.g. to
// mirror it into an external vector database. *rag.QdrantMirror implements it.
type Publisher interface {
	Publish(ctx context.Context, kb *rag.KnowledgeBase) error
}

// BuildRecorder keeps a history of builds. *store.SQLiteStore implements it.
type BuildRecorder interface {
	RecordBuild(ctx context.Context, rec store.BuildRecord) error
}

// Config holds the dependencies and tuning of a Service.
type Config struct {
	// Builder turns posts into chunks. Required.
	Builder *ingestion.Builder
	// Embedder embeds chunks and queries. Required.
	Embedder Embedder
	// Store persists knowledge bases. Required.
	Store KBStore

	// Publisher is notified after each save. Optional; failures are logged.
	Publisher Publisher
	// Recorder stores a record per build. Optional; failures are logged.
	Recorder BuildRecorder

	// DefaultTopK is used when a search asks for k <= 0. Defaults to 5.
	DefaultTopK int
	// Overfetch multiplies k for the candidate set handed to reranking.
	// Defaults to 2.
	Overfetch int
	// CacheTTL is the lifetime of a cached knowledge base. Defaults to
	// cache.DefaultTTL.
	CacheTTL time.Duration
	// Now replaces time.Now for build timestamps and cache expiry.
	Now func() time.Time
	// Registerer receives the service metrics. Defaults to a private
	// registry.
	Registerer prometheus.Registerer
}

// Service builds and searches creator knowledge bases. It is safe for
// concurrent use: builds of the same creator are serialised, builds of
// different creators and all searches run in parallel.
type Service struct {
	builder   *ingestion.Builder
	embedder  Embedder
	store     KBStore
	publisher Publisher
	recorder  BuildRecorder
	retriever *rag.Retriever
	cache     *cache.TTL[string, *rag.KnowledgeBase]
	metrics   *Metrics
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService validates cfg and constructs a Service.
func NewService(cfg *Config) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("knowledge: config must not be nil")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("knowledge: builder must not be nil")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("knowledge: embedder must not be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("knowledge: store must not be nil")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	retriever, err := rag.NewRetriever(cfg.Embedder, cfg.DefaultTopK, cfg.Overfetch)
	if err != nil {
		return nil, fmt.Errorf("knowledge: %w", err)
	}

	return &Service{
		builder:   cfg.Builder,
		embedder:  cfg.Embedder,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		recorder:  cfg.Recorder,
		retriever: retriever,
		cache:     cache.New[string, *rag.KnowledgeBase](cfg.CacheTTL, cache.WithClock(now)),
		metrics:   NewMetrics(reg),
		now:       now,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// lockFor returns the mutex serialising writers of creatorID.
func (s *Service) lockFor(creatorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[creatorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[creatorID] = l
	}
	return l
}

// BuildOption configures a single build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	progress func(done, total int)
}

// WithProgress reports embedding progress in chunks after every batch.
func WithProgress(fn func(done, total int)) BuildOption {
	return func(o *buildOptions) { o.progress = fn }
}

// BuildKnowledgeBase chunks, embeds, indexes and saves the posts of a
// creator, replacing any previous knowledge base wholesale. Invalid posts
// are skipped and reported in the summary.
//
// When some embedding batches fail on both backends, the resolved chunks are
// saved and a *PartialBuildError is returned together with the summary. When
// no chunk can be embedded, ErrEmbeddingFailed is returned and the previous
// knowledge base stays in place.
func (s *Service) BuildKnowledgeBase(ctx context.Context, creatorID string, posts []ingestion.Post, profile *ingestion.CoachProfile, opts ...BuildOption) (*BuildSummary, error) {
	if !kbstore.ValidCreatorID(creatorID) {
		return nil, fmt.Errorf("knowledge: %w: %q", kbstore.ErrInvalidCreatorID, creatorID)
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	started := s.now()
	buildID := uuid.NewString()
	log := logging.FromContext(ctx).With(
		slog.String("creator_id", creatorID),
		slog.String("build_id", buildID),
	)
	ctx = logging.WithLogger(ctx, log)

	lock := s.lockFor(creatorID)
	lock.Lock()
	defer lock.Unlock()

	log.Info("knowledge: build started", slog.Int("posts", len(posts)))

	res := s.builder.BuildChunks(posts, profile)
	for _, sp := range res.Skipped {
		log.Warn("knowledge: post skipped",
			slog.String("post_id", sp.PostID),
			slog.String("reason", sp.Reason),
		)
	}

	texts := make([]string, len(res.Chunks))
	for i := range res.Chunks {
		texts[i] = res.Chunks[i].Text
	}
	batches, failed := s.embedder.EmbedBatches(ctx, texts, o.progress)

	summary := &BuildSummary{
		BuildID:      buildID,
		CreatorID:    creatorID,
		SkippedPosts: res.Skipped,
		Spaces:       map[string]int{},
		ChunkTypes:   []string{},
	}

	if err := ctx.Err(); err != nil {
		return nil, s.finish(ctx, summary, started, outcomeFailed, fmt.Errorf("knowledge: build for creator %s abandoned: %w", creatorID, err))
	}
	if len(texts) > 0 && len(batches) == 0 {
		err := fmt.Errorf("%w: creator %s: %w", ErrEmbeddingFailed, creatorID, failed[0])
		summary.FailedChunks = failedChunks(res.Chunks, failed)
		return nil, s.finish(ctx, summary, started, outcomeFailed, err)
	}

	kb, err := assemble(creatorID, started, res.Chunks, batches)
	if err != nil {
		return nil, s.finish(ctx, summary, started, outcomeFailed, fmt.Errorf("knowledge: %w", err))
	}
	if err := s.store.Save(ctx, kb); err != nil {
		return nil, s.finish(ctx, summary, started, outcomeFailed, fmt.Errorf("knowledge: %w", err))
	}
	s.cache.Set(creatorID, kb)

	summary.TotalChunks = kb.Len()
	summary.ChunkTypes = ingestion.ChunkTypes(kb.Chunks)
	summary.EmbeddingDimension, summary.Spaces = spaceStats(kb.Index.Spaces())
	summary.FailedChunks = failedChunks(res.Chunks, failed)
	for _, b := range batches {
		if b.UsedFallback {
			summary.FallbackBatches++
		}
	}
	for _, c := range kb.Chunks {
		s.metrics.chunksBuilt.WithLabelValues(string(c.Type)).Inc()
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, kb); err != nil {
			log.Warn("knowledge: publishing knowledge base failed", slog.Any("error", err))
		}
	}

	if len(failed) > 0 {
		perr := &PartialBuildError{Summary: summary, Causes: failed}
		return summary, s.finish(ctx, summary, started, outcomePartial, perr)
	}
	return summary, s.finish(ctx, summary, started, outcomeOK, nil)
}

// finish records metrics, the build history entry and the final log line,
// and returns err unchanged.
func (s *Service) finish(ctx context.Context, summary *BuildSummary, started time.Time, outcome string, err error) error {
	log := logging.FromContext(ctx)
	summary.Duration = s.now().Sub(started)

	s.metrics.buildsTotal.WithLabelValues(outcome).Inc()
	s.metrics.buildDurationSeconds.Observe(summary.Duration.Seconds())

	attrs := []any{
		slog.String("outcome", outcome),
		slog.Int("total_chunks", summary.TotalChunks),
		slog.Int("failed_chunks", len(summary.FailedChunks)),
		slog.Int("skipped_posts", len(summary.SkippedPosts)),
		slog.Int("fallback_batches", summary.FallbackBatches),
		slog.Int("embedding_dimension", summary.EmbeddingDimension),
		slog.Duration("duration", summary.Duration),
	}
	switch outcome {
	case outcomeOK:
		log.Info("knowledge: build complete", attrs...)
	case outcomePartial:
		log.Warn("knowledge: build saved with unembedded chunks", append(attrs, slog.Any("error", err))...)
	default:
		log.Error("knowledge: build failed", append(attrs, slog.Any("error", err))...)
	}

	if s.recorder != nil {
		rec := store.BuildRecord{
			ID:                 summary.BuildID,
			CreatorID:          summary.CreatorID,
			StartedAt:          started,
			Duration:           summary.Duration,
			Outcome:            outcome,
			TotalChunks:        summary.TotalChunks,
			FailedChunks:       len(summary.FailedChunks),
			SkippedPosts:       len(summary.SkippedPosts),
			FallbackBatches:    summary.FallbackBatches,
			EmbeddingDimension: summary.EmbeddingDimension,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		// The build outcome is already decided; a recorder may still write
		// after a cancelled build.
		if rerr := s.recorder.RecordBuild(context.WithoutCancel(ctx), rec); rerr != nil {
			log.Warn("knowledge: recording build failed", slog.Any("error", rerr))
		}
	}
	return err
}

// assemble builds the knowledge base from the chunks whose batch resolved,
// keeping post order.
func assemble(creatorID string, builtAt time.Time, chunks []rag.Chunk, batches []embedder.Batch) (*rag.KnowledgeBase, error) {
	vectors := make([]*rag.Vector, len(chunks))
	for _, b := range batches {
		for i, v := range b.Vectors {
			vectors[b.Start+i] = &rag.Vector{Space: b.Space, Values: v}
		}
	}

	kb := &rag.KnowledgeBase{
		CreatorID: creatorID,
		BuiltAt:   builtAt,
		Chunks:    make([]rag.Chunk, 0, len(chunks)),
		Index:     rag.NewFlatIndex(),
	}
	for i, v := range vectors {
		if v == nil {
			continue
		}
		if _, err := kb.Index.Add(*v); err != nil {
			return nil, fmt.Errorf("indexing chunk %d: %w", i, err)
		}
		kb.Chunks = append(kb.Chunks, chunks[i])
	}
	return kb, nil
}

// spaceStats returns the dimension of the space holding the most rows and
// the per-space row counts keyed by Space.String. Ties go to the larger
// dimension.
func spaceStats(spaces map[rag.Space]int) (int, map[string]int) {
	counts := make(map[string]int, len(spaces))
	var (
		best  rag.Space
		bestN int
	)
	for sp, n := range spaces {
		counts[sp.String()] = n
		if n > bestN || (n == bestN && sp.Dimension > best.Dimension) {
			best, bestN = sp, n
		}
	}
	return best.Dimension, counts
}

// failedChunks describes the chunks covered by failed batches.
func failedChunks(chunks []rag.Chunk, failed []*embedder.BatchError) []FailedChunk {
	var out []FailedChunk
	for _, be := range failed {
		for pos := be.Start; pos < be.Start+be.Size && pos < len(chunks); pos++ {
			c := chunks[pos]
			out = append(out, FailedChunk{
				Position:  pos,
				PostID:    c.Post.PostID,
				ChunkType: c.Type,
				Index:     c.Index,
			})
		}
	}
	return out
}

// LoadKnowledgeBase returns the creator's knowledge base from the cache, or
// loads it from the store on a miss. It returns ErrNoKnowledgeBase when the
// creator has never been built.
func (s *Service) LoadKnowledgeBase(ctx context.Context, creatorID string) (*rag.KnowledgeBase, error) {
	if !kbstore.ValidCreatorID(creatorID) {
		return nil, fmt.Errorf("knowledge: %w: %q", kbstore.ErrInvalidCreatorID, creatorID)
	}
	if kb, ok := s.cache.Get(creatorID); ok {
		s.metrics.cacheLookupsTotal.WithLabelValues("hit").Inc()
		return kb, nil
	}
	s.metrics.cacheLookupsTotal.WithLabelValues("miss").Inc()

	lock := s.lockFor(creatorID)
	lock.Lock()
	defer lock.Unlock()

	// A build or another loader may have filled the cache while we waited.
	if kb, ok := s.cache.Get(creatorID); ok {
		return kb, nil
	}

	kb, err := s.store.Load(ctx, creatorID)
	switch {
	case errors.Is(err, kbstore.ErrNotFound):
		return nil, fmt.Errorf("%w %s", ErrNoKnowledgeBase, creatorID)
	case errors.Is(err, kbstore.ErrCorrupt):
		logging.FromContext(ctx).Error("knowledge: stored knowledge base is corrupt, rebuild required",
			slog.String("creator_id", creatorID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("knowledge: %w", err)
	case err != nil:
		return nil, fmt.Errorf("knowledge: %w", err)
	}
	s.cache.Set(creatorID, kb)
	return kb, nil
}

// SearchKnowledge returns at most k chunks of the creator's knowledge base
// ranked by similarity to query plus a small quality bonus. A creator with
// no knowledge base yields an empty result. k <= 0 uses the configured
// default.
func (s *Service) SearchKnowledge(ctx context.Context, creatorID, query string, k int) ([]rag.SearchResult, error) {
	start := s.now()
	results, err := s.search(ctx, creatorID, query, k)

	outcome := outcomeOK
	switch {
	case err != nil:
		outcome = "error"
	case len(results) == 0:
		outcome = "empty"
	}
	s.metrics.searchesTotal.WithLabelValues(outcome).Inc()
	s.metrics.searchDurationSeconds.Observe(s.now().Sub(start).Seconds())
	return results, err
}

func (s *Service) search(ctx context.Context, creatorID, query string, k int) ([]rag.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	kb, err := s.LoadKnowledgeBase(ctx, creatorID)
	if errors.Is(err, ErrNoKnowledgeBase) {
		return []rag.SearchResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	results, err := s.retriever.Retrieve(ctx, kb, query, k)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search creator %s: %w", creatorID, err)
	}
	return results, nil
}

// Evict drops the cached knowledge base of creatorID so the next search
// reloads it from the store. It reports whether an entry was cached.
func (s *Service) Evict(creatorID string) bool {
	return s.cache.Invalidate(creatorID)
}
