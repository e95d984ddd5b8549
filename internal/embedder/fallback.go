package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/rag"
)

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 100

// ErrFallbackFailed is wrapped by every BatchError: both the primary and
// the fallback backend failed for the batch.
var ErrFallbackFailed = errors.New("embedder: primary and fallback embedding both failed")

// ErrNoBackendForSpace is returned by EmbedQueryIn when neither backend
// produces vectors in the requested space.
var ErrNoBackendForSpace = errors.New("embedder: no backend for embedding space")

// Batch is one successfully embedded slice of the input.
type Batch struct {
	// Start is the offset of the first text of this batch in the input.
	Start int
	// Vectors are parallel to texts[Start : Start+len(Vectors)].
	Vectors [][]float32
	// Space is the embedding space the vectors were produced in.
	Space rag.Space
	// UsedFallback is true when the primary failed and the fallback served.
	UsedFallback bool
}

// BatchError describes a batch that could not be embedded.
type BatchError struct {
	// Start is the offset of the first text of this batch in the input.
	Start int
	// Size is the number of texts in the batch.
	Size int
	// Primary is the primary backend error.
	Primary error
	// Fallback is the fallback backend error, nil when none is configured.
	Fallback error
}

func (e *BatchError) Error() string {
	if e.Fallback == nil {
		return fmt.Sprintf("embedder: batch [%d,%d) failed, fallback not attempted: %v",
			e.Start, e.Start+e.Size, e.Primary)
	}
	return fmt.Sprintf("embedder: batch [%d,%d) failed: primary: %v; fallback: %v",
		e.Start, e.Start+e.Size, e.Primary, e.Fallback)
}

// Unwrap exposes ErrFallbackFailed and both backend errors to errors.Is/As.
func (e *BatchError) Unwrap() []error {
	return []error{ErrFallbackFailed, e.Primary, e.Fallback}
}

// Metrics holds the embedder Prometheus metrics.
type Metrics struct {
	// batchesTotal counts embedding batches by backend role and outcome.
	batchesTotal *prometheus.CounterVec
}

// NewMetrics registers embedder metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		batchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "coachkb",
			Subsystem: "embedder",
			Name:      "batches_total",
			Help:      "Embedding batches attempted, partitioned by backend role (primary, fallback) and outcome (ok, error).",
		}, []string{"backend", "outcome"}),
	}
}

func (m *Metrics) observe(backend string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.batchesTotal.WithLabelValues(backend, outcome).Inc()
}

// Fallback tries the primary backend for every batch and falls back to the
// secondary when the primary fails. Queries use the same policy so query
// vectors are comparable to the index rows they search. It is safe for
// concurrent use.
type Fallback struct {
	primary   Backend
	secondary Backend
	batchSize int
	metrics   *Metrics
}

// FallbackOption configures a Fallback.
type FallbackOption func(*Fallback)

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) FallbackOption {
	return func(f *Fallback) {
		if n > 0 {
			f.batchSize = n
		}
	}
}

// WithMetrics records batch outcomes in m.
func WithMetrics(m *Metrics) FallbackOption {
	return func(f *Fallback) { f.metrics = m }
}

// NewFallback composes primary and secondary. secondary may be nil, in which
// case primary failures are final.
func NewFallback(primary, secondary Backend, opts ...FallbackOption) (*Fallback, error) {
	if primary == nil {
		return nil, fmt.Errorf("embedder: primary backend must not be nil")
	}
	if secondary != nil && secondary.Space() == primary.Space() {
		return nil, fmt.Errorf("embedder: fallback must use a different embedding space than the primary (%s)", primary.Space())
	}
	f := &Fallback{primary: primary, secondary: secondary, batchSize: DefaultBatchSize}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Primary returns the primary backend.
func (f *Fallback) Primary() Backend { return f.primary }

// Secondary returns the fallback backend, or nil.
func (f *Fallback) Secondary() Backend { return f.secondary }

// BatchSize returns the number of texts per request.
func (f *Fallback) BatchSize() int { return f.batchSize }

// EmbedBatches embeds texts in batches of BatchSize. Every batch is either
// returned in batches or described in failed; the two together cover the
// input exactly once, in order. progress, when non-nil, is called after each
// batch with the number of texts processed so far.
func (f *Fallback) EmbedBatches(ctx context.Context, texts []string, progress func(done, total int)) ([]Batch, []*BatchError) {
	var (
		batches []Batch
		failed  []*BatchError
	)
	for start := 0; start < len(texts); start += f.batchSize {
		end := min(start+f.batchSize, len(texts))
		b, err := f.embed(ctx, start, texts[start:end])
		if err != nil {
			failed = append(failed, err)
		} else {
			batches = append(batches, b)
		}
		if progress != nil {
			progress(end, len(texts))
		}
	}
	return batches, failed
}

// EmbedQuery embeds a single query text with the primary-then-fallback
// policy and tags the vector with the space that served it.
func (f *Fallback) EmbedQuery(ctx context.Context, text string) (rag.Vector, error) {
	b, err := f.embed(ctx, 0, []string{text})
	if err != nil {
		return rag.Vector{}, err
	}
	return rag.Vector{Space: b.Space, Values: b.Vectors[0]}, nil
}

// EmbedQueryIn embeds text with the backend that owns space, without
// falling back. Knowledge bases built across a primary outage hold rows in
// both spaces, and each partition must be queried in its own space.
func (f *Fallback) EmbedQueryIn(ctx context.Context, text string, space rag.Space) (rag.Vector, error) {
	var (
		backend Backend
		label   string
	)
	switch {
	case f.primary.Space() == space:
		backend, label = f.primary, "primary"
	case f.secondary != nil && f.secondary.Space() == space:
		backend, label = f.secondary, "fallback"
	default:
		return rag.Vector{}, fmt.Errorf("%w %s", ErrNoBackendForSpace, space)
	}

	vecs, err := backend.Embed(ctx, []string{text})
	f.metrics.observe(label, err)
	if err != nil {
		return rag.Vector{}, fmt.Errorf("embedder: query in %s: %w", space, err)
	}
	if len(vecs) != 1 {
		return rag.Vector{}, fmt.Errorf("embedder: query in %s: got %d vectors", space, len(vecs))
	}
	return rag.Vector{Space: space, Values: vecs[0]}, nil
}

// embed runs one batch through the policy.
func (f *Fallback) embed(ctx context.Context, start int, texts []string) (Batch, *BatchError) {
	log := logging.FromContext(ctx)

	vecs, perr := f.primary.Embed(ctx, texts)
	f.metrics.observe("primary", perr)
	if perr == nil {
		return Batch{Start: start, Vectors: vecs, Space: f.primary.Space()}, nil
	}

	if f.secondary == nil || ctx.Err() != nil {
		return Batch{}, &BatchError{Start: start, Size: len(texts), Primary: perr}
	}

	log.Warn("embedder: primary backend failed, using fallback",
		slog.String("primary", f.primary.Space().String()),
		slog.String("fallback", f.secondary.Space().String()),
		slog.Int("batch_start", start),
		slog.Int("batch_size", len(texts)),
		slog.Any("error", perr),
	)

	vecs, ferr := f.secondary.Embed(ctx, texts)
	f.metrics.observe("fallback", ferr)
	if ferr != nil {
		log.Error("embedder: fallback backend failed",
			slog.Int("batch_start", start),
			slog.Int("batch_size", len(texts)),
			slog.Any("error", ferr),
		)
		return Batch{}, &BatchError{Start: start, Size: len(texts), Primary: perr, Fallback: ferr}
	}
	return Batch{Start: start, Vectors: vecs, Space: f.secondary.Space(), UsedFallback: true}, nil
}
