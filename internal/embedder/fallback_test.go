package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/54b3r/coachkb/internal/rag"
)

// fakeBackend returns constant vectors, failing the batches listed in failAt
// (by call number, starting at 1) or every call when failAll is set.
type fakeBackend struct {
	space   rag.Space
	failAll bool
	failAt  map[int]bool

	mu    sync.Mutex
	calls int
	sizes []int
}

func (f *fakeBackend) Space() rag.Space { return f.space }

func (f *fakeBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.sizes = append(f.sizes, len(texts))
	f.mu.Unlock()

	if f.failAll || f.failAt[call] {
		return nil, errors.New(f.space.Model + " unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.space.Dimension)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

var (
	remoteSpace = rag.Space{Model: "remote", Dimension: 4}
	localSpace  = rag.Space{Model: "local", Dimension: 2}
)

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "t"
	}
	return out
}

func Test_Fallback_BatchesOfConfiguredSize(t *testing.T) {
	t.Parallel()
	primary := &fakeBackend{space: remoteSpace}
	f, err := NewFallback(primary, &fakeBackend{space: localSpace})
	if err != nil {
		t.Fatal(err)
	}

	var progress []int
	batches, failed := f.EmbedBatches(t.Context(), texts(250), func(done, _ int) { progress = append(progress, done) })
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if len(batches) != 3 || batches[2].Start != 200 || len(batches[2].Vectors) != 50 {
		t.Errorf("batches = %+v", batches)
	}
	if want := []int{100, 100, 50}; len(primary.sizes) != 3 || primary.sizes[0] != want[0] || primary.sizes[2] != want[2] {
		t.Errorf("request sizes = %v, want %v", primary.sizes, want)
	}
	if len(progress) != 3 || progress[2] != 250 {
		t.Errorf("progress = %v", progress)
	}
}

func Test_Fallback_RecordsSpacePerBatch(t *testing.T) {
	t.Parallel()
	primary := &fakeBackend{space: remoteSpace, failAt: map[int]bool{2: true}}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f, _ := NewFallback(primary, &fakeBackend{space: localSpace}, WithBatchSize(10), WithMetrics(m))

	batches, failed := f.EmbedBatches(t.Context(), texts(30), nil)
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	wantSpaces := []rag.Space{remoteSpace, localSpace, remoteSpace}
	for i, b := range batches {
		if b.Space != wantSpaces[i] {
			t.Errorf("batch %d space = %v, want %v", i, b.Space, wantSpaces[i])
		}
		if b.UsedFallback != (i == 1) {
			t.Errorf("batch %d UsedFallback = %v", i, b.UsedFallback)
		}
		if len(b.Vectors[0]) != b.Space.Dimension {
			t.Errorf("batch %d vector length %d does not match space", i, len(b.Vectors[0]))
		}
	}

	if got := testutil.ToFloat64(m.batchesTotal.WithLabelValues("primary", "error")); got != 1 {
		t.Errorf("primary errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.batchesTotal.WithLabelValues("fallback", "ok")); got != 1 {
		t.Errorf("fallback ok = %v, want 1", got)
	}
}

func Test_Fallback_BothFail(t *testing.T) {
	t.Parallel()
	primary := &fakeBackend{space: remoteSpace, failAll: true}
	secondary := &fakeBackend{space: localSpace, failAt: map[int]bool{1: true}}
	f, _ := NewFallback(primary, secondary, WithBatchSize(5))

	batches, failed := f.EmbedBatches(t.Context(), texts(10), nil)
	if len(batches) != 1 || batches[0].Start != 5 {
		t.Errorf("batches = %+v, want only the second batch", batches)
	}
	if len(failed) != 1 {
		t.Fatalf("want 1 failed batch, got %d", len(failed))
	}
	be := failed[0]
	if be.Start != 0 || be.Size != 5 {
		t.Errorf("failed batch = [%d,+%d)", be.Start, be.Size)
	}
	if !errors.Is(be, ErrFallbackFailed) {
		t.Errorf("BatchError must wrap ErrFallbackFailed: %v", be)
	}
	if be.Primary == nil || be.Fallback == nil {
		t.Errorf("both causes must be recorded: %+v", be)
	}
}

func Test_Fallback_NoSecondary(t *testing.T) {
	t.Parallel()
	f, _ := NewFallback(&fakeBackend{space: remoteSpace, failAll: true}, nil)
	_, err := f.EmbedQuery(t.Context(), "q")
	var be *BatchError
	if !errors.As(err, &be) || be.Fallback != nil {
		t.Errorf("want BatchError without fallback cause, got %v", err)
	}
}

func Test_Fallback_QueryUsesSamePolicy(t *testing.T) {
	t.Parallel()
	secondary := &fakeBackend{space: localSpace}
	f, _ := NewFallback(&fakeBackend{space: remoteSpace, failAll: true}, secondary)

	v, err := f.EmbedQuery(t.Context(), "how to grow")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if v.Space != localSpace || len(v.Values) != 2 {
		t.Errorf("query vector = %+v, want local space", v)
	}
}

func Test_Fallback_Deterministic(t *testing.T) {
	t.Parallel()
	f, _ := NewFallback(&fakeBackend{space: remoteSpace}, nil)
	a, _ := f.EmbedQuery(t.Context(), "same")
	b, _ := f.EmbedQuery(t.Context(), "same")
	for i := range a.Values {
		if a.Values[i] != b.Values[i] {
			t.Fatal("same text embedded differently")
		}
	}
}

func Test_NewFallback_RejectsSameSpace(t *testing.T) {
	t.Parallel()
	if _, err := NewFallback(&fakeBackend{space: remoteSpace}, &fakeBackend{space: remoteSpace}); err == nil {
		t.Error("want error when fallback shares the primary space")
	}
	if _, err := NewFallback(nil, nil); err == nil {
		t.Error("want error for nil primary")
	}
}

func Test_Fallback_RealBackends(t *testing.T) {
	t.Parallel()
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(remote.Close)
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaEmbedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := ollamaEmbedResponse{}
		for range req.Input {
			out.Embeddings = append(out.Embeddings, make([]float32, 384))
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(local.Close)

	primary := newTestOpenAI(remote.URL, 1536, -1)
	secondary, err := NewOllamaEmbedder(&OllamaConfig{Host: local.URL})
	if err != nil {
		t.Fatal(err)
	}
	f, err := NewFallback(primary, secondary)
	if err != nil {
		t.Fatal(err)
	}
	v, err := f.EmbedQuery(t.Context(), "q")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if v.Space != (rag.Space{Model: "all-minilm", Dimension: 384}) {
		t.Errorf("space = %v", v.Space)
	}
}

func Test_Fallback_EmbedQueryIn(t *testing.T) {
	t.Parallel()
	unknown := rag.Space{Model: "other", Dimension: 8}
	tests := []struct {
		name        string
		space       rag.Space
		primaryDown bool
		wantErr     error
		wantCalls   [2]int
	}{
		{name: "primary space", space: remoteSpace, wantCalls: [2]int{1, 0}},
		{name: "fallback space skips primary", space: localSpace, wantCalls: [2]int{0, 1}},
		{name: "primary space does not fall back", space: remoteSpace, primaryDown: true, wantCalls: [2]int{1, 0}},
		{name: "unknown space", space: unknown, wantErr: ErrNoBackendForSpace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			primary := &fakeBackend{space: remoteSpace, failAll: tt.primaryDown}
			secondary := &fakeBackend{space: localSpace}
			f, _ := NewFallback(primary, secondary)

			v, err := f.EmbedQueryIn(t.Context(), "q", tt.space)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want %v", err, tt.wantErr)
				}
			case tt.primaryDown:
				if err == nil {
					t.Error("want error when the owning backend is down")
				}
			case err != nil:
				t.Fatalf("EmbedQueryIn: %v", err)
			default:
				if v.Space != tt.space || len(v.Values) != tt.space.Dimension {
					t.Errorf("vector = %+v, want space %v", v, tt.space)
				}
			}
			if got := [2]int{primary.calls, secondary.calls}; got != tt.wantCalls {
				t.Errorf("calls (primary, fallback) = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}
