package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/coachkb/internal/coach"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/kbstore"
	"github.com/54b3r/coachkb/internal/knowledge"
	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/rag"
)

// fakeKnowledge is a test double for knowledgeService.
type fakeKnowledge struct {
	mu sync.Mutex

	summary  *knowledge.BuildSummary
	buildErr error
	results  []rag.SearchResult
	err      error

	gotCreator string
	gotPosts   int
	gotQuery   string
	gotK       int
}

func (f *fakeKnowledge) BuildKnowledgeBase(_ context.Context, creatorID string, posts []ingestion.Post, _ *ingestion.CoachProfile, _ ...knowledge.BuildOption) (*knowledge.BuildSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCreator, f.gotPosts = creatorID, len(posts)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	if f.summary != nil {
		return f.summary, nil
	}
	return &knowledge.BuildSummary{CreatorID: creatorID, TotalChunks: len(posts)}, nil
}

func (f *fakeKnowledge) SearchKnowledge(_ context.Context, creatorID, query string, k int) ([]rag.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotCreator, f.gotQuery, f.gotK = creatorID, query, k
	if f.err != nil {
		return nil, f.err
	}
	if f.results == nil {
		return []rag.SearchResult{}, nil
	}
	return f.results, nil
}

// fakeChat answers every question with a fixed reply.
type fakeChat struct{ reply string }

func (f *fakeChat) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChat) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(f.reply, nil)}), nil
}

// newTestServer builds a bare *Server for calling handlers directly.
func newTestServer() *Server {
	return &Server{
		knowledge: &fakeKnowledge{},
		cfg:       &Config{MaxBodyBytes: defaultMaxBodyBytes},
		log:       logging.Discard(),
		metrics:   newServerMetrics(prometheus.NewRegistry()),
	}
}

// newWiredServer builds a Server through New so routing, auth, rate limiting
// and metrics are all in place.
func newWiredServer(t *testing.T, svc knowledgeService, cfg *Config) *Server {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	s, err := New(svc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)
	return s
}

func do(t *testing.T, s *Server, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func Test_Server_Build(t *testing.T) {
	t.Parallel()
	svc := &fakeKnowledge{}
	s := newWiredServer(t, svc, &Config{})

	w := do(t, s, http.MethodPost, "/api/creators/alice/build",
		`{"posts":[{"post_id":"p1","caption_text":"hello"},{"post_id":"p2"}],"profile":{"creator_username":"alice"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[buildResponse](t, w)
	if resp.Partial || resp.Summary == nil || resp.Summary.TotalChunks != 2 {
		t.Errorf("unexpected response: %+v", resp)
	}
	if svc.gotCreator != "alice" || svc.gotPosts != 2 {
		t.Errorf("service got creator=%q posts=%d", svc.gotCreator, svc.gotPosts)
	}
}

func Test_Server_BuildPartial(t *testing.T) {
	t.Parallel()
	summary := &knowledge.BuildSummary{
		CreatorID:    "alice",
		TotalChunks:  4,
		FailedChunks: []knowledge.FailedChunk{{Position: 1, PostID: "p2", ChunkType: rag.ChunkCaption}},
	}
	svc := &fakeKnowledge{buildErr: &knowledge.PartialBuildError{Summary: summary}}
	s := newWiredServer(t, svc, &Config{})

	w := do(t, s, http.MethodPost, "/api/creators/alice/build", `{"posts":[]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200 for partial build, got %d", w.Code)
	}
	resp := decodeBody[buildResponse](t, w)
	if !resp.Partial || resp.Summary.TotalChunks != 4 || len(resp.Summary.FailedChunks) != 1 || resp.Error == "" {
		t.Errorf("unexpected partial response: %+v", resp)
	}
}

func Test_Server_ErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		buildErr error
		err      error
		path     string
		body     string
		want     int
		wantMsg  string
	}{
		{name: "invalid creator", path: "/api/creators/..x/search", body: `{"query":"q"}`, want: http.StatusBadRequest},
		{name: "bad json", path: "/api/creators/alice/search", body: `{`, want: http.StatusBadRequest, wantMsg: "invalid request body"},
		{name: "empty query", err: knowledge.ErrEmptyQuery, path: "/api/creators/alice/search", body: `{"query":" "}`, want: http.StatusBadRequest},
		{name: "corrupt kb", err: fmt.Errorf("knowledge: %w", kbstore.ErrCorrupt), path: "/api/creators/alice/search", body: `{"query":"q"}`, want: http.StatusInternalServerError, wantMsg: "rebuild required"},
		{name: "internal", err: fmt.Errorf("disk on fire"), path: "/api/creators/alice/search", body: `{"query":"q"}`, want: http.StatusInternalServerError, wantMsg: "internal error"},
		{name: "embedding failed", buildErr: fmt.Errorf("%w: creator alice", knowledge.ErrEmbeddingFailed), path: "/api/creators/alice/build", body: `{"posts":[]}`, want: http.StatusBadGateway},
		{name: "deadline", buildErr: fmt.Errorf("knowledge: abandoned: %w", context.DeadlineExceeded), path: "/api/creators/alice/build", body: `{"posts":[]}`, want: http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newWiredServer(t, &fakeKnowledge{buildErr: tc.buildErr, err: tc.err}, &Config{})
			w := do(t, s, http.MethodPost, tc.path, tc.body)
			if w.Code != tc.want {
				t.Fatalf("want %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			resp := decodeBody[errorResponse](t, w)
			if tc.wantMsg != "" && !strings.Contains(resp.Error, tc.wantMsg) {
				t.Errorf("error message %q does not contain %q", resp.Error, tc.wantMsg)
			}
			if strings.Contains(resp.Error, "disk on fire") {
				t.Error("internal error detail leaked to client")
			}
		})
	}
}

func Test_Server_BodyTooLarge(t *testing.T) {
	t.Parallel()
	s := newWiredServer(t, &fakeKnowledge{}, &Config{MaxBodyBytes: 16})
	w := do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"`+strings.Repeat("x", 64)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("want 413, got %d", w.Code)
	}
}

func Test_Server_Search(t *testing.T) {
	t.Parallel()
	svc := &fakeKnowledge{results: []rag.SearchResult{
		{Chunk: rag.Chunk{Text: "hook first", Type: rag.ChunkCaption, Post: rag.PostMetadata{PostID: "p1"}}, Similarity: 0.9, FinalScore: 0.95},
	}}
	s := newWiredServer(t, svc, &Config{})

	w := do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"hooks","k":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", w.Code)
	}
	resp := decodeBody[searchResponse](t, w)
	if len(resp.Results) != 1 || resp.Results[0].Chunk.Post.PostID != "p1" || resp.Results[0].FinalScore != 0.95 {
		t.Errorf("unexpected results: %+v", resp.Results)
	}
	if svc.gotQuery != "hooks" || svc.gotK != 3 {
		t.Errorf("service got query=%q k=%d", svc.gotQuery, svc.gotK)
	}

	// Oversized k is capped before it reaches the service.
	w = do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"hooks","k":9223372036854775807}`)
	if w.Code != http.StatusOK || svc.gotK != maxResults {
		t.Errorf("huge k: status %d, service got k=%d, want %d", w.Code, svc.gotK, maxResults)
	}

	// Unknown creators get an empty array, not null.
	w = do(t, s, http.MethodPost, "/api/creators/nobody/search", `{"query":"hooks"}`)
	if !strings.Contains(w.Body.String(), `"results":[`) {
		t.Errorf("want empty results array, got %s", w.Body.String())
	}
}

func Test_Server_Ask(t *testing.T) {
	t.Parallel()
	svc := &fakeKnowledge{results: []rag.SearchResult{
		{Chunk: rag.Chunk{Text: "Lead with the problem.", Type: rag.ChunkCaption, Post: rag.PostMetadata{PostID: "p1", Likes: 1500}}, Similarity: 0.8},
	}}
	s := newWiredServer(t, svc, &Config{Coach: coach.Config{ChatModel: &fakeChat{reply: "Start with a hook."}}})

	w := do(t, s, http.MethodPost, "/api/creators/alice/ask",
		`{"question":"how do I write emails?","k":2,"profile":{"creator_username":"alice_coach","expertise_areas":["email"]}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", w.Code, w.Body.String())
	}
	ans := decodeBody[coach.Answer](t, w)
	if ans.Answer != "Start with a hook." || ans.CoachName != "alice_coach" || ans.ContextUsed != 1 {
		t.Errorf("unexpected answer: %+v", ans)
	}
	if len(ans.References) != 1 || ans.References[0].Likes != 1500 {
		t.Errorf("unexpected references: %+v", ans.References)
	}
	if svc.gotK != 2 || svc.gotCreator != "alice" {
		t.Errorf("search got creator=%q k=%d", svc.gotCreator, svc.gotK)
	}
	if got := decodeBody[map[string]any](t, do(t, s, http.MethodPost, "/api/creators/alice/ask", `{"question":"q"}`)); got["error"] == nil {
		t.Error("ask without a profile should fail")
	}
	if w := do(t, s, http.MethodPost, "/api/creators/alice/ask", `{"question":"  ","profile":{"creator_username":"a"}}`); w.Code != http.StatusBadRequest {
		t.Errorf("blank question: want 400, got %d", w.Code)
	}
}

func Test_Server_AskWithoutChatModel(t *testing.T) {
	t.Parallel()
	s := newWiredServer(t, &fakeKnowledge{}, &Config{})
	w := do(t, s, http.MethodPost, "/api/creators/alice/ask", `{"question":"q","profile":{"creator_username":"a"}}`)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("want 501, got %d", w.Code)
	}
}

func Test_Server_AuthProtectsCreatorRoutesOnly(t *testing.T) {
	t.Parallel()
	s := newWiredServer(t, &fakeKnowledge{}, &Config{APIKey: "secret"})

	if w := do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"q"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: want 401, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"q"}`, "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("valid token: want 200, got %d", w.Code)
	}
	for _, path := range []string{"/api/health", "/api/ready", "/metrics"} {
		if w := do(t, s, http.MethodGet, path, ""); w.Code != http.StatusOK {
			t.Errorf("%s: want 200 without auth, got %d", path, w.Code)
		}
	}
}

func Test_Server_RateLimitsCreatorRoutes(t *testing.T) {
	t.Parallel()
	s := newWiredServer(t, &fakeKnowledge{}, &Config{RateLimit: 0.001, RateBurst: 1})

	if w := do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"q"}`); w.Code != http.StatusOK {
		t.Fatalf("first request: want 200, got %d", w.Code)
	}
	w := do(t, s, http.MethodPost, "/api/creators/alice/search", `{"query":"q"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: want 429, got %d", w.Code)
	}
	if do(t, s, http.MethodGet, "/api/health", "").Code != http.StatusOK {
		t.Error("health must not be rate limited")
	}
}

func Test_Server_RequestID(t *testing.T) {
	t.Parallel()
	s := newWiredServer(t, &fakeKnowledge{}, &Config{})

	if got := do(t, s, http.MethodGet, "/api/health", "", requestIDHeader, "abc-123").Header().Get(requestIDHeader); got != "abc-123" {
		t.Errorf("want caller's request id echoed, got %q", got)
	}
	if got := do(t, s, http.MethodGet, "/api/health", "").Header().Get(requestIDHeader); len(got) != 36 {
		t.Errorf("want generated uuid request id, got %q", got)
	}
}

func Test_Server_NewRequiresService(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, &Config{}); err == nil {
		t.Error("want error for nil knowledge service")
	}
}

func Test_Server_HTTPPinger(t *testing.T) {
	t.Parallel()
	status := http.StatusOK
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)

	p := NewHTTPPinger("ollama_chat", ts.URL+"/api/tags")
	if p.Name() != "ollama_chat" {
		t.Errorf("name: %q", p.Name())
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Errorf("healthy: %v", err)
	}
	mu.Lock()
	status = http.StatusBadGateway
	mu.Unlock()
	if err := p.Ping(context.Background()); err == nil {
		t.Error("want error on 502")
	}
}

func Test_Server_MultiPinger(t *testing.T) {
	t.Parallel()
	ok := PingerFunc{Label: "a", Fn: func(context.Context) error { return nil }}
	bad := PingerFunc{Label: "b", Fn: func(context.Context) error { return fmt.Errorf("down") }}

	if err := NewMultiPinger(ok, ok).Ping(context.Background()); err != nil {
		t.Errorf("all healthy: %v", err)
	}
	err := NewMultiPinger(ok, bad).Ping(context.Background())
	if err == nil || !strings.HasPrefix(err.Error(), "b:") {
		t.Errorf("want error naming b, got %v", err)
	}
}
