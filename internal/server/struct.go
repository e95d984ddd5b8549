package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/coachkb/internal/coach"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/knowledge"
	"github.com/54b3r/coachkb/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. Builds
	// embed every chunk before responding, so the default is generous.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// MaxBodyBytes caps request bodies (default: 32 MiB, enough for a few
	// thousand posts with transcripts).
	MaxBodyBytes int64
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on the creator
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on /api/creators/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's own metrics. If nil, a fresh
	// registry is created.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to MetricsRegistry
	// when that is a *prometheus.Registry.
	MetricsGatherer prometheus.Gatherer
	// Coach is the template for per-request coaches. ChatModel must be set for
	// the ask endpoint to be served; Knowledge, CreatorID and Profile are
	// filled per request.
	Coach coach.Config
}

// knowledgeService is the part of *knowledge.Service the handlers call.
// Tests inject a fake.
type knowledgeService interface {
	BuildKnowledgeBase(ctx context.Context, creatorID string, posts []ingestion.Post, profile *ingestion.CoachProfile, opts ...knowledge.BuildOption) (*knowledge.BuildSummary, error)
	SearchKnowledge(ctx context.Context, creatorID, query string, k int) ([]rag.SearchResult, error)
}

// Server is the HTTP server that exposes the knowledge service and coach.
type Server struct {
	// knowledge builds and searches creator knowledge bases.
	knowledge knowledgeService
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by the server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// buildRequest is the JSON body for POST /api/creators/{id}/build.
type buildRequest struct {
	// Posts is the creator's full post export. A build replaces the whole
	// knowledge base.
	Posts []ingestion.Post `json:"posts"`
	// Profile is optional and only used for expertise/framework tagging.
	Profile *ingestion.CoachProfile `json:"profile,omitempty"`
}

// buildResponse is the JSON response for a build. Partial is true when some
// chunks could not be embedded by either backend.
type buildResponse struct {
	Summary *knowledge.BuildSummary `json:"summary"`
	Partial bool                    `json:"partial"`
	Error   string                  `json:"error,omitempty"`
}

// maxResults caps the k a client may request from search and ask.
const maxResults = 100

// clampK bounds a requested result count to maxResults. Zero and negative
// values pass through so the service default applies.
func clampK(k int) int {
	return min(k, maxResults)
}

// searchRequest is the JSON body for POST /api/creators/{id}/search.
type searchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// searchResponse is the JSON response for a search.
type searchResponse struct {
	Results []rag.SearchResult `json:"results"`
}

// askRequest is the JSON body for POST /api/creators/{id}/ask.
type askRequest struct {
	Question string `json:"question"`
	K        int    `json:"k,omitempty"`
	// Session threads the question into a conversation; optional.
	Session string `json:"session,omitempty"`
	// Profile is the coach persona to answer with.
	Profile *ingestion.CoachProfile `json:"profile"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}
