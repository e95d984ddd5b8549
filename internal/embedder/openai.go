// Package embedder provides the embedding backends of a creator knowledge
// base and the fallback decorator that composes them. The remote OpenAI (or
// Azure OpenAI) backend is the primary; a local Ollama model of a different
// dimension is the fallback. Backends talk plain HTTP; the decorator records
// which embedding space every batch landed in.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/54b3r/coachkb/internal/rag"
)

// Backend is an Embedder that produces vectors in one fixed space.
type Backend interface {
	rag.Embedder

	// Space returns the model and dimension of every vector this backend
	// returns.
	Space() rag.Space
}

// OpenAIEmbedder implements Backend using the OpenAI (or Azure OpenAI)
// embeddings REST API. It is safe for concurrent use.
type OpenAIEmbedder struct {
	// baseURL is the API base (e.g. "https://api.openai.com/v1" or an Azure endpoint).
	baseURL string
	// apiKey is the Bearer token (OpenAI) or api-key header value (Azure).
	apiKey string
	// model is the embedding model name (e.g. "text-embedding-ada-002").
	model string
	// dimensions is the expected embedding vector length.
	dimensions int
	// sendDimensions forwards dimensions in the request body. Only the
	// text-embedding-3 family accepts it.
	sendDimensions bool
	// azure selects Azure-style auth (api-key header) over Bearer token.
	azure bool
	// apiVersion is the Azure OpenAI API version query param (ignored for OpenAI).
	apiVersion string
	// maxRetries bounds the attempts after the first one.
	maxRetries int
	// retryInterval is the initial exponential backoff interval.
	retryInterval time.Duration
	// limiter throttles outgoing requests when set.
	limiter *rate.Limiter
	// client is the shared HTTP client with a per-request timeout.
	client *http.Client
}

// OpenAIConfig holds the settings for constructing an OpenAIEmbedder.
type OpenAIConfig struct {
	// BaseURL is the API base URL. For OpenAI: "https://api.openai.com/v1".
	// For Azure: "https://<resource>.openai.azure.com/openai".
	BaseURL string
	// APIKey is the authentication key.
	APIKey string
	// Model is the embedding model name (default "text-embedding-ada-002").
	Model string
	// Dimensions is the vector length the model returns (default 1536).
	Dimensions int
	// SendDimensions requests Dimensions explicitly from the API.
	SendDimensions bool
	// Azure enables Azure OpenAI mode (api-key header + api-version param).
	Azure bool
	// APIVersion is the Azure OpenAI API version (e.g. "2025-04-01-preview").
	// Ignored when Azure is false.
	APIVersion string
	// Timeout is the per-request HTTP timeout (default 30s).
	Timeout time.Duration
	// MaxRetries bounds retries of retryable failures (default 2; negative
	// disables retries).
	MaxRetries int
	// RetryInterval is the initial backoff interval (default 500ms).
	RetryInterval time.Duration
	// RequestsPerSecond enables a client-side rate limit when positive.
	RequestsPerSecond float64
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder from the given config.
func NewOpenAIEmbedder(cfg *OpenAIConfig) *OpenAIEmbedder {
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultOpenAIDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}

	e := &OpenAIEmbedder{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		model:          cfg.Model,
		dimensions:     cfg.Dimensions,
		sendDimensions: cfg.SendDimensions,
		azure:          cfg.Azure,
		apiVersion:     cfg.APIVersion,
		maxRetries:     cfg.MaxRetries,
		retryInterval:  cfg.RetryInterval,
		client:         &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return e
}

// Space returns the embedding space of this backend.
func (e *OpenAIEmbedder) Space() rag.Space {
	return rag.Space{Model: e.model, Dimension: e.dimensions}
}

// openaiEmbedRequest is the JSON body sent to the embeddings endpoint.
type openaiEmbedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// openaiEmbedResponse is the JSON body returned from the embeddings endpoint.
type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Backend string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s embedder: HTTP %d: %s", e.Backend, e.Code, e.Message)
}

// retryable reports whether a request with this status may succeed later.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Embed converts a batch of texts into their corresponding embeddings,
// retrying transient failures with exponential backoff. The returned slice
// is parallel to the input slice.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInterval
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.maxRetries)), ctx)

	var out [][]float32
	err := backoff.Retry(func() error {
		vecs, err := e.embedOnce(ctx, texts)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && !se.retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = vecs
		return nil
	}, retry)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// embedOnce performs a single embeddings request.
func (e *OpenAIEmbedder) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("openai embedder: rate limit wait: %w", err)
		}
	}

	body := openaiEmbedRequest{
		Input: texts,
		Model: e.model,
	}
	if e.sendDimensions {
		body.Dimensions = e.dimensions
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("openai embedder: marshal request: %w", err))
	}

	url := e.baseURL + "/embeddings"
	if e.azure {
		url = e.baseURL + "/deployments/" + e.model + "/embeddings?api-version=" + e.apiVersion
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("openai embedder: create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.azure {
		req.Header.Set("api-key", e.apiKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai embedder: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result openaiEmbedResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && result.Error != nil {
			msg = result.Error.Message
		}
		return nil, &StatusError{Backend: "openai", Code: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("openai embedder: decode response: %w", decodeErr)
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// The API may return data out of order; sort by index.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("openai embedder: index %d out of range [0, %d)", d.Index, len(texts))
		}
		if len(d.Embedding) != e.dimensions {
			return nil, backoff.Permanent(fmt.Errorf("openai embedder: model %s returned %d dimensions, configured %d",
				e.model, len(d.Embedding), e.dimensions))
		}
		embeddings[d.Index] = d.Embedding
	}
	for i, v := range embeddings {
		if v == nil {
			return nil, fmt.Errorf("openai embedder: missing embedding for input %d", i)
		}
	}

	return embeddings, nil
}
