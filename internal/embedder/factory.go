package embedder

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default embedding models per backend.
const (
	defaultOpenAIModel = "text-embedding-ada-002"
	defaultOllamaModel = "all-minilm"

	// defaultOpenAIDimensions is the output dimension of ada-002 and
	// text-embedding-3-small.
	defaultOpenAIDimensions = 1536
)

// DefaultDimensions returns the default vector size for a backend and model.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend, model string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return OllamaDimensions(model)
	default:
		return defaultOpenAIDimensions
	}
}

// NewFromEnv builds the primary and fallback backends from the environment
// and composes them.
//
// Primary:
//
//  1. EMBEDDING_PROVIDER (openai | azure | ollama, default openai)
//  2. EMBEDDING_MODEL, EMBEDDING_DIMENSIONS, EMBEDDING_ENDPOINT
//  3. EMBEDDING_API_KEY, falling back to OPENAI_API_KEY / AZURE_OPENAI_API_KEY
//  4. EMBEDDING_TIMEOUT (seconds), EMBEDDING_MAX_RETRIES, EMBEDDING_RPS
//
// Fallback:
//
//  1. FALLBACK_EMBEDDING_PROVIDER (ollama | none; default ollama when the
//     primary is remote, none otherwise)
//  2. FALLBACK_EMBEDDING_MODEL (default all-minilm), FALLBACK_EMBEDDING_DIMENSIONS
//  3. FALLBACK_EMBEDDING_ENDPOINT, falling back to OLLAMA_HOST
//
// EMBEDDING_BATCH_SIZE overrides the batch size of 100.
func NewFromEnv(opts ...FallbackOption) (*Fallback, error) {
	primary, err := primaryFromEnv()
	if err != nil {
		return nil, err
	}
	secondary, err := fallbackFromEnv(getEnvOrDefault("EMBEDDING_PROVIDER", "openai"))
	if err != nil {
		return nil, err
	}
	if n := getEnvInt("EMBEDDING_BATCH_SIZE", 0); n > 0 {
		opts = append(opts, WithBatchSize(n))
	}
	return NewFallback(primary, secondary, opts...)
}

// primaryFromEnv resolves the primary backend.
func primaryFromEnv() (Backend, error) {
	backend := getEnvOrDefault("EMBEDDING_PROVIDER", "openai")
	timeout := time.Duration(getEnvInt("EMBEDDING_TIMEOUT", 0)) * time.Second
	retries := getEnvInt("EMBEDDING_MAX_RETRIES", 0)
	rps := getEnvFloat("EMBEDDING_RPS", 0)

	switch backend {
	case "openai":
		apiKey := getEnv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = getEnv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		model := getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel)
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:           getEnvOrDefault("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:            apiKey,
			Model:             model,
			Dimensions:        DefaultDimensions(backend, model),
			SendDimensions:    getEnv("EMBEDDING_DIMENSIONS") != "",
			Timeout:           timeout,
			MaxRetries:        retries,
			RequestsPerSecond: rps,
		}), nil

	case "azure":
		apiKey := getEnv("EMBEDDING_API_KEY")
		if apiKey == "" {
			apiKey = getEnv("AZURE_OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := getEnv("EMBEDDING_ENDPOINT")
		if endpoint == "" {
			endpoint = getEnv("AZURE_OPENAI_ENDPOINT")
		}
		if endpoint == "" {
			return nil, fmt.Errorf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		model := getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel)
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:           endpoint + "/openai",
			APIKey:            apiKey,
			Model:             model,
			Dimensions:        DefaultDimensions(backend, model),
			SendDimensions:    getEnv("EMBEDDING_DIMENSIONS") != "",
			Azure:             true,
			APIVersion:        getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
			Timeout:           timeout,
			MaxRetries:        retries,
			RequestsPerSecond: rps,
		}), nil

	case "ollama":
		host := getEnv("EMBEDDING_ENDPOINT")
		if host == "" {
			host = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		model := getEnvOrDefault("EMBEDDING_MODEL", defaultOllamaModel)
		return NewOllamaEmbedder(&OllamaConfig{
			Host:       host,
			Model:      model,
			Dimensions: DefaultDimensions(backend, model),
			Timeout:    timeout,
		})

	default:
		return nil, fmt.Errorf("embedder: unknown backend %q, valid values: openai, azure, ollama", backend)
	}
}

// fallbackFromEnv resolves the fallback backend, or nil when disabled.
func fallbackFromEnv(primary string) (Backend, error) {
	def := "ollama"
	if primary == "ollama" {
		def = "none"
	}
	switch backend := getEnvOrDefault("FALLBACK_EMBEDDING_PROVIDER", def); backend {
	case "none", "disabled":
		return nil, nil
	case "ollama":
		host := getEnv("FALLBACK_EMBEDDING_ENDPOINT")
		if host == "" {
			host = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		return NewOllamaEmbedder(&OllamaConfig{
			Host:       host,
			Model:      getEnvOrDefault("FALLBACK_EMBEDDING_MODEL", defaultOllamaModel),
			Dimensions: getEnvInt("FALLBACK_EMBEDDING_DIMENSIONS", 0),
		})
	default:
		return nil, fmt.Errorf("embedder: unknown fallback backend %q, valid values: ollama, none", backend)
	}
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat is getEnvInt for floating point values.
func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
