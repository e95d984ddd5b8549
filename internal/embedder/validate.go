package embedder

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// Validate is a pre-flight check of the embedding environment. It returns an
// error for configurations NewFromEnv would reject and logs warnings for
// ones that will work badly: chat models used for embedding, or no fallback
// behind a remote primary.
func Validate(log *slog.Logger) error {
	primary := getEnvOrDefault("EMBEDDING_PROVIDER", "openai")

	switch primary {
	case "openai":
		if os.Getenv("EMBEDDING_API_KEY") == "" && os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("embedder: no OpenAI API key found, set OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if os.Getenv("EMBEDDING_API_KEY") == "" && os.Getenv("AZURE_OPENAI_API_KEY") == "" {
			return fmt.Errorf("embedder: no Azure API key found, set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if os.Getenv("EMBEDDING_ENDPOINT") == "" && os.Getenv("AZURE_OPENAI_ENDPOINT") == "" {
			return fmt.Errorf("embedder: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "ollama":
	default:
		return fmt.Errorf("embedder: unknown EMBEDDING_PROVIDER %q", primary)
	}

	fallback := os.Getenv("FALLBACK_EMBEDDING_PROVIDER")
	if primary != "ollama" && (fallback == "none" || fallback == "disabled") {
		log.Warn("embedder: remote primary has no local fallback, a provider outage will fail builds",
			slog.String("primary", primary),
			slog.String("hint", "unset FALLBACK_EMBEDDING_PROVIDER to use the default ollama fallback"),
		)
	}

	for _, key := range []string{"EMBEDDING_MODEL", "FALLBACK_EMBEDDING_MODEL"} {
		if model := os.Getenv(key); model != "" && looksLikeChatModel(model) {
			log.Warn("embedder: model looks like a chat model, not an embedding model",
				slog.String("env", key),
				slog.String("model", model),
				slog.String("hint", "use a dedicated embedding model e.g. text-embedding-ada-002, all-minilm"),
			)
		}
	}
	return nil
}
