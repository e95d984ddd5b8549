package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/coachkb/internal/budget"
	"github.com/54b3r/coachkb/internal/embedder"
	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/kbstore"
	"github.com/54b3r/coachkb/internal/knowledge"
	"github.com/54b3r/coachkb/internal/provider"
	"github.com/54b3r/coachkb/internal/rag"
	"github.com/54b3r/coachkb/internal/server"
	"github.com/54b3r/coachkb/internal/store"
)

// deps is the wired object graph shared by every command that touches a
// knowledge base.
type deps struct {
	tokenizer ingestion.Tokenizer
	embedder  *embedder.Fallback
	kbStore   *kbstore.Store
	history   *store.SQLiteStore
	mirror    *rag.QdrantMirror
	knowledge *knowledge.Service

	closers []func() error
}

// Close releases every opened resource in reverse order.
func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

// counter returns a token counter backed by the chunking tokenizer.
func (d *deps) counter() budget.Counter {
	return budget.CounterFunc(func(s string) int { return len(d.tokenizer.Encode(s)) })
}

// pingers returns the readiness probes for the opened dependencies. None of
// them spend tokens.
func (d *deps) pingers() []server.Pinger {
	pingers := []server.Pinger{d.kbStore}
	if d.history != nil {
		pingers = append(pingers, d.history)
	}
	if d.mirror != nil {
		pingers = append(pingers, d.mirror)
	}
	for _, b := range []embedder.Backend{d.embedder.Primary(), d.embedder.Secondary()} {
		if p, ok := b.(server.Pinger); ok {
			pingers = append(pingers, p)
		}
	}
	return pingers
}

// openDeps wires the tokenizer, embedder, stores, optional Qdrant mirror and
// the knowledge service from the environment. reg receives embedder and
// knowledge metrics; it may be nil.
func openDeps(_ context.Context, log *slog.Logger, reg prometheus.Registerer) (*deps, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}

	d := &deps{}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	tok, err := ingestion.NewTiktoken(ingestion.DefaultEncoding)
	if err != nil {
		return nil, err
	}
	d.tokenizer = tok

	builder, err := ingestion.NewBuilder(tok, nil)
	if err != nil {
		return nil, err
	}

	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	emb, err := embedder.NewFromEnv(embedder.WithMetrics(embedder.NewMetrics(reg)))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	d.embedder = emb
	attrs := []any{slog.String("primary", emb.Primary().Space().String())}
	if emb.Secondary() != nil {
		attrs = append(attrs, slog.String("fallback", emb.Secondary().Space().String()))
	}
	log.Info("embedder initialised", attrs...)

	dataDir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	d.kbStore, err = kbstore.New(dataDir)
	if err != nil {
		return nil, err
	}
	log.Debug("kbstore ready", slog.String("dir", dataDir))

	d.history = openHistory(log)
	if d.history != nil {
		d.closers = append(d.closers, d.history.Close)
	}

	if host := os.Getenv("QDRANT_HOST"); host != "" {
		m, err := rag.NewQdrantMirror(&rag.QdrantConfig{
			Host:             host,
			Port:             getEnvInt("QDRANT_PORT", 6334),
			CollectionPrefix: os.Getenv("QDRANT_COLLECTION_PREFIX"),
			APIKey:           os.Getenv("QDRANT_API_KEY"),
			UseTLS:           os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant at %s: %w", host, err)
		}
		d.mirror = m
		d.closers = append(d.closers, m.Close)
		log.Info("qdrant mirror enabled", slog.String("host", host))
	}

	cfg := &knowledge.Config{
		Builder:    builder,
		Embedder:   emb,
		Store:      d.kbStore,
		CacheTTL:   time.Duration(getEnvInt("COACHKB_CACHE_TTL", 0)) * time.Second,
		Registerer: reg,
	}
	// Assigned only when set so the interfaces stay nil rather than typed nil.
	if d.mirror != nil {
		cfg.Publisher = d.mirror
	}
	if d.history != nil {
		cfg.Recorder = d.history
	}
	d.knowledge, err = knowledge.NewService(cfg)
	if err != nil {
		return nil, err
	}

	ok = true
	return d, nil
}

// resolveDataDir returns COACHKB_DATA_DIR or ~/.coachkb/kb.
func resolveDataDir() (string, error) {
	if dir := os.Getenv("COACHKB_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".coachkb", "kb"), nil
}

// openHistory opens the SQLite history store. COACHKB_HISTORY_DB overrides
// the default path (~/.coachkb/history.db); "disabled" turns it off. Any
// failure disables history with a warning.
func openHistory(log *slog.Logger) *store.SQLiteStore {
	dbPath := os.Getenv("COACHKB_HISTORY_DB")
	if dbPath == "disabled" {
		log.Info("history: disabled via COACHKB_HISTORY_DB=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Debug("history: store opened", slog.String("path", dbPath))
	return hs
}

// chatPinger returns a token-free readiness probe for the chat backend when
// one exists. Only Ollama exposes a cheap unauthenticated endpoint.
func chatPinger(cfg *provider.Config) server.Pinger {
	if cfg.Backend != provider.BackendOllama {
		return nil
	}
	return server.NewHTTPPinger("ollama_chat", strings.TrimRight(cfg.Ollama.Host, "/")+"/api/tags")
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
