package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/coachkb/internal/ingestion"
	"github.com/54b3r/coachkb/internal/knowledge"
	"github.com/54b3r/coachkb/internal/logging"
	"github.com/54b3r/coachkb/internal/provider"
	"github.com/54b3r/coachkb/internal/rag"
)

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, &knowledge.BuildSummary{
		BuildID:            "b1",
		CreatorID:          "alice",
		TotalChunks:        3,
		ChunkTypes:         []string{"high_value", "semantic_caption"},
		EmbeddingDimension: 1536,
		Spaces:             map[string]int{"text-embedding-3-small/1536": 2, "all-minilm/384": 1},
		SkippedPosts:       []ingestion.SkippedPost{{PostID: "p9", Reason: "post_id is required"}},
		FailedChunks:       []knowledge.FailedChunk{{PostID: "p2", ChunkType: rag.ChunkTranscript, Index: 1}},
		FallbackBatches:    1,
		Duration:           1500 * time.Millisecond,
	})
	out := buf.String()

	for _, want := range []string{
		"alice (build b1)",
		"chunks:     3 (high_value, semantic_caption)",
		"dimension:  1536",
		"fallback:   1 batches",
		"skipped:    post p9",
		"failed:     post p2 semantic_transcript #1",
		"duration:   1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	// Most populated space first.
	if strings.Index(out, "text-embedding-3-small") > strings.Index(out, "all-minilm") {
		t.Errorf("spaces not ordered by size:\n%s", out)
	}
}

func TestResolveDataDir(t *testing.T) {
	t.Setenv("COACHKB_DATA_DIR", "/tmp/kb")
	got, err := resolveDataDir()
	if err != nil || got != "/tmp/kb" {
		t.Errorf("want /tmp/kb, got %q (err %v)", got, err)
	}

	home := t.TempDir()
	t.Setenv("COACHKB_DATA_DIR", "")
	t.Setenv("HOME", home)
	got, err = resolveDataDir()
	if err != nil || got != filepath.Join(home, ".coachkb", "kb") {
		t.Errorf("want default under home, got %q (err %v)", got, err)
	}
}

func TestOpenHistory_Disabled(t *testing.T) {
	t.Setenv("COACHKB_HISTORY_DB", "disabled")
	if hs := openHistory(logging.Discard()); hs != nil {
		t.Error("want nil store when history is disabled")
	}
}

func TestOpenHistory_Path(t *testing.T) {
	t.Setenv("COACHKB_HISTORY_DB", filepath.Join(t.TempDir(), "history.db"))
	hs := openHistory(logging.Discard())
	if hs == nil {
		t.Fatal("want an opened store")
	}
	t.Cleanup(func() { _ = hs.Close() })
}

func TestChatPinger(t *testing.T) {
	t.Parallel()

	p := chatPinger(&provider.Config{Backend: provider.BackendOllama, Ollama: provider.ProviderOllama{Host: "http://localhost:11434/"}})
	if p == nil || p.Name() != "ollama_chat" {
		t.Fatalf("want ollama_chat pinger, got %v", p)
	}
	if chatPinger(&provider.Config{Backend: provider.BackendOpenAI}) != nil {
		t.Error("want no pinger for remote backends")
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	for _, name := range []string{"build", "search", "ask", "list", "delete", "serve", "version"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}
