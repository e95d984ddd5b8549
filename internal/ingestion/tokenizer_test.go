package ingestion

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// byteTokenizer treats every byte as one token.
type byteTokenizer struct{}

func (byteTokenizer) Encode(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out
}

func (byteTokenizer) Decode(tokens []int) string {
	b := make([]byte, len(tokens))
	for i, t := range tokens {
		b[i] = byte(t)
	}
	return string(b)
}

func Test_ChunkByTokens_EmptyAndInvalidWindow(t *testing.T) {
	t.Parallel()
	if got := ChunkByTokens(byteTokenizer{}, "", 10); len(got) != 0 {
		t.Errorf("empty text: got %v", got)
	}
	if got := ChunkByTokens(byteTokenizer{}, "hello", 0); len(got) != 0 {
		t.Errorf("zero window: got %v", got)
	}
}

func Test_ChunkByTokens_WindowsAndTail(t *testing.T) {
	t.Parallel()
	got := ChunkByTokens(byteTokenizer{}, "abcdefghij", 4)
	want := []string{"abcd", "efgh", "ij"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("got %q, want %q", got, want)
	}
}

func Test_ChunkByTokens_RespectsRuneBoundaries(t *testing.T) {
	t.Parallel()
	// "é" is two bytes; a 3-byte window would split the second one.
	text := "aéé"
	got := ChunkByTokens(byteTokenizer{}, text, 4)
	for _, f := range got {
		if !utf8.ValidString(f) {
			t.Errorf("fragment %q is not valid UTF-8", f)
		}
		if len(f) > 4 {
			t.Errorf("fragment %q exceeds window", f)
		}
	}
	if strings.Join(got, "") != text {
		t.Errorf("round trip = %q, want %q", strings.Join(got, ""), text)
	}
}

func Test_ChunkByTokens_Tiktoken_RoundTrip(t *testing.T) {
	t.Parallel()
	tok, err := NewTiktoken(DefaultEncoding)
	if err != nil {
		t.Fatalf("NewTiktoken: %v", err)
	}

	text := strings.Repeat("Here is a tip on how to grow your audience step by step. ", 40) + "Ready? 🚀"
	total := len(tok.Encode(text))
	for _, n := range []int{1, 7, 100, 200, 10000} {
		frags := ChunkByTokens(tok, text, n)
		if strings.Join(frags, "") != text {
			t.Errorf("n=%d: rejoined fragments differ from input", n)
		}
		if want := (total + n - 1) / n; len(frags) < want {
			t.Errorf("n=%d: %d fragments for %d tokens, want at least %d", n, len(frags), total, want)
		}
	}
}

func Test_ChunkByTokens_Deterministic(t *testing.T) {
	t.Parallel()
	tok, err := NewTiktoken("")
	if err != nil {
		t.Fatalf("NewTiktoken: %v", err)
	}
	text := "Consistency beats intensity. Post every day and review what worked."
	a := ChunkByTokens(tok, text, 5)
	b := ChunkByTokens(tok, text, 5)
	if strings.Join(a, "|") != strings.Join(b, "|") {
		t.Error("chunking is not deterministic")
	}
}
