package ingestion

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used for chunk windows. It matches the
// gpt-3.5/gpt-4 and ada-002 family.
const DefaultEncoding = "cl100k_base"

// Tokenizer converts between text and BPE token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

var loaderOnce sync.Once

// tiktokenTokenizer adapts tiktoken-go to Tokenizer.
type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns a Tokenizer for the named encoding. BPE ranks are read
// from the embedded offline loader so no network access is needed.
func NewTiktoken(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("ingestion: load encoding %q: %w", encoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// ChunkByTokens splits text into contiguous, non-overlapping windows of at
// most maxTokens tokens and decodes each one. Rejoining the fragments in
// order reproduces the decoded text. A window that would end inside a
// multi-byte character is shortened until it ends on a character boundary;
// the final window takes whatever remains. Empty text or maxTokens <= 0
// yields an empty result.
func ChunkByTokens(tok Tokenizer, text string, maxTokens int) []string {
	if text == "" || maxTokens <= 0 {
		return []string{}
	}
	tokens := tok.Encode(text)

	fragments := make([]string, 0, len(tokens)/maxTokens+1)
	for start := 0; start < len(tokens); {
		end := min(start+maxTokens, len(tokens))
		fragment := tok.Decode(tokens[start:end])
		for end < len(tokens) && end-start > 1 && !utf8.ValidString(fragment) {
			end--
			fragment = tok.Decode(tokens[start:end])
		}
		fragments = append(fragments, fragment)
		start = end
	}
	return fragments
}
