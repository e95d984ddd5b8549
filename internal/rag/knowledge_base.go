package rag

import (
	"fmt"
	"time"
)

// KnowledgeBase is one creator's searchable corpus. Chunks[i] is described
// by Index row i. A KnowledgeBase is treated as immutable once built; a
// rebuild produces a new value that replaces the old one wholesale.
type KnowledgeBase struct {
	CreatorID string
	BuiltAt   time.Time
	Chunks    []Chunk
	Index     *FlatIndex
}

// Validate checks the parallel-array invariant between chunks and rows.
func (kb *KnowledgeBase) Validate() error {
	if kb == nil {
		return fmt.Errorf("rag: knowledge base is nil")
	}
	if kb.CreatorID == "" {
		return fmt.Errorf("rag: knowledge base has no creator id")
	}
	if n := kb.Index.Len(); n != len(kb.Chunks) {
		return fmt.Errorf("rag: knowledge base for creator %s has %d chunks but %d index rows",
			kb.CreatorID, len(kb.Chunks), n)
	}
	return nil
}

// Len returns the number of chunks.
func (kb *KnowledgeBase) Len() int {
	if kb == nil {
		return 0
	}
	return len(kb.Chunks)
}
