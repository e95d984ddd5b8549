package rag

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// Match is a single index hit.
type Match struct {
	// Position is the row number, which is also the chunk position.
	Position int
	// Similarity is the inner product of the normalised vectors.
	Similarity float64
}

// FlatIndex is an exact inner-product index over L2-normalised vectors.
// Rows are partitioned by embedding space; a query only scores rows that
// share its space. Add must not run concurrently with Search; after the
// last Add the index may be searched from any number of goroutines.
type FlatIndex struct {
	rows []indexRow
}

type indexRow struct {
	space  Space
	values []float32
}

// NewFlatIndex returns an empty index.
func NewFlatIndex() *FlatIndex {
	return &FlatIndex{}
}

// Add copies and normalises v and appends it as the next row. It returns the
// row position.
func (x *FlatIndex) Add(v Vector) (int, error) {
	if len(v.Values) == 0 {
		return 0, fmt.Errorf("rag: cannot index an empty vector")
	}
	if v.Space.Dimension != len(v.Values) {
		return 0, fmt.Errorf("rag: vector has %d values but space %s declares %d",
			len(v.Values), v.Space, v.Space.Dimension)
	}
	x.rows = append(x.rows, indexRow{space: v.Space, values: normalize(v.Values)})
	return len(x.rows) - 1, nil
}

// Len returns the number of rows.
func (x *FlatIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.rows)
}

// Row returns a copy of the normalised vector at position i.
func (x *FlatIndex) Row(i int) Vector {
	r := x.rows[i]
	return Vector{Space: r.space, Values: slices.Clone(r.values)}
}

// Spaces returns the number of rows per embedding space.
func (x *FlatIndex) Spaces() map[Space]int {
	out := make(map[Space]int)
	if x == nil {
		return out
	}
	for _, r := range x.rows {
		out[r.space]++
	}
	return out
}

// Search returns the min(k, rows in the query space) best rows ordered by
// descending similarity, ties broken by ascending position. A nil or empty
// index, k <= 0 or a query from an unindexed space yields an empty result.
func (x *FlatIndex) Search(q Vector, k int) []Match {
	if x.Len() == 0 || k <= 0 || len(q.Values) == 0 {
		return []Match{}
	}
	query := normalize(q.Values)

	matches := make([]Match, 0, len(x.rows))
	for i, r := range x.rows {
		if r.space != q.Space || len(r.values) != len(query) {
			continue
		}
		matches = append(matches, Match{Position: i, Similarity: dot(query, r.values)})
	}

	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(b.Similarity, a.Similarity)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// normalize returns an L2-normalised copy of v. A zero vector stays zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
