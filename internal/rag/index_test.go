package rag

import (
	"math"
	"testing"
)

var testSpace = Space{Model: "test", Dimension: 3}

func vec(vals ...float32) Vector {
	return Vector{Space: Space{Model: "test", Dimension: len(vals)}, Values: vals}
}

func mustAdd(t *testing.T, x *FlatIndex, v Vector) {
	t.Helper()
	if _, err := x.Add(v); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func Test_FlatIndex_EmptyAndNil(t *testing.T) {
	t.Parallel()
	var nilIndex *FlatIndex
	if got := nilIndex.Search(vec(1, 0, 0), 5); len(got) != 0 {
		t.Errorf("nil index: want empty, got %v", got)
	}
	if got := NewFlatIndex().Search(vec(1, 0, 0), 5); got == nil || len(got) != 0 {
		t.Errorf("empty index: want non-nil empty, got %v", got)
	}
}

func Test_FlatIndex_ReturnsMinKM(t *testing.T) {
	t.Parallel()
	x := NewFlatIndex()
	mustAdd(t, x, vec(1, 0, 0))
	mustAdd(t, x, vec(0, 1, 0))
	mustAdd(t, x, vec(0, 0, 1))

	cases := []struct {
		k    int
		want int
	}{
		{0, 0},
		{1, 1},
		{3, 3},
		{10, 3},
	}
	for _, tc := range cases {
		if got := x.Search(vec(1, 1, 1), tc.k); len(got) != tc.want {
			t.Errorf("Search(k=%d) returned %d, want %d", tc.k, len(got), tc.want)
		}
	}
}

func Test_FlatIndex_NormalisesAtBoundary(t *testing.T) {
	t.Parallel()
	x := NewFlatIndex()
	// Same direction, very different magnitudes.
	mustAdd(t, x, vec(100, 0, 0))
	mustAdd(t, x, vec(0.001, 0, 0))

	got := x.Search(vec(5, 0, 0), 2)
	if len(got) != 2 {
		t.Fatalf("want 2 matches, got %d", len(got))
	}
	for _, m := range got {
		if math.Abs(m.Similarity-1) > 1e-6 {
			t.Errorf("position %d similarity = %f, want 1", m.Position, m.Similarity)
		}
	}
	row := x.Row(0)
	if math.Abs(float64(row.Values[0])-1) > 1e-6 {
		t.Errorf("stored row not normalised: %v", row.Values)
	}
}

func Test_FlatIndex_OrdersBySimilarityThenPosition(t *testing.T) {
	t.Parallel()
	x := NewFlatIndex()
	mustAdd(t, x, vec(0, 1, 0)) // 0: orthogonal
	mustAdd(t, x, vec(1, 0, 0)) // 1: exact
	mustAdd(t, x, vec(1, 1, 0)) // 2: 45 degrees
	mustAdd(t, x, vec(2, 0, 0)) // 3: exact, tie with 1

	got := x.Search(vec(1, 0, 0), 4)
	wantOrder := []int{1, 3, 2, 0}
	for i, m := range got {
		if m.Position != wantOrder[i] {
			t.Fatalf("order = %v, want positions %v", got, wantOrder)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("similarities not descending at %d: %v", i, got)
		}
	}
}

func Test_FlatIndex_ZeroVector(t *testing.T) {
	t.Parallel()
	x := NewFlatIndex()
	mustAdd(t, x, vec(0, 0, 0))
	got := x.Search(vec(1, 0, 0), 1)
	if len(got) != 1 || got[0].Similarity != 0 {
		t.Errorf("zero vector: got %v, want one match with similarity 0", got)
	}
}

func Test_FlatIndex_SearchIsolatesSpaces(t *testing.T) {
	t.Parallel()
	remote := Space{Model: "remote", Dimension: 3}
	local := Space{Model: "local", Dimension: 2}

	x := NewFlatIndex()
	mustAdd(t, x, Vector{Space: remote, Values: []float32{1, 0, 0}})
	mustAdd(t, x, Vector{Space: local, Values: []float32{1, 0}})
	mustAdd(t, x, Vector{Space: remote, Values: []float32{0, 1, 0}})

	got := x.Search(Vector{Space: local, Values: []float32{1, 0}}, 10)
	if len(got) != 1 || got[0].Position != 1 {
		t.Errorf("local query: got %v, want only position 1", got)
	}
	got = x.Search(Vector{Space: remote, Values: []float32{1, 0, 0}}, 10)
	if len(got) != 2 || got[0].Position != 0 {
		t.Errorf("remote query: got %v, want positions [0 2]", got)
	}

	spaces := x.Spaces()
	if spaces[remote] != 2 || spaces[local] != 1 {
		t.Errorf("Spaces() = %v", spaces)
	}
}

func Test_FlatIndex_AddRejectsBadVectors(t *testing.T) {
	t.Parallel()
	x := NewFlatIndex()
	if _, err := x.Add(Vector{Space: testSpace}); err == nil {
		t.Error("want error for empty vector")
	}
	if _, err := x.Add(Vector{Space: testSpace, Values: []float32{1, 2}}); err == nil {
		t.Error("want error for dimension mismatch")
	}
	if x.Len() != 0 {
		t.Errorf("rejected vectors were indexed: len=%d", x.Len())
	}
}

func Test_FlatIndex_AddCopiesInput(t *testing.T) {
	t.Parallel()
	x := NewFlatIndex()
	in := []float32{1, 0, 0}
	mustAdd(t, x, Vector{Space: testSpace, Values: in})
	in[0] = 0
	in[1] = 1
	if got := x.Search(vec(1, 0, 0), 1); got[0].Similarity < 0.99 {
		t.Errorf("index aliased caller slice: similarity %f", got[0].Similarity)
	}
}
