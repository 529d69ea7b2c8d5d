package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type row struct {
	key     string
	removed bool
}

var rowSpec = Spec[row, string]{
	CurrentKey:  func(r row) string { return r.key },
	IncomingKey: func(s string) string { return s },
	IsRemoved:   func(r row) bool { return r.removed },
}

func keys[T any](items []T, f func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, f(it))
	}
	return out
}

func TestDiff(t *testing.T) {
	current := []row{{key: "a"}, {key: "b"}, {key: "c", removed: true}, {key: "d", removed: true}}
	incoming := []string{"a", "c", "e", "e", ""}

	plan := Diff(current, incoming, rowSpec, Options{})

	assert.Equal(t, []string{"e"}, plan.Insert)
	assert.Equal(t, []string{"c"}, keys(plan.Restore, func(p Pair[row, string]) string { return p.Current.key }))
	assert.Equal(t, []string{"a"}, keys(plan.Update, func(p Pair[row, string]) string { return p.Current.key }))
	assert.Equal(t, []string{"b"}, keys(plan.Remove, func(r row) string { return r.key }), "already removed rows stay as they are")
}

func TestDiffPartial(t *testing.T) {
	current := []row{{key: "a"}, {key: "b"}, {key: "c", removed: true}}

	plan := Diff(current, []string{"x"}, rowSpec, Options{Partial: true, Removed: []string{"b", "c", "zz"}})

	assert.Equal(t, []string{"x"}, plan.Insert)
	assert.Equal(t, []string{"b"}, keys(plan.Remove, func(r row) string { return r.key }))
	assert.Empty(t, plan.Update)
}

func TestDiffPartialEmptyIsNoop(t *testing.T) {
	plan := Diff([]row{{key: "a"}, {key: "b"}}, nil, rowSpec, Options{Partial: true})
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Update)
}

func TestDiffIdempotent(t *testing.T) {
	current := []row{{key: "a"}, {key: "b"}}
	plan := Diff(current, []string{"a", "b"}, rowSpec, Options{})
	assert.True(t, plan.Empty())
	assert.Len(t, plan.Update, 2)
}

func TestMergeMutable(t *testing.T) {
	existing := map[string]any{"model": "X", "free_space": json.Number("100"), "label": "Data"}
	incoming := map[string]any{"model": "Y", "free_space": int64(100)}

	merged, changed := MergeMutable(existing, incoming, []string{"free_space"})
	assert.False(t, changed, "stored json.Number equals parsed int64")
	assert.Equal(t, "X", merged["model"], "non-mutable fields are never overwritten")

	merged, changed = MergeMutable(existing, map[string]any{"free_space": int64(50)}, []string{"free_space", "label"})
	assert.True(t, changed)
	assert.Equal(t, int64(50), merged["free_space"])
	_, has := merged["label"]
	assert.False(t, has)
	assert.Equal(t, "Data", existing["label"], "existing map is not modified")
}
