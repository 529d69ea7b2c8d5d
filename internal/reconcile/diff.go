// Package reconcile merges normalized snapshots into persisted component
// history without deleting rows.
package reconcile

import (
	"encoding/json"
	"reflect"
)

// Spec tells Diff how to read identity and removal state.
type Spec[C, I any] struct {
	CurrentKey  func(C) string
	IncomingKey func(I) string
	IsRemoved   func(C) bool
}

// Options tune a diff.
type Options struct {
	// Partial leaves current keys absent from incoming untouched.
	Partial bool
	// Removed lists keys to soft-delete explicitly in a partial diff.
	Removed []string
}

// Pair couples a persisted row with its incoming observation.
type Pair[C, I any] struct {
	Current  C
	Incoming I
}

// Plan is the outcome of a three-way set diff.
type Plan[C, I any] struct {
	Insert  []I
	Restore []Pair[C, I]
	Update  []Pair[C, I]
	Remove  []C
}

// Empty reports whether the plan changes row membership.
func (p Plan[C, I]) Empty() bool {
	return len(p.Insert) == 0 && len(p.Restore) == 0 && len(p.Remove) == 0
}

// Diff compares persisted rows with an incoming snapshot. Incoming keys that
// are new are inserted, removed rows that reappear are restored, active rows
// seen again are updated, and active rows not seen are removed.
func Diff[C, I any](current []C, incoming []I, spec Spec[C, I], opts Options) Plan[C, I] {
	var plan Plan[C, I]

	byKey := make(map[string]int, len(current))
	for i, c := range current {
		if _, dup := byKey[spec.CurrentKey(c)]; !dup {
			byKey[spec.CurrentKey(c)] = i
		}
	}

	seen := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		key := spec.IncomingKey(in)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		i, ok := byKey[key]
		switch {
		case !ok:
			plan.Insert = append(plan.Insert, in)
		case spec.IsRemoved(current[i]):
			plan.Restore = append(plan.Restore, Pair[C, I]{Current: current[i], Incoming: in})
		default:
			plan.Update = append(plan.Update, Pair[C, I]{Current: current[i], Incoming: in})
		}
	}

	if opts.Partial {
		for _, key := range opts.Removed {
			i, ok := byKey[key]
			if !ok || seen[key] || spec.IsRemoved(current[i]) {
				continue
			}
			seen[key] = true
			plan.Remove = append(plan.Remove, current[i])
		}
		return plan
	}

	for _, c := range current {
		if !seen[spec.CurrentKey(c)] && !spec.IsRemoved(c) {
			plan.Remove = append(plan.Remove, c)
		}
	}
	return plan
}

// MergeMutable overwrites the named fields of existing with incoming values.
// A field missing from incoming is cleared. It returns the merged copy and
// whether anything changed. Values are compared by their JSON encoding so
// numbers read back from storage match freshly parsed ones.
func MergeMutable(existing, incoming map[string]any, fields []string) (map[string]any, bool) {
	merged := make(map[string]any, len(existing)+len(fields))
	for k, v := range existing {
		merged[k] = v
	}

	changed := false
	for _, f := range fields {
		newVal, has := incoming[f]
		oldVal, had := existing[f]
		switch {
		case !has && had:
			delete(merged, f)
			changed = true
		case has && (!had || !sameValue(oldVal, newVal)):
			merged[f] = newVal
			changed = true
		}
	}
	return merged, changed
}

func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}
