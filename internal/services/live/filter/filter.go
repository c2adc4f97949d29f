// Package filter defines the session filters viewers can subscribe to.
package filter

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/f1stats/pitwall/internal/platform/errors"
)

// Filter names one session category and is the routing and cache key.
type Filter string

const (
	FP1        Filter = "fp1"
	FP2        Filter = "fp2"
	FP3        Filter = "fp3"
	Qualifying Filter = "qualy"
	Race       Filter = "race"
)

// aliases map accepted spellings onto canonical filters.
var aliases = map[string]Filter{
	"qualifying": Qualifying,
	"quali":      Qualifying,
}

// Defaults returns the standard filter enumeration in display order.
func Defaults() []Filter {
	return []Filter{FP1, FP2, FP3, Qualifying, Race}
}

// String implements fmt.Stringer.
func (f Filter) String() string {
	return string(f)
}

// Normalize lower-cases raw and resolves aliases without validating
// membership.
func Normalize(raw string) Filter {
	name := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return Filter(name)
}

// Set is an immutable enumeration of valid filters.
type Set struct {
	ordered []Filter
	members map[Filter]struct{}
}

// NewSet builds a set from raw names. Duplicates collapse; empty input is
// rejected.
func NewSet(names ...string) (Set, error) {
	set := Set{members: make(map[Filter]struct{}, len(names))}
	for _, name := range names {
		f := Normalize(name)
		if f == "" {
			continue
		}
		if _, seen := set.members[f]; seen {
			continue
		}
		set.members[f] = struct{}{}
		set.ordered = append(set.ordered, f)
	}
	if len(set.ordered) == 0 {
		return Set{}, fmt.Errorf("at least one filter is required")
	}
	return set, nil
}

// DefaultSet returns the standard enumeration as a Set.
func DefaultSet() Set {
	names := make([]string, 0, 5)
	for _, f := range Defaults() {
		names = append(names, string(f))
	}
	set, _ := NewSet(names...)
	return set
}

// Parse resolves raw into a member of the set or fails with INVALID_FILTER.
func (s Set) Parse(raw string) (Filter, error) {
	f := Normalize(raw)
	if !s.Contains(f) {
		return "", apperrors.WithMetadata(
			apperrors.CodeInvalidFilter,
			fmt.Sprintf("filter %q is not one of %s", strings.TrimSpace(raw), s.describe()),
			map[string]string{"filter": strings.TrimSpace(raw)},
		)
	}
	return f, nil
}

// Contains reports whether f is a member.
func (s Set) Contains(f Filter) bool {
	_, ok := s.members[f]
	return ok
}

// List returns the members in configuration order.
func (s Set) List() []Filter {
	out := make([]Filter, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the member count.
func (s Set) Len() int {
	return len(s.ordered)
}

func (s Set) describe() string {
	names := make([]string, 0, len(s.ordered))
	for _, f := range s.ordered {
		names = append(names, string(f))
	}
	sort.Strings(names)
	return "[" + strings.Join(names, ", ") + "]"
}
