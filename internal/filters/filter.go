// Package filters implements partition prefix sets. A filter is an ordered
// list of colon-delimited partition prefixes; a record whose partition starts
// with any of them matches the filter.
package filters

import "strings"

// Filter is an ordered set of partition prefix strings.
type Filter []string

// New parses a newline-delimited list of partitions into a Filter, dropping
// empty lines and surrounding whitespace.
func New(s string) Filter {
	var f Filter
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			f = append(f, line)
		}
	}
	return f
}

// FromPartitions builds a Filter from already-split partition strings.
func FromPartitions(partitions ...string) Filter {
	f := make(Filter, 0, len(partitions))
	for _, p := range partitions {
		if p != "" {
			f = append(f, p)
		}
	}
	return f
}

// String returns the canonical newline-delimited form.
func (f Filter) String() string {
	return strings.Join(f, "\n")
}

// IsSubsetOf reports whether every partition in f is prefixed by some
// partition in other.
func (f Filter) IsSubsetOf(other Filter) bool {
	for _, p := range f {
		if !other.ContainsPartition(p) {
			return false
		}
	}
	return true
}

// ContainsPartition reports whether partition is prefixed by some element
// of the filter.
func (f Filter) ContainsPartition(partition string) bool {
	for _, prefix := range f {
		if strings.HasPrefix(partition, prefix) {
			return true
		}
	}
	return false
}

// Add returns the concatenation of two filters.
func (f Filter) Add(other Filter) Filter {
	out := make(Filter, 0, len(f)+len(other))
	out = append(out, f...)
	out = append(out, other...)
	return out
}

// Equal reports whether two filters have the same partitions in the same order.
func (f Filter) Equal(other Filter) bool {
	if len(f) != len(other) {
		return false
	}
	for i := range f {
		if f[i] != other[i] {
			return false
		}
	}
	return true
}
