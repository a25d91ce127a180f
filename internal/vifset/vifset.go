// Package vifset provides a small bitmap over virtual-interface indices,
// used for outgoing-interface lists and per-vif flag sets.
package vifset

import (
	"math/bits"
	"strconv"
	"strings"
)

// MaxVifs bounds the number of virtual interfaces a node can manage.
const MaxVifs = 64

// Set is a bitmap of vif indices. The zero value is the empty set.
type Set uint64

// Of builds a set from the given indices.
func Of(indices ...uint16) Set {
	var s Set
	for _, i := range indices {
		s = s.With(i)
	}
	return s
}

// With returns the set with index i added.
func (s Set) With(i uint16) Set {
	if i >= MaxVifs {
		return s
	}
	return s | 1<<i
}

// Without returns the set with index i removed.
func (s Set) Without(i uint16) Set {
	if i >= MaxVifs {
		return s
	}
	return s &^ (1 << i)
}

// Contains reports whether index i is in the set.
func (s Set) Contains(i uint16) bool {
	return i < MaxVifs && s&(1<<i) != 0
}

// IsEmpty reports whether the set has no members.
func (s Set) IsEmpty() bool { return s == 0 }

// Count returns the number of members.
func (s Set) Count() int { return bits.OnesCount64(uint64(s)) }

// Union returns s ∪ o.
func (s Set) Union(o Set) Set { return s | o }

// Intersect returns s ∩ o.
func (s Set) Intersect(o Set) Set { return s & o }

// Minus returns s with o's members removed.
func (s Set) Minus(o Set) Set { return s &^ o }

// ForEach calls fn for every member in ascending index order.
func (s Set) ForEach(fn func(uint16)) {
	for v := uint64(s); v != 0; {
		i := bits.TrailingZeros64(v)
		fn(uint16(i))
		v &^= 1 << i
	}
}

func (s Set) String() string {
	if s == 0 {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	s.ForEach(func(i uint16) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		b.WriteString(strconv.Itoa(int(i)))
	})
	b.WriteByte('}')
	return b.String()
}
