package types

import "sort"

// EntitySet is an unordered set of entity ids
type EntitySet map[EntityID]struct{}

// NewEntitySet builds a set from ids, dropping empty ids and duplicates
func NewEntitySet(ids ...EntityID) EntitySet {
	s := make(EntitySet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts id. Empty ids are ignored.
func (s EntitySet) Add(id EntityID) {
	if id == "" {
		return
	}
	s[id] = struct{}{}
}

// AddAll inserts every id in other
func (s EntitySet) AddAll(other EntitySet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Has reports membership
func (s EntitySet) Has(id EntityID) bool {
	_, ok := s[id]
	return ok
}

// Intersects reports whether the two sets share at least one id
func (s EntitySet) Intersects(other EntitySet) bool {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return true
		}
	}
	return false
}

// Slice returns the ids sorted lexically
func (s EntitySet) Slice() []EntityID {
	out := make([]EntityID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy
func (s EntitySet) Clone() EntitySet {
	c := make(EntitySet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}
