package set

// Set is an unordered set of comparable values.
type Set[T comparable] map[T]struct{}

// New returns an empty set.
func New[T comparable]() Set[T] {
	return make(Set[T])
}

// FromSlice returns a set containing the values in the given slice.
func FromSlice[T comparable](vals []T) Set[T] {
	s := make(Set[T], len(vals))
	for _, v := range vals {
		s.Insert(v)
	}
	return s
}

// Insert adds a value to the set.
func (s Set[T]) Insert(val T) {
	s[val] = struct{}{}
}

// Remove removes a value from the set.
func (s Set[T]) Remove(val T) {
	delete(s, val)
}

// Contains checks whether the value is present in the set.
func (s Set[T]) Contains(val T) bool {
	_, ok := s[val]
	return ok
}

// Len returns the number of values in the set.
func (s Set[T]) Len() int {
	return len(s)
}

// ToSlice returns the set's values as a slice, in no particular order.
func (s Set[T]) ToSlice() []T {
	out := make([]T, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	return out
}
