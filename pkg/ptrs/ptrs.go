// Package ptrs provides the &v you always wanted for literals and temporaries.
package ptrs

// Ptr returns a pointer to a copy of the given value.
func Ptr[T any](val T) *T {
	return &val
}
