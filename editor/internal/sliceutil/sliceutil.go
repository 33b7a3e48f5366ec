// Package sliceutil implements small generic helpers for slice manipulation.
package sliceutil

// DeleteVal deletes the first occurrence of a value in a slice, returning the
// slice unchanged if the value is not present. The original slice is not
// modified.
func DeleteVal[T comparable](s []T, v T) []T {
	for i, e := range s {
		if e == v {
			out := make([]T, 0, len(s)-1)
			out = append(out, s[:i]...)
			return append(out, s[i+1:]...)
		}
	}
	return s
}

// Filter returns a new slice holding the elements of s for which keep
// returns true, preserving order.
func Filter[T any](s []T, keep func(T) bool) []T {
	out := make([]T, 0, len(s))
	for _, e := range s {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Index returns the index of the first element for which match returns true,
// or -1 if there is none.
func Index[T any](s []T, match func(T) bool) int {
	for i, e := range s {
		if match(e) {
			return i
		}
	}
	return -1
}
