// Package slices holds generic helpers for metric value vectors.
package slices

// GrowLen returns s with length n, reusing the underlying
// array if it has enough capacity. Elements beyond the
// original length are zeroed.
func GrowLen[S ~[]E, E any](s S, n int) S {
	if n <= len(s) {
		return s
	}
	if n <= cap(s) {
		l := len(s)
		s = s[:n]
		clear(s[l:])
		return s
	}
	g := make(S, n)
	copy(g, s)
	return g
}

// Shift returns s moved right by off positions: the result has
// length off+len(s), the first off elements are zero values.
func Shift[S ~[]E, E any](s S, off int) S {
	if off <= 0 {
		return s
	}
	g := make(S, off+len(s))
	copy(g[off:], s)
	return g
}
