// Package xslices provides the small amount of slice functionality the
// standard slices package is missing and that is used across the repository.
package xslices

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Copy creates a new (shallow) copy of the slice. A shortcut to a call to `make` and then `copy`.
func Copy[T any](slice []T) []T {
	if len(slice) == 0 {
		return nil
	}
	slice2 := make([]T, len(slice))
	copy(slice2, slice)
	return slice2
}

// Fill sets every element of the slice to value.
func Fill[T any](slice []T, value T) {
	for ii := range slice {
		slice[ii] = value
	}
}
