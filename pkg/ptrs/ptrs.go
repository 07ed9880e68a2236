// Package ptrs has helpers for optional values.
package ptrs

// Ptr is the "&int(1)" you always wanted.
func Ptr[T any](val T) *T {
	return &val
}

// Deref returns the pointed-to value, or def when p is nil.
func Deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
