package idgenerator

import "sync/atomic"

// IdGenerator hands out monotonically increasing identifiers of an unsigned
// 32-bit type T, safe for concurrent use. The first Next returns start+1, so
// a start of 0 reserves 0 as "no identity".
type IdGenerator[T ~uint32] struct {
	id atomic.Uint32
}

// NewIdGenerator creates an IdGenerator whose first identifier is start+1.
//
// Parameters:
//   - start: The counter's initial value
//
// Returns:
//   - A new IdGenerator
func NewIdGenerator[T ~uint32](start T) *IdGenerator[T] {
	gen := &IdGenerator[T]{}
	gen.id.Store(uint32(start))
	return gen
}

// Next returns the next identifier.
func (g *IdGenerator[T]) Next() T {
	return T(g.id.Add(1))
}

// Last returns the most recently issued identifier, or the start value when
// none has been issued.
func (g *IdGenerator[T]) Last() T {
	return T(g.id.Load())
}
