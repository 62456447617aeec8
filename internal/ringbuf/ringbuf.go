// Package ringbuf provides a fixed-capacity sliding window backed by a ring.
// Pushing into a full window evicts the oldest element, so memory stays
// bounded by the capacity no matter how many values flow through it.
package ringbuf

// Window is a fixed-capacity FIFO window. Once full, every Push evicts the
// oldest element in arrival order.
//
// Window is not safe for concurrent use; callers serialize access.
type Window[T any] struct {
	buf   []T
	start int // index of the oldest element
	n     int
}

// New creates a window holding at most capacity elements. Minimum capacity is 1.
func New[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v. If the window was full, the evicted oldest value is
// returned with ok=true.
func (w *Window[T]) Push(v T) (evicted T, ok bool) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = v
		w.n++
		return evicted, false
	}
	evicted = w.buf[w.start]
	w.buf[w.start] = v
	w.start = (w.start + 1) % len(w.buf)
	return evicted, true
}

// At returns the i-th element, 0 being the oldest. Panics if i is out of range.
func (w *Window[T]) At(i int) T {
	if i < 0 || i >= w.n {
		panic("ringbuf: index out of range")
	}
	return w.buf[(w.start+i)%len(w.buf)]
}

// Last returns the newest element. ok is false when the window is empty.
func (w *Window[T]) Last() (v T, ok bool) {
	if w.n == 0 {
		return v, false
	}
	return w.At(w.n - 1), true
}

// Len returns the number of stored elements.
func (w *Window[T]) Len() int { return w.n }
