package notify

// DefaultRingSize bounds histories when no capacity is given.
const DefaultRingSize = 256

// Ring is a fixed-capacity FIFO that evicts the oldest element when full.
// It is not safe for concurrent use on its own.
type Ring[T any] struct {
	buf     []T
	start   int
	size    int
	evicted uint64
}

// NewRing allocates a ring with the given capacity (DefaultRingSize if <= 0).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
	r.evicted++
}

// Len returns the number of retained elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Evicted returns how many elements were dropped to make room.
func (r *Ring[T]) Evicted() uint64 { return r.evicted }

// Items copies the retained elements, oldest first.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Personal.AI order the ending
