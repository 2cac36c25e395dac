package ring

import "context"

// Stage is a producer-local staging buffer in front of a Ring. It is owned
// by one goroutine and hands its batch over with a single PublishBatch.
type Stage[T any] struct {
	ring *Ring[T]
	buf  []T
}

// NewStage creates a staging buffer holding up to capacity items.
func NewStage[T any](r *Ring[T], capacity int) *Stage[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Stage[T]{ring: r, buf: make([]T, 0, capacity)}
}

// Append stages item, flushing first when the buffer is full. On error
// item was not staged and still belongs to the caller.
func (s *Stage[T]) Append(ctx context.Context, item T) error {
	if len(s.buf) == cap(s.buf) {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}
	s.buf = append(s.buf, item)
	return nil
}

// Flush publishes the staged items and clears the local references to
// them. Items the ring did not accept stay staged.
func (s *Stage[T]) Flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	n, err := s.ring.PublishBatch(ctx, s.buf)
	rest := copy(s.buf, s.buf[n:])
	clear(s.buf[rest:])
	s.buf = s.buf[:rest]
	return err
}

// Len returns the number of staged items.
func (s *Stage[T]) Len() int { return len(s.buf) }

// Discard hands every staged item to fn and empties the buffer. Used when
// the ring is gone and staged items must be released by the caller.
func (s *Stage[T]) Discard(fn func(T)) {
	for _, item := range s.buf {
		fn(item)
	}
	clear(s.buf)
	s.buf = s.buf[:0]
}
