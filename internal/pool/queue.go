package pool

const initialQueueCapacity = 64

// fifoQueue is a growable circular buffer of jobs. It is not safe for
// concurrent use; Pool guards it with its mutex.
//
// Unlike a fixed ring it never drops a job: a full buffer doubles, so a
// submission is never refused for lack of space.
type fifoQueue[T any] struct {
	buf        []Job[T]
	head, tail int
	size       int
}

func newFifoQueue[T any](capacity int) *fifoQueue[T] {
	if capacity <= 0 {
		capacity = initialQueueCapacity
	}
	return &fifoQueue[T]{buf: make([]Job[T], capacity)}
}

// Len returns the number of queued jobs.
func (q *fifoQueue[T]) Len() int { return q.size }

// Push appends j at the tail.
func (q *fifoQueue[T]) Push(j Job[T]) {
	if q.size == len(q.buf) {
		q.grow()
	}
	q.buf[q.tail] = j
	q.tail = (q.tail + 1) % len(q.buf)
	q.size++
}

// Pop removes and returns the oldest job.
func (q *fifoQueue[T]) Pop() (Job[T], bool) {
	if q.size == 0 {
		return Job[T]{}, false
	}
	j := q.buf[q.head]
	q.buf[q.head] = Job[T]{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return j, true
}

func (q *fifoQueue[T]) grow() {
	next := make([]Job[T], len(q.buf)*2)
	n := copy(next, q.buf[q.head:])
	copy(next[n:], q.buf[:q.head])
	q.buf = next
	q.head = 0
	q.tail = q.size
}
