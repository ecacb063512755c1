package host

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned when a persistent handle is used or released after
// it has already been released.
var ErrReleased = errors.New("host: handle already released")

// Heap tracks the persistent handles held on behalf of pending work. A handle
// keeps its function reachable until it is released; Live reports how many are
// still held, which lets tests detect leaks.
type Heap struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]struct{}

	released atomic.Uint64
}

// NewHeap creates an empty handle heap.
func NewHeap() *Heap {
	return &Heap{live: make(map[uint64]struct{})}
}

// Persist takes a durable reference to c that survives past the current call.
// The caller owns the returned handle and must Release it exactly once.
func (h *Heap) Persist(c Callable) *Persistent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	h.live[h.next] = struct{}{}
	return &Persistent{heap: h, id: h.next, fn: c}
}

// Live returns the number of handles that have not been released.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Released returns the total number of handles released so far.
func (h *Heap) Released() uint64 {
	return h.released.Load()
}

func (h *Heap) drop(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.live[id]; !ok {
		return false
	}
	delete(h.live, id)
	h.released.Add(1)
	return true
}

// Persistent is an owned, durable reference to a host function.
type Persistent struct {
	heap     *Heap
	id       uint64
	fn       Callable
	released atomic.Bool
}

// Call invokes the referenced function through Invoke. It returns ErrReleased
// if the handle has already been released.
func (p *Persistent) Call(args ...Value) error {
	if p.released.Load() {
		return ErrReleased
	}
	return Invoke(p.fn, args...)
}

// Release drops the reference. A second Release returns ErrReleased and has no
// other effect.
func (p *Persistent) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	p.fn = nil
	if !p.heap.drop(p.id) {
		return ErrReleased
	}
	return nil
}

// Released reports whether the handle has been released.
func (p *Persistent) Released() bool {
	return p.released.Load()
}
