// Package worker runs non-realtime plugin work off the processing thread.
//
// The RT side schedules opaque payloads and drains responses without ever
// blocking or allocating; a per-instance goroutine runs the handler in
// between. Construction is two-phase because the native plugin needs a
// schedule target while it is being instantiated, before the handler can
// exist: NewSetup gives out the handle first, Activate binds the handler
// and starts the goroutine.
package worker

import (
	"sync"
	"sync/atomic"
)

const (
	// DefaultQueueDepth is the request and response ring depth.
	DefaultQueueDepth = 64
	// DefaultMaxMessage is the largest schedulable payload in bytes.
	DefaultMaxMessage = 4096
)

// Handler processes one scheduled payload on the worker goroutine and
// returns an optional response for the RT side to drain.
type Handler func(data []byte) []byte

// Setup is the pre-activation handle. Schedule works immediately; payloads
// queue up until Activate starts the drain.
type Setup struct {
	w *Worker
}

// NewSetup creates the queues with the given depth and payload limit
// (defaults when zero or negative).
func NewSetup(queueDepth, maxMessage int) *Setup {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if maxMessage <= 0 {
		maxMessage = DefaultMaxMessage
	}
	return &Setup{w: &Worker{
		requests:  newRing(queueDepth, maxMessage),
		responses: newRing(queueDepth, maxMessage),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}}
}

// Schedule is valid before activation; see Worker.Schedule.
func (s *Setup) Schedule(data []byte) bool { return s.w.Schedule(data) }

// Respond is valid before activation; see Worker.Respond.
func (s *Setup) Respond(data []byte) bool { return s.w.Respond(data) }

// Activate binds the handler, starts the worker goroutine and returns the
// live worker. The setup must not be used afterwards.
func (s *Setup) Activate(h Handler) *Worker {
	w := s.w
	w.handler = h
	w.wg.Add(1)
	go w.run()
	// anything scheduled during instantiation gets served now
	w.signal()
	return w
}

// Worker is one instance's work queue pair plus its goroutine.
type Worker struct {
	requests  *ring
	responses *ring
	handler   Handler

	wake    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool

	dropped atomic.Uint64
}

// Schedule copies the payload into the request ring and wakes the worker.
// It never blocks; a full ring or oversized payload drops the request and
// reports false.
func (w *Worker) Schedule(data []byte) bool {
	if !w.requests.write(data) {
		w.dropped.Add(1)
		return false
	}
	w.signal()
	return true
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Respond queues a response directly, bypassing the handler return value.
// Handlers that produce several responses per request call this from the
// worker goroutine; a full ring or oversized payload drops the response and
// reports false.
func (w *Worker) Respond(data []byte) bool { return w.responses.write(data) }

// DrainResponses invokes fn for every queued response. Called from the RT
// side each cycle; fn must treat the slice as borrowed for the call only.
func (w *Worker) DrainResponses(fn func(data []byte)) {
	w.responses.read(fn)
}

// Dropped reports how many requests did not fit.
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			// serve what is already queued before exiting
			w.serve()
			return
		case <-w.wake:
			w.serve()
		}
	}
}

func (w *Worker) serve() {
	w.requests.read(func(data []byte) {
		if resp := w.handler(data); resp != nil {
			w.responses.write(resp)
		}
	})
}

// Close stops the goroutine after it finishes the queued work.
func (w *Worker) Close() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	close(w.stop)
	w.wg.Wait()
}

// ring is a single-producer single-consumer queue of fixed byte slots.
type ring struct {
	slots [][]byte
	sizes []int
	mask  uint32
	head  atomic.Uint32 // consumer position
	tail  atomic.Uint32 // producer position
}

func newRing(depth, slotSize int) *ring {
	n := nextPow2(uint32(depth))
	r := &ring{
		slots: make([][]byte, n),
		sizes: make([]int, n),
		mask:  n - 1,
	}
	for i := range r.slots {
		r.slots[i] = make([]byte, slotSize)
	}
	return r
}

func nextPow2(v uint32) uint32 {
	n := uint32(1)
	for n < v {
		n <<= 1
	}
	return n
}

func (r *ring) write(data []byte) bool {
	if len(data) > len(r.slots[0]) {
		return false
	}
	tail := r.tail.Load()
	if tail-r.head.Load() > r.mask {
		return false // full
	}
	i := tail & r.mask
	copy(r.slots[i], data)
	r.sizes[i] = len(data)
	r.tail.Store(tail + 1)
	return true
}

func (r *ring) read(fn func(data []byte)) {
	head := r.head.Load()
	tail := r.tail.Load()
	for ; head != tail; head++ {
		i := head & r.mask
		fn(r.slots[i][:r.sizes[i]])
		r.head.Store(head + 1)
	}
}
