// Package bridge carries parameter and event data between the control thread
// and the real-time audio callback without ever blocking the callback.
//
// Model:
//   - One atomic cell per scalar parameter, bit-reinterpreted float, relaxed
//     ordering. Staleness is acceptable; tearing is not, which is why the
//     cells are atomic rather than plain shared memory.
//   - Variable-length event payloads use two alternating buffers committed
//     under a non-blocking try-lock. If the lock is contended the update is
//     dropped instead of stalling. That tradeoff is deliberate and must be
//     preserved: the audio callback's continuity outranks delivering every
//     event.
package bridge

import (
	"math"
	"sync"
	"sync/atomic"
)

// DefaultEventCapacity bounds a single event payload. Larger writes are
// rejected rather than grown, since growth would allocate.
const DefaultEventCapacity = 4096

// PortUpdates is the per-instance exchange area. Its lifetime equals the
// owning plugin instance; the audio callback holds a non-owning reference.
type PortUpdates struct {
	// control -> RT parameter values, indexed by stable port index.
	params []uint64
	// RT -> control observed values (what the plugin actually reports).
	observed []uint64

	events []*EventPort
	// outputs flags event ports written by the RT side; DrainOutputs visits
	// only those.
	outputs []bool
	drain   []byte
}

// New builds a PortUpdates sized to paramCount scalar slots and one event
// port per entry of eventCapacities (use DefaultEventCapacity for typical
// atom/MIDI ports).
func New(paramCount int, eventCapacities ...int) *PortUpdates {
	pu := &PortUpdates{
		params:   make([]uint64, paramCount),
		observed: make([]uint64, paramCount),
	}
	for _, capacity := range eventCapacities {
		pu.events = append(pu.events, newEventPort(capacity))
	}
	pu.outputs = make([]bool, len(pu.events))
	return pu
}

// ParamCount returns the number of scalar slots.
func (pu *PortUpdates) ParamCount() int { return len(pu.params) }

// EventPortCount returns the number of event ports.
func (pu *PortUpdates) EventPortCount() int { return len(pu.events) }

// SetParam stores a control-side parameter value. Safe from any thread.
func (pu *PortUpdates) SetParam(index int, value float64) {
	if index < 0 || index >= len(pu.params) {
		return
	}
	atomic.StoreUint64(&pu.params[index], math.Float64bits(value))
}

// Param reads the latest control-side value. RT-safe.
func (pu *PortUpdates) Param(index int) float64 {
	if index < 0 || index >= len(pu.params) {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&pu.params[index]))
}

// PostObserved records the value the plugin actually holds after processing.
// Called from the audio callback; RT-safe.
func (pu *PortUpdates) PostObserved(index int, value float64) {
	if index < 0 || index >= len(pu.observed) {
		return
	}
	atomic.StoreUint64(&pu.observed[index], math.Float64bits(value))
}

// Observed reads the last value posted by the audio callback.
func (pu *PortUpdates) Observed(index int) float64 {
	if index < 0 || index >= len(pu.observed) {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&pu.observed[index]))
}

// MarkOutput flags the event port at index as RT-to-control. The unit that
// owns the port direction calls this once at bind time.
func (pu *PortUpdates) MarkOutput(index int) {
	if index < 0 || index >= len(pu.outputs) {
		return
	}
	pu.outputs[index] = true
}

// DrainOutputs reads every pending payload on the RT-to-control event ports
// and hands each to fn. The slice is borrowed for the call only. Control
// thread only; there is a single scratch buffer.
func (pu *PortUpdates) DrainOutputs(fn func(index int, payload []byte)) {
	for i, ep := range pu.events {
		if !pu.outputs[i] {
			continue
		}
		if len(pu.drain) < ep.Capacity() {
			pu.drain = make([]byte, ep.Capacity())
		}
		if n, ok := ep.Read(pu.drain); ok {
			fn(i, pu.drain[:n])
		}
	}
}

// Event returns the event port at index, or nil.
func (pu *PortUpdates) Event(index int) *EventPort {
	if index < 0 || index >= len(pu.events) {
		return nil
	}
	return pu.events[index]
}

// EventPort is a double-buffered, variable-length payload slot with one
// writer and one reader. Neither side ever blocks: a contended try-lock
// drops the write, or reports "no update" to the reader.
type EventPort struct {
	mu sync.Mutex

	buffers  [2][]byte
	lengths  [2]int
	readable int
	pending  bool

	dropped atomic.Uint64
}

func newEventPort(capacity int) *EventPort {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventPort{
		buffers: [2][]byte{make([]byte, capacity), make([]byte, capacity)},
	}
}

// Capacity returns the maximum payload size.
func (ep *EventPort) Capacity() int { return cap(ep.buffers[0]) }

// Write stages payload into the buffer not currently readable and commits
// the swap. It reports false when the lock is contended or the payload does
// not fit; the update is silently dropped in both cases.
func (ep *EventPort) Write(payload []byte) bool {
	if len(payload) > cap(ep.buffers[0]) {
		ep.dropped.Add(1)
		return false
	}
	if !ep.mu.TryLock() {
		ep.dropped.Add(1)
		return false
	}
	defer ep.mu.Unlock()

	back := 1 - ep.readable
	copy(ep.buffers[back], payload)
	ep.lengths[back] = len(payload)
	ep.readable = back
	ep.pending = true
	return true
}

// Read copies the pending payload into dst and reports its length. It
// returns ok=false when there is no update, the lock is contended, or dst is
// too small; the reader never waits. dst must be preallocated by the caller
// so the audio thread performs no allocation here.
func (ep *EventPort) Read(dst []byte) (int, bool) {
	if !ep.mu.TryLock() {
		return 0, false
	}
	defer ep.mu.Unlock()

	if !ep.pending {
		return 0, false
	}
	n := ep.lengths[ep.readable]
	if n > len(dst) {
		return 0, false
	}
	copy(dst, ep.buffers[ep.readable][:n])
	ep.pending = false
	return n, true
}

// Dropped returns how many writes were discarded due to contention or
// oversized payloads. Diagnostic only.
func (ep *EventPort) Dropped() uint64 { return ep.dropped.Load() }
