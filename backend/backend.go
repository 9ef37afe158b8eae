// Package backend defines the uniform contract a plugin format must satisfy
// to be hosted, and the shared instance machinery built on top of it.
//
// Model:
//   - A Backend knows how to enumerate and instantiate one binary format.
//   - A Unit is the format's native capability set (activate, process,
//     parameter access, destroy). Each format implements it with exactly one
//     narrow unsafe boundary around the native vtable calls; everything
//     above that boundary is ordinary owned data.
//   - NewInstance wires a Unit to the RT bridge and the lifecycle state
//     machine, so the per-format packages contain only format specifics.
package backend

import "github.com/lemonxah/zestbay/bridge"

// MaxBlockFrames is the fixed maximum block size instances are activated
// with. Process calls never exceed it.
const MaxBlockFrames = 8192

// ParamEpsilon is the smallest parameter delta worth forwarding to the
// native plugin. Smaller changes are treated as noise to avoid redundant
// notifications.
const ParamEpsilon = 1e-6

// State tracks an instance through its lifecycle. Bypass is an orthogonal
// runtime flag, not a state.
type State int32

const (
	StateUnloaded State = iota
	StateLoaded
	StateInstantiated
	StateActivated
	StateProcessing
	StateDeactivated
	StateDestroyed
)

// String returns a human-readable state label.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateInstantiated:
		return "instantiated"
	case StateActivated:
		return "activated"
	case StateProcessing:
		return "processing"
	case StateDeactivated:
		return "deactivated"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// Backend is the per-format entry point.
type Backend interface {
	// Format identifies the binary format this backend hosts.
	Format() Format

	// Scan enumerates the format's installed plugins, briefly probing each
	// for ports and parameters. Probe instances are always torn down; no
	// partially initialized native object survives a scan.
	Scan() (Descriptors, error)

	// Instantiate loads and activates a plugin against the host. Any failure
	// unwinds everything created so far and returns a *LoadError,
	// *InstantiateError or *ActivationError.
	Instantiate(desc Descriptor, sampleRate float64) (Instance, error)
}

// Instance is a live, processing plugin. It is exclusively owned by the
// graph thread; the audio callback holds only a non-owning reference whose
// validity ends once the shutdown flag is observed.
type Instance interface {
	Descriptor() Descriptor

	// Parameters returns the ordered editable parameter set with current
	// values.
	Parameters() []Parameter

	// SetParameter stores a clamped value for the given stable port index
	// and schedules it for the audio thread via the RT bridge.
	SetParameter(portIndex int, value float64) error

	// Process runs one audio cycle. It must complete within the buffer's
	// time budget, performs no allocation, and never blocks except on a
	// non-blocking try-lock.
	Process(inputs, outputs [][]float32, frames int)

	SetBypass(bypass bool)
	Bypassed() bool

	Updates() *bridge.PortUpdates
	State() State

	// Destroy stops processing, deactivates, destroys the native object and
	// releases host-side structures, in that order, regardless of which step
	// previously failed.
	Destroy() error
}

// EventAware is implemented by units with variable-length event ports
// (MIDI, atom sequences). NewInstance sizes one bridge event port per
// reported capacity and hands the exchange area to the unit before
// activation; the unit marks its RT-to-control ports during BindEvents.
type EventAware interface {
	// EventCapacities returns the payload capacity per event port, inputs
	// first, then outputs.
	EventCapacities() []int

	BindEvents(updates *bridge.PortUpdates)
}

// Unit is the native capability set a format package provides. Methods are
// called from the graph thread except Process, SetParamValue and ParamValue,
// which run on the audio callback and must be RT-safe.
type Unit interface {
	Activate(sampleRate float64, maxFrames int) error
	StartProcessing() error
	StopProcessing()
	Deactivate()
	Process(inputs, outputs [][]float32, frames int)
	SetParamValue(portIndex int, value float64)
	ParamValue(portIndex int) float64
	Destroy()
}
