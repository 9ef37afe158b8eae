package backend

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/bridge"
)

// instance is the shared Instance implementation over a format Unit.
type instance struct {
	desc Descriptor
	unit Unit

	mu     sync.Mutex
	params []Parameter
	// byPort maps stable port index to position in params.
	byPort map[int]int

	updates *bridge.PortUpdates

	// shadow holds the last value forwarded to the native plugin, indexed
	// like params. Touched only by the audio callback.
	shadow []float64

	state    atomic.Int32
	bypass   atomic.Bool
	shutdown atomic.Bool

	log *logrus.Entry
}

// NewInstance activates a Unit and returns the live Instance. params is the
// editable set in stable order; eventCapacities sizes one bridge event port
// per variable-length port, defaulting to what the unit reports through
// EventAware. On any failure the unit is torn down completely and a typed
// error is returned, so callers never see a half-registered instance.
func NewInstance(desc Descriptor, params []Parameter, unit Unit, sampleRate float64, eventCapacities ...int) (Instance, error) {
	ea, eventAware := unit.(EventAware)
	if eventAware && len(eventCapacities) == 0 {
		eventCapacities = ea.EventCapacities()
	}
	in := &instance{
		desc:    desc,
		unit:    unit,
		params:  append([]Parameter(nil), params...),
		byPort:  make(map[int]int, len(params)),
		updates: bridge.New(len(params), eventCapacities...),
		shadow:  make([]float64, len(params)),
		log: logrus.WithFields(logrus.Fields{
			"component": "backend",
			"format":    desc.Format,
			"plugin":    desc.Name,
		}),
	}
	for i, p := range in.params {
		in.byPort[p.PortIndex] = i
		in.updates.SetParam(i, p.Value)
		in.updates.PostObserved(i, p.Value)
		in.shadow[i] = p.Value
	}
	in.state.Store(int32(StateInstantiated))

	if eventAware {
		ea.BindEvents(in.updates)
	}

	if err := unit.Activate(sampleRate, MaxBlockFrames); err != nil {
		unit.Destroy()
		in.state.Store(int32(StateDestroyed))
		return nil, &ActivationError{URI: desc.URI, Err: err}
	}
	in.state.Store(int32(StateActivated))

	if err := unit.StartProcessing(); err != nil {
		unit.Deactivate()
		unit.Destroy()
		in.state.Store(int32(StateDestroyed))
		return nil, &ActivationError{URI: desc.URI, Err: fmt.Errorf("start processing: %w", err)}
	}
	in.state.Store(int32(StateProcessing))

	in.log.WithFields(logrus.Fields{
		"uri":        desc.URI,
		"parameters": len(params),
		"sampleRate": sampleRate,
	}).Info("Plugin instance activated")
	return in, nil
}

func (in *instance) Descriptor() Descriptor { return in.desc }

func (in *instance) Updates() *bridge.PortUpdates { return in.updates }

func (in *instance) State() State { return State(in.state.Load()) }

func (in *instance) SetBypass(bypass bool) { in.bypass.Store(bypass) }

func (in *instance) Bypassed() bool { return in.bypass.Load() }

// Parameters returns the control-side view of the editable set. Values the
// plugin changed on its own surface through Updates().Observed and reach
// callers via the host's parameter-changed events.
func (in *instance) Parameters() []Parameter {
	in.mu.Lock()
	defer in.mu.Unlock()

	out := make([]Parameter, len(in.params))
	copy(out, in.params)
	return out
}

func (in *instance) SetParameter(portIndex int, value float64) error {
	if in.State() == StateDestroyed {
		return fmt.Errorf("instance %s is destroyed", in.desc.URI)
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	i, ok := in.byPort[portIndex]
	if !ok {
		return fmt.Errorf("no editable parameter at port index %d", portIndex)
	}
	p := &in.params[i]
	p.Value = p.Clamp(value)
	in.updates.SetParam(i, p.Value)
	return nil
}

// Process runs one audio cycle. RT path: no allocation, no blocking locks,
// no logging.
func (in *instance) Process(inputs, outputs [][]float32, frames int) {
	if in.shutdown.Load() || State(in.state.Load()) != StateProcessing {
		return
	}
	if frames > MaxBlockFrames {
		frames = MaxBlockFrames
	}
	// A missing output buffer skips the whole cycle rather than writing
	// garbage into whatever the server handed us.
	if len(outputs) == 0 {
		return
	}
	for _, out := range outputs {
		if out == nil {
			return
		}
	}

	if in.bypass.Load() {
		bypassCopy(inputs, outputs, frames)
		return
	}

	// Forward pending parameter changes, deltas only.
	for i := range in.shadow {
		v := in.updates.Param(i)
		if diff := v - in.shadow[i]; diff > ParamEpsilon || diff < -ParamEpsilon {
			in.unit.SetParamValue(in.params[i].PortIndex, v)
			in.shadow[i] = v
		}
	}

	in.unit.Process(inputs, outputs, frames)

	// Report what the plugin actually holds back to the control thread.
	for i := range in.shadow {
		in.updates.PostObserved(i, in.unit.ParamValue(in.params[i].PortIndex))
	}
}

// bypassCopy copies each input channel to the matching output channel and
// silences outputs with no matching input.
func bypassCopy(inputs, outputs [][]float32, frames int) {
	for ch := range outputs {
		out := outputs[ch][:frames]
		if ch < len(inputs) && inputs[ch] != nil {
			copy(out, inputs[ch][:frames])
			continue
		}
		for i := range out {
			out[i] = 0
		}
	}
}

func (in *instance) Destroy() error {
	if !in.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	// Fixed teardown order regardless of which step previously failed:
	// stop processing, deactivate, destroy native, release host structures.
	in.unit.StopProcessing()
	in.state.Store(int32(StateDeactivated))
	in.unit.Deactivate()
	in.unit.Destroy()
	in.state.Store(int32(StateDestroyed))

	in.mu.Lock()
	in.params = nil
	in.byPort = nil
	in.mu.Unlock()

	in.log.WithField("uri", in.desc.URI).Info("Plugin instance destroyed")
	return nil
}
