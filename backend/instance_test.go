package backend

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonxah/zestbay/bridge"
)

// fakeUnit records native calls so tests can assert ordering and forwarding
// without any real plugin binary.
type fakeUnit struct {
	mu sync.Mutex

	activateErr error
	startErr    error

	calls  []string
	values map[int]float64

	processed int
	lastIn    [][]float32
	lastOut   [][]float32
}

func newFakeUnit() *fakeUnit {
	return &fakeUnit{values: map[int]float64{}}
}

func (f *fakeUnit) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeUnit) Activate(sampleRate float64, maxFrames int) error {
	f.record("activate")
	return f.activateErr
}

func (f *fakeUnit) StartProcessing() error {
	f.record("start")
	return f.startErr
}

func (f *fakeUnit) StopProcessing() { f.record("stop") }
func (f *fakeUnit) Deactivate()     { f.record("deactivate") }
func (f *fakeUnit) Destroy()        { f.record("destroy") }

func (f *fakeUnit) Process(inputs, outputs [][]float32, frames int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
	f.lastIn, f.lastOut = inputs, outputs
	// Copy through so bypass and active paths are distinguishable.
	for ch := range outputs {
		if ch < len(inputs) {
			copy(outputs[ch][:frames], inputs[ch][:frames])
			for i := 0; i < frames; i++ {
				outputs[ch][i] *= 2
			}
		}
	}
}

func (f *fakeUnit) SetParamValue(portIndex int, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[portIndex] = value
	f.calls = append(f.calls, "setparam")
}

func (f *fakeUnit) ParamValue(portIndex int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[portIndex]
}

func testParams() []Parameter {
	return []Parameter{
		{ID: 1, PortIndex: 2, Name: "Gain", Value: 0.5, Min: 0, Max: 1, Default: 0.5},
		{ID: 2, PortIndex: 5, Name: "Weird", Value: 3, Min: math.NaN(), Max: 10, Default: 3},
	}
}

func testDescriptor() Descriptor {
	return Descriptor{Format: FormatCLAP, URI: "test.plugin", Name: "Test", Compatible: true}
}

func newTestInstance(t *testing.T, unit Unit) Instance {
	t.Helper()
	in, err := NewInstance(testDescriptor(), testParams(), unit, 48000)
	require.NoError(t, err)
	return in
}

func TestNewInstanceReachesProcessing(t *testing.T) {
	unit := newFakeUnit()
	in := newTestInstance(t, unit)

	assert.Equal(t, StateProcessing, in.State())
	assert.Equal(t, []string{"activate", "start"}, unit.calls)
	assert.Equal(t, 2, in.Updates().ParamCount())
}

func TestActivationFailureUnwindsCompletely(t *testing.T) {
	unit := newFakeUnit()
	unit.activateErr = errors.New("no buses")

	_, err := NewInstance(testDescriptor(), testParams(), unit, 48000)

	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, "test.plugin", actErr.URI)
	assert.Equal(t, []string{"activate", "destroy"}, unit.calls)
}

func TestStartProcessingFailureDeactivatesFirst(t *testing.T) {
	unit := newFakeUnit()
	unit.startErr = errors.New("refused")

	_, err := NewInstance(testDescriptor(), testParams(), unit, 48000)

	var actErr *ActivationError
	require.ErrorAs(t, err, &actErr)
	assert.Equal(t, []string{"activate", "start", "deactivate", "destroy"}, unit.calls)
}

func TestSetParameterClampsNumericBounds(t *testing.T) {
	in := newTestInstance(t, newFakeUnit())

	require.NoError(t, in.SetParameter(2, 7.5))
	params := in.Parameters()
	assert.Equal(t, 1.0, params[0].Value, "above max clamps to max")

	require.NoError(t, in.SetParameter(2, -3))
	assert.Equal(t, 0.0, in.Parameters()[0].Value, "below min clamps to min")

	require.Error(t, in.SetParameter(99, 1), "unknown port index")
}

func TestSetParameterNaNBoundPassesRawValue(t *testing.T) {
	in := newTestInstance(t, newFakeUnit())

	// Port 5 has a NaN minimum: the raw value must pass through unchanged.
	require.NoError(t, in.SetParameter(5, 123456))
	assert.Equal(t, 123456.0, in.Parameters()[1].Value)
}

func TestProcessForwardsOnlyDeltas(t *testing.T) {
	unit := newFakeUnit()
	in := newTestInstance(t, unit)

	buf := func() [][]float32 { return [][]float32{make([]float32, 16)} }
	in.Process(buf(), buf(), 16)
	first := unit.processed
	require.Equal(t, 1, first)

	// No parameter changed: no native set calls.
	setCalls := 0
	for _, c := range unit.calls {
		if c == "setparam" {
			setCalls++
		}
	}
	assert.Zero(t, setCalls)

	require.NoError(t, in.SetParameter(2, 0.9))
	in.Process(buf(), buf(), 16)
	assert.Equal(t, 0.9, unit.ParamValue(2))

	// A sub-epsilon wiggle is not forwarded again.
	require.NoError(t, in.SetParameter(2, 0.9+1e-9))
	in.Process(buf(), buf(), 16)

	setCalls = 0
	for _, c := range unit.calls {
		if c == "setparam" {
			setCalls++
		}
	}
	assert.Equal(t, 1, setCalls)
}

func TestProcessBypassCopiesWithoutNativeCall(t *testing.T) {
	unit := newFakeUnit()
	in := newTestInstance(t, unit)
	in.SetBypass(true)
	require.True(t, in.Bypassed())

	input := [][]float32{{1, 2, 3, 4}}
	output := [][]float32{make([]float32, 4), make([]float32, 4)}
	in.Process(input, output, 4)

	assert.Zero(t, unit.processed, "bypass must not touch the native plugin")
	assert.Equal(t, []float32{1, 2, 3, 4}, output[0])
	assert.Equal(t, []float32{0, 0, 0, 0}, output[1], "unmatched output channel is silenced")
}

func TestProcessSkipsCycleOnMissingOutputs(t *testing.T) {
	unit := newFakeUnit()
	in := newTestInstance(t, unit)

	in.Process([][]float32{{1, 2}}, nil, 2)
	in.Process([][]float32{{1, 2}}, [][]float32{nil}, 2)

	assert.Zero(t, unit.processed)
}

func TestProcessClampsFrameCount(t *testing.T) {
	unit := newFakeUnit()
	in := newTestInstance(t, unit)

	buf := [][]float32{make([]float32, MaxBlockFrames)}
	in.Process(buf, [][]float32{make([]float32, MaxBlockFrames)}, MaxBlockFrames*2)
	assert.Equal(t, 1, unit.processed)
}

func TestDestroyOrderAndIdempotence(t *testing.T) {
	unit := newFakeUnit()
	in := newTestInstance(t, unit)

	require.NoError(t, in.Destroy())
	assert.Equal(t, StateDestroyed, in.State())
	assert.Equal(t, []string{"activate", "start", "stop", "deactivate", "destroy"}, unit.calls)

	// Second destroy is a no-op.
	require.NoError(t, in.Destroy())
	assert.Equal(t, []string{"activate", "start", "stop", "deactivate", "destroy"}, unit.calls)

	// The audio callback observes the shutdown flag and backs off.
	before := unit.processed
	in.Process([][]float32{{1}}, [][]float32{{0}}, 1)
	assert.Equal(t, before, unit.processed)

	require.Error(t, in.SetParameter(2, 0.1))
}

func TestClampValueQuirk(t *testing.T) {
	assert.Equal(t, 5.0, ClampValue(7, 0, 5))
	assert.Equal(t, 0.0, ClampValue(-1, 0, 5))
	assert.Equal(t, 3.0, ClampValue(3, 0, 5))
	// Non-numeric bound: raw pass-through, by contract.
	assert.Equal(t, 99.0, ClampValue(99, math.NaN(), 5))
	assert.Equal(t, -99.0, ClampValue(-99, 0, math.NaN()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "processing", StateProcessing.String())
	assert.Equal(t, "destroyed", StateDestroyed.String())
	assert.Equal(t, "unknown", State(42).String())
}

// eventfulUnit reports event ports the way a format with variable-length
// ports does.
type eventfulUnit struct {
	*fakeUnit
	bound *bridge.PortUpdates
}

func (f *eventfulUnit) EventCapacities() []int { return []int{128, 256} }

func (f *eventfulUnit) BindEvents(updates *bridge.PortUpdates) {
	f.bound = updates
	updates.MarkOutput(1)
}

func TestNewInstanceSizesEventPortsFromUnit(t *testing.T) {
	fu := &eventfulUnit{fakeUnit: newFakeUnit()}
	in := newTestInstance(t, fu)
	defer in.Destroy()

	require.Same(t, in.Updates(), fu.bound)
	require.Equal(t, 2, in.Updates().EventPortCount())
	assert.Equal(t, 128, in.Updates().Event(0).Capacity())
	assert.Equal(t, 256, in.Updates().Event(1).Capacity())
}

func TestNewInstanceExplicitEventCapacitiesWin(t *testing.T) {
	fu := &eventfulUnit{fakeUnit: newFakeUnit()}
	in, err := NewInstance(testDescriptor(), testParams(), fu, 48000, 64)
	require.NoError(t, err)
	defer in.Destroy()

	require.Equal(t, 1, in.Updates().EventPortCount())
	assert.Equal(t, 64, in.Updates().Event(0).Capacity())
}
