//go:build linux || darwin || freebsd

package lv2

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonxah/zestbay/backend"
	"github.com/lemonxah/zestbay/bridge"
	"github.com/lemonxah/zestbay/worker"
)

func TestScan(t *testing.T) {
	t.Run("FindsBundles", func(t *testing.T) {
		root := t.TempDir()
		// writeAmpBundle places the bundle under its own temp dir; rebuild
		// the same layout under one root here.
		dir := filepath.Join(root, "amp.lv2")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.ttl"), []byte(ampManifest), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "amp.ttl"), []byte(ampPlugin), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "amp.so"), []byte{0}, 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-bundle"), 0o755))

		descs, err := New(root).Scan()
		require.NoError(t, err)
		require.Len(t, descs, 1)
		assert.Equal(t, "Simple Amp", descs[0].Name)
	})

	t.Run("BrokenBundleSkipped", func(t *testing.T) {
		root := t.TempDir()
		dir := filepath.Join(root, "bad.lv2")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.ttl"), []byte("<oops"), 0o644))

		descs, err := New(root).Scan()
		require.NoError(t, err)
		assert.Empty(t, descs)
	})

	t.Run("MissingRootIgnored", func(t *testing.T) {
		descs, err := New(filepath.Join(t.TempDir(), "nope")).Scan()
		require.NoError(t, err)
		assert.Empty(t, descs)
	})
}

func TestControlInputs(t *testing.T) {
	dir := writeAmpBundle(t)

	ranges, err := controlInputs(dir, "http://example.org/amp")
	require.NoError(t, err)
	require.Len(t, ranges, 1)

	cr := ranges[0]
	assert.Equal(t, 0, cr.Index)
	assert.Equal(t, "gain", cr.Symbol)
	assert.Equal(t, "Gain", cr.Name)
	assert.Equal(t, 0.0, cr.Default)
	assert.Equal(t, -90.0, cr.Min)
	assert.Equal(t, 24.0, cr.Max)
}

type stubUnit struct {
	destroyed bool
	values    map[int]float64
}

func (s *stubUnit) Activate(float64, int) error { return nil }
func (s *stubUnit) StartProcessing() error      { return nil }
func (s *stubUnit) StopProcessing()             {}
func (s *stubUnit) Deactivate()                 {}
func (s *stubUnit) Destroy()                    { s.destroyed = true }
func (s *stubUnit) SetParamValue(i int, v float64) {
	if s.values == nil {
		s.values = map[int]float64{}
	}
	s.values[i] = v
}
func (s *stubUnit) ParamValue(i int) float64           { return s.values[i] }
func (s *stubUnit) Process(_, _ [][]float32, _ int)    {}

func TestInstantiate(t *testing.T) {
	desc := backend.Descriptor{
		Format: backend.FormatLV2,
		URI:    "http://example.org/amp",
		Name:   "Simple Amp",
		Path:   "/tmp/amp.so",
	}

	t.Run("Lifecycle", func(t *testing.T) {
		b := New(t.TempDir())
		su := &stubUnit{}
		b.load = func(d backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error) {
			return su, []backend.Parameter{
				{ID: 0, PortIndex: 0, Symbol: "gain", Name: "Gain", Value: 0, Min: -90, Max: 24},
			}, nil
		}

		inst, err := b.Instantiate(desc, 44100)
		require.NoError(t, err)
		assert.Equal(t, backend.StateProcessing, inst.State())

		require.NoError(t, inst.SetParameter(0, 6))
		inst.Destroy()
		assert.True(t, su.destroyed)
	})

	t.Run("LoadErrorPropagates", func(t *testing.T) {
		b := New(t.TempDir())
		b.load = func(backend.Descriptor, float64) (backend.Unit, []backend.Parameter, error) {
			return nil, nil, &backend.LoadError{Path: desc.Path, Err: errors.New("not an ELF")}
		}
		_, err := b.Instantiate(desc, 44100)
		var le *backend.LoadError
		require.ErrorAs(t, err, &le)
	})
}

func TestFormat(t *testing.T) {
	assert.Equal(t, backend.FormatLV2, New(t.TempDir()).Format())
}

func TestAtomSequenceEvents(t *testing.T) {
	seq := mapURI(uriAtomSequence)
	midi := mapURI(uriMidiEvent)

	buf := make([]byte, 256)
	resetSequence(buf, false, seq)
	require.True(t, appendSequenceEvent(buf, midi, []byte{0x90, 60, 100}))
	require.True(t, appendSequenceEvent(buf, midi, []byte{0x80, 60, 0}))

	var got [][]byte
	forEachSequenceEvent(buf, seq, func(p []byte) {
		got = append(got, append([]byte(nil), p...))
	})
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0x90, 60, 100}, got[0])
	assert.Equal(t, []byte{0x80, 60, 0}, got[1])

	t.Run("UntouchedOutputSkipped", func(t *testing.T) {
		out := make([]byte, 64)
		resetSequence(out, true, seq)
		forEachSequenceEvent(out, seq, func([]byte) { t.Fatal("no events expected") })
	})

	t.Run("OversizedEventRefused", func(t *testing.T) {
		small := make([]byte, 24)
		resetSequence(small, false, seq)
		assert.False(t, appendSequenceEvent(small, midi, []byte{1, 2, 3}))
	})
}

func TestUnitEventBinding(t *testing.T) {
	u := &unit{
		atomIn:  [][]byte{make([]byte, atomBufferSize)},
		midiIn:  []bool{true},
		atomOut: [][]byte{make([]byte, atomBufferSize)},
	}
	caps := u.EventCapacities()
	require.Equal(t, []int{atomBufferSize, atomBufferSize}, caps)

	pu := bridge.New(0, caps...)
	u.BindEvents(pu)
	require.Same(t, pu, u.updates)

	// The output slot was marked for the control-side drain.
	require.True(t, pu.Event(1).Write([]byte{0xB0, 7, 90}))
	seen := 0
	pu.DrainOutputs(func(index int, payload []byte) {
		seen++
		assert.Equal(t, 1, index)
		assert.Equal(t, []byte{0xB0, 7, 90}, payload)
	})
	assert.Equal(t, 1, seen)
}

func TestWorkerScheduleRoundTrip(t *testing.T) {
	target := &workTarget{setup: worker.NewSetup(0, 0)}
	handle := registerWorkTarget(target)
	defer unregisterWorkTarget(handle)

	payload := []byte("render-reverb-tail")
	require.EqualValues(t, workerSuccess, scheduleWork(handle, uint32(len(payload)), bytePtr(payload)))
	assert.EqualValues(t, workerErrUnknown, scheduleWork(handle+100000, 0, 0))

	var mu sync.Mutex
	var requests []string
	w := target.setup.Activate(func(data []byte) []byte {
		mu.Lock()
		requests = append(requests, string(data))
		mu.Unlock()
		// plugins answer through the respond callback
		resp := []byte("tail-ready")
		respondWork(handle, uint32(len(resp)), bytePtr(resp))
		return nil
	})
	defer w.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(requests)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	require.Equal(t, []string{"render-reverb-tail"}, requests)
	mu.Unlock()

	var responses []string
	w.DrainResponses(func(data []byte) { responses = append(responses, string(data)) })
	require.Equal(t, []string{"tail-ready"}, responses)
}

func TestFeaturesWithSchedule(t *testing.T) {
	f := featuresWithSchedule(42)
	require.NotZero(t, f.ptr())
	require.Zero(t, f.arr[len(f.arr)-1])

	uris := map[string]uintptr{}
	for _, p := range f.arr {
		if p == 0 {
			break
		}
		ft := (*lv2Feature)(unsafe.Pointer(p))
		uris[nativeString(ft.URI)] = ft.Data
	}
	assert.Contains(t, uris, "http://lv2plug.in/ns/ext/urid#map")
	require.Contains(t, uris, uriWorkerSchedule)

	sched := (*scheduleData)(unsafe.Pointer(uris[uriWorkerSchedule]))
	assert.EqualValues(t, 42, sched.Handle)
	assert.NotZero(t, sched.ScheduleWork)
}
