//go:build linux || darwin || freebsd

package clap

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonxah/zestbay/backend"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte{0}, 0o644))
}

func TestScan(t *testing.T) {
	t.Run("FindsClapFiles", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "gain.clap"))
		touch(t, filepath.Join(root, "nested", "delay.clap"))
		touch(t, filepath.Join(root, "readme.txt"))

		b := New(root)
		var probed []string
		b.probe = func(path string) ([]backend.Descriptor, error) {
			probed = append(probed, filepath.Base(path))
			return []backend.Descriptor{{
				Format: backend.FormatCLAP,
				URI:    "test." + filepath.Base(path),
				Path:   path,
			}}, nil
		}

		descs, err := b.Scan()
		require.NoError(t, err)
		assert.Len(t, descs, 2)
		assert.ElementsMatch(t, []string{"gain.clap", "delay.clap"}, probed)
	})

	t.Run("UnprobeableFileSkipped", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "broken.clap"))
		touch(t, filepath.Join(root, "ok.clap"))

		b := New(root)
		b.probe = func(path string) ([]backend.Descriptor, error) {
			if filepath.Base(path) == "broken.clap" {
				return nil, errors.New("no clap_entry")
			}
			return []backend.Descriptor{{URI: "test.ok", Path: path}}, nil
		}

		descs, err := b.Scan()
		require.NoError(t, err)
		require.Len(t, descs, 1)
		assert.Equal(t, "test.ok", descs[0].URI)
	})

	t.Run("MissingRootIgnored", func(t *testing.T) {
		b := New(filepath.Join(t.TempDir(), "does-not-exist"))
		descs, err := b.Scan()
		require.NoError(t, err)
		assert.Empty(t, descs)
	})

	t.Run("MultiPluginObject", func(t *testing.T) {
		root := t.TempDir()
		touch(t, filepath.Join(root, "bundle.clap"))

		b := New(root)
		b.probe = func(path string) ([]backend.Descriptor, error) {
			return []backend.Descriptor{
				{URI: "test.compressor", Path: path},
				{URI: "test.limiter", Path: path},
			}, nil
		}

		descs, err := b.Scan()
		require.NoError(t, err)
		assert.Len(t, descs, 2)
	})
}

// scriptedUnit satisfies backend.Unit for Instantiate tests without a
// native object.
type scriptedUnit struct {
	active     bool
	processing bool
	destroyed  bool
	values     map[int]float64
}

func (s *scriptedUnit) Activate(sampleRate float64, maxFrames int) error {
	s.active = true
	return nil
}
func (s *scriptedUnit) StartProcessing() error { s.processing = true; return nil }
func (s *scriptedUnit) StopProcessing()        { s.processing = false }
func (s *scriptedUnit) Deactivate()            { s.active = false }
func (s *scriptedUnit) Destroy()               { s.destroyed = true }
func (s *scriptedUnit) SetParamValue(portIndex int, value float64) {
	if s.values == nil {
		s.values = map[int]float64{}
	}
	s.values[portIndex] = value
}
func (s *scriptedUnit) ParamValue(portIndex int) float64 { return s.values[portIndex] }
func (s *scriptedUnit) Process(inputs, outputs [][]float32, frames int) {}

func TestInstantiate(t *testing.T) {
	desc := backend.Descriptor{
		Format:   backend.FormatCLAP,
		URI:      "test.gain",
		Name:     "Gain",
		AudioIn:  2,
		AudioOut: 2,
		Path:     "/tmp/gain.clap",
	}

	t.Run("BuildsLiveInstance", func(t *testing.T) {
		b := New(t.TempDir())
		su := &scriptedUnit{}
		b.load = func(d backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error) {
			assert.Equal(t, "test.gain", d.URI)
			assert.Equal(t, 48000.0, sampleRate)
			return su, []backend.Parameter{
				{ID: 7, PortIndex: 0, Name: "Gain", Value: 0.5, Min: 0, Max: 1, Default: 0.5},
			}, nil
		}

		inst, err := b.Instantiate(desc, 48000)
		require.NoError(t, err)
		defer inst.Destroy()

		assert.Equal(t, backend.StateProcessing, inst.State())
		assert.True(t, su.active)
		assert.True(t, su.processing)

		params := inst.Parameters()
		require.Len(t, params, 1)
		assert.Equal(t, "Gain", params[0].Name)
	})

	t.Run("LoadFailurePropagates", func(t *testing.T) {
		b := New(t.TempDir())
		b.load = func(d backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error) {
			return nil, nil, &backend.InstantiateError{URI: d.URI, Err: errors.New("factory refused")}
		}

		_, err := b.Instantiate(desc, 48000)
		var ie *backend.InstantiateError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "test.gain", ie.URI)
	})

	t.Run("DestroyTearsDownUnit", func(t *testing.T) {
		b := New(t.TempDir())
		su := &scriptedUnit{}
		b.load = func(backend.Descriptor, float64) (backend.Unit, []backend.Parameter, error) {
			return su, nil, nil
		}

		inst, err := b.Instantiate(desc, 48000)
		require.NoError(t, err)
		inst.Destroy()

		assert.True(t, su.destroyed)
		assert.False(t, su.processing)
		assert.False(t, su.active)
	})
}

func TestDefaultRoots(t *testing.T) {
	roots := DefaultRoots()
	assert.Contains(t, roots, "/usr/lib/clap")
}

func TestFormat(t *testing.T) {
	assert.Equal(t, backend.FormatCLAP, New(t.TempDir()).Format())
}

func TestCStringStaysReachable(t *testing.T) {
	// Native code holds these pointers long after the caller returns; the
	// bytes must survive collection.
	p := cString("org.example.compressor")
	for i := 0; i < 4; i++ {
		runtime.GC()
	}
	assert.Equal(t, "org.example.compressor", goString(p))
}
