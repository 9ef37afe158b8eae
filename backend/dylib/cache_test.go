package dylib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withFakeLoader swaps the dlopen/dlsym indirection for the test's lifetime
// and resets the cache around it.
func withFakeLoader(t *testing.T, open func(string) (uintptr, error), sym func(uintptr, string) (uintptr, error)) {
	t.Helper()

	prevOpen, prevSym := dlopen, dlsym
	dlopen, dlsym = open, sym
	mu.Lock()
	prevCache := cache
	cache = map[string]*entry{}
	mu.Unlock()

	t.Cleanup(func() {
		dlopen, dlsym = prevOpen, prevSym
		mu.Lock()
		cache = prevCache
		mu.Unlock()
	})
}

func TestOpenCachesByPath(t *testing.T) {
	opens := 0
	withFakeLoader(t, func(path string) (uintptr, error) {
		opens++
		return uintptr(0x1000 + opens), nil
	}, nil)

	h1, err := Open("/usr/lib/clap/comp.clap")
	require.NoError(t, err)
	h2, err := Open("/usr/lib/clap/comp.clap")
	require.NoError(t, err)

	assert.Same(t, h1, h2, "same path returns the cached handle")
	assert.Equal(t, 1, opens)
	assert.Equal(t, 2, Refs("/usr/lib/clap/comp.clap"))
	assert.Equal(t, 1, Loaded())
}

func TestReleaseKeepsMappingLoaded(t *testing.T) {
	withFakeLoader(t, func(string) (uintptr, error) { return 0x2000, nil }, nil)

	h, err := Open("/usr/lib/lv2/amp.lv2/amp.so")
	require.NoError(t, err)

	h.Release()
	assert.Equal(t, 0, Refs(h.Path()))
	// Even at zero refs the object is still loaded: descriptor strings in
	// the image must outlive every instance.
	assert.Equal(t, 1, Loaded())

	// Releasing past zero does not underflow.
	h.Release()
	assert.Equal(t, 0, Refs(h.Path()))
}

func TestOpenPropagatesLoaderError(t *testing.T) {
	boom := errors.New("not an ELF")
	withFakeLoader(t, func(string) (uintptr, error) { return 0, boom }, nil)

	_, err := Open("/tmp/broken.so")
	require.ErrorIs(t, err, boom)
	assert.Zero(t, Loaded())
}

func TestSymbolResolution(t *testing.T) {
	withFakeLoader(t,
		func(string) (uintptr, error) { return 0x3000, nil },
		func(raw uintptr, name string) (uintptr, error) {
			if name == "clap_entry" {
				return raw + 0x10, nil
			}
			return 0, errors.New("undefined symbol")
		})

	h, err := Open("/usr/lib/clap/synth.clap")
	require.NoError(t, err)

	addr, err := h.Symbol("clap_entry")
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x3010), addr)

	_, err = h.Symbol("missing")
	require.Error(t, err)
}
