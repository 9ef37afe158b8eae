// Package dylib is a process-wide cache of loaded plugin shared objects.
//
// Handles are reference counted but deliberately never dlclosed: plugin
// descriptor strings point into the mapped image and must stay valid for the
// process lifetime. This is a documented design decision inherited from how
// the plugin formats hand out string memory, not a leak to eliminate.
package dylib

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"
)

// dlopen/dlsym are indirected so tests can substitute fakes.
var (
	dlopen = func(path string) (uintptr, error) {
		return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	}
	dlsym = purego.Dlsym
)

// Handle is a loaded shared object. Release decrements the refcount for
// bookkeeping; the underlying mapping is kept for the process lifetime.
type Handle struct {
	path string
	raw  uintptr
}

var (
	mu    sync.Mutex
	cache = map[string]*entry{}
)

type entry struct {
	handle *Handle
	refs   int
}

// Open loads the shared object at path, or returns the cached handle.
func Open(path string) (*Handle, error) {
	mu.Lock()
	defer mu.Unlock()

	if e, ok := cache[path]; ok {
		e.refs++
		return e.handle, nil
	}

	raw, err := dlopen(path)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}
	h := &Handle{path: path, raw: raw}
	cache[path] = &entry{handle: h, refs: 1}
	logrus.WithFields(logrus.Fields{
		"component": "dylib",
		"path":      path,
	}).Debug("Loaded shared object")
	return h, nil
}

// Path returns the file the handle was loaded from.
func (h *Handle) Path() string { return h.path }

// Raw exposes the native handle for the format shims.
func (h *Handle) Raw() uintptr { return h.raw }

// Symbol resolves a symbol address in the loaded object.
func (h *Handle) Symbol(name string) (uintptr, error) {
	addr, err := dlsym(h.raw, name)
	if err != nil {
		return 0, fmt.Errorf("dlsym %s in %s: %w", name, h.path, err)
	}
	return addr, nil
}

// Release drops one reference. The mapping itself stays loaded even at zero
// references; see the package comment.
func (h *Handle) Release() {
	mu.Lock()
	defer mu.Unlock()

	e, ok := cache[h.path]
	if !ok {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
}

// Refs returns the current reference count for path. Diagnostic only.
func Refs(path string) int {
	mu.Lock()
	defer mu.Unlock()

	if e, ok := cache[path]; ok {
		return e.refs
	}
	return 0
}

// Loaded returns how many distinct objects the cache holds.
func Loaded() int {
	mu.Lock()
	defer mu.Unlock()
	return len(cache)
}
