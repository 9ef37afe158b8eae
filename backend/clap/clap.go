//go:build linux || darwin || freebsd

// Package clap hosts CLAP plugins.
//
// Model:
//   - Scan walks the install roots for .clap objects, opens each once,
//     enumerates its factory descriptors and probes briefly for ports and
//     parameters. Probe plugins are always destroyed before Scan returns.
//   - Instantiate builds a backend.Unit over the plugin vtable. Parameter
//     changes travel as CLAP param-value events staged into a preallocated
//     queue served during process, which is the format's sanctioned path.
package clap

import (
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/backend"
)

// DefaultRoots are the conventional CLAP install directories.
func DefaultRoots() []string {
	home, _ := os.UserHomeDir()
	roots := []string{"/usr/lib/clap", "/usr/local/lib/clap"}
	if home != "" {
		roots = append(roots, filepath.Join(home, ".clap"))
	}
	return roots
}

// Backend hosts the CLAP format.
type Backend struct {
	roots []string
	log   *logrus.Entry

	// probe and load are indirected for tests; production uses the native
	// shim.
	probe func(path string) ([]backend.Descriptor, error)
	load  func(desc backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error)
}

// New creates a CLAP backend over the given roots (DefaultRoots when none).
func New(roots ...string) *Backend {
	if len(roots) == 0 {
		roots = DefaultRoots()
	}
	b := &Backend{
		roots: roots,
		log:   logrus.WithField("component", "backend.clap"),
	}
	b.probe = b.probeFile
	b.load = b.loadNative
	return b
}

// Format implements backend.Backend.
func (b *Backend) Format() backend.Format { return backend.FormatCLAP }

// Scan implements backend.Backend.
func (b *Backend) Scan() (backend.Descriptors, error) {
	var out backend.Descriptors
	for _, root := range b.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if d.IsDir() || !strings.HasSuffix(path, ".clap") {
				return nil
			}
			descs, err := b.probe(path)
			if err != nil {
				b.log.WithFields(logrus.Fields{
					"path":  path,
					"error": err,
				}).Warn("Skipping unprobeable CLAP object")
				return nil
			}
			out = append(out, descs...)
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	b.log.WithField("plugins", len(out)).Info("CLAP scan complete")
	return out, nil
}

// Instantiate implements backend.Backend.
func (b *Backend) Instantiate(desc backend.Descriptor, sampleRate float64) (backend.Instance, error) {
	unit, params, err := b.load(desc, sampleRate)
	if err != nil {
		return nil, err
	}
	return backend.NewInstance(desc, params, unit, sampleRate)
}

// probeFile opens a .clap object, reads every factory descriptor, and
// instantiates each plugin just long enough to count ports and parameters.
func (b *Backend) probeFile(path string) ([]backend.Descriptor, error) {
	m, err := openModule(path)
	if err != nil {
		return nil, &backend.LoadError{Path: path, Err: err}
	}
	defer m.release()

	var out []backend.Descriptor
	for i := uint32(0); i < m.pluginCount(); i++ {
		raw := m.descriptor(i)
		if raw == nil {
			continue
		}
		desc := backend.Descriptor{
			Format:     backend.FormatCLAP,
			URI:        goString(raw.ID),
			Name:       goString(raw.Name),
			Author:     goString(raw.Vendor),
			Category:   firstFeature(goStringArray(raw.Features)),
			Compatible: raw.Version.Major >= 1,
			Path:       path,
		}
		if desc.Compatible {
			// Brief instantiation for introspection; always torn down, even
			// on partial failure, so no half-initialized native object
			// survives the probe.
			if np, err := m.createPlugin(desc.URI); err == nil {
				fillPorts(np, &desc)
				desc.HasUI = np.hasGUI()
				np.destroy()
			} else {
				desc.Compatible = false
			}
		}
		out = append(out, desc)
	}
	return out, nil
}

func firstFeature(features []string) string {
	if len(features) == 0 {
		return ""
	}
	return features[0]
}

// fillPorts populates the descriptor's port list and counts from the
// audio-ports and params extensions.
func fillPorts(np *nativePlugin, desc *backend.Descriptor) {
	index := 0
	if ap := np.audioPorts(); ap != nil {
		for _, input := range []bool{true, false} {
			dir := backend.PortOutput
			if input {
				dir = backend.PortInput
			}
			n := np.audioPortCount(ap, input)
			for i := uint32(0); i < n; i++ {
				info, ok := np.audioPortInfo(ap, i, input)
				if !ok {
					continue
				}
				for ch := uint32(0); ch < info.ChannelCount; ch++ {
					desc.Ports = append(desc.Ports, backend.PortInfo{
						Index:     index,
						Name:      fixedString(info.Name[:]),
						Kind:      backend.PortAudio,
						Direction: dir,
					})
					index++
				}
				if input {
					desc.AudioIn += int(info.ChannelCount)
				} else {
					desc.AudioOut += int(info.ChannelCount)
				}
			}
		}
	}
	if pp := np.params(); pp != nil {
		n := np.paramCount(pp)
		for i := uint32(0); i < n; i++ {
			info, ok := np.paramInfo(pp, i)
			if !ok {
				continue
			}
			desc.Ports = append(desc.Ports, backend.PortInfo{
				Index:     index,
				Symbol:    fixedString(info.Name[:]),
				Name:      fixedString(info.Name[:]),
				Kind:      backend.PortControl,
				Direction: backend.PortInput,
			})
			index++
			desc.ControlIn++
		}
	}
}

// loadNative opens the object and builds the live unit for Instantiate.
func (b *Backend) loadNative(desc backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error) {
	m, err := openModule(desc.Path)
	if err != nil {
		return nil, nil, &backend.LoadError{Path: desc.Path, Err: err}
	}
	np, err := m.createPlugin(desc.URI)
	if err != nil {
		m.release()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: err}
	}

	u := &unit{mod: m, np: np, pp: np.params()}

	var params []backend.Parameter
	if u.pp != nil {
		n := np.paramCount(u.pp)
		u.cookies = make(map[int]paramRef, n)
		portIndex := 0
		for i := uint32(0); i < n; i++ {
			info, ok := np.paramInfo(u.pp, i)
			if !ok {
				continue
			}
			// Hidden and read-only parameters stay out of the editable set.
			if info.Flags&(paramIsHidden|paramIsReadOnly) != 0 {
				continue
			}
			value := info.Default
			if v, ok := np.paramValue(u.pp, info.ID); ok {
				value = v
			}
			params = append(params, backend.Parameter{
				ID:        info.ID,
				PortIndex: portIndex,
				Name:      fixedString(info.Name[:]),
				Value:     value,
				Min:       info.Min,
				Max:       info.Max,
				Default:   info.Default,
			})
			u.cookies[portIndex] = paramRef{id: info.ID, cookie: info.Cookie}
			portIndex++
		}
	}
	u.values = make([]uint64, len(params))
	for i, p := range params {
		u.values[i] = math.Float64bits(p.Value)
	}
	u.pending = newPendingEvents(len(params) + 16)
	u.prepareBuffers(desc)
	return u, params, nil
}

// paramRef ties a stable port index back to the CLAP param id and cookie.
type paramRef struct {
	id     uint32
	cookie uintptr
}

// unit is the CLAP backend.Unit. Process-path methods are RT-safe: all
// buffers and event slots are preallocated in loadNative.
type unit struct {
	mod     *module
	np      *nativePlugin
	pp      *clapPluginParams
	cookies map[int]paramRef

	// values caches the last pushed value per port index, because CLAP's
	// get_value is main-thread only and must not be called during process.
	values []uint64

	pending *pendingEvents

	proc    clapProcess
	inBuf   clapAudioBuffer
	outBuf  clapAudioBuffer
	inPtrs  []uintptr
	outPtrs []uintptr
}

// prepareBuffers sizes the channel-pointer arrays to the descriptor's bus
// layout so Process never allocates.
func (u *unit) prepareBuffers(desc backend.Descriptor) {
	u.inPtrs = make([]uintptr, maxInt(desc.AudioIn, 1))
	u.outPtrs = make([]uintptr, maxInt(desc.AudioOut, 1))
	u.inBuf = clapAudioBuffer{Data32: ptrSlicePtr(u.inPtrs), ChannelCount: uint32(desc.AudioIn)}
	u.outBuf = clapAudioBuffer{Data32: ptrSlicePtr(u.outPtrs), ChannelCount: uint32(desc.AudioOut)}
	u.proc = clapProcess{
		SteadyTime:        -1,
		AudioInputs:       bufPtr(&u.inBuf),
		AudioOutputs:      bufPtr(&u.outBuf),
		AudioInputsCount:  1,
		AudioOutputsCount: 1,
		InEvents:          u.pending.ptr(),
		OutEvents:         sinkEvents(),
	}
}

func (u *unit) Activate(sampleRate float64, maxFrames int) error {
	if !u.np.activate(sampleRate, 1, uint32(maxFrames)) {
		return errActivateRefused
	}
	return nil
}

func (u *unit) StartProcessing() error {
	if !u.np.startProcessing() {
		return errStartRefused
	}
	return nil
}

func (u *unit) StopProcessing() { u.np.stopProcessing() }

func (u *unit) Deactivate() { u.np.deactivate() }

func (u *unit) Destroy() {
	u.np.destroy()
	u.mod.release()
}

func (u *unit) SetParamValue(portIndex int, value float64) {
	ref, ok := u.cookies[portIndex]
	if !ok {
		return
	}
	u.pending.push(ref.id, ref.cookie, value)
	if portIndex < len(u.values) {
		atomic.StoreUint64(&u.values[portIndex], math.Float64bits(value))
	}
}

func (u *unit) ParamValue(portIndex int) float64 {
	if portIndex < 0 || portIndex >= len(u.values) {
		return 0
	}
	return math.Float64frombits(atomic.LoadUint64(&u.values[portIndex]))
}

func (u *unit) Process(inputs, outputs [][]float32, frames int) {
	for i := range u.inPtrs {
		u.inPtrs[i] = 0
		if i < len(inputs) && len(inputs[i]) >= frames {
			u.inPtrs[i] = slicePtr(inputs[i])
		}
	}
	for i := range u.outPtrs {
		u.outPtrs[i] = 0
		if i < len(outputs) && len(outputs[i]) >= frames {
			u.outPtrs[i] = slicePtr(outputs[i])
		}
	}
	u.proc.FramesCount = uint32(frames)
	u.np.process(&u.proc)
	u.pending.reset()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
