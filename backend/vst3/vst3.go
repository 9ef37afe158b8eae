//go:build linux || darwin || freebsd

// Package vst3 hosts VST3 plugins. Scanning prefers the bundle's
// moduleinfo.json so the catalog can enumerate classes without loading
// native code; instantiation drives the COM factory directly.
package vst3

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/backend"
)

// DefaultRoots are the conventional VST3 install directories.
func DefaultRoots() []string {
	home, _ := os.UserHomeDir()
	roots := []string{"/usr/lib/vst3", "/usr/local/lib/vst3"}
	if home != "" {
		roots = append(roots, filepath.Join(home, ".vst3"))
	}
	return roots
}

// Backend hosts the VST3 format.
type Backend struct {
	roots []string
	log   *logrus.Entry

	probe func(bundle string) ([]backend.Descriptor, error)
	load  func(desc backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error)
}

// New creates a VST3 backend over the given roots (DefaultRoots when none).
func New(roots ...string) *Backend {
	if len(roots) == 0 {
		roots = DefaultRoots()
	}
	b := &Backend{
		roots: roots,
		log:   logrus.WithField("component", "backend.vst3"),
	}
	b.probe = b.probeBundle
	b.load = b.loadNative
	return b
}

// Format implements backend.Backend.
func (b *Backend) Format() backend.Format { return backend.FormatVST3 }

// Scan implements backend.Backend.
func (b *Backend) Scan() (backend.Descriptors, error) {
	var out backend.Descriptors
	for _, root := range b.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !strings.HasSuffix(path, ".vst3") {
				return nil
			}
			descs, perr := b.probe(path)
			if perr != nil {
				b.log.WithFields(logrus.Fields{
					"bundle": path,
					"error":  perr,
				}).Warn("Skipping unreadable VST3 bundle")
			} else {
				out = append(out, descs...)
			}
			if d.IsDir() {
				return fs.SkipDir // do not descend into the bundle
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	b.log.WithField("plugins", len(out)).Info("VST3 scan complete")
	return out, nil
}

// probeBundle prefers moduleinfo.json and falls back to asking the factory.
func (b *Backend) probeBundle(bundle string) ([]backend.Descriptor, error) {
	binary := binaryPath(bundle)
	if mi, err := readModuleInfo(bundle); err == nil {
		return descriptorsFromInfo(mi, bundle, binary), nil
	}
	if binary == "" {
		return nil, fmt.Errorf("no platform binary in %s", bundle)
	}
	return factoryDescriptors(binary)
}

// factoryDescriptors loads the binary and enumerates factory classes.
func factoryDescriptors(binary string) ([]backend.Descriptor, error) {
	m, err := openVSTModule(binary)
	if err != nil {
		return nil, &backend.LoadError{Path: binary, Err: err}
	}
	defer m.release()

	var out []backend.Descriptor
	for i := int32(0); i < m.countClasses(); i++ {
		info, ok := m.classInfo(i)
		if !ok || fixedCString(info.Category[:]) != audioModuleCategory {
			continue
		}
		out = append(out, backend.Descriptor{
			Format:     backend.FormatVST3,
			URI:        fmt.Sprintf("%X", info.CID),
			Name:       fixedCString(info.Name[:]),
			Compatible: true,
			Path:       binary,
		})
	}
	return out, nil
}

// Instantiate implements backend.Backend.
func (b *Backend) Instantiate(desc backend.Descriptor, sampleRate float64) (backend.Instance, error) {
	unit, params, err := b.load(desc, sampleRate)
	if err != nil {
		return nil, err
	}
	// moduleinfo.json carries no editor flag, so the probe cannot know;
	// ask the live controller now that one exists.
	if ep, ok := unit.(interface{ hasEditor() bool }); ok {
		desc.HasUI = ep.hasEditor()
	}
	return backend.NewInstance(desc, params, unit, sampleRate)
}

// loadNative creates the component, navigates to its processor and
// controller interfaces and wires a unit over them.
func (b *Backend) loadNative(desc backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error) {
	cid, err := parseTUID(desc.URI)
	if err != nil {
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: err}
	}
	m, err := openVSTModule(desc.Path)
	if err != nil {
		return nil, nil, &backend.LoadError{Path: desc.Path, Err: err}
	}
	obj, err := m.createInstance(cid, iidComponent)
	if err != nil {
		m.release()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: err}
	}
	comp := component{obj}
	if !comp.initialize() {
		comp.release()
		m.release()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: fmt.Errorf("component initialize failed")}
	}

	fail := func(werr error) (backend.Unit, []backend.Parameter, error) {
		comp.terminate()
		comp.release()
		m.release()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: werr}
	}

	procObj, ok := comp.queryInterface(iidAudioProcessor)
	if !ok {
		return fail(fmt.Errorf("component lacks IAudioProcessor"))
	}
	proc := processor{procObj}
	if !proc.canProcess32() {
		proc.release()
		return fail(fmt.Errorf("32-bit float processing unsupported"))
	}

	u := &unit{mod: m, comp: comp, proc: proc}

	// Single-component effects answer IEditController on the component;
	// split plugins need a second factory instance.
	if ctlObj, ok := comp.queryInterface(iidEditController); ok {
		u.ctl = controller{ctlObj}
		u.ownCtl = false
	} else if ctlCID, ok := comp.controllerClassID(); ok {
		ctlObj, cerr := m.createInstance(ctlCID, iidEditController)
		if cerr != nil {
			proc.release()
			return fail(cerr)
		}
		u.ctl = controller{ctlObj}
		u.ownCtl = true
		if !u.ctl.initialize() {
			u.ctl.release()
			proc.release()
			return fail(fmt.Errorf("controller initialize failed"))
		}
	} else {
		proc.release()
		return fail(fmt.Errorf("no edit controller"))
	}

	params := u.readParameters()
	u.values = make([]uint64, len(params))
	for i, p := range params {
		u.values[i] = math.Float64bits(p.Value)
	}
	u.changes = newHostParamChanges(maxChanges(len(params)))
	u.prepareBusses()
	return u, params, nil
}

func maxChanges(paramCount int) int {
	if paramCount < 16 {
		return 16
	}
	return paramCount
}

// unit is the VST3 backend.Unit.
type unit struct {
	mod    *vstModule
	comp   component
	proc   processor
	ctl    controller
	ownCtl bool

	// ids maps the stable slot to the VST3 param id; values caches the
	// last normalized value because getParamNormalized is not RT-safe.
	ids    []uint32
	values []uint64

	changes *hostParamChanges

	data    processData
	inBus   []audioBusBuffers
	outBus  []audioBusBuffers
	inPtrs  []uintptr
	outPtrs []uintptr
}

func (u *unit) hasEditor() bool { return u.ctl.hasView() }

// readParameters collects the automatable parameter set, skipping hidden,
// read-only and bypass entries.
func (u *unit) readParameters() []backend.Parameter {
	n := u.ctl.parameterCount()
	var params []backend.Parameter
	for i := int32(0); i < n; i++ {
		info, ok := u.ctl.parameterInfo(i)
		if !ok {
			continue
		}
		if info.Flags&(paramIsReadOnly|paramIsHidden|paramIsBypass) != 0 {
			continue
		}
		slot := len(params)
		params = append(params, backend.Parameter{
			ID:        info.ID,
			PortIndex: slot,
			Name:      utf16String(info.Title[:]),
			Value:     u.ctl.paramNormalized(info.ID),
			Min:       0,
			Max:       1,
			Default:   info.DefaultN,
		})
		u.ids = append(u.ids, info.ID)
	}
	return params
}

// prepareBusses activates every audio bus and preallocates the process
// buffers to the component's channel layout.
func (u *unit) prepareBusses() {
	for dir, busses := range map[int32]*[]audioBusBuffers{dirInput: &u.inBus, dirOutput: &u.outBus} {
		n := u.comp.busCount(mediaAudio, dir)
		for i := int32(0); i < n; i++ {
			info, ok := u.comp.bus(mediaAudio, dir, i)
			if !ok {
				continue
			}
			u.comp.activateBus(mediaAudio, dir, i, true)
			*busses = append(*busses, audioBusBuffers{NumChannels: info.ChannelCount})
		}
	}
	total := func(busses []audioBusBuffers) int {
		sum := 0
		for _, b := range busses {
			sum += int(b.NumChannels)
		}
		return sum
	}
	u.inPtrs = make([]uintptr, total(u.inBus))
	u.outPtrs = make([]uintptr, total(u.outBus))
	off := 0
	for i := range u.inBus {
		if u.inBus[i].NumChannels > 0 {
			u.inBus[i].Channels = channelArrayPtr(u.inPtrs[off:])
		}
		off += int(u.inBus[i].NumChannels)
	}
	off = 0
	for i := range u.outBus {
		if u.outBus[i].NumChannels > 0 {
			u.outBus[i].Channels = channelArrayPtr(u.outPtrs[off:])
		}
		off += int(u.outBus[i].NumChannels)
	}
	u.data = processData{
		ProcessMode:        processModeRealtime,
		SymbolicSampleSize: sample32,
		NumInputs:          int32(len(u.inBus)),
		NumOutputs:         int32(len(u.outBus)),
		Inputs:             busArrayPtr(u.inBus),
		Outputs:            busArrayPtr(u.outBus),
		InParamChanges:     u.changes.ptr(),
	}
}

func (u *unit) Activate(sampleRate float64, maxFrames int) error {
	if !u.proc.setup(sampleRate, int32(maxFrames)) {
		return fmt.Errorf("setupProcessing refused")
	}
	if !u.comp.setActive(true) {
		return fmt.Errorf("setActive refused")
	}
	return nil
}

func (u *unit) StartProcessing() error {
	u.proc.setProcessing(true)
	return nil
}

func (u *unit) StopProcessing() { u.proc.setProcessing(false) }

func (u *unit) Deactivate() { u.comp.setActive(false) }

func (u *unit) Destroy() {
	if u.ownCtl {
		u.ctl.terminate()
	}
	u.ctl.release()
	u.proc.release()
	u.comp.terminate()
	u.comp.release()
	u.mod.release()
}

func (u *unit) SetParamValue(portIndex int, value float64) {
	if portIndex < 0 || portIndex >= len(u.ids) {
		return
	}
	u.changes.stage(u.ids[portIndex], value)
	atomic.StoreUint64(&u.values[portIndex], math.Float64bits(value))
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
			u.inPtrs[i] = floatSlicePtr(inputs[i])
		}
	}
	for i := range u.outPtrs {
		u.outPtrs[i] = 0
		if i < len(outputs) && len(outputs[i]) >= frames {
			u.outPtrs[i] = floatSlicePtr(outputs[i])
		}
	}
	u.data.NumSamples = int32(frames)
	u.proc.process(&u.data)
	u.changes.reset()
}
