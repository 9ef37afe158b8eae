//go:build linux || darwin || freebsd

// Package lv2 hosts LV2 plugins. Bundle metadata (Turtle files) drives the
// whole scan path without touching a plugin binary; only Instantiate loads
// native code.
package lv2

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/backend"
	"github.com/lemonxah/zestbay/bridge"
	"github.com/lemonxah/zestbay/worker"
)

// DefaultRoots are the conventional LV2 bundle directories.
func DefaultRoots() []string {
	home, _ := os.UserHomeDir()
	roots := []string{"/usr/lib/lv2", "/usr/local/lib/lv2"}
	if home != "" {
		roots = append(roots, filepath.Join(home, ".lv2"))
	}
	return roots
}

// Backend hosts the LV2 format.
type Backend struct {
	roots []string
	log   *logrus.Entry

	probe func(dir string) ([]backend.Descriptor, error)
	load  func(desc backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error)
}

// New creates an LV2 backend over the given roots (DefaultRoots when none).
func New(roots ...string) *Backend {
	if len(roots) == 0 {
		roots = DefaultRoots()
	}
	b := &Backend{
		roots: roots,
		log:   logrus.WithField("component", "backend.lv2"),
	}
	b.probe = parseBundle
	b.load = b.loadNative
	return b
}

// Format implements backend.Backend.
func (b *Backend) Format() backend.Format { return backend.FormatLV2 }

// Scan implements backend.Backend. A bundle is any directory under a root
// that carries a manifest.ttl.
func (b *Backend) Scan() (backend.Descriptors, error) {
	var out backend.Descriptors
	for _, root := range b.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name())
			if _, err := os.Stat(filepath.Join(dir, "manifest.ttl")); err != nil {
				continue
			}
			descs, err := b.probe(dir)
			if err != nil {
				b.log.WithFields(logrus.Fields{
					"bundle": dir,
					"error":  err,
				}).Warn("Skipping unreadable LV2 bundle")
				continue
			}
			out = append(out, descs...)
		}
	}
	b.log.WithField("plugins", len(out)).Info("LV2 scan complete")
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

// controlRange carries the value range metadata the descriptor port list
// does not.
type controlRange struct {
	Index   int
	Symbol  string
	Name    string
	Default float64
	Min     float64
	Max     float64
}

// controlInputs re-reads a bundle for the control input ranges of one
// plugin. Missing bounds default to the conventional 0..1.
func controlInputs(dir, pluginURI string) ([]controlRange, error) {
	base := "file://" + dir + "/"
	triples, err := parseBundleFile(filepath.Join(dir, "manifest.ttl"), base)
	if err != nil {
		return nil, err
	}
	ts := indexTriples(triples)
	for _, ref := range ts[pluginURI][rdfsSeeAlso] {
		path := fileFromIRI(ref)
		if path == "" {
			continue
		}
		more, err := parseBundleFile(path, base)
		if err != nil {
			return nil, err
		}
		triples = append(triples, more...)
	}
	ts = indexTriples(triples)

	var out []controlRange
	for _, pnode := range ts[pluginURI][uriPort] {
		if !ts.hasType(pnode, uriCtrlPort) || !ts.hasType(pnode, uriInputPort) {
			continue
		}
		idx, err := strconv.Atoi(ts.first(pnode, uriIndex))
		if err != nil {
			continue
		}
		cr := controlRange{
			Index:  idx,
			Symbol: ts.first(pnode, uriSymbol),
			Name:   ts.first(pnode, uriName),
			Min:    parseFloatOr(ts.first(pnode, uriMinimum), 0),
			Max:    parseFloatOr(ts.first(pnode, uriMaximum), 1),
		}
		cr.Default = parseFloatOr(ts.first(pnode, uriDefault), cr.Min)
		if cr.Name == "" {
			cr.Name = cr.Symbol
		}
		out = append(out, cr)
	}
	return out, nil
}

func parseFloatOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

const atomBufferSize = 8192

// loadNative opens the plugin binary and wires a unit over it.
func (b *Backend) loadNative(desc backend.Descriptor, sampleRate float64) (backend.Unit, []backend.Parameter, error) {
	lib, err := openLib(desc.Path)
	if err != nil {
		return nil, nil, &backend.LoadError{Path: desc.Path, Err: err}
	}
	nd, err := lib.findDescriptor(desc.URI)
	if err != nil {
		lib.release()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: err}
	}
	// The schedule target must exist before instantiate: plugins may call
	// schedule_work from their instantiate path.
	target := &workTarget{setup: worker.NewSetup(0, 0)}
	workHandle := registerWorkTarget(target)
	feats := featuresWithSchedule(workHandle)

	bundleDir := filepath.Dir(desc.Path)
	ni, err := lib.instantiate(nd, sampleRate, bundleDir+string(filepath.Separator), feats.ptr())
	if err != nil {
		unregisterWorkTarget(workHandle)
		lib.release()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: err}
	}

	maxIndex := 0
	for _, pi := range desc.Ports {
		if pi.Index > maxIndex {
			maxIndex = pi.Index
		}
	}
	u := &unit{
		lib:        lib,
		ni:         ni,
		feats:      feats,
		workHandle: workHandle,
		controls:   make([]float32, maxIndex+1),
		silence:    make([]float32, backend.MaxBlockFrames),
		seqURID:    mapURI(uriAtomSequence),
		midiURID:   mapURI(uriMidiEvent),
	}
	if wi := ni.workerIface(); wi != nil {
		u.work = wi
		u.worker = target.setup.Activate(func(data []byte) []byte {
			ni.runWork(wi, workHandle, data)
			return nil // responses arrive through the respond callback
		})
	} else {
		unregisterWorkTarget(workHandle)
		u.workHandle = 0
	}

	ranges, err := controlInputs(bundleDir, desc.URI)
	if err != nil {
		// control metadata was readable at scan time; treat loss as fatal
		u.Destroy()
		return nil, nil, &backend.InstantiateError{URI: desc.URI, Err: err}
	}
	byIndex := make(map[int]controlRange, len(ranges))
	for _, cr := range ranges {
		byIndex[cr.Index] = cr
	}

	var params []backend.Parameter
	u.slots = make(map[int]uint32)
	for _, pi := range desc.Ports {
		lvIndex := uint32(pi.Index)
		switch {
		case pi.Kind == backend.PortControl && pi.Direction == backend.PortInput:
			cr, ok := byIndex[pi.Index]
			if !ok {
				cr = controlRange{Index: pi.Index, Symbol: pi.Symbol, Name: pi.Name, Min: 0, Max: 1}
			}
			u.controls[pi.Index] = float32(cr.Default)
			slot := len(params)
			params = append(params, backend.Parameter{
				ID:        lvIndex,
				PortIndex: slot,
				Symbol:    cr.Symbol,
				Name:      cr.Name,
				Value:     cr.Default,
				Min:       cr.Min,
				Max:       cr.Max,
				Default:   cr.Default,
			})
			u.slots[slot] = lvIndex
			ni.connectPort(lvIndex, float32Ptr(u.controls, pi.Index))
		case pi.Kind == backend.PortControl:
			// control outputs still need somewhere to write
			ni.connectPort(lvIndex, float32Ptr(u.controls, pi.Index))
		case pi.Kind == backend.PortAudio && pi.Direction == backend.PortInput:
			u.audioIn = append(u.audioIn, lvIndex)
		case pi.Kind == backend.PortAudio:
			u.audioOut = append(u.audioOut, lvIndex)
		case pi.Kind == backend.PortEvent:
			buf := make([]byte, atomBufferSize)
			if pi.Direction == backend.PortInput {
				u.atomIn = append(u.atomIn, buf)
				u.midiIn = append(u.midiIn, pi.Midi)
			} else {
				u.atomOut = append(u.atomOut, buf)
			}
			ni.connectPort(lvIndex, bytePtr(buf))
		}
	}
	return u, params, nil
}

// unit is the LV2 backend.Unit.
type unit struct {
	lib   *nativeLib
	ni    *nativeInstance
	feats *instanceFeatures

	// controls is indexed by LV2 port index and stays connected for the
	// instance lifetime; LV2 control values are plain float32 cells.
	controls []float32
	slots    map[int]uint32
	audioIn  []uint32
	audioOut []uint32
	atomIn   [][]byte
	// midiIn is parallel to atomIn; only midi-capable ports receive
	// host-sent events.
	midiIn  []bool
	atomOut [][]byte
	silence []float32

	seqURID  uint32
	midiURID uint32

	// updates and scratch are set through BindEvents before activation.
	updates *bridge.PortUpdates
	scratch []byte

	worker     *worker.Worker
	work       *workerInterface
	workHandle uintptr

	destroyed atomic.Bool
}

// EventCapacities implements backend.EventAware: one bridge event port per
// atom port, inputs first, then outputs.
func (u *unit) EventCapacities() []int {
	caps := make([]int, len(u.atomIn)+len(u.atomOut))
	for i := range caps {
		caps[i] = atomBufferSize
	}
	return caps
}

// BindEvents implements backend.EventAware.
func (u *unit) BindEvents(updates *bridge.PortUpdates) {
	u.updates = updates
	u.scratch = make([]byte, atomBufferSize)
	for j := range u.atomOut {
		updates.MarkOutput(len(u.atomIn) + j)
	}
}

func (u *unit) Activate(sampleRate float64, maxFrames int) error {
	u.ni.activate()
	return nil
}

// LV2 has no processing gate separate from activation.
func (u *unit) StartProcessing() error { return nil }
func (u *unit) StopProcessing()        {}

func (u *unit) Deactivate() { u.ni.deactivate() }

func (u *unit) Destroy() {
	if !u.destroyed.CompareAndSwap(false, true) {
		return
	}
	// The worker must drain before cleanup so no work() call outlives the
	// native instance.
	if u.worker != nil {
		u.worker.Close()
	}
	unregisterWorkTarget(u.workHandle)
	u.ni.cleanup()
	u.lib.release()
}

func (u *unit) SetParamValue(portIndex int, value float64) {
	lvIndex, ok := u.slots[portIndex]
	if !ok {
		return
	}
	u.controls[lvIndex] = float32(value)
}

func (u *unit) ParamValue(portIndex int) float64 {
	lvIndex, ok := u.slots[portIndex]
	if !ok {
		return 0
	}
	return float64(u.controls[lvIndex])
}

func (u *unit) Process(inputs, outputs [][]float32, frames int) {
	for i, lvIndex := range u.audioIn {
		buf := u.silence
		if i < len(inputs) && len(inputs[i]) >= frames {
			buf = inputs[i]
		}
		u.ni.connectPort(lvIndex, sliceDataPtr(buf))
	}
	for i, lvIndex := range u.audioOut {
		buf := u.silence
		if i < len(outputs) && len(outputs[i]) >= frames {
			buf = outputs[i]
		}
		u.ni.connectPort(lvIndex, sliceDataPtr(buf))
	}
	for i, buf := range u.atomIn {
		resetSequence(buf, false, u.seqURID)
		if u.updates == nil || !u.midiIn[i] {
			continue
		}
		ep := u.updates.Event(i)
		if ep == nil {
			continue
		}
		if n, ok := ep.Read(u.scratch); ok {
			appendSequenceEvent(buf, u.midiURID, u.scratch[:n])
		}
	}
	for _, buf := range u.atomOut {
		resetSequence(buf, true, u.seqURID)
	}

	delivered := false
	if u.worker != nil {
		u.worker.DrainResponses(func(data []byte) {
			u.ni.workResponse(u.work, data)
			delivered = true
		})
	}

	u.ni.run(uint32(frames))

	if delivered {
		u.ni.endRun(u.work)
	}

	if u.updates != nil {
		for j, buf := range u.atomOut {
			ep := u.updates.Event(len(u.atomIn) + j)
			if ep == nil {
				continue
			}
			forEachSequenceEvent(buf, u.seqURID, func(payload []byte) {
				ep.Write(payload)
			})
		}
	}
}

// resetSequence writes an LV2 atom sequence header: an empty sequence for
// inputs, a capacity header for outputs.
func resetSequence(buf []byte, output bool, seqURID uint32) {
	if output {
		binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)-8))
		binary.LittleEndian.PutUint32(buf[4:], 0)
		return
	}
	binary.LittleEndian.PutUint32(buf[0:], 8) // sizeof(LV2_Atom_Sequence_Body)
	binary.LittleEndian.PutUint32(buf[4:], seqURID)
	binary.LittleEndian.PutUint32(buf[8:], 0)
	binary.LittleEndian.PutUint32(buf[12:], 0)
}

// appendSequenceEvent appends one event at frame offset zero to an atom
// sequence buffer, padded to the 8-byte atom alignment. Reports false when
// the event does not fit.
func appendSequenceEvent(buf []byte, typeURID uint32, payload []byte) bool {
	seqSize := binary.LittleEndian.Uint32(buf[0:])
	off := 8 + int(seqSize)
	need := 16 + pad8(len(payload))
	if off+need > len(buf) {
		return false
	}
	binary.LittleEndian.PutUint64(buf[off:], 0) // frame offset
	binary.LittleEndian.PutUint32(buf[off+8:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[off+12:], typeURID)
	copy(buf[off+16:], payload)
	for i := off + 16 + len(payload); i < off+need; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:], seqSize+uint32(need))
	return true
}

// forEachSequenceEvent walks the events of an atom sequence buffer. A
// buffer whose header type is not the sequence URID was never written by
// the plugin and is skipped.
func forEachSequenceEvent(buf []byte, seqURID uint32, fn func(payload []byte)) {
	if binary.LittleEndian.Uint32(buf[4:]) != seqURID {
		return
	}
	end := 8 + int(binary.LittleEndian.Uint32(buf[0:]))
	if end > len(buf) {
		end = len(buf)
	}
	off := 16
	for off+16 <= end {
		size := int(binary.LittleEndian.Uint32(buf[off+8:]))
		if size <= 0 || off+16+size > end {
			return
		}
		fn(buf[off+16 : off+16+size])
		off += 16 + pad8(size)
	}
}

func pad8(n int) int { return (n + 7) &^ 7 }
