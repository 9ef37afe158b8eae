//go:build linux || darwin || freebsd

package clap

// This file is the format's one unsafe boundary: raw CLAP ABI layouts and
// the calls into them. Nothing outside this file touches native memory.

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/lemonxah/zestbay/backend/dylib"
)

const (
	entrySymbol      = "clap_entry"
	pluginFactoryID  = "clap.plugin-factory"
	extAudioPorts    = "clap.audio-ports"
	extParams        = "clap.params"
	extGUI           = "clap.gui"
	clapNameSize     = 256
	clapPathSize     = 1024
	processContinue  = 1
	paramIsHidden    = 1 << 2
	paramIsReadOnly  = 1 << 3
	audioPortIsMain  = 1 << 0
	hostName         = "zestbay"
	hostVendor       = "zestbay"
	hostVersion      = "1.0"
)

// clapVersion mirrors clap_version_t.
type clapVersion struct {
	Major    uint32
	Minor    uint32
	Revision uint32
}

// clapEntry mirrors clap_plugin_entry_t, resolved from the clap_entry data
// symbol.
type clapEntry struct {
	Version    clapVersion
	_          uint32
	Init       uintptr // bool (*)(const char *path)
	Deinit     uintptr // void (*)(void)
	GetFactory uintptr // const void *(*)(const char *id)
}

// clapPluginFactory mirrors clap_plugin_factory_t.
type clapPluginFactory struct {
	GetPluginCount      uintptr
	GetPluginDescriptor uintptr
	CreatePlugin        uintptr
}

// clapPluginDescriptor mirrors clap_plugin_descriptor_t.
type clapPluginDescriptor struct {
	Version     clapVersion
	_           uint32
	ID          uintptr
	Name        uintptr
	Vendor      uintptr
	URL         uintptr
	ManualURL   uintptr
	SupportURL  uintptr
	PluginVer   uintptr
	Description uintptr
	Features    uintptr // const char *const *
}

// clapPlugin mirrors clap_plugin_t.
type clapPlugin struct {
	Desc            uintptr
	PluginData      uintptr
	Init            uintptr
	Destroy         uintptr
	Activate        uintptr
	Deactivate      uintptr
	StartProcessing uintptr
	StopProcessing  uintptr
	Reset           uintptr
	Process         uintptr
	GetExtension    uintptr
	OnMainThread    uintptr
}

// clapParamInfo mirrors clap_param_info_t.
type clapParamInfo struct {
	ID      uint32
	Flags   uint32
	Cookie  uintptr
	Name    [clapNameSize]byte
	Module  [clapPathSize]byte
	Min     float64
	Max     float64
	Default float64
}

// clapPluginParams mirrors clap_plugin_params_t.
type clapPluginParams struct {
	Count       uintptr
	GetInfo     uintptr
	GetValue    uintptr
	ValueToText uintptr
	TextToValue uintptr
	Flush       uintptr
}

// clapAudioPortInfo mirrors clap_audio_port_info_t.
type clapAudioPortInfo struct {
	ID           uint32
	Name         [clapNameSize]byte
	Flags        uint32
	ChannelCount uint32
	PortType     uintptr
	InPlacePair  uint32
}

// clapPluginAudioPorts mirrors clap_plugin_audio_ports_t.
type clapPluginAudioPorts struct {
	Count uintptr
	Get   uintptr
}

// clapAudioBuffer mirrors clap_audio_buffer_t.
type clapAudioBuffer struct {
	Data32       uintptr // float **
	Data64       uintptr // double **
	ChannelCount uint32
	Latency      uint32
	ConstantMask uint64
}

// clapProcess mirrors clap_process_t.
type clapProcess struct {
	SteadyTime        int64
	FramesCount       uint32
	_                 uint32
	Transport         uintptr
	AudioInputs       uintptr
	AudioOutputs      uintptr
	AudioInputsCount  uint32
	AudioOutputsCount uint32
	InEvents          uintptr
	OutEvents         uintptr
}

// clapInputEvents / clapOutputEvents mirror the event list structs the
// process call requires. The host hands the plugin empty input lists and a
// sink output list; event traffic travels through the RT bridge instead.
type clapInputEvents struct {
	Ctx  uintptr
	Size uintptr
	Get  uintptr
}

type clapOutputEvents struct {
	Ctx     uintptr
	TryPush uintptr
}

// clapHost mirrors clap_host_t, the host context handed to create_plugin.
type clapHost struct {
	Version         clapVersion
	_               uint32
	HostData        uintptr
	Name            uintptr
	Vendor          uintptr
	URL             uintptr
	HostVer         uintptr
	GetExtension    uintptr
	RequestRestart  uintptr
	RequestProcess  uintptr
	RequestCallback uintptr
}

// goString copies a NUL-terminated native string. The pointed-to memory
// stays valid for the process lifetime (the dylib cache never unloads), but
// copying keeps everything above this file free of native pointers.
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// goStringArray copies a NULL-terminated const char* const* array.
func goStringArray(p uintptr) []string {
	if p == 0 {
		return nil
	}
	var out []string
	for {
		elem := *(*uintptr)(unsafe.Pointer(p))
		if elem == 0 {
			return out
		}
		out = append(out, goString(elem))
		p += unsafe.Sizeof(uintptr(0))
	}
}

// cStrings keeps every native-visible string allocation reachable; native
// code may hold the pointers long after the Go caller returns.
var cStrings struct {
	sync.Mutex
	bufs [][]byte
}

func cString(s string) uintptr {
	b := append([]byte(s), 0)
	cStrings.Lock()
	cStrings.bufs = append(cStrings.bufs, b)
	cStrings.Unlock()
	return uintptr(unsafe.Pointer(&b[0]))
}

func fixedString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// hostContext is the process-wide clap_host object. Built once; its
// callbacks are no-ops because restart/callback scheduling is handled by
// the graph thread polling, not by plugin push.
var hostContext *clapHost

func sharedHost() uintptr {
	if hostContext == nil {
		hostContext = &clapHost{
			Version:         clapVersion{Major: 1, Minor: 2, Revision: 0},
			Name:            cString(hostName),
			Vendor:          cString(hostVendor),
			URL:             cString("https://github.com/lemonxah/zestbay"),
			HostVer:         cString(hostVersion),
			GetExtension:    purego.NewCallback(func(host, id uintptr) uintptr { return 0 }),
			RequestRestart:  purego.NewCallback(func(host uintptr) uintptr { return 0 }),
			RequestProcess:  purego.NewCallback(func(host uintptr) uintptr { return 0 }),
			RequestCallback: purego.NewCallback(func(host uintptr) uintptr { return 0 }),
		}
	}
	return uintptr(unsafe.Pointer(hostContext))
}

// sinkOutEvents accepts and discards anything the plugin pushes. Plugin to
// host event traffic surfaces through the params extension on the main
// thread instead.
var sinkOutEvents *clapOutputEvents

func sinkEvents() uintptr {
	if sinkOutEvents == nil {
		sinkOutEvents = &clapOutputEvents{
			TryPush: purego.NewCallback(func(list, ev uintptr) uintptr { return 1 }),
		}
	}
	return uintptr(unsafe.Pointer(sinkOutEvents))
}

// ptrSlicePtr and bufPtr exist so the non-shim files in this package stay
// free of unsafe.
func ptrSlicePtr(s []uintptr) uintptr { return uintptr(unsafe.Pointer(&s[0])) }

func bufPtr(b *clapAudioBuffer) uintptr { return uintptr(unsafe.Pointer(b)) }

func slicePtr(s []float32) uintptr { return uintptr(unsafe.Pointer(&s[0])) }

var (
	errActivateRefused = errors.New("plugin refused activation")
	errStartRefused    = errors.New("plugin refused to start processing")
)

// module wraps one loaded .clap file with an initialized entry.
type module struct {
	handle  *dylib.Handle
	entry   *clapEntry
	factory *clapPluginFactory
}

// openModule loads path, resolves clap_entry, runs init and obtains the
// plugin factory.
func openModule(path string) (*module, error) {
	h, err := dylib.Open(path)
	if err != nil {
		return nil, err
	}
	addr, err := h.Symbol(entrySymbol)
	if err != nil {
		h.Release()
		return nil, err
	}
	entry := (*clapEntry)(unsafe.Pointer(addr))

	ok, _, _ := purego.SyscallN(entry.Init, cString(path))
	if ok == 0 {
		h.Release()
		return nil, fmt.Errorf("clap_entry.init refused %s", path)
	}

	fac, _, _ := purego.SyscallN(entry.GetFactory, cString(pluginFactoryID))
	if fac == 0 {
		purego.SyscallN(entry.Deinit)
		h.Release()
		return nil, errors.New("plugin factory not provided")
	}
	return &module{
		handle:  h,
		entry:   entry,
		factory: (*clapPluginFactory)(unsafe.Pointer(fac)),
	}, nil
}

func (m *module) pluginCount() uint32 {
	n, _, _ := purego.SyscallN(m.factory.GetPluginCount, uintptr(unsafe.Pointer(m.factory)))
	return uint32(n)
}

func (m *module) descriptor(index uint32) *clapPluginDescriptor {
	d, _, _ := purego.SyscallN(m.factory.GetPluginDescriptor,
		uintptr(unsafe.Pointer(m.factory)), uintptr(index))
	if d == 0 {
		return nil
	}
	return (*clapPluginDescriptor)(unsafe.Pointer(d))
}

// createPlugin instantiates and inits the plugin with the given id.
func (m *module) createPlugin(id string) (*nativePlugin, error) {
	p, _, _ := purego.SyscallN(m.factory.CreatePlugin,
		uintptr(unsafe.Pointer(m.factory)), sharedHost(), cString(id))
	if p == 0 {
		return nil, fmt.Errorf("factory refused to create %q", id)
	}
	np := &nativePlugin{raw: p, vt: (*clapPlugin)(unsafe.Pointer(p))}
	ok, _, _ := purego.SyscallN(np.vt.Init, p)
	if ok == 0 {
		purego.SyscallN(np.vt.Destroy, p)
		return nil, fmt.Errorf("plugin %q init failed", id)
	}
	return np, nil
}

// release deinits the entry and drops the handle reference. The mapping
// itself stays loaded (dylib cache policy).
func (m *module) release() {
	purego.SyscallN(m.entry.Deinit)
	m.handle.Release()
}

// nativePlugin wraps one created clap_plugin with typed calls.
type nativePlugin struct {
	raw uintptr
	vt  *clapPlugin
}

func (np *nativePlugin) activate(sampleRate float64, minFrames, maxFrames uint32) bool {
	// activate takes a double; RegisterFunc routes it through the right
	// register class, which raw SyscallN cannot.
	var fn func(plugin uintptr, sampleRate float64, minFrames, maxFrames uint32) bool
	purego.RegisterFunc(&fn, np.vt.Activate)
	return fn(np.raw, sampleRate, minFrames, maxFrames)
}

func (np *nativePlugin) deactivate() { purego.SyscallN(np.vt.Deactivate, np.raw) }

func (np *nativePlugin) startProcessing() bool {
	ok, _, _ := purego.SyscallN(np.vt.StartProcessing, np.raw)
	return ok != 0
}

func (np *nativePlugin) stopProcessing() { purego.SyscallN(np.vt.StopProcessing, np.raw) }

func (np *nativePlugin) destroy() { purego.SyscallN(np.vt.Destroy, np.raw) }

func (np *nativePlugin) process(p *clapProcess) int32 {
	status, _, _ := purego.SyscallN(np.vt.Process, np.raw, uintptr(unsafe.Pointer(p)))
	return int32(status)
}

func (np *nativePlugin) extension(id string) uintptr {
	ext, _, _ := purego.SyscallN(np.vt.GetExtension, np.raw, cString(id))
	return ext
}

func (np *nativePlugin) params() *clapPluginParams {
	ext := np.extension(extParams)
	if ext == 0 {
		return nil
	}
	return (*clapPluginParams)(unsafe.Pointer(ext))
}

func (np *nativePlugin) audioPorts() *clapPluginAudioPorts {
	ext := np.extension(extAudioPorts)
	if ext == 0 {
		return nil
	}
	return (*clapPluginAudioPorts)(unsafe.Pointer(ext))
}

func (np *nativePlugin) hasGUI() bool { return np.extension(extGUI) != 0 }

func (np *nativePlugin) paramCount(pp *clapPluginParams) uint32 {
	n, _, _ := purego.SyscallN(pp.Count, np.raw)
	return uint32(n)
}

func (np *nativePlugin) paramInfo(pp *clapPluginParams, index uint32) (clapParamInfo, bool) {
	var info clapParamInfo
	ok, _, _ := purego.SyscallN(pp.GetInfo, np.raw, uintptr(index),
		uintptr(unsafe.Pointer(&info)))
	return info, ok != 0
}

func (np *nativePlugin) paramValue(pp *clapPluginParams, id uint32) (float64, bool) {
	var v float64
	ok, _, _ := purego.SyscallN(pp.GetValue, np.raw, uintptr(id),
		uintptr(unsafe.Pointer(&v)))
	return v, ok != 0
}

func (np *nativePlugin) audioPortCount(ap *clapPluginAudioPorts, input bool) uint32 {
	n, _, _ := purego.SyscallN(ap.Count, np.raw, boolArg(input))
	return uint32(n)
}

func (np *nativePlugin) audioPortInfo(ap *clapPluginAudioPorts, index uint32, input bool) (clapAudioPortInfo, bool) {
	var info clapAudioPortInfo
	ok, _, _ := purego.SyscallN(ap.Get, np.raw, uintptr(index), boolArg(input),
		uintptr(unsafe.Pointer(&info)))
	return info, ok != 0
}

func boolArg(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

// clapEventHeader mirrors clap_event_header_t.
type clapEventHeader struct {
	Size    uint32
	Time    uint32
	SpaceID uint16
	Type    uint16
	Flags   uint32
}

const eventParamValue = 5 // CLAP_EVENT_PARAM_VALUE

// clapEventParamValueT mirrors clap_event_param_value_t.
type clapEventParamValueT struct {
	Header    clapEventHeader
	ParamID   uint32
	_         uint32
	Cookie    uintptr
	NoteID    int32
	PortIndex int16
	Channel   int16
	Key       int16
	_         [3]int16
	Value     float64
}

// pendingEvents serves staged param-value events to the plugin during
// process. The callbacks are shared across instances and find their queue
// through a registry keyed by the list's Ctx field, so the per-process
// callback budget stays constant.
type pendingEvents struct {
	events []clapEventParamValueT
	count  int
	list   clapInputEvents
}

var (
	eventsSizeCB uintptr
	eventsGetCB  uintptr
)

func newPendingEvents(capacity int) *pendingEvents {
	if eventsSizeCB == 0 {
		eventsSizeCB = purego.NewCallback(func(list uintptr) uintptr {
			q := queueFor(list)
			if q == nil {
				return 0
			}
			return uintptr(q.count)
		})
		eventsGetCB = purego.NewCallback(func(list, index uintptr) uintptr {
			q := queueFor(list)
			if q == nil || int(index) >= q.count {
				return 0
			}
			return uintptr(unsafe.Pointer(&q.events[index]))
		})
	}
	q := &pendingEvents{events: make([]clapEventParamValueT, capacity)}
	// Ctx carries the queue itself; the owning unit keeps q reachable for
	// as long as the plugin can call back.
	q.list = clapInputEvents{
		Ctx:  uintptr(unsafe.Pointer(q)),
		Size: eventsSizeCB,
		Get:  eventsGetCB,
	}
	return q
}

func queueFor(list uintptr) *pendingEvents {
	ctx := (*clapInputEvents)(unsafe.Pointer(list)).Ctx
	if ctx == 0 {
		return nil
	}
	return (*pendingEvents)(unsafe.Pointer(ctx))
}

// push stages a param change; a full queue drops the event, matching the
// bridge's never-block policy.
func (q *pendingEvents) push(paramID uint32, cookie uintptr, value float64) {
	if q.count >= len(q.events) {
		return
	}
	q.events[q.count] = clapEventParamValueT{
		Header: clapEventHeader{
			Size: uint32(unsafe.Sizeof(clapEventParamValueT{})),
			Type: eventParamValue,
		},
		ParamID:   paramID,
		Cookie:    cookie,
		NoteID:    -1,
		PortIndex: -1,
		Channel:   -1,
		Key:       -1,
		Value:     value,
	}
	q.count++
}

func (q *pendingEvents) reset() { q.count = 0 }

func (q *pendingEvents) ptr() uintptr { return uintptr(unsafe.Pointer(&q.list)) }
