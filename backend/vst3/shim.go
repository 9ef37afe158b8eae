//go:build linux || darwin || freebsd

package vst3

// VST3 is COM-shaped: every interface is a pointer to a vtable-first
// object, methods take the object as their first argument, and interface
// navigation goes through queryInterface with 16-byte TUIDs. This file
// holds all of the raw layouts and calls; nothing outside it uses unsafe.

import (
	"encoding/hex"
	"fmt"
	"unicode/utf16"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/lemonxah/zestbay/backend/dylib"
)

const (
	factorySymbol = "GetPluginFactory"
	moduleEntry   = "ModuleEntry"
	moduleExit    = "ModuleExit"

	kResultOk = 0

	mediaAudio = 0
	mediaEvent = 1
	dirInput   = 0
	dirOutput  = 1

	sample32 = 0

	processModeRealtime = 0

	paramCanAutomate = 1 << 0
	paramIsReadOnly  = 1 << 1
	paramIsHidden    = 1 << 4
	paramIsBypass    = 1 << 16
)

// tuid is a VST3 class or interface id.
type tuid [16]byte

func parseTUID(s string) (tuid, error) {
	var id tuid
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 16 {
		return id, fmt.Errorf("bad class id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

func mustTUID(s string) tuid {
	id, err := parseTUID(s)
	if err != nil {
		panic(err)
	}
	return id
}

var (
	iidComponent      = mustTUID("E831FF31F2D54301928EBBEE25697802")
	iidAudioProcessor = mustTUID("42043F99B7DA453CA569E79D9AAEC33D")
	iidEditController = mustTUID("DCD7BBE37742448DA874AACC979C759E")
)

// vtable layouts. Field order is the ABI; never reorder.

type funknownVtbl struct {
	QueryInterface uintptr
	AddRef         uintptr
	Release        uintptr
}

type factoryVtbl struct {
	funknownVtbl
	GetFactoryInfo uintptr
	CountClasses   uintptr
	GetClassInfo   uintptr
	CreateInstance uintptr
}

type componentVtbl struct {
	funknownVtbl
	Initialize           uintptr
	Terminate            uintptr
	GetControllerClassID uintptr
	SetIoMode            uintptr
	GetBusCount          uintptr
	GetBusInfo           uintptr
	GetRoutingInfo       uintptr
	ActivateBus          uintptr
	SetActive            uintptr
	SetState             uintptr
	GetState             uintptr
}

type processorVtbl struct {
	funknownVtbl
	SetBusArrangements   uintptr
	GetBusArrangement    uintptr
	CanProcessSampleSize uintptr
	GetLatencySamples    uintptr
	SetupProcessing      uintptr
	SetProcessing        uintptr
	Process              uintptr
	GetTailSamples       uintptr
}

type controllerVtbl struct {
	funknownVtbl
	Initialize               uintptr
	Terminate                uintptr
	SetComponentState        uintptr
	SetState                 uintptr
	GetState                 uintptr
	GetParameterCount        uintptr
	GetParameterInfo         uintptr
	GetParamStringByValue    uintptr
	GetParamValueByString    uintptr
	NormalizedParamToPlain   uintptr
	PlainParamToNormalized   uintptr
	GetParamNormalized       uintptr
	SetParamNormalized       uintptr
	SetComponentHandler      uintptr
	CreateView               uintptr
}

// pClassInfo mirrors PClassInfo.
type pClassInfo struct {
	CID         tuid
	Cardinality int32
	Category    [32]byte
	Name        [64]byte
}

// busInfo mirrors BusInfo.
type busInfo struct {
	MediaType    int32
	Direction    int32
	ChannelCount int32
	Name         [128]uint16
	BusType      int32
	Flags        uint32
}

// parameterInfo mirrors ParameterInfo.
type parameterInfo struct {
	ID         uint32
	Title      [128]uint16
	ShortTitle [128]uint16
	Units      [128]uint16
	StepCount  int32
	DefaultN   float64
	UnitID     int32
	Flags      int32
}

// processSetup mirrors ProcessSetup.
type processSetup struct {
	ProcessMode        int32
	SymbolicSampleSize int32
	MaxSamplesPerBlock int32
	_                  int32
	SampleRate         float64
}

// audioBusBuffers mirrors AudioBusBuffers.
type audioBusBuffers struct {
	NumChannels  int32
	_            int32
	SilenceFlags uint64
	Channels     uintptr // float32 **
}

// processData mirrors ProcessData.
type processData struct {
	ProcessMode        int32
	SymbolicSampleSize int32
	NumSamples         int32
	NumInputs          int32
	NumOutputs         int32
	_                  int32
	Inputs             uintptr
	Outputs            uintptr
	InParamChanges     uintptr
	OutParamChanges    uintptr
	InEvents           uintptr
	OutEvents          uintptr
	ProcessContext     uintptr
}

func utf16String(b []uint16) string {
	for i, c := range b {
		if c == 0 {
			return string(utf16.Decode(b[:i]))
		}
	}
	return string(utf16.Decode(b))
}

func fixedCString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// comObject is any vtable-first COM pointer.
type comObject struct {
	raw uintptr
}

func (o comObject) vtbl() uintptr { return *(*uintptr)(unsafe.Pointer(o.raw)) }

func (o comObject) call(slot uintptr, args ...uintptr) uintptr {
	r, _, _ := purego.SyscallN(slot, append([]uintptr{o.raw}, args...)...)
	return r
}

func (o comObject) queryInterface(iid tuid) (comObject, bool) {
	vt := (*funknownVtbl)(unsafe.Pointer(o.vtbl()))
	var out uintptr
	r := o.call(vt.QueryInterface,
		uintptr(unsafe.Pointer(&iid[0])), uintptr(unsafe.Pointer(&out)))
	return comObject{raw: out}, r == kResultOk && out != 0
}

func (o comObject) release() uint32 {
	vt := (*funknownVtbl)(unsafe.Pointer(o.vtbl()))
	return uint32(o.call(vt.Release))
}

// vstModule is one loaded .so with an obtained factory.
type vstModule struct {
	handle  *dylib.Handle
	factory comObject
	exitFn  uintptr
}

// openVSTModule loads the binary, runs ModuleEntry when exported (Linux
// bundles require it) and obtains the plugin factory.
func openVSTModule(path string) (*vstModule, error) {
	h, err := dylib.Open(path)
	if err != nil {
		return nil, err
	}
	m := &vstModule{handle: h}
	if entry, err := h.Symbol(moduleEntry); err == nil {
		ok, _, _ := purego.SyscallN(entry, h.Raw())
		if ok == 0 {
			h.Release()
			return nil, fmt.Errorf("ModuleEntry refused")
		}
		if exit, err := h.Symbol(moduleExit); err == nil {
			m.exitFn = exit
		}
	}
	sym, err := h.Symbol(factorySymbol)
	if err != nil {
		m.exit()
		h.Release()
		return nil, err
	}
	fac, _, _ := purego.SyscallN(sym)
	if fac == 0 {
		m.exit()
		h.Release()
		return nil, fmt.Errorf("GetPluginFactory returned NULL")
	}
	m.factory = comObject{raw: fac}
	return m, nil
}

func (m *vstModule) exit() {
	if m.exitFn != 0 {
		purego.SyscallN(m.exitFn)
		m.exitFn = 0
	}
}

func (m *vstModule) release() {
	m.factory.release()
	m.exit()
	m.handle.Release()
}

func (m *vstModule) factoryVtbl() *factoryVtbl {
	return (*factoryVtbl)(unsafe.Pointer(m.factory.vtbl()))
}

func (m *vstModule) countClasses() int32 {
	return int32(m.factory.call(m.factoryVtbl().CountClasses))
}

func (m *vstModule) classInfo(index int32) (pClassInfo, bool) {
	var info pClassInfo
	r := m.factory.call(m.factoryVtbl().GetClassInfo,
		uintptr(index), uintptr(unsafe.Pointer(&info)))
	return info, r == kResultOk
}

func (m *vstModule) createInstance(cid, iid tuid) (comObject, error) {
	var out uintptr
	r := m.factory.call(m.factoryVtbl().CreateInstance,
		uintptr(unsafe.Pointer(&cid[0])), uintptr(unsafe.Pointer(&iid[0])),
		uintptr(unsafe.Pointer(&out)))
	if r != kResultOk || out == 0 {
		return comObject{}, fmt.Errorf("createInstance failed (%#x)", r)
	}
	return comObject{raw: out}, nil
}

// component wraps IComponent.
type component struct{ comObject }

func (c component) vt() *componentVtbl { return (*componentVtbl)(unsafe.Pointer(c.vtbl())) }

func (c component) initialize() bool { return c.call(c.vt().Initialize, 0) == kResultOk }
func (c component) terminate()       { c.call(c.vt().Terminate) }

func (c component) controllerClassID() (tuid, bool) {
	var cid tuid
	r := c.call(c.vt().GetControllerClassID, uintptr(unsafe.Pointer(&cid[0])))
	return cid, r == kResultOk
}

func (c component) busCount(mediaType, direction int32) int32 {
	return int32(c.call(c.vt().GetBusCount, uintptr(mediaType), uintptr(direction)))
}

func (c component) bus(mediaType, direction, index int32) (busInfo, bool) {
	var info busInfo
	r := c.call(c.vt().GetBusInfo, uintptr(mediaType), uintptr(direction),
		uintptr(index), uintptr(unsafe.Pointer(&info)))
	return info, r == kResultOk
}

func (c component) activateBus(mediaType, direction, index int32, active bool) {
	c.call(c.vt().ActivateBus, uintptr(mediaType), uintptr(direction),
		uintptr(index), boolArg(active))
}

func (c component) setActive(active bool) bool {
	return c.call(c.vt().SetActive, boolArg(active)) == kResultOk
}

// processor wraps IAudioProcessor.
type processor struct{ comObject }

func (p processor) vt() *processorVtbl { return (*processorVtbl)(unsafe.Pointer(p.vtbl())) }

func (p processor) canProcess32() bool {
	return p.call(p.vt().CanProcessSampleSize, sample32) == kResultOk
}

func (p processor) setup(sampleRate float64, maxFrames int32) bool {
	s := processSetup{
		ProcessMode:        processModeRealtime,
		SymbolicSampleSize: sample32,
		MaxSamplesPerBlock: maxFrames,
		SampleRate:         sampleRate,
	}
	return p.call(p.vt().SetupProcessing, uintptr(unsafe.Pointer(&s))) == kResultOk
}

func (p processor) setProcessing(on bool) { p.call(p.vt().SetProcessing, boolArg(on)) }

func (p processor) process(data *processData) {
	p.call(p.vt().Process, uintptr(unsafe.Pointer(data)))
}

// controller wraps IEditController.
type controller struct{ comObject }

func (c controller) vt() *controllerVtbl { return (*controllerVtbl)(unsafe.Pointer(c.vtbl())) }

func (c controller) initialize() bool { return c.call(c.vt().Initialize, 0) == kResultOk }
func (c controller) terminate()       { c.call(c.vt().Terminate) }

func (c controller) parameterCount() int32 {
	return int32(c.call(c.vt().GetParameterCount))
}

func (c controller) parameterInfo(index int32) (parameterInfo, bool) {
	var info parameterInfo
	r := c.call(c.vt().GetParameterInfo, uintptr(index), uintptr(unsafe.Pointer(&info)))
	return info, r == kResultOk
}

// paramNormalized returns a double; RegisterFunc routes the FP return.
func (c controller) paramNormalized(id uint32) float64 {
	var fn func(this uintptr, id uint32) float64
	purego.RegisterFunc(&fn, c.vt().GetParamNormalized)
	return fn(c.raw, id)
}

func (c controller) hasView() bool {
	// "editor" is the registered platform view name
	name := append([]byte("editor"), 0)
	view := c.call(c.vt().CreateView, uintptr(unsafe.Pointer(&name[0])))
	if view == 0 {
		return false
	}
	comObject{raw: view}.release()
	return true
}

func boolArg(b bool) uintptr {
	if b {
		return 1
	}
	return 0
}

// Host-side IParameterChanges. The plugin reads staged parameter changes
// through these two vtables during process; the host never blocks or
// allocates on that path.

type hostParamQueue struct {
	vtbl *paramQueueVtbl
	id   uint32
	val  float64
	set  bool
}

type paramQueueVtbl struct {
	funknownVtbl
	GetParameterID uintptr
	GetPointCount  uintptr
	GetPoint       uintptr
	AddPoint       uintptr
}

type hostParamChanges struct {
	vtbl   *paramChangesVtbl
	queues []*hostParamQueue
	count  int
}

type paramChangesVtbl struct {
	funknownVtbl
	GetParameterCount uintptr
	GetParameterData  uintptr
	AddParameterData  uintptr
}

var (
	sharedQueueVtbl   *paramQueueVtbl
	sharedChangesVtbl *paramChangesVtbl
)

// noopUnknown fills the FUnknown slots of host objects. The host owns
// their lifetime, so ref counting is a fixed 1.
func noopUnknown() funknownVtbl {
	return funknownVtbl{
		QueryInterface: purego.NewCallback(func(this, iid, obj uintptr) uintptr {
			*(*uintptr)(unsafe.Pointer(obj)) = 0
			return 1 // kNoInterface
		}),
		AddRef:  purego.NewCallback(func(this uintptr) uintptr { return 1 }),
		Release: purego.NewCallback(func(this uintptr) uintptr { return 1 }),
	}
}

func initHostVtbls() {
	if sharedQueueVtbl != nil {
		return
	}
	sharedQueueVtbl = &paramQueueVtbl{
		funknownVtbl: noopUnknown(),
		GetParameterID: purego.NewCallback(func(this uintptr) uintptr {
			return uintptr((*hostParamQueue)(unsafe.Pointer(this)).id)
		}),
		GetPointCount: purego.NewCallback(func(this uintptr) uintptr {
			if (*hostParamQueue)(unsafe.Pointer(this)).set {
				return 1
			}
			return 0
		}),
		GetPoint: purego.NewCallback(func(this, index, sampleOffset, value uintptr) uintptr {
			q := (*hostParamQueue)(unsafe.Pointer(this))
			if !q.set || index != 0 {
				return 1
			}
			*(*int32)(unsafe.Pointer(sampleOffset)) = 0
			*(*float64)(unsafe.Pointer(value)) = q.val
			return kResultOk
		}),
		AddPoint: purego.NewCallback(func(this, value, sampleOffset, index uintptr) uintptr {
			return 1
		}),
	}
	sharedChangesVtbl = &paramChangesVtbl{
		funknownVtbl: noopUnknown(),
		GetParameterCount: purego.NewCallback(func(this uintptr) uintptr {
			return uintptr((*hostParamChanges)(unsafe.Pointer(this)).count)
		}),
		GetParameterData: purego.NewCallback(func(this, index uintptr) uintptr {
			pc := (*hostParamChanges)(unsafe.Pointer(this))
			if int(index) >= pc.count {
				return 0
			}
			return uintptr(unsafe.Pointer(pc.queues[index]))
		}),
		AddParameterData: purego.NewCallback(func(this, id, index uintptr) uintptr {
			return 0
		}),
	}
}

// newHostParamChanges preallocates one queue slot per parameter.
func newHostParamChanges(capacity int) *hostParamChanges {
	initHostVtbls()
	pc := &hostParamChanges{vtbl: sharedChangesVtbl}
	pc.queues = make([]*hostParamQueue, capacity)
	for i := range pc.queues {
		pc.queues[i] = &hostParamQueue{vtbl: sharedQueueVtbl}
	}
	return pc
}

// stage records one change for the next process call; a full list drops.
func (pc *hostParamChanges) stage(id uint32, value float64) {
	for i := 0; i < pc.count; i++ {
		if pc.queues[i].id == id {
			pc.queues[i].val = value
			return
		}
	}
	if pc.count >= len(pc.queues) {
		return
	}
	q := pc.queues[pc.count]
	q.id, q.val, q.set = id, value, true
	pc.count++
}

func (pc *hostParamChanges) reset() { pc.count = 0 }

func (pc *hostParamChanges) ptr() uintptr { return uintptr(unsafe.Pointer(pc)) }

func channelArrayPtr(s []uintptr) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func busArrayPtr(s []audioBusBuffers) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func floatSlicePtr(s []float32) uintptr { return uintptr(unsafe.Pointer(&s[0])) }
