//go:build linux || darwin || freebsd

package lv2

// Raw LV2 C ABI access. As with the other formats, every unsafe operation
// lives in this file.

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/lemonxah/zestbay/backend/dylib"
	"github.com/lemonxah/zestbay/worker"
)

const descriptorSymbol = "lv2_descriptor"

// lv2Descriptor mirrors LV2_Descriptor.
type lv2Descriptor struct {
	URI           uintptr
	Instantiate   uintptr // LV2_Handle (*)(desc, double rate, const char *bundle, features)
	ConnectPort   uintptr
	Activate      uintptr
	Run           uintptr
	Deactivate    uintptr
	Cleanup       uintptr
	ExtensionData uintptr
}

// lv2Feature mirrors LV2_Feature.
type lv2Feature struct {
	URI  uintptr
	Data uintptr
}

// uridMapData mirrors LV2_URID_Map.
type uridMapData struct {
	Handle uintptr
	Map    uintptr
}

type uridUnmapData struct {
	Handle uintptr
	Unmap  uintptr
}

// uridTable is the process-wide URI interning table backing the urid:map
// feature. URIDs are stable for the process lifetime, which is what the
// spec requires of a host.
var uridTable = struct {
	sync.Mutex
	ids  map[string]uint32
	uris []string
}{ids: map[string]uint32{}}

func mapURI(uri string) uint32 {
	uridTable.Lock()
	defer uridTable.Unlock()
	if id, ok := uridTable.ids[uri]; ok {
		return id
	}
	uridTable.uris = append(uridTable.uris, uri)
	id := uint32(len(uridTable.uris)) // URIDs start at 1; 0 is reserved
	uridTable.ids[uri] = id
	return id
}

func unmapURI(id uint32) string {
	uridTable.Lock()
	defer uridTable.Unlock()
	if id == 0 || int(id) > len(uridTable.uris) {
		return ""
	}
	return uridTable.uris[id-1]
}

var (
	featuresOnce sync.Once
	featuresPtr  uintptr
	uriStrings   [][]byte // keeps cString allocations reachable
)

func cStr(s string) uintptr {
	b := append([]byte(s), 0)
	uriStrings = append(uriStrings, b)
	return uintptr(unsafe.Pointer(&b[0]))
}

// baseFeatures builds the shared urid:map and urid:unmap features, which
// nearly all modern plugins hard-require.
func baseFeatures() []*lv2Feature {
	featuresOnce.Do(func() {
		mapCB := purego.NewCallback(func(handle uintptr, uri uintptr) uintptr {
			return uintptr(mapURI(nativeString(uri)))
		})
		unmapCB := purego.NewCallback(func(handle uintptr, id uintptr) uintptr {
			s := unmapURI(uint32(id))
			if s == "" {
				return 0
			}
			return cStr(s)
		})
		mapData := &uridMapData{Map: mapCB}
		unmapData := &uridUnmapData{Unmap: unmapCB}
		features := []*lv2Feature{
			{URI: cStr("http://lv2plug.in/ns/ext/urid#map"), Data: uintptr(unsafe.Pointer(mapData))},
			{URI: cStr("http://lv2plug.in/ns/ext/urid#unmap"), Data: uintptr(unsafe.Pointer(unmapData))},
		}
		arr := make([]uintptr, len(features)+1)
		for i, f := range features {
			arr[i] = uintptr(unsafe.Pointer(f))
		}
		keepFeatures = features
		keepFeatureArr = arr
		featuresPtr = uintptr(unsafe.Pointer(&arr[0]))
	})
	return keepFeatures
}

// hostFeatures is the NULL-terminated shared feature array for instances
// that get no per-instance features.
func hostFeatures() uintptr {
	baseFeatures()
	return featuresPtr
}

var (
	keepFeatures   []*lv2Feature
	keepFeatureArr []uintptr
)

// instanceFeatures is a per-instance NULL-terminated feature array. The
// struct keeps every referenced allocation reachable for the instance
// lifetime.
type instanceFeatures struct {
	schedule *scheduleData
	feats    []*lv2Feature
	arr      []uintptr
}

func (f *instanceFeatures) ptr() uintptr { return uintptr(unsafe.Pointer(&f.arr[0])) }

// featuresWithSchedule extends the shared features with a work:schedule
// feature bound to the given target handle.
func featuresWithSchedule(handle uintptr) *instanceFeatures {
	sched := &scheduleData{Handle: handle, ScheduleWork: scheduleCallback()}
	feats := append(append([]*lv2Feature{}, baseFeatures()...), &lv2Feature{
		URI:  cStr(uriWorkerSchedule),
		Data: uintptr(unsafe.Pointer(sched)),
	})
	arr := make([]uintptr, len(feats)+1)
	for i, ft := range feats {
		arr[i] = uintptr(unsafe.Pointer(ft))
	}
	return &instanceFeatures{schedule: sched, feats: feats, arr: arr}
}

func nativeString(p uintptr) string {
	if p == 0 {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// nativeLib is one opened LV2 binary.
type nativeLib struct {
	handle *dylib.Handle
	sym    uintptr
}

func openLib(path string) (*nativeLib, error) {
	h, err := dylib.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := h.Symbol(descriptorSymbol)
	if err != nil {
		h.Release()
		return nil, err
	}
	return &nativeLib{handle: h, sym: sym}, nil
}

func (l *nativeLib) release() { l.handle.Release() }

// findDescriptor walks lv2_descriptor(index) until the URI matches.
func (l *nativeLib) findDescriptor(uri string) (*lv2Descriptor, error) {
	for i := uintptr(0); ; i++ {
		d, _, _ := purego.SyscallN(l.sym, i)
		if d == 0 {
			return nil, fmt.Errorf("no descriptor for %q", uri)
		}
		desc := (*lv2Descriptor)(unsafe.Pointer(d))
		if nativeString(desc.URI) == uri {
			return desc, nil
		}
	}
}

// nativeInstance wraps one instantiated LV2 plugin.
type nativeInstance struct {
	desc   *lv2Descriptor
	handle uintptr
}

func (l *nativeLib) instantiate(desc *lv2Descriptor, sampleRate float64, bundlePath string, features uintptr) (*nativeInstance, error) {
	// double sample rate forces the RegisterFunc path
	var fn func(desc uintptr, rate float64, bundle uintptr, features uintptr) uintptr
	purego.RegisterFunc(&fn, desc.Instantiate)
	h := fn(uintptr(unsafe.Pointer(desc)), sampleRate, cStr(bundlePath), features)
	if h == 0 {
		return nil, fmt.Errorf("instantiate returned NULL")
	}
	return &nativeInstance{desc: desc, handle: h}, nil
}

func (ni *nativeInstance) extensionData(uri string) uintptr {
	if ni.desc.ExtensionData == 0 {
		return 0
	}
	p, _, _ := purego.SyscallN(ni.desc.ExtensionData, cStr(uri))
	return p
}

// workerIface returns the instance's LV2_Worker_Interface, or nil when the
// plugin does not use the worker extension.
func (ni *nativeInstance) workerIface() *workerInterface {
	p := ni.extensionData(uriWorkerInterface)
	if p == 0 {
		return nil
	}
	return (*workerInterface)(unsafe.Pointer(p))
}

// runWork executes one scheduled payload. Worker goroutine only.
func (ni *nativeInstance) runWork(wi *workerInterface, respondHandle uintptr, data []byte) {
	var dp uintptr
	if len(data) > 0 {
		dp = bytePtr(data)
	}
	purego.SyscallN(wi.Work, ni.handle, respondCallback(), respondHandle, uintptr(len(data)), dp)
}

// workResponse delivers one queued response. Audio thread only.
func (ni *nativeInstance) workResponse(wi *workerInterface, data []byte) {
	var dp uintptr
	if len(data) > 0 {
		dp = bytePtr(data)
	}
	purego.SyscallN(wi.WorkResponse, ni.handle, uintptr(len(data)), dp)
}

func (ni *nativeInstance) endRun(wi *workerInterface) {
	if wi.EndRun != 0 {
		purego.SyscallN(wi.EndRun, ni.handle)
	}
}

func (ni *nativeInstance) connectPort(index uint32, data uintptr) {
	purego.SyscallN(ni.desc.ConnectPort, ni.handle, uintptr(index), data)
}

func (ni *nativeInstance) activate() {
	if ni.desc.Activate != 0 {
		purego.SyscallN(ni.desc.Activate, ni.handle)
	}
}

func (ni *nativeInstance) run(frames uint32) {
	purego.SyscallN(ni.desc.Run, ni.handle, uintptr(frames))
}

func (ni *nativeInstance) deactivate() {
	if ni.desc.Deactivate != 0 {
		purego.SyscallN(ni.desc.Deactivate, ni.handle)
	}
}

func (ni *nativeInstance) cleanup() {
	purego.SyscallN(ni.desc.Cleanup, ni.handle)
}

// Worker extension plumbing. The plugin's audio thread hands payloads to
// schedule_work; a per-instance worker goroutine runs the plugin's work()
// off the RT path and responses flow back through work_response on the next
// cycle.

const (
	uriWorkerSchedule  = "http://lv2plug.in/ns/ext/worker#schedule"
	uriWorkerInterface = "http://lv2plug.in/ns/ext/worker#interface"
)

// LV2_Worker_Status values.
const (
	workerSuccess    = 0
	workerErrUnknown = 1
	workerErrNoSpace = 2
)

// scheduleData mirrors LV2_Worker_Schedule.
type scheduleData struct {
	Handle       uintptr
	ScheduleWork uintptr
}

// workerInterface mirrors LV2_Worker_Interface.
type workerInterface struct {
	Work         uintptr
	WorkResponse uintptr
	EndRun       uintptr
}

// workTarget routes one instance's native schedule and respond calls to its
// Go worker. Both sides see only the opaque handle.
type workTarget struct {
	setup *worker.Setup
}

// workTargets maps opaque handles to live targets. sync.Map keeps the
// schedule path, which runs on the audio thread, free of lock contention.
var (
	workTargets   sync.Map
	workHandleSeq atomic.Uint64
)

func registerWorkTarget(t *workTarget) uintptr {
	h := uintptr(workHandleSeq.Add(1))
	workTargets.Store(h, t)
	return h
}

func unregisterWorkTarget(handle uintptr) {
	if handle != 0 {
		workTargets.Delete(handle)
	}
}

func lookupWorkTarget(handle uintptr) *workTarget {
	v, ok := workTargets.Load(handle)
	if !ok {
		return nil
	}
	return v.(*workTarget)
}

// scheduleWork backs the schedule_work callback. RT path: the payload is
// copied into the worker's request ring or dropped.
func scheduleWork(handle uintptr, size uint32, data uintptr) uintptr {
	t := lookupWorkTarget(handle)
	if t == nil {
		return workerErrUnknown
	}
	var payload []byte
	if size > 0 && data != 0 {
		payload = unsafe.Slice((*byte)(unsafe.Pointer(data)), size)
	}
	if !t.setup.Schedule(payload) {
		return workerErrNoSpace
	}
	return workerSuccess
}

// respondWork backs the respond callback handed to the plugin's work().
// Runs on the worker goroutine; responses queue for the next audio cycle.
func respondWork(handle uintptr, size uint32, data uintptr) uintptr {
	t := lookupWorkTarget(handle)
	if t == nil {
		return workerErrUnknown
	}
	var payload []byte
	if size > 0 && data != 0 {
		payload = unsafe.Slice((*byte)(unsafe.Pointer(data)), size)
	}
	if !t.setup.Respond(payload) {
		return workerErrNoSpace
	}
	return workerSuccess
}

var (
	workCallbackOnce sync.Once
	scheduleCB       uintptr
	respondCB        uintptr
)

func initWorkCallbacks() {
	workCallbackOnce.Do(func() {
		scheduleCB = purego.NewCallback(func(handle uintptr, size uint32, data uintptr) uintptr {
			return scheduleWork(handle, size, data)
		})
		respondCB = purego.NewCallback(func(handle uintptr, size uint32, data uintptr) uintptr {
			return respondWork(handle, size, data)
		})
	})
}

func scheduleCallback() uintptr {
	initWorkCallbacks()
	return scheduleCB
}

func respondCallback() uintptr {
	initWorkCallbacks()
	return respondCB
}

func float32Ptr(s []float32, i int) uintptr {
	return uintptr(unsafe.Pointer(&s[i]))
}

func bytePtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func sliceDataPtr(s []float32) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}
