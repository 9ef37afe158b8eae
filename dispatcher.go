package zestbay

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/backend"
	"github.com/lemonxah/zestbay/graph"
	"github.com/lemonxah/zestbay/patchbay"
	"github.com/lemonxah/zestbay/server"
)

// DispatcherOperation is one queued topology command.
type DispatcherOperation struct {
	Type     OperationType
	Data     interface{}
	Response chan DispatcherResult
}

// OperationType identifies a dispatcher command.
type OperationType string

const (
	OpConnect      OperationType = "connect"
	OpDisconnect   OperationType = "disconnect"
	OpAddPlugin    OperationType = "add_plugin"
	OpRemovePlugin OperationType = "remove_plugin"
	OpSetParameter OperationType = "set_parameter"
	OpSetBypass    OperationType = "set_bypass"
	OpOpenUI       OperationType = "open_ui"
	OpCloseUI      OperationType = "close_ui"
	opRescan       OperationType = "rescan"
)

// DispatcherResult carries a command's outcome back to the caller.
type DispatcherResult struct {
	Success bool
	Data    interface{}
	Error   error
}

// Dispatcher serializes every topology-changing command onto one goroutine,
// the sole owner of the server connection. No two mutations ever race.
type Dispatcher struct {
	host *Host
	mu   sync.RWMutex

	isRunning  bool
	operations chan DispatcherOperation
	stopChan   chan struct{}
	log        *logrus.Entry

	// Performance tracking
	lastOperationDuration time.Duration
	maxOperationDuration  time.Duration
}

// NewDispatcher creates a dispatcher bound to the host.
func NewDispatcher(host *Host) *Dispatcher {
	return &Dispatcher{
		host:                 host,
		operations:           make(chan DispatcherOperation, 100),
		stopChan:             make(chan struct{}),
		maxOperationDuration: 300 * time.Millisecond,
		log:                  logrus.WithField("component", "dispatcher"),
	}
}

// Start begins the dispatch loop.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}

	d.isRunning = true
	go d.dispatchLoop()

	return nil
}

// Stop halts the dispatcher.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return nil
	}

	close(d.stopChan)
	d.isRunning = false

	return nil
}

// IsRunning returns whether the dispatcher is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isRunning
}

// GetPerformanceStats returns dispatcher timing statistics.
func (d *Dispatcher) GetPerformanceStats() (lastDuration, maxDuration time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastOperationDuration, d.maxOperationDuration
}

func (d *Dispatcher) dispatchLoop() {
	for {
		select {
		case <-d.stopChan:
			return
		case op := <-d.operations:
			start := time.Now()
			result := d.executeOperation(op)
			duration := time.Since(start)

			d.mu.Lock()
			d.lastOperationDuration = duration
			if duration > d.maxOperationDuration {
				d.host.errorHandler.HandleError(
					fmt.Errorf("topology change %s took %v, target is sub-300ms", op.Type, duration))
			}
			d.mu.Unlock()

			if op.Response != nil {
				op.Response <- result
			}
		}
	}
}

func (d *Dispatcher) executeOperation(op DispatcherOperation) DispatcherResult {
	switch op.Type {
	case OpConnect:
		data := op.Data.(ConnectData)
		link, err := d.connect(data.OutputPort, data.InputPort)
		return DispatcherResult{Success: err == nil, Data: link, Error: err}

	case OpDisconnect:
		linkID := op.Data.(uint32)
		err := d.disconnect(linkID)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpAddPlugin:
		data := op.Data.(AddPluginData)
		inst, err := d.addPlugin(data)
		return DispatcherResult{Success: err == nil, Data: inst, Error: err}

	case OpRemovePlugin:
		id := op.Data.(uint64)
		err := d.removePlugin(id)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpSetParameter:
		data := op.Data.(SetParameterData)
		err := d.setParameter(data)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpSetBypass:
		data := op.Data.(SetBypassData)
		err := d.setBypass(data)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpOpenUI:
		id := op.Data.(uint64)
		err := d.openUI(id)
		return DispatcherResult{Success: err == nil, Error: err}

	case OpCloseUI:
		id := op.Data.(uint64)
		err := d.closeUI(id)
		return DispatcherResult{Success: err == nil, Error: err}

	case opRescan:
		d.rescan()
		return DispatcherResult{Success: true}

	default:
		return DispatcherResult{
			Success: false,
			Error:   fmt.Errorf("unknown operation type: %s", op.Type),
		}
	}
}

// Data structures for dispatcher operations

type ConnectData struct {
	OutputPort uint32
	InputPort  uint32
}

type AddPluginData struct {
	Format      backend.Format
	URI         string
	InstanceID  uint64
	DisplayName string
}

type SetParameterData struct {
	InstanceID uint64
	PortIndex  int
	Value      float64
}

type SetBypassData struct {
	InstanceID uint64
	Bypass     bool
}

// Public API methods that queue operations

// Connect links an output port to an input port. Invariant violations
// (self-loop, wrong direction, unknown port) are logged and swallowed; the
// returned link is zero in that case.
func (d *Dispatcher) Connect(outputPort, inputPort uint32) (graph.Link, error) {
	result := d.submit(OpConnect, ConnectData{OutputPort: outputPort, InputPort: inputPort})
	if result.Error != nil {
		return graph.Link{}, result.Error
	}
	if link, ok := result.Data.(graph.Link); ok {
		return link, nil
	}
	return graph.Link{}, nil
}

// Disconnect removes a link by id.
func (d *Dispatcher) Disconnect(linkID uint32) error {
	return d.submit(OpDisconnect, linkID).Error
}

// AddPlugin instantiates a plugin and registers it on the graph.
func (d *Dispatcher) AddPlugin(data AddPluginData) (*PluginInstance, error) {
	result := d.submit(OpAddPlugin, data)
	if result.Error != nil {
		return nil, result.Error
	}
	return result.Data.(*PluginInstance), nil
}

// RemovePlugin tears an instance down.
func (d *Dispatcher) RemovePlugin(instanceID uint64) error {
	return d.submit(OpRemovePlugin, instanceID).Error
}

// SetParameter sets one parameter on an instance.
func (d *Dispatcher) SetParameter(instanceID uint64, portIndex int, value float64) error {
	return d.submit(OpSetParameter, SetParameterData{
		InstanceID: instanceID, PortIndex: portIndex, Value: value,
	}).Error
}

// SetBypass toggles an instance's bypass flag.
func (d *Dispatcher) SetBypass(instanceID uint64, bypass bool) error {
	return d.submit(OpSetBypass, SetBypassData{InstanceID: instanceID, Bypass: bypass}).Error
}

// OpenUI opens an instance's native editor.
func (d *Dispatcher) OpenUI(instanceID uint64) error {
	return d.submit(OpOpenUI, instanceID).Error
}

// CloseUI closes an instance's native editor.
func (d *Dispatcher) CloseUI(instanceID uint64) error {
	return d.submit(OpCloseUI, instanceID).Error
}

// Rescan queues a patchbay rescan; the settle monitor is the usual caller.
func (d *Dispatcher) Rescan() {
	d.submit(opRescan, nil)
}

func (d *Dispatcher) submit(t OperationType, data interface{}) DispatcherResult {
	response := make(chan DispatcherResult, 1)
	op := DispatcherOperation{Type: t, Data: data, Response: response}

	select {
	case d.operations <- op:
	case <-d.stopChan:
		return DispatcherResult{Error: fmt.Errorf("dispatcher stopped")}
	}
	select {
	case result := <-response:
		return result
	case <-d.stopChan:
		return DispatcherResult{Error: fmt.Errorf("dispatcher stopped")}
	}
}

// Internal implementation methods (executed on the dispatcher goroutine)

// connect validates the request against graph state before touching the
// server. Violations are RoutingErrors: logged, never surfaced.
func (d *Dispatcher) connect(outputPort, inputPort uint32) (graph.Link, error) {
	st := d.host.Graph()
	op, ok := st.Port(outputPort)
	if !ok {
		return graph.Link{}, d.rejectRouting(fmt.Sprintf("unknown output port %d", outputPort))
	}
	ip, ok := st.Port(inputPort)
	if !ok {
		return graph.Link{}, d.rejectRouting(fmt.Sprintf("unknown input port %d", inputPort))
	}
	if op.Direction != graph.DirectionOutput || ip.Direction != graph.DirectionInput {
		return graph.Link{}, d.rejectRouting("wrong port direction")
	}
	if op.NodeID == ip.NodeID {
		return graph.Link{}, d.rejectRouting(fmt.Sprintf("self-loop on node %d", op.NodeID))
	}
	return d.host.conn.CreateLink(op.NodeID, op.ID, ip.NodeID, ip.ID)
}

// rejectRouting logs the violation and swallows it.
func (d *Dispatcher) rejectRouting(reason string) error {
	d.host.errorHandler.HandleError(&RoutingError{Reason: reason})
	return nil
}

func (d *Dispatcher) disconnect(linkID uint32) error {
	return d.host.conn.DestroyLink(linkID)
}

func (d *Dispatcher) addPlugin(data AddPluginData) (*PluginInstance, error) {
	inst, err := d.host.catalog.Instantiate(data.Format, data.URI, d.host.config.SampleRate)
	if err != nil {
		d.host.events.Publish(Event{
			Type:       EventPluginError,
			InstanceID: data.InstanceID,
			Message:    err.Error(),
		})
		return nil, err
	}

	desc := inst.Descriptor()
	display := data.DisplayName
	if display == "" {
		display = desc.Name
	}
	display = d.host.instances.uniqueDisplayName(display)

	nodeID, err := d.host.conn.RegisterFilter(server.FilterSpec{
		Name:        fmt.Sprintf("%s-%s", desc.Format, display),
		Description: display,
		InputPorts:  filterPortNames(desc, backend.PortInput),
		OutputPorts: filterPortNames(desc, backend.PortOutput),
		Process:     inst.Process,
	})
	if err != nil {
		inst.Destroy()
		return nil, err
	}

	p := &PluginInstance{
		ID:          data.InstanceID,
		Format:      desc.Format,
		URI:         desc.URI,
		DisplayName: display,
		NodeID:      nodeID,
		inst:        inst,
	}
	if err := d.host.instances.add(p); err != nil {
		d.host.conn.Unregister(nodeID)
		inst.Destroy()
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"instance": p.ID,
		"uri":      p.URI,
		"node":     nodeID,
	}).Info("Plugin added")
	d.host.events.Publish(Event{
		Type:        EventPluginAdded,
		InstanceID:  p.ID,
		DisplayName: p.DisplayName,
	})
	return p, nil
}

// filterPortNames maps the descriptor's audio ports to server port names,
// falling back to input_N/output_N when the format reports none.
func filterPortNames(desc backend.Descriptor, dir backend.PortDirection) []string {
	var names []string
	for _, pi := range desc.Ports {
		if pi.Kind == backend.PortAudio && pi.Direction == dir {
			names = append(names, pi.Name)
		}
	}
	want := desc.AudioIn
	prefix := "input"
	if dir == backend.PortOutput {
		want = desc.AudioOut
		prefix = "output"
	}
	for len(names) < want {
		names = append(names, fmt.Sprintf("%s_%d", prefix, len(names)))
	}
	return names
}

// removePlugin follows the teardown barrier: the server unregister blocks
// until no further process callbacks can fire, and only then are the
// native and bridge resources released.
func (d *Dispatcher) removePlugin(id uint64) error {
	p := d.host.instances.remove(id)
	if p == nil {
		return &UnknownInstanceError{ID: id}
	}

	d.host.registry.closeFor(p.ID)
	if err := d.host.conn.Unregister(p.NodeID); err != nil {
		d.host.errorHandler.HandleError(err)
	}
	if err := p.inst.Destroy(); err != nil {
		d.host.errorHandler.HandleError(err)
	}

	d.log.WithField("instance", id).Info("Plugin removed")
	d.host.events.Publish(Event{
		Type:        EventPluginRemoved,
		InstanceID:  id,
		DisplayName: p.DisplayName,
	})
	return nil
}

func (d *Dispatcher) setParameter(data SetParameterData) error {
	p := d.host.instances.get(data.InstanceID)
	if p == nil {
		return &UnknownInstanceError{ID: data.InstanceID}
	}
	if err := p.inst.SetParameter(data.PortIndex, data.Value); err != nil {
		return err
	}
	d.host.events.Publish(Event{
		Type:       EventPluginParameterChanged,
		InstanceID: p.ID,
		PortIndex:  data.PortIndex,
		Value:      data.Value,
	})
	return nil
}

func (d *Dispatcher) setBypass(data SetBypassData) error {
	p := d.host.instances.get(data.InstanceID)
	if p == nil {
		return &UnknownInstanceError{ID: data.InstanceID}
	}
	p.inst.SetBypass(data.Bypass)
	return nil
}

func (d *Dispatcher) openUI(id uint64) error {
	p := d.host.instances.get(id)
	if p == nil {
		return &UnknownInstanceError{ID: id}
	}
	if err := d.host.registry.open(p); err != nil {
		return err
	}
	d.host.events.Publish(Event{Type: EventPluginUiOpened, InstanceID: id})
	return nil
}

func (d *Dispatcher) closeUI(id uint64) error {
	p := d.host.instances.get(id)
	if p == nil {
		return &UnknownInstanceError{ID: id}
	}
	d.host.registry.closeFor(id)
	d.host.events.Publish(Event{Type: EventPluginUiClosed, InstanceID: id})
	return nil
}

// rescan runs the patchbay reconciliation and applies its deltas, then
// signals the settle batch as complete.
func (d *Dispatcher) rescan() {
	deltas := d.host.patchbay.Scan()
	for _, delta := range deltas {
		switch delta.Kind {
		case patchbay.DeltaConnect:
			if _, err := d.connect(delta.OutputPort, delta.InputPort); err != nil {
				d.host.errorHandler.HandleError(err)
			}
		case patchbay.DeltaDisconnect:
			if err := d.disconnect(delta.LinkID); err != nil {
				d.host.errorHandler.HandleError(err)
			}
		}
	}
	d.host.events.Publish(Event{Type: EventBatchComplete})
}
