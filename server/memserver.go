package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/graph"
)

const (
	memEventBuffer  = 1024
	defaultQuantum  = 256
	defaultInterval = 5 * time.Millisecond
)

var errClosed = errors.New("server connection closed")

// MemServer is an in-memory Conn for tests and headless operation. It keeps
// its own registry, assigns server-side ids, and optionally drives
// registered filters from a clock goroutine. Audio routed between filters
// follows the link table: a filter input receives the mix of every linked
// filter output from the previous cycle.
type MemServer struct {
	mu      sync.Mutex
	nextID  uint32
	nodes   map[uint32]graph.Node
	ports   map[uint32]graph.Port
	links   map[uint32]graph.Link
	filters map[uint32]*memFilter
	closed  bool

	events chan Event

	// cb gates callback cycles: each cycle holds it for reading, Unregister
	// takes it exclusively so returning guarantees no callback is running.
	cb sync.RWMutex

	quantum int
	stop    chan struct{}
	done    chan struct{}
	log     *logrus.Entry
}

type memFilter struct {
	nodeID  uint32
	spec    FilterSpec
	inputs  [][]float32
	outputs [][]float32
	inIDs   []uint32
	outIDs  []uint32
}

// NewMemServer creates a stopped in-memory server. Call Start to run the
// callback clock, or Pump to drive cycles manually from tests.
func NewMemServer() *MemServer {
	return &MemServer{
		nodes:   map[uint32]graph.Node{},
		ports:   map[uint32]graph.Port{},
		links:   map[uint32]graph.Link{},
		filters: map[uint32]*memFilter{},
		events:  make(chan Event, memEventBuffer),
		quantum: defaultQuantum,
		log:     logrus.WithField("component", "memserver"),
	}
}

// Start runs the callback clock until Close.
func (s *MemServer) Start() {
	s.mu.Lock()
	if s.stop != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(defaultInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.Pump(s.quantum)
			}
		}
	}()
}

// Events implements Conn.
func (s *MemServer) Events() <-chan Event { return s.events }

// Sync implements Conn. The event channel is filled synchronously by every
// mutation, so a delivered marker means everything before it was delivered
// too; MemServer approximates the barrier by waiting for the channel to
// drain.
func (s *MemServer) Sync() error {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return errClosed
		}
		if len(s.events) == 0 {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *MemServer) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.WithField("kind", ev.Kind).Warn("Event buffer full, dropping")
	}
}

func (s *MemServer) id() uint32 {
	s.nextID++
	return s.nextID
}

// AddDevice registers a device node with the given ports and returns its
// node id. Port channel labels follow the conventional FL/FR pair when two
// ports share a direction.
func (s *MemServer) AddDevice(name, description string, nt graph.NodeType, mt graph.MediaType, inPorts, outPorts []string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	n := graph.Node{
		ID:          s.id(),
		Name:        name,
		Description: description,
		Media:       mt,
		Type:        nt,
		Ready:       true,
	}
	s.nodes[n.ID] = n
	s.emit(Event{Kind: NodeAdded, ID: n.ID, Node: n})
	s.addPortsLocked(n.ID, mt, graph.DirectionInput, inPorts)
	s.addPortsLocked(n.ID, mt, graph.DirectionOutput, outPorts)
	return n.ID
}

func (s *MemServer) addPortsLocked(nodeID uint32, mt graph.MediaType, dir graph.Direction, names []string) []uint32 {
	labels := channelLabels(len(names))
	ids := make([]uint32, 0, len(names))
	for i, name := range names {
		p := graph.Port{
			ID:        s.id(),
			NodeID:    nodeID,
			Name:      name,
			Direction: dir,
			Media:     mt,
			Channel:   labels[i],
			Physical:  i,
		}
		s.ports[p.ID] = p
		s.emit(Event{Kind: PortAdded, ID: p.ID, Port: p})
		ids = append(ids, p.ID)
	}
	return ids
}

// channelLabels mirrors typical server behavior: stereo pairs get FL/FR, a
// single port gets MONO, anything wider gets no labels.
func channelLabels(n int) []string {
	labels := make([]string, n)
	switch n {
	case 1:
		labels[0] = "MONO"
	case 2:
		labels[0], labels[1] = "FL", "FR"
	}
	return labels
}

// RemoveDevice drops a node with its ports and links, emitting removal
// events in leaf-first order.
func (s *MemServer) RemoveDevice(nodeID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeNodeLocked(nodeID)
}

func (s *MemServer) removeNodeLocked(nodeID uint32) {
	for id, l := range s.links {
		if outPort, ok := s.ports[l.OutputPort]; ok && outPort.NodeID == nodeID {
			delete(s.links, id)
			s.emit(Event{Kind: LinkRemoved, ID: id})
			continue
		}
		if inPort, ok := s.ports[l.InputPort]; ok && inPort.NodeID == nodeID {
			delete(s.links, id)
			s.emit(Event{Kind: LinkRemoved, ID: id})
		}
	}
	for id, p := range s.ports {
		if p.NodeID == nodeID {
			delete(s.ports, id)
			s.emit(Event{Kind: PortRemoved, ID: id})
		}
	}
	if _, ok := s.nodes[nodeID]; ok {
		delete(s.nodes, nodeID)
		s.emit(Event{Kind: NodeRemoved, ID: nodeID})
	}
}

// CreateLink implements Conn.
func (s *MemServer) CreateLink(outputNode, outputPort, inputNode, inputPort uint32) (graph.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return graph.Link{}, errClosed
	}
	op, ok := s.ports[outputPort]
	if !ok || op.NodeID != outputNode || op.Direction != graph.DirectionOutput {
		return graph.Link{}, fmt.Errorf("invalid output port %d", outputPort)
	}
	ip, ok := s.ports[inputPort]
	if !ok || ip.NodeID != inputNode || ip.Direction != graph.DirectionInput {
		return graph.Link{}, fmt.Errorf("invalid input port %d", inputPort)
	}
	for _, l := range s.links {
		if l.OutputPort == outputPort && l.InputPort == inputPort {
			return l, nil // already linked, idempotent like a real server
		}
	}
	l := graph.Link{
		ID:         s.id(),
		OutputNode: outputNode,
		OutputPort: outputPort,
		InputNode:  inputNode,
		InputPort:  inputPort,
	}
	s.links[l.ID] = l
	s.emit(Event{Kind: LinkAdded, ID: l.ID, Link: l})
	return l, nil
}

// DestroyLink implements Conn.
func (s *MemServer) DestroyLink(linkID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if _, ok := s.links[linkID]; !ok {
		return fmt.Errorf("no such link %d", linkID)
	}
	delete(s.links, linkID)
	s.emit(Event{Kind: LinkRemoved, ID: linkID})
	return nil
}

// RegisterFilter implements Conn.
func (s *MemServer) RegisterFilter(spec FilterSpec) (uint32, error) {
	if spec.Process == nil {
		return 0, errors.New("filter spec needs a process callback")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	n := graph.Node{
		ID:          s.id(),
		Name:        spec.Name,
		Description: spec.Description,
		Media:       graph.MediaAudio,
		Type:        graph.NodePlugin,
		Ready:       true,
	}
	s.nodes[n.ID] = n
	s.emit(Event{Kind: NodeAdded, ID: n.ID, Node: n})

	f := &memFilter{nodeID: n.ID, spec: spec}
	f.inIDs = s.addPortsLocked(n.ID, graph.MediaAudio, graph.DirectionInput, spec.InputPorts)
	f.outIDs = s.addPortsLocked(n.ID, graph.MediaAudio, graph.DirectionOutput, spec.OutputPorts)
	f.inputs = makeBuffers(len(spec.InputPorts), s.quantum)
	f.outputs = makeBuffers(len(spec.OutputPorts), s.quantum)
	s.filters[n.ID] = f
	return n.ID, nil
}

func makeBuffers(n, frames int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, frames)
	}
	return out
}

// Unregister implements Conn. Taking the callback gate exclusively means no
// cycle is in flight when it returns.
func (s *MemServer) Unregister(nodeID uint32) error {
	s.mu.Lock()
	_, ok := s.filters[nodeID]
	delete(s.filters, nodeID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such filter node %d", nodeID)
	}

	s.cb.Lock()
	s.cb.Unlock() //nolint:staticcheck // barrier, not a critical section

	s.mu.Lock()
	s.removeNodeLocked(nodeID)
	s.mu.Unlock()
	return nil
}

// Pump runs one callback cycle: each registered filter has its inputs
// filled from linked filter outputs, then its Process invoked.
func (s *MemServer) Pump(frames int) {
	s.cb.RLock()
	defer s.cb.RUnlock()

	s.mu.Lock()
	filters := make([]*memFilter, 0, len(s.filters))
	for _, f := range s.filters {
		filters = append(filters, f)
	}
	links := make([]graph.Link, 0, len(s.links))
	for _, l := range s.links {
		links = append(links, l)
	}
	s.mu.Unlock()

	if frames > s.quantum {
		frames = s.quantum
	}

	byOutPort := map[uint32][]float32{}
	for _, f := range filters {
		for i, id := range f.outIDs {
			byOutPort[id] = f.outputs[i]
		}
	}
	for _, f := range filters {
		for i, id := range f.inIDs {
			buf := f.inputs[i]
			for j := 0; j < frames; j++ {
				buf[j] = 0
			}
			for _, l := range links {
				if l.InputPort != id {
					continue
				}
				if src, ok := byOutPort[l.OutputPort]; ok {
					for j := 0; j < frames; j++ {
						buf[j] += src[j]
					}
				}
			}
		}
		f.spec.Process(f.inputs, f.outputs, frames)
	}
}

// Links returns a snapshot of the link table, for tests.
func (s *MemServer) Links() []graph.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]graph.Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	return out
}

// Close implements Conn.
func (s *MemServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop, done := s.stop, s.done
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	close(s.events)
	return nil
}

var _ Conn = (*MemServer)(nil)
