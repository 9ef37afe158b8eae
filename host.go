// Package zestbay hosts native audio plugins inside a live audio-server
// graph and keeps that graph wired according to learned routing rules. The
// Host owns the server connection on a single graph thread: every topology
// mutation goes through its serialized dispatcher, and every graph change
// flows back out as an event toward UI subscribers.
package zestbay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/catalog"
	"github.com/lemonxah/zestbay/graph"
	"github.com/lemonxah/zestbay/patchbay"
	"github.com/lemonxah/zestbay/server"
)

// Host is the top-level plugin host and patchbay.
type Host struct {
	// Core identity (UUID hybrid pattern)
	id   uuid.UUID
	name string

	// Core state
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	isRunning  bool
	monitor    *SettleMonitor
	dispatcher *Dispatcher
	serializer *Serializer

	// Graph and routing
	conn     server.Conn
	graph    *graph.State
	rules    *patchbay.RuleSet
	patchbay *patchbay.Engine

	// Plugin hosting
	catalog   *catalog.Catalog
	instances *instanceTable
	registry  *uiRegistry

	// Eventing
	events   *eventFanout
	pumpDone chan struct{}

	// Configuration
	config HostConfig

	// Error boundary
	errorHandler ErrorHandler

	log *logrus.Entry
}

// HostConfig holds configuration for host initialization.
type HostConfig struct {
	SampleRate   float64       // Graph sample rate, defaults to 48000
	SettleDelay  time.Duration // Quiet time before a patchbay rescan, defaults to 250ms
	ErrorHandler ErrorHandler  // Optional: defaults to DefaultErrorHandler
}

// NewHost creates a host over the given server connection and plugin
// catalog. The dispatcher starts immediately; event pumping and settle
// monitoring begin with Start.
func NewHost(conn server.Conn, cat *catalog.Catalog, config HostConfig) (*Host, error) {
	// Validate SampleRate
	if config.SampleRate <= 0 {
		config.SampleRate = 48000 // Default sample rate
	} else if config.SampleRate < 8000 {
		return nil, fmt.Errorf("SampleRate must be at least 8000 Hz, got %.0f", config.SampleRate)
	} else if config.SampleRate > 384000 {
		return nil, fmt.Errorf("SampleRate cannot exceed 384000 Hz, got %.0f", config.SampleRate)
	}

	// Validate SettleDelay
	if config.SettleDelay <= 0 {
		config.SettleDelay = 250 * time.Millisecond // Default settle delay
	} else if config.SettleDelay < 10*time.Millisecond {
		return nil, fmt.Errorf("SettleDelay must be at least 10ms, got %v", config.SettleDelay)
	} else if config.SettleDelay > 5*time.Second {
		return nil, fmt.Errorf("SettleDelay cannot exceed 5s, got %v", config.SettleDelay)
	}

	if conn == nil {
		return nil, fmt.Errorf("server connection is required")
	}
	if cat == nil {
		return nil, fmt.Errorf("plugin catalog is required")
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = &DefaultErrorHandler{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	rules := patchbay.NewRuleSet()
	state := graph.NewState()

	h := &Host{
		id:           uuid.New(),
		name:         "Zestbay Host",
		ctx:          ctx,
		cancel:       cancel,
		conn:         conn,
		graph:        state,
		rules:        rules,
		patchbay:     patchbay.NewEngine(state, rules),
		catalog:      cat,
		instances:    newInstanceTable(),
		registry:     newUIRegistry(),
		events:       newEventFanout(),
		pumpDone:     make(chan struct{}),
		config:       config,
		errorHandler: config.ErrorHandler,
		log:          logrus.WithField("component", "host"),
	}

	h.dispatcher = NewDispatcher(h)
	h.monitor = NewSettleMonitor(h, config.SettleDelay)
	h.serializer = NewSerializer(h)

	// Start dispatcher immediately - restore paths need it before Start()
	if err := h.dispatcher.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start dispatcher: %w", err)
	}

	return h, nil
}

// Start begins event pumping and settle monitoring.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isRunning {
		return fmt.Errorf("host is already running")
	}

	go h.pumpEvents()

	if err := h.monitor.Start(); err != nil {
		return fmt.Errorf("failed to start settle monitor: %w", err)
	}

	h.isRunning = true
	return nil
}

// Close tears the host down: editors first, then every live instance with
// its callback barrier, then the command and event machinery.
func (h *Host) Close() error {
	h.mu.Lock()
	if !h.isRunning {
		h.mu.Unlock()
		return nil
	}
	h.isRunning = false
	h.mu.Unlock()

	if err := h.monitor.Stop(); err != nil {
		h.errorHandler.HandleError(err)
	}

	h.registry.closeAll()
	for _, p := range h.instances.list() {
		if err := h.dispatcher.RemovePlugin(p.ID); err != nil {
			h.errorHandler.HandleError(fmt.Errorf("removing instance %d on close: %w", p.ID, err))
		}
	}

	if err := h.dispatcher.Stop(); err != nil {
		h.errorHandler.HandleError(err)
	}
	if err := h.conn.Close(); err != nil {
		h.errorHandler.HandleError(err)
	}
	<-h.pumpDone

	h.cancel()
	h.events.Close()
	return nil
}

// IsRunning returns whether the host is started.
func (h *Host) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isRunning
}

// GetID returns the host's UUID.
func (h *Host) GetID() uuid.UUID {
	return h.id
}

// GetIDString returns the host's UUID as string.
func (h *Host) GetIDString() string {
	return h.id.String()
}

// GetName returns the host name.
func (h *Host) GetName() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.name
}

// SetName sets the host name.
func (h *Host) SetName(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.name = name
}

// Graph returns the live graph state mirror.
func (h *Host) Graph() *graph.State {
	return h.graph
}

// Rules returns the routing rule set.
func (h *Host) Rules() *patchbay.RuleSet {
	return h.rules
}

// Catalog returns the plugin catalog.
func (h *Host) Catalog() *catalog.Catalog {
	return h.catalog
}

// GetDispatcher returns the command dispatcher.
func (h *Host) GetDispatcher() *Dispatcher {
	return h.dispatcher
}

// GetSettleMonitor returns the settle monitor.
func (h *Host) GetSettleMonitor() *SettleMonitor {
	return h.monitor
}

// GetSerializer returns the session serializer.
func (h *Host) GetSerializer() *Serializer {
	return h.serializer
}

// Instances returns the live plugin instances ordered by id.
func (h *Host) Instances() []*PluginInstance {
	return h.instances.list()
}

// Instance returns the live instance with the given id, or nil.
func (h *Host) Instance(id uint64) *PluginInstance {
	return h.instances.get(id)
}

// Subscribe registers an event consumer and returns its token and channel.
func (h *Host) Subscribe() (string, <-chan Event) {
	return h.events.Subscribe()
}

// Unsubscribe removes an event consumer.
func (h *Host) Unsubscribe(token string) {
	h.events.Unsubscribe(token)
}

// Learn records the given link as a routing rule mapping, so the patchbay
// recreates it whenever both endpoints are present. Reports whether the
// rule set changed.
func (h *Host) Learn(linkID uint32) (bool, error) {
	src, tgt, outPort, inPort, err := h.linkEndpoints(linkID)
	if err != nil {
		return false, err
	}
	return h.rules.LearnFromLink(src, tgt, outPort, inPort), nil
}

// Unlearn removes the given link's mapping from the rule set; a rule left
// with no mappings is deleted. Reports whether the rule set changed.
func (h *Host) Unlearn(linkID uint32) (bool, error) {
	src, tgt, outPort, inPort, err := h.linkEndpoints(linkID)
	if err != nil {
		return false, err
	}
	return h.rules.UnlearnFromLink(src, tgt, outPort, inPort), nil
}

func (h *Host) linkEndpoints(linkID uint32) (src, tgt *graph.Node, outPort, inPort string, err error) {
	link, ok := h.graph.Link(linkID)
	if !ok {
		return nil, nil, "", "", fmt.Errorf("unknown link %d", linkID)
	}
	sn, ok := h.graph.Node(link.OutputNode)
	if !ok {
		return nil, nil, "", "", fmt.Errorf("link %d output node %d not in graph", linkID, link.OutputNode)
	}
	tn, ok := h.graph.Node(link.InputNode)
	if !ok {
		return nil, nil, "", "", fmt.Errorf("link %d input node %d not in graph", linkID, link.InputNode)
	}
	op, ok := h.graph.Port(link.OutputPort)
	if !ok {
		return nil, nil, "", "", fmt.Errorf("link %d output port %d not in graph", linkID, link.OutputPort)
	}
	ip, ok := h.graph.Port(link.InputPort)
	if !ok {
		return nil, nil, "", "", fmt.Errorf("link %d input port %d not in graph", linkID, link.InputPort)
	}
	return &sn, &tn, op.Name, ip.Name, nil
}

// pumpEvents mirrors the server registry stream into the graph state and
// fans the changes out toward subscribers. Runs until the connection's
// event channel closes.
func (h *Host) pumpEvents() {
	defer close(h.pumpDone)

	for ev := range h.conn.Events() {
		switch ev.Kind {
		case server.NodeAdded:
			h.graph.UpsertNode(ev.Node)
			n := ev.Node
			h.events.Publish(Event{Type: EventNodeChanged, Node: &n})
		case server.NodeRemoved:
			h.graph.CleanupNode(ev.ID)
			h.events.Publish(Event{Type: EventNodeRemoved, ID: ev.ID})
		case server.PortAdded:
			h.graph.UpsertPort(ev.Port)
			p := ev.Port
			h.events.Publish(Event{Type: EventPortChanged, Port: &p})
		case server.PortRemoved:
			h.graph.RemovePort(ev.ID)
			h.events.Publish(Event{Type: EventPortRemoved, ID: ev.ID})
		case server.LinkAdded:
			if err := h.graph.AddLink(ev.Link); err != nil {
				h.errorHandler.HandleError(err)
				continue
			}
			l := ev.Link
			h.events.Publish(Event{Type: EventLinkChanged, Link: &l})
		case server.LinkRemoved:
			h.graph.RemoveLink(ev.ID)
			h.events.Publish(Event{Type: EventLinkRemoved, ID: ev.ID})
		default:
			h.log.WithField("kind", ev.Kind).Warn("Unknown registry event")
		}
	}
}
