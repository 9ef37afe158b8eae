// Package server abstracts the external audio-server connection the graph
// thread owns. The host never talks to a server directly; it consumes the
// registry event stream and issues link and filter operations through Conn.
package server

import "github.com/lemonxah/zestbay/graph"

// EventKind discriminates registry events.
type EventKind int

const (
	NodeAdded EventKind = iota
	NodeRemoved
	PortAdded
	PortRemoved
	LinkAdded
	LinkRemoved
)

// String returns the event kind label used in logs.
func (k EventKind) String() string {
	switch k {
	case NodeAdded:
		return "node-added"
	case NodeRemoved:
		return "node-removed"
	case PortAdded:
		return "port-added"
	case PortRemoved:
		return "port-removed"
	case LinkAdded:
		return "link-added"
	case LinkRemoved:
		return "link-removed"
	}
	return "unknown"
}

// Event is one registry change. Only the field matching Kind is set; remove
// events carry just the id.
type Event struct {
	Kind EventKind
	ID   uint32
	Node graph.Node
	Port graph.Port
	Link graph.Link
}

// ProcessFunc is a filter's audio callback. It runs on the server's
// processing thread and must not block or allocate.
type ProcessFunc func(inputs, outputs [][]float32, frames int)

// FilterSpec describes a filter node to register: a plugin instance exposed
// to the graph with named audio ports.
type FilterSpec struct {
	Name        string
	Description string
	InputPorts  []string
	OutputPorts []string
	Process     ProcessFunc
}

// Conn is the audio-server connection. All methods are called from the
// graph thread only; Events delivery and ProcessFunc invocation come from
// server-owned goroutines.
type Conn interface {
	// Events returns the registry event stream. The channel closes when the
	// connection does.
	Events() <-chan Event

	// Sync blocks until every event produced before the call has been
	// delivered on the Events channel.
	Sync() error

	// CreateLink connects an output port to an input port and returns the
	// new link.
	CreateLink(outputNode, outputPort, inputNode, inputPort uint32) (graph.Link, error)

	// DestroyLink removes a link by id.
	DestroyLink(linkID uint32) error

	// RegisterFilter exposes a filter node on the graph and returns its
	// node id. The ProcessFunc starts receiving callbacks once the server
	// schedules the node.
	RegisterFilter(spec FilterSpec) (uint32, error)

	// Unregister removes a filter node. It returns only when no further
	// ProcessFunc callbacks will fire for it.
	Unregister(nodeID uint32) error

	// Close tears the connection down and closes the event stream.
	Close() error
}
