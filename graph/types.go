package graph

// MediaType classifies what kind of signal a node or port carries.
type MediaType string

const (
	MediaAudio   MediaType = "audio"
	MediaVideo   MediaType = "video"
	MediaMidi    MediaType = "midi"
	MediaUnknown MediaType = ""
)

// NodeType classifies a node's role in the graph.
type NodeType string

const (
	NodeSink         NodeType = "sink"
	NodeSource       NodeType = "source"
	NodeStreamOutput NodeType = "stream_output"
	NodeStreamInput  NodeType = "stream_input"
	NodeDuplex       NodeType = "duplex"
	NodePlugin       NodeType = "plugin"
)

// Direction indicates which way a port faces.
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// String returns a human-readable direction label.
func (d Direction) String() string {
	if d == DirectionOutput {
		return "output"
	}
	return "input"
}

// Node mirrors a node registered on the audio server. IDs are assigned by
// the server and are not stable across restarts.
type Node struct {
	ID          uint32    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Media       MediaType `json:"media"`
	Type        NodeType  `json:"type"`
	Ready       bool      `json:"ready"`
}

// DisplayName returns the name shown to users and used as the stable key in
// sessions and rules: description, else name, else "Unknown".
func (n *Node) DisplayName() string {
	if n.Description != "" {
		return n.Description
	}
	if n.Name != "" {
		return n.Name
	}
	return "Unknown"
}

// CanOutput reports whether the node type can act as a link source.
func (n *Node) CanOutput() bool {
	switch n.Type {
	case NodeSource, NodeStreamOutput, NodeDuplex, NodePlugin:
		return true
	}
	return false
}

// CanInput reports whether the node type can act as a link target.
func (n *Node) CanInput() bool {
	switch n.Type {
	case NodeSink, NodeStreamInput, NodeDuplex, NodePlugin:
		return true
	}
	return false
}

// Port mirrors a port registered on the audio server.
type Port struct {
	ID        uint32    `json:"id"`
	NodeID    uint32    `json:"nodeId"`
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	Media     MediaType `json:"media"`

	// Channel is the channel label hint ("FL", "FR", "MONO", ...); empty when
	// the server provides none.
	Channel string `json:"channel,omitempty"`

	// Physical is the physical-index hint used as a pairing fallback.
	Physical int `json:"physical"`
}

// Link mirrors an established connection between an output port and an
// input port.
type Link struct {
	ID         uint32 `json:"id"`
	OutputNode uint32 `json:"outputNode"`
	OutputPort uint32 `json:"outputPort"`
	InputNode  uint32 `json:"inputNode"`
	InputPort  uint32 `json:"inputPort"`
}
