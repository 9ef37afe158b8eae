package zestbay

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lemonxah/zestbay/backend"
	"github.com/lemonxah/zestbay/graph"
	"github.com/lemonxah/zestbay/patchbay"
)

// SessionParameter is one persisted parameter value.
type SessionParameter struct {
	PortIndex int     `json:"portIndex"`
	Symbol    string  `json:"symbol"`
	Value     float64 `json:"value"`
}

// SessionPlugin is one persisted plugin instance. Order matters: plugins
// are restored in list order so display names resolve the same way.
type SessionPlugin struct {
	Format      backend.Format     `json:"format"`
	URI         string             `json:"uri"`
	DisplayName string             `json:"displayName"`
	Bypass      bool               `json:"bypass"`
	Parameters  []SessionParameter `json:"parameters,omitempty"`
}

// SessionLink is one persisted connection. Links are keyed by display name
// and port name, never by numeric id, because ids are not stable across
// restarts.
type SessionLink struct {
	OutputNode string `json:"outputNode"`
	OutputPort string `json:"outputPort"`
	InputNode  string `json:"inputNode"`
	InputPort  string `json:"inputPort"`
}

// Session is the complete serializable host state.
type Session struct {
	Version string                 `json:"version"`
	Plugins []SessionPlugin        `json:"plugins"`
	Links   []SessionLink          `json:"links"`
	Rules   []patchbay.Rule        `json:"rules,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// Serializer produces and consumes the session shape. Reading and writing
// files is the shell's job; the serializer only sees readers and writers.
type Serializer struct {
	host    *Host
	mu      sync.RWMutex
	version string
	log     *logrus.Entry
}

// NewSerializer creates a serializer for the host.
func NewSerializer(host *Host) *Serializer {
	return &Serializer{
		host:    host,
		version: "1.0.0", // Session format version
		log:     logrus.WithField("component", "serializer"),
	}
}

// GetState captures the current host state as a session.
func (s *Serializer) GetState() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	instances := s.host.instances.list()
	plugins := make([]SessionPlugin, 0, len(instances))
	nodeNames := make(map[uint32]string)

	for _, p := range instances {
		params := p.inst.Parameters()
		sp := SessionPlugin{
			Format:      p.Format,
			URI:         p.URI,
			DisplayName: p.DisplayName,
			Bypass:      p.inst.Bypassed(),
			Parameters:  make([]SessionParameter, 0, len(params)),
		}
		for _, param := range params {
			sp.Parameters = append(sp.Parameters, SessionParameter{
				PortIndex: param.PortIndex,
				Symbol:    param.Symbol,
				Value:     param.Value,
			})
		}
		plugins = append(plugins, sp)
		nodeNames[p.NodeID] = p.DisplayName
	}

	links := make([]SessionLink, 0)
	for _, l := range s.host.graph.Links() {
		sl, ok := s.sessionLink(l, nodeNames)
		if !ok {
			continue
		}
		links = append(links, sl)
	}

	return Session{
		Version: s.version,
		Plugins: plugins,
		Links:   links,
		Rules:   s.host.rules.Rules(),
	}
}

// sessionLink resolves a live link to its name-keyed form. Plugin nodes use
// the instance display name so the link survives node id churn.
func (s *Serializer) sessionLink(l graph.Link, nodeNames map[uint32]string) (SessionLink, bool) {
	outName, ok := s.nodeKey(l.OutputNode, nodeNames)
	if !ok {
		return SessionLink{}, false
	}
	inName, ok := s.nodeKey(l.InputNode, nodeNames)
	if !ok {
		return SessionLink{}, false
	}
	op, ok := s.host.graph.Port(l.OutputPort)
	if !ok {
		return SessionLink{}, false
	}
	ip, ok := s.host.graph.Port(l.InputPort)
	if !ok {
		return SessionLink{}, false
	}
	return SessionLink{
		OutputNode: outName,
		OutputPort: op.Name,
		InputNode:  inName,
		InputPort:  ip.Name,
	}, true
}

func (s *Serializer) nodeKey(nodeID uint32, nodeNames map[uint32]string) (string, bool) {
	if name, ok := nodeNames[nodeID]; ok {
		return name, true
	}
	n, ok := s.host.graph.Node(nodeID)
	if !ok {
		return "", false
	}
	return n.DisplayName(), true
}

// SetState restores the host from the given session: plugins in order, then
// links, then rules. Links whose endpoints are absent from the graph are
// skipped with a warning; devices come and go between sessions.
func (s *Serializer) SetState(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.Version != s.version {
		return fmt.Errorf("incompatible session version: got %s, expected %s",
			session.Version, s.version)
	}

	// Clear existing instances
	for _, p := range s.host.instances.list() {
		if err := s.host.dispatcher.RemovePlugin(p.ID); err != nil {
			return fmt.Errorf("failed to remove instance %d during session restore: %w", p.ID, err)
		}
	}

	// Restore plugins in order
	var restored []*PluginInstance
	for _, sp := range session.Plugins {
		inst, err := s.host.dispatcher.AddPlugin(AddPluginData{
			Format:      sp.Format,
			URI:         sp.URI,
			DisplayName: sp.DisplayName,
		})
		if err != nil {
			return fmt.Errorf("failed to restore plugin %s: %w", sp.URI, err)
		}
		for _, param := range sp.Parameters {
			if err := s.host.dispatcher.SetParameter(inst.ID, param.PortIndex, param.Value); err != nil {
				s.log.WithError(err).WithFields(logrus.Fields{
					"plugin": sp.DisplayName,
					"symbol": param.Symbol,
				}).Warn("Parameter did not restore")
			}
		}
		if sp.Bypass {
			if err := s.host.dispatcher.SetBypass(inst.ID, true); err != nil {
				return fmt.Errorf("failed to restore bypass on %s: %w", sp.DisplayName, err)
			}
		}
		restored = append(restored, inst)
	}

	// Link restore resolves nodes by display name against the graph mirror,
	// which lags the server registry. Wait for the restored plugin nodes to
	// echo back before resolving.
	s.awaitNodes(restored)

	// Restore links by name
	for _, sl := range session.Links {
		if !s.restoreLink(sl) {
			s.log.WithFields(logrus.Fields{
				"output": sl.OutputNode + ":" + sl.OutputPort,
				"input":  sl.InputNode + ":" + sl.InputPort,
			}).Warn("Session link endpoints not present, skipping")
		}
	}

	// Restore rules
	for _, r := range session.Rules {
		// Pinned ids are from a dead graph; scans re-resolve targets
		r.PinnedTarget = 0
		s.host.rules.Add(r)
	}

	return nil
}

func (s *Serializer) awaitNodes(restored []*PluginInstance) {
	deadline := time.Now().Add(2 * time.Second)
	for _, p := range restored {
		for {
			if _, ok := s.host.graph.Node(p.NodeID); ok {
				break
			}
			if time.Now().After(deadline) {
				s.log.WithField("plugin", p.DisplayName).Warn("Restored node did not echo back in time")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func (s *Serializer) restoreLink(sl SessionLink) bool {
	st := s.host.graph
	outNode, ok := st.FindNodeByDisplayName(sl.OutputNode)
	if !ok {
		return false
	}
	inNode, ok := st.FindNodeByDisplayName(sl.InputNode)
	if !ok {
		return false
	}
	outPort, ok := st.FindPortByName(outNode.ID, sl.OutputPort, graph.DirectionOutput)
	if !ok {
		return false
	}
	inPort, ok := st.FindPortByName(inNode.ID, sl.InputPort, graph.DirectionInput)
	if !ok {
		return false
	}
	if _, err := s.host.dispatcher.Connect(outPort.ID, inPort.ID); err != nil {
		s.host.errorHandler.HandleError(err)
		return false
	}
	return true
}

// SaveToWriter writes the session as indented JSON.
func (s *Serializer) SaveToWriter(writer io.Writer) error {
	state := s.GetState()

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	return nil
}

// LoadFromReader restores the host from a JSON session stream.
func (s *Serializer) LoadFromReader(reader io.Reader) error {
	var session Session

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(&session); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}

	return s.SetState(session)
}

// SaveToJSON returns the session as a JSON string.
func (s *Serializer) SaveToJSON() (string, error) {
	state := s.GetState()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}

	return string(data), nil
}

// LoadFromJSON restores the host from a JSON session string.
func (s *Serializer) LoadFromJSON(jsonData string) error {
	var session Session

	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return s.SetState(session)
}

// GetVersion returns the current session format version.
func (s *Serializer) GetVersion() string {
	return s.version
}

// IsCompatible checks whether a session version can be restored.
func (s *Serializer) IsCompatible(version string) bool {
	return version == s.version
}

// ValidateState checks a session's internal consistency without applying it.
func (s *Serializer) ValidateState(session Session) error {
	if !s.IsCompatible(session.Version) {
		return fmt.Errorf("incompatible session version: %s", session.Version)
	}

	names := make(map[string]bool)
	for _, p := range session.Plugins {
		if p.URI == "" {
			return fmt.Errorf("plugin with empty uri in session")
		}
		if p.DisplayName == "" {
			return fmt.Errorf("plugin %s has no display name", p.URI)
		}
		if names[p.DisplayName] {
			return fmt.Errorf("duplicate display name in session: %s", p.DisplayName)
		}
		names[p.DisplayName] = true
	}

	for _, l := range session.Links {
		if l.OutputNode == "" || l.InputNode == "" || l.OutputPort == "" || l.InputPort == "" {
			return fmt.Errorf("session link with empty endpoint: %+v", l)
		}
	}

	return nil
}
