// Package graph holds the live mirror of the audio server's node/port/link
// topology.
//
// Model:
//   - The server's event stream is the single source of truth; this package
//     only stores what it is told.
//   - Every mutation bumps a monotonically increasing serial. Pollers detect
//     "something changed" by comparing serials, never by diffing collections.
//   - Removing a node cascades to its ports and any links touching them as a
//     single write-locked operation, so no reader ever observes a dangling
//     port or link.
package graph

import (
	"fmt"
	"sort"
	"sync"
)

// State is the concurrent registry of nodes, ports and links keyed by
// server-assigned ids. The lock is held only for the duration of each
// individual operation, never across a patchbay scan.
type State struct {
	mu     sync.RWMutex
	serial uint64

	nodes map[uint32]*Node
	ports map[uint32]*Port
	links map[uint32]*Link
}

// NewState creates an empty graph state.
func NewState() *State {
	return &State{
		nodes: make(map[uint32]*Node),
		ports: make(map[uint32]*Port),
		links: make(map[uint32]*Link),
	}
}

// Serial returns the current change counter.
func (s *State) Serial() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serial
}

// bump must be called with the write lock held.
func (s *State) bump() {
	s.serial++
}

// UpsertNode inserts or replaces a node.
func (s *State) UpsertNode(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := n
	s.nodes[n.ID] = &node
	s.bump()
}

// UpsertPort inserts or replaces a port.
func (s *State) UpsertPort(p Port) {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := p
	s.ports[p.ID] = &port
	s.bump()
}

// AddLink inserts a link. Links between two ports of the same node are
// rejected; that invariant is what keeps rule evaluation loop-free.
func (s *State) AddLink(l Link) error {
	if l.OutputNode == l.InputNode {
		return fmt.Errorf("link %d connects node %d to itself", l.ID, l.OutputNode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	link := l
	s.links[l.ID] = &link
	s.bump()
	return nil
}

// RemovePort deletes a port and every link referencing it.
func (s *State) RemovePort(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ports[id]; !ok {
		return
	}
	delete(s.ports, id)
	for lid, l := range s.links {
		if l.OutputPort == id || l.InputPort == id {
			delete(s.links, lid)
		}
	}
	s.bump()
}

// RemoveLink deletes a link by id.
func (s *State) RemoveLink(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.links[id]; !ok {
		return
	}
	delete(s.links, id)
	s.bump()
}

// CleanupNode removes a node together with its ports and any links touching
// those ports, as one atomic update.
func (s *State) CleanupNode(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return
	}
	delete(s.nodes, id)

	for pid, p := range s.ports {
		if p.NodeID != id {
			continue
		}
		delete(s.ports, pid)
		for lid, l := range s.links {
			if l.OutputPort == pid || l.InputPort == pid {
				delete(s.links, lid)
			}
		}
	}
	// Links can also reference the node directly (defended here because some
	// servers emit the link before both ports).
	for lid, l := range s.links {
		if l.OutputNode == id || l.InputNode == id {
			delete(s.links, lid)
		}
	}
	s.bump()
}

// Node returns a copy of the node with the given id.
func (s *State) Node(id uint32) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Port returns a copy of the port with the given id.
func (s *State) Port(id uint32) (Port, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.ports[id]
	if !ok {
		return Port{}, false
	}
	return *p, true
}

// Link returns a copy of the link with the given id.
func (s *State) Link(id uint32) (Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.links[id]
	if !ok {
		return Link{}, false
	}
	return *l, true
}

// Nodes returns copies of all nodes ordered by id.
func (s *State) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Links returns copies of all links ordered by id.
func (s *State) Links() []Link {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodePorts returns copies of a node's ports with the given direction,
// ordered by physical index then id so pairing is deterministic.
func (s *State) NodePorts(nodeID uint32, dir Direction) []Port {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Port
	for _, p := range s.ports {
		if p.NodeID == nodeID && p.Direction == dir {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Physical != out[j].Physical {
			return out[i].Physical < out[j].Physical
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindLink returns the link connecting the given port pair, if any.
func (s *State) FindLink(outputPort, inputPort uint32) (Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.links {
		if l.OutputPort == outputPort && l.InputPort == inputPort {
			return *l, true
		}
	}
	return Link{}, false
}

// Linked reports whether the given port pair is already connected.
func (s *State) Linked(outputPort, inputPort uint32) bool {
	_, ok := s.FindLink(outputPort, inputPort)
	return ok
}

// FindNodeByDisplayName returns the first ready node whose display name
// matches exactly. Used when resolving session links, which are keyed by
// display name because ids are not stable across restarts.
func (s *State) FindNodeByDisplayName(name string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uint32
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		n := s.nodes[id]
		if n.Ready && n.DisplayName() == name {
			return *n, true
		}
	}
	return Node{}, false
}

// FindPortByName returns the port on the given node with the given name and
// direction.
func (s *State) FindPortByName(nodeID uint32, name string, dir Direction) (Port, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.ports {
		if p.NodeID == nodeID && p.Direction == dir && p.Name == name {
			return *p, true
		}
	}
	return Port{}, false
}

// Counts returns the number of nodes, ports and links currently tracked.
func (s *State) Counts() (nodes, ports, links int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.ports), len(s.links)
}
