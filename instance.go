package zestbay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lemonxah/zestbay/backend"
)

// PluginInstance is one hosted plugin as the rest of the system sees it:
// the stable instance id, its catalog identity, the server node it appears
// as, and the live backend instance underneath. Owned exclusively by the
// graph thread; the audio callback reaches the backend instance only
// through the server's registered process callback.
type PluginInstance struct {
	ID          uint64          `json:"id"`
	Format      backend.Format  `json:"format"`
	URI         string          `json:"uri"`
	DisplayName string          `json:"displayName"`
	NodeID      uint32          `json:"nodeId"`

	inst backend.Instance
}

// Backend returns the live backend instance.
func (p *PluginInstance) Backend() backend.Instance { return p.inst }

// instanceTable tracks hosted instances by id and by server node.
type instanceTable struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*PluginInstance
	byNode map[uint32]*PluginInstance
}

func newInstanceTable() *instanceTable {
	return &instanceTable{
		byID:   map[uint64]*PluginInstance{},
		byNode: map[uint32]*PluginInstance{},
	}
}

// add registers p, assigning the next monotonic id when p.ID is zero.
// Session restore supplies explicit ids; those bump the counter past
// themselves so later assignments never collide.
func (t *instanceTable) add(p *PluginInstance) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.ID == 0 {
		t.nextID++
		p.ID = t.nextID
	} else {
		if _, exists := t.byID[p.ID]; exists {
			return fmt.Errorf("instance id %d already in use", p.ID)
		}
		if p.ID > t.nextID {
			t.nextID = p.ID
		}
	}
	t.byID[p.ID] = p
	if p.NodeID != 0 {
		t.byNode[p.NodeID] = p
	}
	return nil
}

// remove drops the instance and returns it, or nil.
func (t *instanceTable) remove(id uint64) *PluginInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return nil
	}
	delete(t.byID, id)
	delete(t.byNode, p.NodeID)
	return p
}

func (t *instanceTable) get(id uint64) *PluginInstance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

func (t *instanceTable) forNode(nodeID uint32) *PluginInstance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byNode[nodeID]
}

// list returns instances ordered by id, the order sessions preserve.
func (t *instanceTable) list() []*PluginInstance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PluginInstance, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// uniqueDisplayName suffixes base until no live instance carries it.
// Display names key sessions and learned rules, so collisions are not
// acceptable.
func (t *instanceTable) uniqueDisplayName(base string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	taken := func(name string) bool {
		for _, p := range t.byID {
			if p.DisplayName == name {
				return true
			}
		}
		return false
	}
	if !taken(base) {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", base, n)
		if !taken(candidate) {
			return candidate
		}
	}
}
