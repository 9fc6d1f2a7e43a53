package topology

import (
	"sync"

	"github.com/mantle-scada/mantle/internal/identity"
)

// HiddenSet answers visibility questions in O(1) lookups. It is built
// once from the hidden_items table and kept coherent by the hide/unhide
// mutations. A nil *HiddenSet hides nothing, so snapshot code does not
// special-case the unconfigured path.
type HiddenSet struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewHiddenSet folds the stored scopes into a lookup set.
func NewHiddenSet(scopes []identity.Scope) *HiddenSet {
	h := &HiddenSet{keys: make(map[string]struct{}, len(scopes))}
	for _, s := range scopes {
		h.keys[s.HiddenKey()] = struct{}{}
	}
	return h
}

// Add marks a scope hidden.
func (h *HiddenSet) Add(s identity.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[s.HiddenKey()] = struct{}{}
}

// Remove unhides a scope.
func (h *HiddenSet) Remove(s identity.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.keys, s.HiddenKey())
}

// RemoveUnder drops the scope and every hidden entry beneath it,
// mirroring what the delete cascade removes from hidden_items.
func (h *HiddenSet) RemoveUnder(s identity.Scope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.keys {
		sc, err := identity.ParseHiddenKey(key)
		if err != nil {
			continue
		}
		if s.Covers(sc) {
			delete(h.keys, key)
		}
	}
}

func (h *HiddenSet) has(key string) bool {
	if h == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.keys[key]
	return ok
}

// NodeHidden reports whether the node itself is hidden.
func (h *HiddenSet) NodeHidden(group, node string) bool {
	return h.has("node:" + group + "/" + node)
}

// DeviceHidden cascades: a hidden node hides its devices.
func (h *HiddenSet) DeviceHidden(group, node, device string) bool {
	return h.NodeHidden(group, node) || h.has("device:"+group+"/"+node+"/"+device)
}

// MetricHidden cascades through node and device hides.
func (h *HiddenSet) MetricHidden(id identity.Identity) bool {
	if h.NodeHidden(id.Group, id.Node) {
		return true
	}
	if id.Device != "" && h.DeviceHidden(id.Group, id.Node, id.Device) {
		return true
	}
	return h.has(id.Group + "/" + id.Node + "/" + id.Device + "/" + id.Metric)
}
