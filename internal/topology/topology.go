// Package topology maintains the in-memory model of the observed
// industrial hierarchy: groups, edge nodes, devices and metrics. The
// ingress goroutine and the CRUD mutations are the only writers; readers
// always receive deep snapshots, optionally filtered through the hidden
// set, so no caller can observe a partially updated node.
package topology

import (
	"sort"
	"sync"

	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/sparkplug"
)

// Metric is one metric node in the hierarchy.
type Metric struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Value       sparkplug.Value `json:"value"`
	Timestamp   int64           `json:"timestamp"` // ms since epoch
	ScanRate    int64           `json:"scanRate,omitempty"`
	Properties  []string        `json:"properties,omitempty"`
	TemplateRef string          `json:"templateRef,omitempty"`
}

// Device groups the metrics below one device ID.
type Device struct {
	ID      string             `json:"id"`
	Metrics map[string]*Metric `json:"metrics"`
}

// Node is one edge node with its own metrics and devices.
type Node struct {
	ID      string             `json:"id"`
	Metrics map[string]*Metric `json:"metrics"`
	Devices map[string]*Device `json:"devices"`
}

// Group is one Sparkplug group.
type Group struct {
	ID    string           `json:"id"`
	Nodes map[string]*Node `json:"nodes"`
}

// Host is the root projection handed to readers.
type Host struct {
	Groups map[string]*Group `json:"groups"`
}

// TemplateMember names one member of a template definition.
type TemplateMember struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TemplateDefinition is a purely descriptive template record collected
// from BIRTH frames.
type TemplateDefinition struct {
	Name    string           `json:"name"`
	Version string           `json:"version,omitempty"`
	Members []TemplateMember `json:"members"`
}

// Tree is the mutable topology owned by the ingress component.
type Tree struct {
	mu        sync.RWMutex
	groups    map[string]*Group
	templates map[string]TemplateDefinition
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{
		groups:    make(map[string]*Group),
		templates: make(map[string]TemplateDefinition),
	}
}

// ApplyMetric creates or updates the metric addressed by id. Unset
// update fields (zero scan rate, nil properties, empty template ref)
// leave the previous values in place so DATA frames do not erase
// BIRTH-provided metadata.
func (t *Tree) ApplyMetric(id identity.Identity, update Metric) {
	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[id.Group]
	if !ok {
		group = &Group{ID: id.Group, Nodes: make(map[string]*Node)}
		t.groups[id.Group] = group
	}
	node, ok := group.Nodes[id.Node]
	if !ok {
		node = &Node{ID: id.Node, Metrics: make(map[string]*Metric), Devices: make(map[string]*Device)}
		group.Nodes[id.Node] = node
	}
	metrics := node.Metrics
	if id.Device != "" {
		device, ok := node.Devices[id.Device]
		if !ok {
			device = &Device{ID: id.Device, Metrics: make(map[string]*Metric)}
			node.Devices[id.Device] = device
		}
		metrics = device.Metrics
	}

	m, ok := metrics[id.Metric]
	if !ok {
		m = &Metric{Name: id.Metric}
		metrics[id.Metric] = m
	}
	if update.Type != "" {
		m.Type = update.Type
	}
	m.Value = update.Value
	m.Timestamp = update.Timestamp
	if update.ScanRate != 0 {
		m.ScanRate = update.ScanRate
	}
	if update.Properties != nil {
		m.Properties = append([]string(nil), update.Properties...)
	}
	if update.TemplateRef != "" {
		m.TemplateRef = update.TemplateRef
	}
}

// RegisterTemplate records a template definition, replacing any previous
// definition with the same name.
func (t *Tree) RegisterTemplate(def TemplateDefinition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.templates[def.Name] = def
}

// TemplateDefinitions returns the known definitions sorted by name.
func (t *Tree) TemplateDefinitions() []TemplateDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	defs := make([]TemplateDefinition, 0, len(t.templates))
	for _, def := range t.templates {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// DeleteMetric removes a single metric; empty groups or devices left
// behind are pruned. Reports whether anything was removed.
func (t *Tree) DeleteMetric(id identity.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	group, ok := t.groups[id.Group]
	if !ok {
		return false
	}
	node, ok := group.Nodes[id.Node]
	if !ok {
		return false
	}
	metrics := node.Metrics
	var device *Device
	if id.Device != "" {
		device, ok = node.Devices[id.Device]
		if !ok {
			return false
		}
		metrics = device.Metrics
	}
	if _, ok := metrics[id.Metric]; !ok {
		return false
	}
	delete(metrics, id.Metric)
	if device != nil && len(device.Metrics) == 0 {
		delete(node.Devices, id.Device)
	}
	t.pruneLocked(id.Group, id.Node)
	return true
}

// DeleteDevice removes a device and its metrics.
func (t *Tree) DeleteDevice(group, node, device string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[group]
	if !ok {
		return false
	}
	n, ok := g.Nodes[node]
	if !ok {
		return false
	}
	if _, ok := n.Devices[device]; !ok {
		return false
	}
	delete(n.Devices, device)
	t.pruneLocked(group, node)
	return true
}

// DeleteNode removes an edge node with all devices and metrics.
func (t *Tree) DeleteNode(group, node string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.groups[group]
	if !ok {
		return false
	}
	if _, ok := g.Nodes[node]; !ok {
		return false
	}
	delete(g.Nodes, node)
	if len(g.Nodes) == 0 {
		delete(t.groups, group)
	}
	return true
}

func (t *Tree) pruneLocked(group, node string) {
	g, ok := t.groups[group]
	if !ok {
		return
	}
	if n, ok := g.Nodes[node]; ok && len(n.Metrics) == 0 && len(n.Devices) == 0 {
		delete(g.Nodes, node)
	}
	if len(g.Nodes) == 0 {
		delete(t.groups, group)
	}
}

// SnapshotOptions controls projection filtering.
type SnapshotOptions struct {
	IncludeHidden bool
	Hidden        *HiddenSet // ignored when IncludeHidden is true
}

// Snapshot returns a deep copy of the hierarchy. With a hidden set and
// IncludeHidden=false the hidden cascade is applied: hidden nodes drop
// with all descendants, hidden devices drop with their metrics, and
// groups left without nodes are pruned from the result.
func (t *Tree) Snapshot(opts SnapshotOptions) Host {
	t.mu.RLock()
	defer t.mu.RUnlock()

	hidden := opts.Hidden
	if opts.IncludeHidden {
		hidden = nil
	}

	host := Host{Groups: make(map[string]*Group, len(t.groups))}
	for gid, g := range t.groups {
		cg := &Group{ID: gid, Nodes: make(map[string]*Node, len(g.Nodes))}
		for nid, n := range g.Nodes {
			if hidden.NodeHidden(gid, nid) {
				continue
			}
			cn := &Node{ID: nid, Metrics: make(map[string]*Metric, len(n.Metrics)), Devices: make(map[string]*Device, len(n.Devices))}
			for mid, m := range n.Metrics {
				if hidden.MetricHidden(identity.Identity{Group: gid, Node: nid, Metric: mid}) {
					continue
				}
				cn.Metrics[mid] = m.clone()
			}
			for did, d := range n.Devices {
				if hidden.DeviceHidden(gid, nid, did) {
					continue
				}
				cd := &Device{ID: did, Metrics: make(map[string]*Metric, len(d.Metrics))}
				for mid, m := range d.Metrics {
					if hidden.MetricHidden(identity.Identity{Group: gid, Node: nid, Device: did, Metric: mid}) {
						continue
					}
					cd.Metrics[mid] = m.clone()
				}
				cn.Devices[did] = cd
			}
			cg.Nodes[nid] = cn
		}
		if len(cg.Nodes) > 0 {
			host.Groups[gid] = cg
		}
	}
	return host
}

func (m *Metric) clone() *Metric {
	c := *m
	if m.Properties != nil {
		c.Properties = append([]string(nil), m.Properties...)
	}
	return &c
}
