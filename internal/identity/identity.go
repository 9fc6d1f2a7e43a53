// Package identity defines the four-part key that joins every Mantle
// subsystem: storage rows, hot-cache keys, alarm rules, hidden items and
// pub/sub events all address a telemetry point by (group, node, device,
// metric). Device is empty for node-level metrics.
package identity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Identity addresses a single telemetry point.
type Identity struct {
	Group  string `json:"group"`
	Node   string `json:"node"`
	Device string `json:"device"`
	Metric string `json:"metric"`
}

// Key returns the pipe-joined form used by the alarm rule cache.
func (id Identity) Key() string {
	return id.Group + "|" + id.Node + "|" + id.Device + "|" + id.Metric
}

// ParseKey reverses Key.
func ParseKey(key string) (Identity, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return Identity{}, fmt.Errorf("malformed identity key %q", key)
	}
	return Identity{Group: parts[0], Node: parts[1], Device: parts[2], Metric: parts[3]}, nil
}

// CacheKey returns the JSON document used as the hot-cache key. Field
// order is fixed so the same identity always produces the same key.
func (id Identity) CacheKey() string {
	b, _ := json.Marshal(id)
	return string(b)
}

// ParseCacheKey decodes a hot-cache key back into an identity.
func ParseCacheKey(key string) (Identity, error) {
	var id Identity
	if err := json.Unmarshal([]byte(key), &id); err != nil {
		return Identity{}, fmt.Errorf("malformed cache key %q: %w", key, err)
	}
	if id.Group == "" || id.Node == "" || id.Metric == "" {
		return Identity{}, fmt.Errorf("cache key %q missing identity fields", key)
	}
	return id, nil
}

// Validate rejects identities with empty mandatory fields. Device may be
// empty (node-level metric).
func (id Identity) Validate() error {
	switch {
	case id.Group == "":
		return fmt.Errorf("identity missing group")
	case id.Node == "":
		return fmt.Errorf("identity missing node")
	case id.Metric == "":
		return fmt.Errorf("identity missing metric")
	}
	return nil
}

// Scope is an identity prefix: metric (and optionally device) may be
// empty, selecting every descendant. Used by hidden items and the delete
// cascade.
type Scope struct {
	Group  string `json:"group"`
	Node   string `json:"node"`
	Device string `json:"device"`
	Metric string `json:"metric"`
}

// Validate rejects scopes that do not at least name a group and node.
func (s Scope) Validate() error {
	if s.Group == "" || s.Node == "" {
		return fmt.Errorf("scope must name group and node")
	}
	return nil
}

// Contains reports whether the identity falls under the scope prefix.
// Empty device and metric select every descendant of the node; empty
// metric with a device selects every metric of that device; a set metric
// requires an exact match, including the (possibly empty) device.
func (s Scope) Contains(id Identity) bool {
	if s.Group != id.Group || s.Node != id.Node {
		return false
	}
	if s.Metric != "" {
		return s.Device == id.Device && s.Metric == id.Metric
	}
	if s.Device != "" {
		return s.Device == id.Device
	}
	return true
}

// HiddenKey returns the canonical hidden-item key for the scope. Three
// forms exist: "node:g/n", "device:g/n/d" and "g/n/d/m".
func (s Scope) HiddenKey() string {
	switch {
	case s.Device == "" && s.Metric == "":
		return "node:" + s.Group + "/" + s.Node
	case s.Metric == "":
		return "device:" + s.Group + "/" + s.Node + "/" + s.Device
	default:
		return s.Group + "/" + s.Node + "/" + s.Device + "/" + s.Metric
	}
}

// ParseHiddenKey reverses HiddenKey.
func ParseHiddenKey(key string) (Scope, error) {
	switch {
	case strings.HasPrefix(key, "node:"):
		parts := strings.Split(strings.TrimPrefix(key, "node:"), "/")
		if len(parts) != 2 {
			return Scope{}, fmt.Errorf("malformed hidden key %q", key)
		}
		return Scope{Group: parts[0], Node: parts[1]}, nil
	case strings.HasPrefix(key, "device:"):
		parts := strings.Split(strings.TrimPrefix(key, "device:"), "/")
		if len(parts) != 3 {
			return Scope{}, fmt.Errorf("malformed hidden key %q", key)
		}
		return Scope{Group: parts[0], Node: parts[1], Device: parts[2]}, nil
	default:
		parts := strings.Split(key, "/")
		if len(parts) != 4 {
			return Scope{}, fmt.Errorf("malformed hidden key %q", key)
		}
		return Scope{Group: parts[0], Node: parts[1], Device: parts[2], Metric: parts[3]}, nil
	}
}

// Covers reports whether every point under other is also under s. Used
// by the delete cascade to drop descendant hides along with a node or
// device.
func (s Scope) Covers(other Scope) bool {
	if s.Group != other.Group || s.Node != other.Node {
		return false
	}
	if s.Metric != "" {
		return s.Device == other.Device && s.Metric == other.Metric
	}
	if s.Device != "" {
		return s.Device == other.Device
	}
	return true
}
