package sparkplug

import (
	"fmt"
	"strings"
)

// Namespace is the fixed Sparkplug-B v1.0 topic namespace.
const Namespace = "spBv1.0"

// MessageType enumerates the Sparkplug message classes Mantle consumes
// or produces.
type MessageType string

const (
	MsgNBirth MessageType = "NBIRTH"
	MsgDBirth MessageType = "DBIRTH"
	MsgNData  MessageType = "NDATA"
	MsgDData  MessageType = "DDATA"
	MsgNDeath MessageType = "NDEATH"
	MsgDDeath MessageType = "DDEATH"
	MsgNCmd   MessageType = "NCMD"
	MsgDCmd   MessageType = "DCMD"
)

// IsBirth reports whether the message class carries birth certificates.
func (m MessageType) IsBirth() bool { return m == MsgNBirth || m == MsgDBirth }

// IsDeviceLevel reports whether the topic addresses a device below the
// edge node.
func (m MessageType) IsDeviceLevel() bool {
	return m == MsgDBirth || m == MsgDData || m == MsgDDeath || m == MsgDCmd
}

// Topic is a parsed Sparkplug topic.
type Topic struct {
	Group   string
	Type    MessageType
	Node    string
	Device  string // empty for node-level messages
}

// ParseTopic parses "spBv1.0/{group}/{type}/{node}[/{device}]".
func ParseTopic(topic string) (Topic, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || len(parts) > 5 {
		return Topic{}, fmt.Errorf("topic %q does not match the Sparkplug grammar", topic)
	}
	if parts[0] != Namespace {
		return Topic{}, fmt.Errorf("topic %q is outside the %s namespace", topic, Namespace)
	}
	t := Topic{
		Group: parts[1],
		Type:  MessageType(parts[2]),
		Node:  parts[3],
	}
	if len(parts) == 5 {
		t.Device = parts[4]
	}
	if t.Type.IsDeviceLevel() && t.Device == "" {
		return Topic{}, fmt.Errorf("topic %q: %s requires a device segment", topic, t.Type)
	}
	if !t.Type.IsDeviceLevel() && t.Device != "" {
		return Topic{}, fmt.Errorf("topic %q: %s does not take a device segment", topic, t.Type)
	}
	return t, nil
}

// String rebuilds the wire topic.
func (t Topic) String() string {
	if t.Device != "" {
		return fmt.Sprintf("%s/%s/%s/%s/%s", Namespace, t.Group, t.Type, t.Node, t.Device)
	}
	return fmt.Sprintf("%s/%s/%s/%s", Namespace, t.Group, t.Type, t.Node)
}

// SubscriptionFilters returns the four topic filters the ingress
// subscribes to, optionally wrapped in an MQTT 5 shared-subscription
// group so multiple Mantle instances load-balance one broker.
func SubscriptionFilters(sharedGroup string) []string {
	types := []MessageType{MsgNBirth, MsgDBirth, MsgNData, MsgDData}
	filters := make([]string, 0, len(types))
	for _, mt := range types {
		f := fmt.Sprintf("%s/+/%s/#", Namespace, mt)
		if sharedGroup != "" {
			f = fmt.Sprintf("$share/%s/%s", sharedGroup, f)
		}
		filters = append(filters, f)
	}
	return filters
}
