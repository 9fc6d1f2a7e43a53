// Package ingest consumes Sparkplug frames from the broker and fans
// each metric out to the topology tree, the historian, the alarm engine,
// the hot cache and the pub/sub broker. It also owns the reverse path:
// command writes published back to edge nodes, and the delete cascade.
package ingest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/hotcache"
	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/pubsub"
	"github.com/mantle-scada/mantle/internal/sparkplug"
	"github.com/mantle-scada/mantle/internal/telemetry"
	"github.com/mantle-scada/mantle/internal/timeseries"
	"github.com/mantle-scada/mantle/internal/topology"
)

// Archive is the slice of the time-series store the pipeline writes to.
type Archive interface {
	RecordSample(ctx context.Context, id identity.Identity, metricType string, v sparkplug.Value, ts int64) error
	RecordProperty(ctx context.Context, id identity.Identity, propertyID, propType string, v sparkplug.Value, ts int64) error
	UpsertProperties(ctx context.Context, id identity.Identity, props map[string]timeseries.PropertyEntry) error
	DeleteByScope(ctx context.Context, sc identity.Scope) error
	HideItem(ctx context.Context, sc identity.Scope) error
	UnhideItem(ctx context.Context, sc identity.Scope) error
}

// AlarmEvaluator is the slice of the alarm engine the pipeline drives.
type AlarmEvaluator interface {
	Evaluate(ctx context.Context, id identity.Identity, v sparkplug.Value, ts int64)
	DeleteByScope(ctx context.Context, sc identity.Scope) error
}

// ValueCache is the slice of the hot cache the pipeline writes to.
type ValueCache interface {
	Set(ctx context.Context, id identity.Identity, e hotcache.Entry) error
	DeleteByScope(ctx context.Context, sc identity.Scope) error
}

// Publisher sends raw MQTT messages, satisfied by *Client.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// ErrNoPublisher is returned by WriteMetric before the MQTT client is
// connected.
var ErrNoPublisher = errors.New("no broker connection for command publish")

// Deps wires the pipeline's collaborators. Cache and Publisher may be
// nil when the feature is not configured.
type Deps struct {
	Tree      *topology.Tree
	Archive   Archive
	Alarms    AlarmEvaluator
	Cache     ValueCache
	Broker    *pubsub.Broker
	Hidden    *topology.HiddenSet
	Publisher Publisher
	Historian bool
}

// Pipeline is the per-frame processor. HandleFrame runs on the MQTT
// client's delivery goroutine, so frames from one broker connection are
// processed in order.
type Pipeline struct {
	deps Deps
	now  func() time.Time
	seq  atomic.Uint64
}

// NewPipeline wires a pipeline.
func NewPipeline(deps Deps) *Pipeline {
	return &Pipeline{deps: deps, now: time.Now}
}

// HandleFrame decodes one broker message and applies every metric it
// carries. Malformed topics and payloads are counted and dropped; one
// bad frame must never stall the subscription.
func (p *Pipeline) HandleFrame(ctx context.Context, topic string, payload []byte) {
	t, err := sparkplug.ParseTopic(topic)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		log.Debug().Err(err).Str("topic", topic).Msg("Ignoring non-Sparkplug topic")
		return
	}
	switch t.Type {
	case sparkplug.MsgNBirth, sparkplug.MsgDBirth, sparkplug.MsgNData, sparkplug.MsgDData:
	default:
		return
	}

	frame, err := sparkplug.DecodePayload(payload)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		log.Warn().Err(err).Str("topic", topic).Msg("Dropping undecodable payload")
		return
	}
	telemetry.FramesTotal.WithLabelValues(string(t.Type)).Inc()

	frameTs := p.now().UnixMilli()
	if frame.Timestamp != 0 {
		frameTs = sparkplug.NormalizeTimestamp(frame.Timestamp)
	}
	for i := range frame.Metrics {
		p.processMetric(ctx, t, &frame.Metrics[i], frameTs)
	}
}

func (p *Pipeline) processMetric(ctx context.Context, t sparkplug.Topic, m *sparkplug.Metric, frameTs int64) {
	if m.Name == "" {
		// Alias-only metrics need a birth mapping Mantle does not keep.
		log.Debug().Str("topic", t.String()).Uint64("alias", m.Alias).Msg("Skipping unnamed metric")
		return
	}
	id := identity.Identity{Group: t.Group, Node: t.Node, Device: t.Device, Metric: m.Name}
	ts := frameTs
	if m.Timestamp != 0 {
		ts = sparkplug.NormalizeTimestamp(m.Timestamp)
	}
	typeName := m.DataType.String()

	if m.Template != nil {
		p.applyTemplate(id, m, typeName, ts)
		return
	}

	v := m.Value
	if m.IsNull {
		v = sparkplug.NullValue()
	}

	update := topology.Metric{Type: typeName, Value: v, Timestamp: ts}
	for _, prop := range m.Properties {
		update.Properties = append(update.Properties, prop.Key)
		if prop.Key == "scanRate" || prop.Key == "Scan Rate" {
			if n, ok := prop.Value.Numeric(); ok {
				update.ScanRate = int64(n)
			}
		}
	}
	p.deps.Tree.ApplyMetric(id, update)

	if p.deps.Historian {
		if err := p.deps.Archive.RecordSample(ctx, id, typeName, v, ts); err != nil {
			telemetry.WriteErrors.Inc()
			log.Error().Err(err).Str("metric", id.Key()).Msg("Failed to persist sample")
		} else if !v.IsNull() {
			telemetry.SamplesWritten.Inc()
		}
	}

	if len(m.Properties) > 0 {
		p.recordProperties(ctx, id, m.Properties, ts)
	}

	p.deps.Alarms.Evaluate(ctx, id, v, ts)

	// A cached write is announced by the keyspace watcher; publishing
	// here as well would deliver every sample twice. The direct publish
	// covers the no-cache path and cache write failures.
	cached := false
	if p.deps.Cache != nil {
		entry := hotcache.Entry{Value: v.String(), Type: typeName, Timestamp: ts}
		if err := p.deps.Cache.Set(ctx, id, entry); err != nil {
			log.Warn().Err(err).Str("metric", id.Key()).Msg("Failed to update hot cache")
		} else {
			telemetry.CacheUpdates.Inc()
			cached = true
		}
	}
	if !cached {
		p.deps.Broker.Publish(pubsub.TopicMetricUpdate, pubsub.MetricUpdate{
			Identity:  id,
			Type:      typeName,
			Value:     v.String(),
			Timestamp: ts,
		})
	}
}

// applyTemplate registers definitions and records instance references.
// Template member values are descriptive; they are not historised or
// evaluated.
func (p *Pipeline) applyTemplate(id identity.Identity, m *sparkplug.Metric, typeName string, ts int64) {
	tmpl := m.Template
	if tmpl.IsDefinition {
		def := topology.TemplateDefinition{Name: m.Name, Version: tmpl.Version}
		for _, member := range tmpl.Metrics {
			def.Members = append(def.Members, topology.TemplateMember{
				Name: member.Name,
				Type: member.DataType.String(),
			})
		}
		p.deps.Tree.RegisterTemplate(def)
		return
	}
	p.deps.Tree.ApplyMetric(id, topology.Metric{
		Type:        typeName,
		Value:       sparkplug.NullValue(),
		Timestamp:   ts,
		TemplateRef: tmpl.TemplateRef,
	})
}

func (p *Pipeline) recordProperties(ctx context.Context, id identity.Identity, props []sparkplug.Property, ts int64) {
	entries := make(map[string]timeseries.PropertyEntry, len(props))
	for _, prop := range props {
		typeName := prop.Type.String()
		entries[prop.Key] = timeseries.PropertyEntry{Value: prop.Value, Type: typeName, UpdatedAt: ts}
		if err := p.deps.Archive.RecordProperty(ctx, id, prop.Key, typeName, prop.Value, ts); err != nil {
			telemetry.WriteErrors.Inc()
			log.Error().Err(err).Str("metric", id.Key()).Str("property", prop.Key).
				Msg("Failed to persist property")
		}
	}
	if err := p.deps.Archive.UpsertProperties(ctx, id, entries); err != nil {
		telemetry.WriteErrors.Inc()
		log.Error().Err(err).Str("metric", id.Key()).Msg("Failed to upsert properties")
	}
}

// DeleteNode removes an edge node everywhere: alarm rules, stored rows,
// cached values, the in-memory tree and any hides beneath it.
func (p *Pipeline) DeleteNode(ctx context.Context, group, node string) error {
	return p.deleteScope(ctx, identity.Scope{Group: group, Node: node}, func() {
		p.deps.Tree.DeleteNode(group, node)
	})
}

// DeleteDevice removes a device and its metrics everywhere.
func (p *Pipeline) DeleteDevice(ctx context.Context, group, node, device string) error {
	return p.deleteScope(ctx, identity.Scope{Group: group, Node: node, Device: device}, func() {
		p.deps.Tree.DeleteDevice(group, node, device)
	})
}

// DeleteMetric removes a single metric everywhere.
func (p *Pipeline) DeleteMetric(ctx context.Context, id identity.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	sc := identity.Scope{Group: id.Group, Node: id.Node, Device: id.Device, Metric: id.Metric}
	return p.deleteScope(ctx, sc, func() {
		p.deps.Tree.DeleteMetric(id)
	})
}

// deleteScope runs the cascade in dependency order: rules first so no
// evaluation races the row deletes, then storage, then the cache, then
// the in-memory structures. The next BIRTH recreates the subtree.
func (p *Pipeline) deleteScope(ctx context.Context, sc identity.Scope, dropFromTree func()) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := p.deps.Alarms.DeleteByScope(ctx, sc); err != nil {
		return err
	}
	if err := p.deps.Archive.DeleteByScope(ctx, sc); err != nil {
		return err
	}
	if p.deps.Cache != nil {
		if err := p.deps.Cache.DeleteByScope(ctx, sc); err != nil {
			log.Warn().Err(err).Str("scope", sc.HiddenKey()).Msg("Failed to clear hot cache")
		}
	}
	dropFromTree()
	p.deps.Hidden.RemoveUnder(sc)
	log.Info().Str("scope", sc.HiddenKey()).Msg("Deleted")
	return nil
}

// Hide persists a hidden-item scope and applies it to live snapshots.
func (p *Pipeline) Hide(ctx context.Context, sc identity.Scope) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := p.deps.Archive.HideItem(ctx, sc); err != nil {
		return err
	}
	p.deps.Hidden.Add(sc)
	return nil
}

// Unhide removes a hidden-item scope.
func (p *Pipeline) Unhide(ctx context.Context, sc identity.Scope) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if err := p.deps.Archive.UnhideItem(ctx, sc); err != nil {
		return err
	}
	p.deps.Hidden.Remove(sc)
	return nil
}

// WriteMetric publishes a command frame asking the owning edge node to
// set a metric. The value type is inferred from the raw string: boolean
// literals, then numbers, then text. Node Control metrics always go to
// the node-level command topic.
func (p *Pipeline) WriteMetric(ctx context.Context, id identity.Identity, raw string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if p.deps.Publisher == nil {
		return ErrNoPublisher
	}

	m := sparkplug.Metric{Name: id.Metric, Timestamp: uint64(p.now().UnixMilli())}
	switch {
	case raw == "true" || raw == "false":
		m.DataType = sparkplug.TypeBoolean
		m.Value = sparkplug.BoolValue(raw == "true")
	default:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			m.DataType = sparkplug.TypeDouble
			m.Value = sparkplug.FloatValue(f)
		} else {
			m.DataType = sparkplug.TypeString
			m.Value = sparkplug.StringValue(raw)
		}
	}

	topic := sparkplug.Topic{Group: id.Group, Type: sparkplug.MsgDCmd, Node: id.Node, Device: id.Device}
	if id.Device == "" || strings.HasPrefix(id.Metric, "Node Control/") {
		topic = sparkplug.Topic{Group: id.Group, Type: sparkplug.MsgNCmd, Node: id.Node}
	}

	seq := p.seq.Add(1) % 256
	payload := sparkplug.Payload{
		Timestamp: uint64(p.now().UnixMilli()),
		Metrics:   []sparkplug.Metric{m},
		Seq:       &seq,
	}
	if err := p.deps.Publisher.Publish(topic.String(), sparkplug.EncodePayload(&payload)); err != nil {
		return err
	}
	telemetry.CommandsPublished.Inc()
	log.Info().Str("topic", topic.String()).Str("metric", id.Key()).Str("value", raw).
		Msg("Published command")
	return nil
}
