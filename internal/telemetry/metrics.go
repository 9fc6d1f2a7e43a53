// Package telemetry exposes Mantle's own operational counters. They are
// registered on the default registry and served on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts decoded Sparkplug frames by message type.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "frames_total",
		Help:      "Sparkplug frames processed, by message type.",
	}, []string{"type"})

	// DecodeErrors counts frames dropped because the payload or topic
	// did not parse.
	DecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "decode_errors_total",
		Help:      "Frames dropped due to topic or payload decode failures.",
	})

	// SamplesWritten counts history rows persisted.
	SamplesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "samples_written_total",
		Help:      "Samples written to the history table.",
	})

	// WriteErrors counts failed history writes.
	WriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "write_errors_total",
		Help:      "Failed writes to the time-series store.",
	})

	// AlarmTransitions counts alarm state changes by target state.
	AlarmTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "alarm_transitions_total",
		Help:      "Alarm state transitions, by target state.",
	}, []string{"to"})

	// CacheUpdates counts hot-cache writes.
	CacheUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "cache_updates_total",
		Help:      "Hot-cache value writes.",
	})

	// CommandsPublished counts outbound MQTT command publishes.
	CommandsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mantle",
		Name:      "commands_published_total",
		Help:      "Metric write commands published to the broker.",
	})
)
