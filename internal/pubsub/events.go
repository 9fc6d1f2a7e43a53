package pubsub

import "github.com/mantle-scada/mantle/internal/identity"

// MetricUpdate is the flattened record published on TopicMetricUpdate.
// Values are always stringified in events; typed routing only applies to
// storage columns.
type MetricUpdate struct {
	identity.Identity
	Type      string `json:"type"`
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// AlarmTransition is published on TopicAlarmStateChange for every durable
// alarm state change.
type AlarmTransition struct {
	RuleID    string            `json:"ruleId"`
	RuleName  string            `json:"ruleName"`
	Identity  identity.Identity `json:"identity"`
	FromState string            `json:"fromState"`
	ToState   string            `json:"toState"`
	Value     string            `json:"value,omitempty"`
	Timestamp int64             `json:"timestamp"`
}
