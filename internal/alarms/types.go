// Package alarms evaluates per-metric alarm rules against incoming
// values and drives each rule's state machine: normal, pending while a
// delay runs, active, acknowledged. Transitions persist to the store,
// fan out over pub/sub and fire the webhook.
package alarms

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mantle-scada/mantle/internal/identity"
)

// RuleType selects the condition an incoming value is tested against.
type RuleType string

const (
	RuleTrue  RuleType = "true"
	RuleFalse RuleType = "false"
	RuleAbove RuleType = "above"
	RuleBelow RuleType = "below"
)

// State is one node of the alarm state machine.
type State string

const (
	StateNormal       State = "normal"
	StatePending      State = "pending"
	StateActive       State = "active"
	StateAcknowledged State = "acknowledged"
)

var (
	ErrRuleNotFound      = errors.New("alarm rule not found")
	ErrNotActive         = errors.New("alarm is not active")
	ErrThresholdRequired = errors.New("rule type requires a threshold")
)

// Rule binds a condition to one metric identity.
type Rule struct {
	ID                uuid.UUID `json:"id"`
	identity.Identity           // group, node, device, metric
	Name              string    `json:"name"`
	Type              RuleType  `json:"type"`
	Threshold         *float64  `json:"threshold,omitempty"`
	DelaySec          int       `json:"delaySec"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Validate rejects rules that could never evaluate.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule missing name")
	}
	if err := r.Identity.Validate(); err != nil {
		return err
	}
	switch r.Type {
	case RuleTrue, RuleFalse:
	case RuleAbove, RuleBelow:
		if r.Threshold == nil {
			return ErrThresholdRequired
		}
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	if r.DelaySec < 0 {
		return fmt.Errorf("delay must not be negative")
	}
	return nil
}

// conditionMet tests a numeric value against the rule. Callers skip
// evaluation entirely for values that do not promote to a number.
func (r Rule) conditionMet(n float64) bool {
	switch r.Type {
	case RuleTrue:
		return n != 0
	case RuleFalse:
		return n == 0
	case RuleAbove:
		return n > *r.Threshold
	case RuleBelow:
		return n < *r.Threshold
	default:
		return false
	}
}

// StateRow is the durable state of one rule. Timestamps are
// milliseconds since epoch; ConditionMetAt anchors restart recovery of
// running delay timers.
type StateRow struct {
	RuleID         uuid.UUID `json:"ruleId"`
	State          State     `json:"state"`
	ConditionMetAt *int64    `json:"conditionMetAt,omitempty"`
	ActivatedAt    *int64    `json:"activatedAt,omitempty"`
	LastNotifiedAt *int64    `json:"lastNotifiedAt,omitempty"`
	LastValue      *string   `json:"lastValue,omitempty"`
}

// HistoryRow is one recorded transition.
type HistoryRow struct {
	ID     int64     `json:"id"`
	RuleID uuid.UUID `json:"ruleId"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Value  string    `json:"value"`
	Ts     int64     `json:"ts"`
}
