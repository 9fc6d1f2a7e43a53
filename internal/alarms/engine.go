package alarms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/pubsub"
	"github.com/mantle-scada/mantle/internal/sparkplug"
	"github.com/mantle-scada/mantle/internal/telemetry"
)

// Engine owns the in-memory rule cache and the per-rule state machines.
// Rules are indexed by metric identity so evaluation per incoming value
// is a map lookup, never a database query. State changes write through
// to the store so delay timers survive restarts.
type Engine struct {
	store    Store
	notifier *Notifier
	broker   *pubsub.Broker

	// Injected for tests.
	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer

	mu     sync.Mutex
	rules  map[uuid.UUID]*Rule
	byKey  map[string][]uuid.UUID
	states map[uuid.UUID]StateRow
	timers map[uuid.UUID]*time.Timer
}

// NewEngine wires the engine. notifier may be nil (no webhook
// configured); broker must not be.
func NewEngine(store Store, notifier *Notifier, broker *pubsub.Broker) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		broker:   broker,
		now:      time.Now,
		after:    time.AfterFunc,
		rules:    map[uuid.UUID]*Rule{},
		byKey:    map[string][]uuid.UUID{},
		states:   map[uuid.UUID]StateRow{},
		timers:   map[uuid.UUID]*time.Timer{},
	}
}

// Start loads rules and durable state, then recovers delay timers:
// a pending rule resumes with the remaining delay measured from its
// persisted condition_met_at, activating immediately when the delay
// already elapsed while the process was down.
func (e *Engine) Start(ctx context.Context) error {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return err
	}
	states, err := e.store.LoadStates(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range rules {
		r := rules[i]
		e.indexLocked(&r)
		st, ok := states[r.ID]
		if !ok {
			st = StateRow{RuleID: r.ID, State: StateNormal}
		}
		e.states[r.ID] = st
	}

	nowMs := e.now().UnixMilli()
	for id, st := range e.states {
		r, ok := e.rules[id]
		if !ok || st.State != StatePending {
			continue
		}
		if !r.Enabled || st.ConditionMetAt == nil {
			e.setStateLocked(ctx, r, st, StateNormal, deref(st.LastValue), nowMs, false)
			continue
		}
		remaining := int64(r.DelaySec)*1000 - (nowMs - *st.ConditionMetAt)
		if remaining <= 0 {
			e.setStateLocked(ctx, r, st, StateActive, deref(st.LastValue), nowMs, true)
			continue
		}
		e.scheduleLocked(r.ID, time.Duration(remaining)*time.Millisecond)
		log.Info().Str("rule", r.ID.String()).Int64("remainingMs", remaining).
			Msg("Resumed alarm delay timer")
	}
	log.Info().Int("rules", len(e.rules)).Msg("Alarm engine started")
	return nil
}

// Stop cancels every running delay timer. Pending state stays persisted
// and is recovered on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
}

// Evaluate runs every rule bound to the identity against the value.
// Nulls are skipped; a non-null value that does not promote to a number
// evaluates as condition not met, so a metric that turns unparseable
// still clears pending and active alarms.
func (e *Engine) Evaluate(ctx context.Context, id identity.Identity, v sparkplug.Value, ts int64) {
	if v.IsNull() {
		return
	}
	n, numeric := v.Numeric()
	value := v.String()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rid := range e.byKey[id.Key()] {
		r := e.rules[rid]
		if r == nil || !r.Enabled {
			continue
		}
		st := e.states[rid]
		met := numeric && r.conditionMet(n)

		switch st.State {
		case StateNormal:
			if !met {
				continue
			}
			if r.DelaySec == 0 {
				e.setStateLocked(ctx, r, st, StateActive, value, ts, true)
			} else {
				e.setStateLocked(ctx, r, st, StatePending, value, ts, true)
				e.scheduleLocked(rid, time.Duration(r.DelaySec)*time.Second)
			}
		case StatePending:
			if !met {
				e.cancelTimerLocked(rid)
				e.setStateLocked(ctx, r, st, StateNormal, value, ts, true)
			} else {
				// The timer and condition_met_at stay put; only the
				// observed value moves.
				e.updateValueLocked(ctx, r, st, value)
			}
		case StateActive, StateAcknowledged:
			if !met {
				e.setStateLocked(ctx, r, st, StateNormal, value, ts, true)
			}
		}
	}
}

// updateValueLocked persists a fresh last_value without a state
// transition.
func (e *Engine) updateValueLocked(ctx context.Context, r *Rule, st StateRow, value string) {
	st.LastValue = &value
	if err := e.store.SaveState(ctx, st); err != nil {
		log.Error().Err(err).Str("rule", r.ID.String()).Msg("Failed to persist alarm state")
	}
	e.states[r.ID] = st
}

// activate fires when a delay timer expires. The rule moves to active
// only if it is still pending and enabled; a value that cleared the
// condition meanwhile already cancelled the timer.
func (e *Engine) activate(ruleID uuid.UUID) {
	ctx := context.Background()
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.timers, ruleID)

	r, ok := e.rules[ruleID]
	if !ok || !r.Enabled {
		return
	}
	st := e.states[ruleID]
	if st.State != StatePending {
		return
	}
	e.setStateLocked(ctx, r, st, StateActive, deref(st.LastValue), e.now().UnixMilli(), true)
}

// Acknowledge moves an active alarm to acknowledged. The alarm still
// returns to normal on its own once the condition clears.
func (e *Engine) Acknowledge(ctx context.Context, ruleID uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[ruleID]
	if !ok {
		return ErrRuleNotFound
	}
	st := e.states[ruleID]
	if st.State != StateActive {
		return ErrNotActive
	}
	e.setStateLocked(ctx, r, st, StateAcknowledged, deref(st.LastValue), e.now().UnixMilli(), true)
	return nil
}

// CreateRule validates, persists and indexes a new rule. The ID and
// timestamps are assigned here.
func (e *Engine) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	r.ID = uuid.New()
	now := e.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := e.store.InsertRule(ctx, r); err != nil {
		return Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.indexLocked(&r)
	e.states[r.ID] = StateRow{RuleID: r.ID, State: StateNormal}
	return r, nil
}

// UpdateRule replaces a rule in place. Disabling a rule cancels its
// timer and resets it to normal silently: the transition is recorded
// but no webhook fires for an operator action.
func (e *Engine) UpdateRule(ctx context.Context, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	old, ok := e.rules[r.ID]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return Rule{}, err
	}

	e.unindexLocked(old)
	e.indexLocked(&r)
	if !r.Enabled {
		e.cancelTimerLocked(r.ID)
		st := e.states[r.ID]
		if st.State != StateNormal {
			e.setStateLocked(ctx, &r, st, StateNormal, deref(st.LastValue), e.now().UnixMilli(), false)
		}
	}
	return r, nil
}

// DeleteRule removes a rule; state and history cascade in the store.
func (e *Engine) DeleteRule(ctx context.Context, id uuid.UUID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.cancelTimerLocked(id)
	e.unindexLocked(r)
	delete(e.states, id)
	return nil
}

// DeleteByScope removes every rule under the scope prefix, part of the
// node/device/metric delete cascade.
func (e *Engine) DeleteByScope(ctx context.Context, sc identity.Scope) error {
	ids, err := e.store.DeleteRulesByScope(ctx, sc)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if r, ok := e.rules[id]; ok {
			e.cancelTimerLocked(id)
			e.unindexLocked(r)
			delete(e.states, id)
		}
	}
	return nil
}

// Rules returns every rule ordered by creation time.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Rule returns one rule by ID.
func (e *Engine) Rule(id uuid.UUID) (Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, ErrRuleNotFound
	}
	return *r, nil
}

// RuleState returns the current state of one rule.
func (e *Engine) RuleState(id uuid.UUID) (StateRow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		return StateRow{}, ErrRuleNotFound
	}
	return st, nil
}

// History returns recent transitions, newest first, optionally narrowed
// to one rule and a time window.
func (e *Engine) History(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	return e.store.History(ctx, f)
}

// setStateLocked commits one transition: durable state, audit row,
// pub/sub event and, when notify allows it, the webhook. Webhooks fire
// on activation and on any return to normal from a non-normal state.
func (e *Engine) setStateLocked(ctx context.Context, r *Rule, st StateRow, to State, value string, ts int64, notify bool) {
	from := st.State
	st.State = to
	st.LastValue = &value
	switch to {
	case StatePending:
		st.ConditionMetAt = &ts
	case StateActive:
		st.ActivatedAt = &ts
	case StateNormal:
		st.ConditionMetAt = nil
		st.ActivatedAt = nil
	}

	shouldNotify := notify && (to == StateActive || (from != StateNormal && to == StateNormal))
	if shouldNotify {
		st.LastNotifiedAt = &ts
	}

	if err := e.store.SaveState(ctx, st); err != nil {
		log.Error().Err(err).Str("rule", r.ID.String()).Msg("Failed to persist alarm state")
	}
	if err := e.store.AppendHistory(ctx, HistoryRow{
		RuleID: r.ID, From: from, To: to, Value: value, Ts: ts,
	}); err != nil {
		log.Error().Err(err).Str("rule", r.ID.String()).Msg("Failed to record alarm transition")
	}
	e.states[r.ID] = st
	telemetry.AlarmTransitions.WithLabelValues(string(to)).Inc()

	log.Info().
		Str("rule", r.ID.String()).
		Str("name", r.Name).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("value", value).
		Msg("Alarm transition")

	e.broker.Publish(pubsub.TopicAlarmStateChange, pubsub.AlarmTransition{
		RuleID:    r.ID.String(),
		RuleName:  r.Name,
		Identity:  r.Identity,
		FromState: string(from),
		ToState:   string(to),
		Value:     value,
		Timestamp: ts,
	})

	if shouldNotify {
		ev := Event{
			RuleID:    r.ID.String(),
			RuleName:  r.Name,
			Identity:  r.Identity,
			FromState: from,
			ToState:   to,
			Value:     value,
			Timestamp: ts,
		}
		go e.notifier.Notify(context.WithoutCancel(ctx), ev)
	}
}

func (e *Engine) scheduleLocked(id uuid.UUID, d time.Duration) {
	e.cancelTimerLocked(id)
	e.timers[id] = e.after(d, func() { e.activate(id) })
}

func (e *Engine) cancelTimerLocked(id uuid.UUID) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

func (e *Engine) indexLocked(r *Rule) {
	e.rules[r.ID] = r
	key := r.Identity.Key()
	e.byKey[key] = append(e.byKey[key], r.ID)
}

func (e *Engine) unindexLocked(r *Rule) {
	delete(e.rules, r.ID)
	key := r.Identity.Key()
	ids := e.byKey[key]
	for i, id := range ids {
		if id == r.ID {
			e.byKey[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(e.byKey[key]) == 0 {
		delete(e.byKey, key)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
