package alarms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/pubsub"
	"github.com/mantle-scada/mantle/internal/sparkplug"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu      sync.Mutex
	rules   map[uuid.UUID]Rule
	states  map[uuid.UUID]StateRow
	history []HistoryRow
}

func newMemStore() *memStore {
	return &memStore{rules: map[uuid.UUID]Rule{}, states: map[uuid.UUID]StateRow{}}
}

func (m *memStore) ListRules(ctx context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rule
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) InsertRule(ctx context.Context, r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	m.states[r.ID] = StateRow{RuleID: r.ID, State: StateNormal}
	return nil
}

func (m *memStore) UpdateRule(ctx context.Context, r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; !ok {
		return ErrRuleNotFound
	}
	m.rules[r.ID] = r
	return nil
}

func (m *memStore) DeleteRule(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	delete(m.states, id)
	return nil
}

func (m *memStore) DeleteRulesByScope(ctx context.Context, sc identity.Scope) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, r := range m.rules {
		if sc.Contains(r.Identity) {
			ids = append(ids, id)
			delete(m.rules, id)
			delete(m.states, id)
		}
	}
	return ids, nil
}

func (m *memStore) LoadStates(ctx context.Context) (map[uuid.UUID]StateRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[uuid.UUID]StateRow{}
	for id, st := range m.states {
		out[id] = st
	}
	return out, nil
}

func (m *memStore) SaveState(ctx context.Context, st StateRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.RuleID] = st
	return nil
}

func (m *memStore) AppendHistory(ctx context.Context, h HistoryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, h)
	return nil
}

func (m *memStore) History(ctx context.Context, f HistoryFilter) ([]HistoryRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	var out []HistoryRow
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		h := m.history[i]
		if f.RuleID != nil && h.RuleID != *f.RuleID {
			continue
		}
		if f.Start != nil && h.Ts < *f.Start {
			continue
		}
		if f.End != nil && h.Ts > *f.End {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// scheduled captures a delay timer the engine armed instead of running
// it, so tests fire expirations deterministically.
type scheduled struct {
	d time.Duration
	f func()
}

type harness struct {
	engine *Engine
	store  *memStore
	broker *pubsub.Broker
	nowMs  int64
	timers []scheduled
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), broker: pubsub.NewBroker(), nowMs: 1_700_000_000_000}
	h.engine = NewEngine(h.store, nil, h.broker)
	h.engine.now = func() time.Time { return time.UnixMilli(h.nowMs) }
	h.engine.after = func(d time.Duration, f func()) *time.Timer {
		h.timers = append(h.timers, scheduled{d: d, f: f})
		return time.AfterFunc(24*time.Hour, func() {})
	}
	t.Cleanup(h.broker.Close)
	return h
}

func (h *harness) fireTimers() {
	timers := h.timers
	h.timers = nil
	for _, s := range timers {
		s.f()
	}
}

var testIdentity = identity.Identity{Group: "plant", Node: "line1", Device: "press", Metric: "temp"}

func thresholdRule(delaySec int) Rule {
	th := 100.0
	return Rule{
		Identity:  testIdentity,
		Name:      "High temperature",
		Type:      RuleAbove,
		Threshold: &th,
		DelaySec:  delaySec,
		Enabled:   true,
	}
}

func TestImmediateActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(0))
	require.NoError(t, err)

	sub := h.broker.Subscribe(pubsub.TopicAlarmStateChange, 0)
	defer sub.Unsubscribe()

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(101), h.nowMs)

	st, err := h.engine.RuleState(r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
	require.NotNil(t, st.ActivatedAt)
	assert.Equal(t, h.nowMs, *st.ActivatedAt)

	ev := (<-sub.C).(pubsub.AlarmTransition)
	assert.Equal(t, "normal", ev.FromState)
	assert.Equal(t, "active", ev.ToState)
	assert.Equal(t, "101", ev.Value)
}

func TestDelayedActivation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(30))
	require.NoError(t, err)

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(150), h.nowMs)

	st, _ := h.engine.RuleState(r.ID)
	assert.Equal(t, StatePending, st.State)
	require.Len(t, h.timers, 1)
	assert.Equal(t, 30*time.Second, h.timers[0].d)

	// Further breaching values while pending do not rearm the timer.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(160), h.nowMs+1000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StatePending, st.State)
	assert.Len(t, h.timers, 1)

	h.nowMs += 30_000
	h.fireTimers()

	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateActive, st.State)
}

func TestPendingClearsBeforeDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(30))
	require.NoError(t, err)

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(150), h.nowMs)
	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(90), h.nowMs+5000)

	st, _ := h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)
	assert.Nil(t, st.ConditionMetAt)

	// A stale expiration after the cancel must not activate.
	h.fireTimers()
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)
}

func TestAcknowledgeLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(0))
	require.NoError(t, err)

	// Cannot acknowledge a normal alarm.
	assert.ErrorIs(t, h.engine.Acknowledge(ctx, r.ID), ErrNotActive)

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(150), h.nowMs)
	require.NoError(t, h.engine.Acknowledge(ctx, r.ID))

	st, _ := h.engine.RuleState(r.ID)
	assert.Equal(t, StateAcknowledged, st.State)

	// Condition still met: stays acknowledged.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(160), h.nowMs+1000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateAcknowledged, st.State)

	// Condition clears: returns to normal on its own.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(50), h.nowMs+2000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)
}

func TestRestartRecovery(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	elapsed := thresholdRule(30)
	elapsed.ID = uuid.New()
	running := thresholdRule(60)
	running.ID = uuid.New()
	running.Metric = "pressure"
	store.rules[elapsed.ID] = elapsed
	store.rules[running.ID] = running

	nowMs := int64(1_700_000_000_000)
	metLongAgo := nowMs - 45_000 // 30s delay elapsed while down
	metRecently := nowMs - 10_000
	v := "150"
	store.states[elapsed.ID] = StateRow{RuleID: elapsed.ID, State: StatePending, ConditionMetAt: &metLongAgo, LastValue: &v}
	store.states[running.ID] = StateRow{RuleID: running.ID, State: StatePending, ConditionMetAt: &metRecently, LastValue: &v}

	h := &harness{store: store, broker: pubsub.NewBroker(), nowMs: nowMs}
	h.engine = NewEngine(store, nil, h.broker)
	h.engine.now = func() time.Time { return time.UnixMilli(h.nowMs) }
	h.engine.after = func(d time.Duration, f func()) *time.Timer {
		h.timers = append(h.timers, scheduled{d: d, f: f})
		return time.AfterFunc(24*time.Hour, func() {})
	}
	t.Cleanup(h.broker.Close)

	require.NoError(t, h.engine.Start(ctx))

	st, _ := h.engine.RuleState(elapsed.ID)
	assert.Equal(t, StateActive, st.State, "elapsed delay activates immediately on start")

	st, _ = h.engine.RuleState(running.ID)
	assert.Equal(t, StatePending, st.State)
	require.Len(t, h.timers, 1)
	assert.Equal(t, 50*time.Second, h.timers[0].d, "remaining delay, not the full delay")
}

func TestDisableResetsToNormal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(0))
	require.NoError(t, err)
	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(150), h.nowMs)

	r.Enabled = false
	_, err = h.engine.UpdateRule(ctx, r)
	require.NoError(t, err)

	st, _ := h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)

	// Disabled rules do not evaluate.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(200), h.nowMs+1000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)
}

func TestDeleteByScope(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	onDevice, err := h.engine.CreateRule(ctx, thresholdRule(0))
	require.NoError(t, err)

	other := thresholdRule(0)
	other.Node = "line2"
	onOtherNode, err := h.engine.CreateRule(ctx, other)
	require.NoError(t, err)

	require.NoError(t, h.engine.DeleteByScope(ctx, identity.Scope{Group: "plant", Node: "line1"}))

	_, err = h.engine.Rule(onDevice.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, err = h.engine.Rule(onOtherNode.ID)
	assert.NoError(t, err)
}

func TestPendingUpdatesLastValue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(30))
	require.NoError(t, err)

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(150), h.nowMs)
	st, _ := h.engine.RuleState(r.ID)
	require.Equal(t, StatePending, st.State)
	require.NotNil(t, st.ConditionMetAt)
	metAt := *st.ConditionMetAt

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(200), h.nowMs+1000)

	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StatePending, st.State)
	assert.Equal(t, "200", deref(st.LastValue))
	assert.Equal(t, metAt, *st.ConditionMetAt, "condition_met_at is not reset")
	assert.Len(t, h.timers, 1, "the delay timer is not rearmed")
	assert.Equal(t, "200", deref(h.store.states[r.ID].LastValue), "the new value is durable")
}

func TestUnparseableValuesClearCondition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(0))
	require.NoError(t, err)

	// Non-numeric text never breaches the condition.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.StringValue("offline"), h.nowMs)
	st, _ := h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)

	// Numeric strings do evaluate.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.StringValue("150"), h.nowMs)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateActive, st.State)

	// Nulls are skipped; the alarm holds.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.NullValue(), h.nowMs+1000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateActive, st.State)

	// A metric that turns unparseable counts as condition not met and
	// returns the alarm to normal.
	h.engine.Evaluate(ctx, testIdentity, sparkplug.StringValue("fault"), h.nowMs+2000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)
}

func TestUnparseableValueCancelsPendingDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx))

	r, err := h.engine.CreateRule(ctx, thresholdRule(30))
	require.NoError(t, err)

	h.engine.Evaluate(ctx, testIdentity, sparkplug.FloatValue(150), h.nowMs)
	st, _ := h.engine.RuleState(r.ID)
	require.Equal(t, StatePending, st.State)

	h.engine.Evaluate(ctx, testIdentity, sparkplug.StringValue("fault"), h.nowMs+1000)
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State)

	h.fireTimers()
	st, _ = h.engine.RuleState(r.ID)
	assert.Equal(t, StateNormal, st.State, "the cancelled delay must not activate")
}

func TestRuleValidation(t *testing.T) {
	r := thresholdRule(0)
	r.Threshold = nil
	assert.ErrorIs(t, r.Validate(), ErrThresholdRequired)

	r = thresholdRule(0)
	r.Name = ""
	assert.Error(t, r.Validate())

	r = thresholdRule(0)
	r.Type = "between"
	assert.Error(t, r.Validate())

	r = thresholdRule(0)
	r.DelaySec = -1
	assert.Error(t, r.Validate())

	boolRule := Rule{Identity: testIdentity, Name: "Running", Type: RuleTrue, Enabled: true}
	assert.NoError(t, boolRule.Validate())
}
