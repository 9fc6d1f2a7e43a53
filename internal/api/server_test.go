package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantle-scada/mantle/internal/alarms"
	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/pubsub"
	"github.com/mantle-scada/mantle/internal/sparkplug"
	"github.com/mantle-scada/mantle/internal/timeseries"
	"github.com/mantle-scada/mantle/internal/topology"
)

type fakeQuerier struct {
	lastHistory timeseries.WindowRequest
	points      []timeseries.Point
	hidden      []identity.Scope
}

func (f *fakeQuerier) History(_ context.Context, req timeseries.WindowRequest) ([]timeseries.Point, error) {
	f.lastHistory = req
	return f.points, nil
}

func (f *fakeQuerier) Usage(context.Context) (timeseries.Usage, error) {
	return timeseries.Usage{HistoryRows: 42}, nil
}

func (f *fakeQuerier) StorageStats(context.Context) (timeseries.StorageStats, error) {
	return timeseries.StorageStats{Timescale: true, TotalBytes: 1024}, nil
}

func (f *fakeQuerier) ListHidden(context.Context) ([]identity.Scope, error) {
	return f.hidden, nil
}

type mutation struct {
	op    string
	id    identity.Identity
	scope identity.Scope
	value string
}

type fakeMutator struct {
	calls []mutation
}

func (f *fakeMutator) DeleteNode(_ context.Context, group, node string) error {
	f.calls = append(f.calls, mutation{op: "deleteNode", scope: identity.Scope{Group: group, Node: node}})
	return nil
}

func (f *fakeMutator) DeleteDevice(_ context.Context, group, node, device string) error {
	f.calls = append(f.calls, mutation{op: "deleteDevice", scope: identity.Scope{Group: group, Node: node, Device: device}})
	return nil
}

func (f *fakeMutator) DeleteMetric(_ context.Context, id identity.Identity) error {
	f.calls = append(f.calls, mutation{op: "deleteMetric", id: id})
	return nil
}

func (f *fakeMutator) Hide(_ context.Context, sc identity.Scope) error {
	f.calls = append(f.calls, mutation{op: "hide", scope: sc})
	return nil
}

func (f *fakeMutator) Unhide(_ context.Context, sc identity.Scope) error {
	f.calls = append(f.calls, mutation{op: "unhide", scope: sc})
	return nil
}

func (f *fakeMutator) WriteMetric(_ context.Context, id identity.Identity, value string) error {
	f.calls = append(f.calls, mutation{op: "writeMetric", id: id, value: value})
	return nil
}

type fakeAlarmService struct {
	rules       map[uuid.UUID]alarms.Rule
	states      map[uuid.UUID]alarms.StateRow
	acked       []uuid.UUID
	history     []alarms.HistoryRow
	lastHistory alarms.HistoryFilter
}

func newFakeAlarmService() *fakeAlarmService {
	return &fakeAlarmService{
		rules:  map[uuid.UUID]alarms.Rule{},
		states: map[uuid.UUID]alarms.StateRow{},
	}
}

func (f *fakeAlarmService) Rules() []alarms.Rule {
	var out []alarms.Rule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out
}

func (f *fakeAlarmService) Rule(id uuid.UUID) (alarms.Rule, error) {
	r, ok := f.rules[id]
	if !ok {
		return alarms.Rule{}, alarms.ErrRuleNotFound
	}
	return r, nil
}

func (f *fakeAlarmService) RuleState(id uuid.UUID) (alarms.StateRow, error) {
	return f.states[id], nil
}

func (f *fakeAlarmService) CreateRule(_ context.Context, r alarms.Rule) (alarms.Rule, error) {
	if err := r.Validate(); err != nil {
		return alarms.Rule{}, err
	}
	r.ID = uuid.New()
	f.rules[r.ID] = r
	f.states[r.ID] = alarms.StateRow{RuleID: r.ID, State: alarms.StateNormal}
	return r, nil
}

func (f *fakeAlarmService) UpdateRule(_ context.Context, r alarms.Rule) (alarms.Rule, error) {
	if _, ok := f.rules[r.ID]; !ok {
		return alarms.Rule{}, alarms.ErrRuleNotFound
	}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakeAlarmService) DeleteRule(_ context.Context, id uuid.UUID) error {
	if _, ok := f.rules[id]; !ok {
		return alarms.ErrRuleNotFound
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeAlarmService) Acknowledge(_ context.Context, id uuid.UUID) error {
	st, ok := f.states[id]
	if !ok {
		return alarms.ErrRuleNotFound
	}
	if st.State != alarms.StateActive {
		return alarms.ErrNotActive
	}
	st.State = alarms.StateAcknowledged
	f.states[id] = st
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeAlarmService) History(_ context.Context, filter alarms.HistoryFilter) ([]alarms.HistoryRow, error) {
	f.lastHistory = filter
	return f.history, nil
}

type testServer struct {
	srv     *Server
	ts      *httptest.Server
	tree    *topology.Tree
	hidden  *topology.HiddenSet
	querier *fakeQuerier
	mutator *fakeMutator
	alarms  *fakeAlarmService
	broker  *pubsub.Broker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	x := &testServer{
		tree:    topology.New(),
		hidden:  topology.NewHiddenSet(nil),
		querier: &fakeQuerier{},
		mutator: &fakeMutator{},
		alarms:  newFakeAlarmService(),
		broker:  pubsub.NewBroker(),
	}
	x.srv = NewServer(":0", Deps{
		Tree:    x.tree,
		Hidden:  x.hidden,
		Querier: x.querier,
		Mutator: x.mutator,
		Alarms:  x.alarms,
		Broker:  x.broker,
	})
	x.ts = httptest.NewServer(x.srv.routes())
	t.Cleanup(x.ts.Close)
	t.Cleanup(x.broker.Close)
	return x
}

func (x *testServer) get(t *testing.T, path string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(x.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (x *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, x.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGroupsHiddenFiltering(t *testing.T) {
	x := newTestServer(t)
	x.tree.ApplyMetric(identity.Identity{Group: "plant", Node: "line1", Metric: "temp"},
		topology.Metric{Type: "Double", Value: sparkplug.FloatValue(1), Timestamp: 1})
	x.tree.ApplyMetric(identity.Identity{Group: "plant", Node: "line2", Metric: "temp"},
		topology.Metric{Type: "Double", Value: sparkplug.FloatValue(2), Timestamp: 2})
	x.hidden.Add(identity.Scope{Group: "plant", Node: "line2"})

	var host topology.Host
	resp := x.get(t, "/api/groups", &host)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, host.Groups, "plant")
	assert.Contains(t, host.Groups["plant"].Nodes, "line1")
	assert.NotContains(t, host.Groups["plant"].Nodes, "line2")

	x.get(t, "/api/groups?includeHidden=true", &host)
	assert.Contains(t, host.Groups["plant"].Nodes, "line2")
}

func TestHistoryParamParsing(t *testing.T) {
	x := newTestServer(t)
	x.querier.points = []timeseries.Point{{Ts: 1000, Value: "1.5"}}

	var points []timeseries.Point
	resp := x.get(t, "/api/history?group=plant&node=line1&device=press&metric=temp&start=1000&end=2000&interval=10&raw=false", &points)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, points, 1)

	req := x.querier.lastHistory
	assert.Equal(t, "plant", req.Identity.Group)
	assert.Equal(t, "press", req.Identity.Device)
	assert.Equal(t, int64(1000), req.Start)
	assert.Equal(t, int64(2000), req.End)
	assert.Equal(t, int64(10), req.IntervalSec)
	assert.False(t, req.Raw)

	// Missing window bounds are rejected before reaching the store.
	resp = x.get(t, "/api/history?group=plant&node=line1&metric=temp", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAlarmRuleLifecycle(t *testing.T) {
	x := newTestServer(t)

	resp := x.do(t, http.MethodPost, "/api/alarm-rules",
		`{"group":"plant","node":"line1","device":"press","metric":"temp","name":"High temp","type":"above","threshold":100,"delaySec":0,"enabled":true}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created alarms.Rule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotEqual(t, uuid.Nil, created.ID)

	// Threshold types without a threshold are rejected.
	resp = x.do(t, http.MethodPost, "/api/alarm-rules",
		`{"group":"plant","node":"line1","metric":"temp","name":"Broken","type":"above","enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Acknowledging a normal alarm conflicts.
	resp = x.do(t, http.MethodPost, "/api/alarm-rules/"+created.ID.String()+"/acknowledge", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Force active, then acknowledge.
	st := x.alarms.states[created.ID]
	st.State = alarms.StateActive
	x.alarms.states[created.ID] = st
	resp = x.do(t, http.MethodPost, "/api/alarm-rules/"+created.ID.String()+"/acknowledge", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = x.do(t, http.MethodDelete, "/api/alarm-rules/"+created.ID.String(), "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = x.do(t, http.MethodDelete, "/api/alarm-rules/"+created.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = x.do(t, http.MethodDelete, "/api/alarm-rules/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAlarmHistoryFiltering(t *testing.T) {
	x := newTestServer(t)
	x.alarms.history = []alarms.HistoryRow{
		{ID: 2, From: alarms.StateActive, To: alarms.StateNormal, Ts: 2000},
		{ID: 1, From: alarms.StateNormal, To: alarms.StateActive, Ts: 1000},
	}

	// The all-rules listing takes no rule at all.
	var rows []alarms.HistoryRow
	resp := x.get(t, "/api/alarm-history", &rows)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, rows, 2)
	assert.Nil(t, x.alarms.lastHistory.RuleID)
	assert.Nil(t, x.alarms.lastHistory.Start)
	assert.Nil(t, x.alarms.lastHistory.End)

	id := uuid.New()
	resp = x.get(t, "/api/alarm-history?ruleId="+id.String()+"&start=500&end=2500&limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, x.alarms.lastHistory.RuleID)
	assert.Equal(t, id, *x.alarms.lastHistory.RuleID)
	require.NotNil(t, x.alarms.lastHistory.Start)
	assert.Equal(t, int64(500), *x.alarms.lastHistory.Start)
	require.NotNil(t, x.alarms.lastHistory.End)
	assert.Equal(t, int64(2500), *x.alarms.lastHistory.End)
	assert.Equal(t, 10, x.alarms.lastHistory.Limit)

	resp = x.get(t, "/api/alarm-history?ruleId=not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The per-rule path pins the rule and still honours the window.
	resp = x.get(t, "/api/alarm-rules/"+id.String()+"/history?start=100", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, x.alarms.lastHistory.RuleID)
	assert.Equal(t, id, *x.alarms.lastHistory.RuleID)
	require.NotNil(t, x.alarms.lastHistory.Start)
	assert.Equal(t, int64(100), *x.alarms.lastHistory.Start)
}

func TestWriteMetric(t *testing.T) {
	x := newTestServer(t)
	resp := x.do(t, http.MethodPost, "/api/write-metric",
		`{"group":"plant","node":"line1","device":"press","metric":"setpoint","value":"42.5"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, x.mutator.calls, 1)
	assert.Equal(t, "writeMetric", x.mutator.calls[0].op)
	assert.Equal(t, "setpoint", x.mutator.calls[0].id.Metric)
	assert.Equal(t, "42.5", x.mutator.calls[0].value)
}

func TestDeleteEndpoints(t *testing.T) {
	x := newTestServer(t)

	resp := x.do(t, http.MethodDelete, "/api/nodes?group=plant&node=line1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = x.do(t, http.MethodDelete, "/api/devices?group=plant&node=line1&device=press", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = x.do(t, http.MethodDelete, "/api/metrics?group=plant&node=line1&device=press&metric=temp", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Len(t, x.mutator.calls, 3)
	assert.Equal(t, "deleteNode", x.mutator.calls[0].op)
	assert.Equal(t, "deleteDevice", x.mutator.calls[1].op)
	assert.Equal(t, "deleteMetric", x.mutator.calls[2].op)
	assert.Equal(t, "temp", x.mutator.calls[2].id.Metric)
}

func TestHideEndpoints(t *testing.T) {
	x := newTestServer(t)

	resp := x.do(t, http.MethodPost, "/api/hidden-items", `{"group":"plant","node":"line1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = x.do(t, http.MethodPost, "/api/hidden-items/remove", `{"group":"plant","node":"line1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Scopes without a node are invalid.
	resp = x.do(t, http.MethodPost, "/api/hidden-items", `{"group":"plant"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	require.Len(t, x.mutator.calls, 2)
	assert.Equal(t, "hide", x.mutator.calls[0].op)
	assert.Equal(t, "unhide", x.mutator.calls[1].op)
}

func TestWebsocketStreamsEvents(t *testing.T) {
	x := newTestServer(t)

	url := "ws" + strings.TrimPrefix(x.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server loop time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	x.broker.Publish(pubsub.TopicMetricUpdate, pubsub.MetricUpdate{
		Identity:  identity.Identity{Group: "plant", Node: "line1", Metric: "temp"},
		Type:      "Double",
		Value:     "72.5",
		Timestamp: 1_700_000_000_000,
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "metricUpdate", env.Topic)

	var update pubsub.MetricUpdate
	require.NoError(t, json.Unmarshal(env.Data, &update))
	assert.Equal(t, "72.5", update.Value)
	assert.Equal(t, "temp", update.Metric)
}
