package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/mantle-scada/mantle/internal/alarms"
	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/timeseries"
	"github.com/mantle-scada/mantle/internal/topology"
)

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	includeHidden := r.URL.Query().Get("includeHidden") == "true"
	host := s.tree.Snapshot(topology.SnapshotOptions{
		IncludeHidden: includeHidden,
		Hidden:        s.hidden,
	})
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) handleTemplateDefinitions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tree.TemplateDefinitions())
}

func (s *Server) handleListHidden(w http.ResponseWriter, r *http.Request) {
	scopes, err := s.querier.ListHidden(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if scopes == nil {
		scopes = []identity.Scope{}
	}
	writeJSON(w, http.StatusOK, scopes)
}

func (s *Server) handleHide(w http.ResponseWriter, r *http.Request) {
	sc, ok := decodeScope(w, r)
	if !ok {
		return
	}
	if err := s.mutator.Hide(r.Context(), sc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleUnhide(w http.ResponseWriter, r *http.Request) {
	sc, ok := decodeScope(w, r)
	if !ok {
		return
	}
	if err := s.mutator.Unhide(r.Context(), sc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := timeseries.WindowRequest{
		Identity: identity.Identity{
			Group:  q.Get("group"),
			Node:   q.Get("node"),
			Device: q.Get("device"),
			Metric: q.Get("metric"),
		},
		Raw: q.Get("raw") == "true",
	}
	var err error
	if req.Start, err = parseInt64(q.Get("start")); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("start: %w", err))
		return
	}
	if req.End, err = parseInt64(q.Get("end")); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("end: %w", err))
		return
	}
	if v := q.Get("interval"); v != "" {
		if req.IntervalSec, err = parseInt64(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("interval: %w", err))
			return
		}
	}
	if v := q.Get("samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("samples: %w", err))
			return
		}
		req.Samples = n
	}

	points, err := s.querier.History(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if points == nil {
		points = []timeseries.Point{}
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	u, err := s.querier.Usage(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleStorageStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.querier.StorageStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ruleView pairs a rule with its live state in list and get responses.
type ruleView struct {
	alarms.Rule
	State alarms.StateRow `json:"state"`
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rules := s.alarms.Rules()
	views := make([]ruleView, 0, len(rules))
	for _, r := range rules {
		st, _ := s.alarms.RuleState(r.ID)
		views = append(views, ruleView{Rule: r, State: st})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule alarms.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.alarms.CreateRule(r.Context(), rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := s.alarms.Rule(id)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	st, _ := s.alarms.RuleState(id)
	writeJSON(w, http.StatusOK, ruleView{Rule: rule, State: st})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var rule alarms.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rule.ID = id
	updated, err := s.alarms.UpdateRule(r.Context(), rule)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.alarms.DeleteRule(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := s.alarms.Acknowledge(r.Context(), id); err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	st, _ := s.alarms.RuleState(id)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	f, ok := historyFilter(w, r)
	if !ok {
		return
	}
	f.RuleID = &id
	s.writeAlarmHistory(w, r, f)
}

// handleAlarmHistory serves the transition audit across all rules;
// ruleId, start and end are each optional.
func (s *Server) handleAlarmHistory(w http.ResponseWriter, r *http.Request) {
	f, ok := historyFilter(w, r)
	if !ok {
		return
	}
	if v := r.URL.Query().Get("ruleId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("ruleId: %w", err))
			return
		}
		f.RuleID = &id
	}
	s.writeAlarmHistory(w, r, f)
}

func (s *Server) writeAlarmHistory(w http.ResponseWriter, r *http.Request, f alarms.HistoryFilter) {
	rows, err := s.alarms.History(r.Context(), f)
	if err != nil {
		writeError(w, errStatus(err), err)
		return
	}
	if rows == nil {
		rows = []alarms.HistoryRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func historyFilter(w http.ResponseWriter, r *http.Request) (alarms.HistoryFilter, bool) {
	var f alarms.HistoryFilter
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		n, err := parseInt64(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("start: %w", err))
			return f, false
		}
		f.Start = &n
	}
	if v := q.Get("end"); v != "" {
		n, err := parseInt64(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("end: %w", err))
			return f, false
		}
		f.End = &n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit: %w", err))
			return f, false
		}
		f.Limit = n
	}
	return f, true
}

func (s *Server) handleWriteMetric(w http.ResponseWriter, r *http.Request) {
	var req struct {
		identity.Identity
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.mutator.WriteMetric(r.Context(), req.Identity, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.mutator.DeleteNode(r.Context(), q.Get("group"), q.Get("node")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := s.mutator.DeleteDevice(r.Context(), q.Get("group"), q.Get("node"), q.Get("device")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteMetric(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := identity.Identity{
		Group:  q.Get("group"),
		Node:   q.Get("node"),
		Device: q.Get("device"),
		Metric: q.Get("metric"),
	}
	if err := s.mutator.DeleteMetric(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	if s.tester == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("no webhook configured"))
		return
	}
	if err := s.tester.TestFire(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func decodeScope(w http.ResponseWriter, r *http.Request) (identity.Scope, bool) {
	var sc identity.Scope
	if err := json.NewDecoder(r.Body).Decode(&sc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return identity.Scope{}, false
	}
	if err := sc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return identity.Scope{}, false
	}
	return sc, true
}

func ruleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("rule id: %w", err))
		return uuid.Nil, false
	}
	return id, true
}

func parseInt64(v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("missing")
	}
	return strconv.ParseInt(v, 10, 64)
}
