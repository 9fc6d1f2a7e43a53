// Package api exposes Mantle's command and query surface: topology
// snapshots, windowed history, hidden items, alarm rule management,
// metric writes and a websocket bridge onto the pub/sub broker. It is
// the boundary an external GraphQL or UI layer talks to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mantle-scada/mantle/internal/alarms"
	"github.com/mantle-scada/mantle/internal/identity"
	"github.com/mantle-scada/mantle/internal/pubsub"
	"github.com/mantle-scada/mantle/internal/timeseries"
	"github.com/mantle-scada/mantle/internal/topology"
)

// Querier is the read side of the time-series store.
type Querier interface {
	History(ctx context.Context, req timeseries.WindowRequest) ([]timeseries.Point, error)
	Usage(ctx context.Context) (timeseries.Usage, error)
	StorageStats(ctx context.Context) (timeseries.StorageStats, error)
	ListHidden(ctx context.Context) ([]identity.Scope, error)
}

// Mutator is the command side, satisfied by *ingest.Pipeline.
type Mutator interface {
	DeleteNode(ctx context.Context, group, node string) error
	DeleteDevice(ctx context.Context, group, node, device string) error
	DeleteMetric(ctx context.Context, id identity.Identity) error
	Hide(ctx context.Context, sc identity.Scope) error
	Unhide(ctx context.Context, sc identity.Scope) error
	WriteMetric(ctx context.Context, id identity.Identity, value string) error
}

// AlarmService is the alarm engine surface the API needs.
type AlarmService interface {
	Rules() []alarms.Rule
	Rule(id uuid.UUID) (alarms.Rule, error)
	RuleState(id uuid.UUID) (alarms.StateRow, error)
	CreateRule(ctx context.Context, r alarms.Rule) (alarms.Rule, error)
	UpdateRule(ctx context.Context, r alarms.Rule) (alarms.Rule, error)
	DeleteRule(ctx context.Context, id uuid.UUID) error
	Acknowledge(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, f alarms.HistoryFilter) ([]alarms.HistoryRow, error)
}

// WebhookTester fires a synthetic webhook event, satisfied by
// *alarms.Notifier.
type WebhookTester interface {
	TestFire(ctx context.Context) error
}

// Server holds the wired collaborators and the HTTP listener.
type Server struct {
	tree    *topology.Tree
	hidden  *topology.HiddenSet
	querier Querier
	mutator Mutator
	alarms  AlarmService
	tester  WebhookTester
	broker  *pubsub.Broker

	httpSrv *http.Server
}

// Deps wires the server. Tester may be nil when no webhook is
// configured.
type Deps struct {
	Tree    *topology.Tree
	Hidden  *topology.HiddenSet
	Querier Querier
	Mutator Mutator
	Alarms  AlarmService
	Tester  WebhookTester
	Broker  *pubsub.Broker
}

// NewServer builds the server and its routes.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		tree:    deps.Tree,
		hidden:  deps.Hidden,
		querier: deps.Querier,
		mutator: deps.Mutator,
		alarms:  deps.Alarms,
		tester:  deps.Tester,
		broker:  deps.Broker,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("GET /api/template-definitions", s.handleTemplateDefinitions)

	mux.HandleFunc("GET /api/hidden-items", s.handleListHidden)
	mux.HandleFunc("POST /api/hidden-items", s.handleHide)
	mux.HandleFunc("POST /api/hidden-items/remove", s.handleUnhide)

	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/storage-stats", s.handleStorageStats)

	mux.HandleFunc("GET /api/alarm-rules", s.handleListRules)
	mux.HandleFunc("POST /api/alarm-rules", s.handleCreateRule)
	mux.HandleFunc("GET /api/alarm-rules/{id}", s.handleGetRule)
	mux.HandleFunc("PUT /api/alarm-rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /api/alarm-rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /api/alarm-rules/{id}/acknowledge", s.handleAcknowledge)
	mux.HandleFunc("GET /api/alarm-rules/{id}/history", s.handleRuleHistory)
	mux.HandleFunc("GET /api/alarm-history", s.handleAlarmHistory)

	mux.HandleFunc("POST /api/write-metric", s.handleWriteMetric)
	mux.HandleFunc("DELETE /api/nodes", s.handleDeleteNode)
	mux.HandleFunc("DELETE /api/devices", s.handleDeleteDevice)
	mux.HandleFunc("DELETE /api/metrics", s.handleDeleteMetric)

	mux.HandleFunc("POST /api/webhook-test", s.handleWebhookTest)

	mux.HandleFunc("GET /ws", s.handleWebsocket)

	return mux
}

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("API listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errStatus maps service errors onto HTTP statuses.
func errStatus(err error) int {
	switch {
	case errors.Is(err, alarms.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, alarms.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, alarms.ErrThresholdRequired):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
