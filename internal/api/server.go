package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/pipeline"
	"github.com/QuantCanary/canary-trader/internal/registry"
	"github.com/QuantCanary/canary-trader/internal/store"
)

// Pipeline exposes the driver operations the API layer needs.
type Pipeline interface {
	Status() pipeline.Status
	PendingDecisions() []*model.ImprovementTest
	Pause(ctx context.Context, testID string) error
	Resume(ctx context.Context, testID string) error
	Approve(ctx context.Context, testID string) error
	Reject(ctx context.Context, testID string) error
	ForceAdvance(ctx context.Context, testID string) error
	EmergencyStop(ctx context.Context, testID, requestedBy string) (*model.RollbackResult, error)
}

// Server is a lightweight HTTP API for inspecting and steering tests.
type Server struct {
	httpServer *http.Server
	driver     Pipeline
	reg        *registry.Registry
	db         store.Store
	log        *logrus.Entry
	startedAt  time.Time
}

// NewServer creates a new API server bound to addr. gatherer serves
// /metrics; pass the registry the telemetry collectors registered with.
func NewServer(addr string, driver Pipeline, reg *registry.Registry, db store.Store, gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		driver:    driver,
		reg:       reg,
		db:        db,
		log:       logger.WithField("component", "api"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tests", s.handleTests)
	mux.HandleFunc("GET /api/tests/{id}", s.handleTest)
	mux.HandleFunc("GET /api/tests/{id}/rollbacks", s.handleRollbacks)
	mux.HandleFunc("GET /api/decisions", s.handleDecisions)
	mux.HandleFunc("POST /api/tests/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/tests/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/tests/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/tests/{id}/reject", s.handleReject)
	mux.HandleFunc("POST /api/tests/{id}/advance", s.handleAdvance)
	mux.HandleFunc("POST /api/tests/{id}/emergency-stop", s.handleEmergencyStop)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", s.httpServer.Addr).Info("api server listening")
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("api server")
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// GET /api/health — liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"ok":       true,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	})
}

// GET /api/ready — readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := s.driver.Status()
	resp := map[string]interface{}{
		"ready":    status.Running,
		"uptime_s": time.Since(s.startedAt).Seconds(),
	}
	if !status.Running {
		resp["reason"] = "pipeline_not_running"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	s.writeJSON(w, resp)
}

// GET /api/status — overall pipeline status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := s.driver.Status()
	var completed, rolledBack int
	for _, t := range s.reg.List() {
		switch t.Phase {
		case model.PhaseCompleted:
			completed++
		case model.PhaseRolledBack:
			rolledBack++
		}
	}
	resp := map[string]interface{}{
		"running":            status.Running,
		"cycles_run":         status.CyclesRun,
		"last_cycle_at":      status.LastCycleAt,
		"active_tests":       s.reg.ActiveCount(),
		"allocated_accounts": s.reg.AllocatedCount(),
		"completed":          completed,
		"rolled_back":        rolledBack,
		"uptime_s":           time.Since(s.startedAt).Seconds(),
	}
	if len(status.LastErrors) > 0 {
		resp["last_errors"] = status.LastErrors
	}
	if total := completed + rolledBack; total > 0 {
		resp["success_rate"] = float64(completed) / float64(total)
	}
	s.writeJSON(w, resp)
}

// GET /api/tests?active=true — list tests.
func (s *Server) handleTests(w http.ResponseWriter, r *http.Request) {
	var tests []*model.ImprovementTest
	if r.URL.Query().Get("active") == "true" {
		tests = s.reg.Active()
	} else {
		tests = s.reg.List()
	}
	type testEntry struct {
		ID        string          `json:"id"`
		Component string          `json:"component"`
		Phase     model.Phase     `json:"phase"`
		Risk      model.RiskLevel `json:"risk"`
		CreatedAt time.Time       `json:"created_at"`
		UpdatedAt time.Time       `json:"updated_at"`
	}
	entries := make([]testEntry, len(tests))
	for i, t := range tests {
		entries[i] = testEntry{
			ID:        t.ID,
			Component: t.Component,
			Phase:     t.Phase,
			Risk:      t.Risk,
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		}
	}
	s.writeJSON(w, map[string]interface{}{"tests": entries, "count": len(entries)})
}

// GET /api/tests/{id} — full test detail.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	t, ok := s.reg.Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "test not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, t)
}

// GET /api/tests/{id}/rollbacks — rollback decisions for a test.
func (s *Server) handleRollbacks(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.db.LoadRollbacks(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"rollbacks": decisions, "count": len(decisions)})
}

// GET /api/decisions — tests waiting on operator approval.
func (s *Server) handleDecisions(w http.ResponseWriter, _ *http.Request) {
	pending := s.driver.PendingDecisions()
	type entry struct {
		ID         string              `json:"id"`
		Component  string              `json:"component"`
		PausedFrom model.Phase         `json:"paused_from"`
		Shadow     *model.ShadowResult `json:"shadow,omitempty"`
		UpdatedAt  time.Time           `json:"updated_at"`
	}
	entries := make([]entry, len(pending))
	for i, t := range pending {
		entries[i] = entry{
			ID:         t.ID,
			Component:  t.Component,
			PausedFrom: t.PausedFrom,
			Shadow:     t.Shadow,
			UpdatedAt:  t.UpdatedAt,
		}
	}
	s.writeJSON(w, map[string]interface{}{"decisions": entries, "count": len(entries)})
}

// POST /api/tests/{id}/approve — accept a pending decision.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Approve(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"approved": true})
}

// POST /api/tests/{id}/reject — close a pending decision without deploying.
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Reject(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"rejected": true})
}

// POST /api/tests/{id}/pause — suspend a test.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Pause(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"paused": true})
}

// POST /api/tests/{id}/resume — resume a paused test.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.Resume(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"resumed": true})
}

// POST /api/tests/{id}/advance — force the next phase transition.
func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if err := s.driver.ForceAdvance(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"advanced": true})
}

// POST /api/tests/{id}/emergency-stop — halt and roll back immediately.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.RequestedBy == "" {
		body.RequestedBy = "api"
	}
	result, err := s.driver.EmergencyStop(r.Context(), r.PathValue("id"), body.RequestedBy)
	if err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"stopped":          true,
		"reverted_changes": result.RevertedChanges,
		"stopped_accounts": result.StoppedAccounts,
		"issues":           result.Issues,
	})
}
