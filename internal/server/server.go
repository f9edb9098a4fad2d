// Package server exposes the compliance service over HTTP.
//
// Endpoints:
//
//	POST /api/compliance/check   — evaluate code and record the verdict
//	GET  /api/audit              — query ledger entries, newest first
//	GET  /api/audit/verify       — walk the hash chain
//	POST /api/audit/purge        — purge entries past retention
//	GET  /api/audit/stream       — websocket live feed of appended entries
//	GET  /api/rules              — list regulatory rules
//	POST /api/rules              — add a rule
//	POST /api/rules/delete       — remove a rule
//	POST /api/rules/toggle       — enable/disable a rule
//	GET  /api/status             — entry count and feature flags
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/continuum/continuum/internal/audit"
	"github.com/continuum/continuum/internal/checker"
	"github.com/continuum/continuum/internal/config"
	"github.com/continuum/continuum/internal/rules"
)

// Server is the HTTP boundary around the compliance service.
type Server struct {
	cfg     *config.Config
	service *checker.Service
	ledger  *audit.Ledger
	rules   *rules.FileStore
	hub     *wsHub

	httpServer *http.Server
}

// New wires the handlers onto a mux and returns the server, not yet
// listening.
func New(cfg *config.Config, service *checker.Service, ledger *audit.Ledger, ruleStore *rules.FileStore) *Server {
	s := &Server{
		cfg:     cfg,
		service: service,
		ledger:  ledger,
		rules:   ruleStore,
		hub:     newWSHub(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/compliance/check", s.handleCheck)
	mux.HandleFunc("GET /api/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("POST /api/audit/purge", s.handleAuditPurge)
	mux.HandleFunc("GET /api/audit/stream", s.handleAuditStream)
	mux.HandleFunc("GET /api/rules", s.handleRulesList)
	mux.HandleFunc("POST /api/rules", s.handleRulesAdd)
	mux.HandleFunc("POST /api/rules/delete", s.handleRulesDelete)
	mux.HandleFunc("POST /api/rules/toggle", s.handleRulesToggle)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the hub and the live-feed follower, then serves until ctx is
// cancelled, shutting down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.run()
	go func() {
		// Feed every appended ledger entry to connected websocket clients.
		err := s.ledger.Follow(ctx, func(e audit.Entry) {
			if msg, err := json.Marshal(e); err == nil {
				s.hub.broadcast(msg)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("ledger follower stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleCheck runs a compliance check and records it on the ledger.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checker.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	resp, err := s.service.Check(r.Context(), req)
	if err != nil {
		if errors.Is(err, checker.ErrEmptyCode) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		slog.Error("compliance check failed", "actor", req.ActorID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuditQuery returns ledger entries matching the query parameters,
// newest first.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		UserID:     q.Get("user"),
		ResourceID: q.Get("resource"),
		Since:      q.Get("since"),
		Until:      q.Get("until"),
		Limit:      100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}

	entries, err := s.ledger.Query(f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// handleAuditVerify walks the chain and reports the result. A broken chain
// is still a 200 — the verdict is in the body; only a failure to walk at
// all is a server error.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	var from, to uint64
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		fmt.Sscanf(v, "%d", &from)
	}
	if v := q.Get("to"); v != "" {
		fmt.Sscanf(v, "%d", &to)
	}

	result, err := s.ledger.VerifyChain(from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !result.Valid {
		slog.Error("audit chain verification failed",
			"broken_seq", result.BrokenSeq, "reason", result.Reason)
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAuditPurge removes entries older than the requested duration.
// With no body, the configured retention window applies.
func (s *Server) handleAuditPurge(w http.ResponseWriter, r *http.Request) {
	olderThan := s.cfg.Audit.Retention()

	var req struct {
		OlderThan string `json:"older_than"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid older_than %q: %w", req.OlderThan, err))
			return
		}
		olderThan = d
	}

	removed, err := s.ledger.Purge(olderThan)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleRulesList(w http.ResponseWriter, r *http.Request) {
	all, err := s.rules.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": all, "count": len(all)})
}

func (s *Server) handleRulesAdd(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	added, err := s.rules.Add(rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	slog.Info("regulatory rule added", "rule_id", added.ID, "name", added.Name)
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleRulesDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request must carry a rule id"))
		return
	}

	if err := s.rules.Remove(req.ID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	slog.Info("regulatory rule removed", "rule_id", req.ID)
	writeJSON(w, http.StatusOK, map[string]any{"removed": req.ID})
}

func (s *Server) handleRulesToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("request must carry a rule id"))
		return
	}

	if err := s.rules.SetEnabled(req.ID, req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "enabled": req.Enabled})
}

// handleStatus reports the ledger size and which features are active.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, err := s.ledger.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	ruleSet, err := s.rules.List(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"audit_entries": count,
		"rules":         len(ruleSet),
		"features": map[string]bool{
			"policy_engine": s.cfg.Features.PolicyEngine,
			"external_scan": s.cfg.Features.ExternalScan,
			"risk_scoring":  s.cfg.Features.RiskScoring,
		},
	})
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writing response", "error", err)
	}
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
