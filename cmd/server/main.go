package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/frauddetection/ruleservice/governance"
	"github.com/frauddetection/ruleservice/internal/logger"
	"github.com/frauddetection/ruleservice/internal/metrics"
)

type Server struct {
	db        *sql.DB
	svc       *governance.Service
	collector *metrics.Collector
	router    *chi.Mux
}

// NewServer connects to postgres and wires the governance service on
// top of it.
func NewServer(databaseURL string) (*Server, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newServer(db, governance.NewPostgresStore(db))
	return s, nil
}

// newServer wires a server around any governance store; tests use it
// with the in-memory store.
func newServer(db *sql.DB, store governance.Store) *Server {
	collector := metrics.NewCollector()
	audit := governance.NewLogAuditTrail()
	s := &Server{
		db:        db,
		svc:       governance.NewService(store, audit, collector),
		collector: collector,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Handle("/metrics", s.collector.Handler())

	r.Route("/api/v1/rulesets", func(r chi.Router) {
		r.Get("/", s.handleListRulesets)
		r.Post("/", s.handleCreateRuleset)

		r.Route("/{rulesetId}", func(r chi.Router) {
			r.Get("/", s.handleGetRuleset)
			r.Put("/", s.handleUpdateRuleset)
			r.Delete("/", s.handleDeleteRuleset)
			r.Post("/deploy", s.handleDeploy)
			r.Post("/undeploy", s.handleUndeploy)
			r.Get("/deployments", s.handleListDeployments)
			r.Get("/versions", s.handleListVersions)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)

				r.Route("/{ruleId}", func(r chi.Router) {
					r.Get("/", s.handleGetRule)
					r.Put("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
					r.Post("/transition", s.handleTransitionRule)
				})
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// actorFrom reads the identity established by the upstream auth layer.
// This service trusts those headers; it never authenticates itself.
func actorFrom(r *http.Request) (governance.Actor, bool) {
	id := r.Header.Get("X-Actor-Id")
	if id == "" {
		return governance.Actor{}, false
	}
	actor := governance.Actor{ID: id}
	for _, role := range strings.Split(r.Header.Get("X-Actor-Roles"), ",") {
		role = strings.TrimSpace(role)
		if role != "" {
			actor.Roles = append(actor.Roles, governance.Role(role))
		}
	}
	return actor, true
}

func requireActor(w http.ResponseWriter, r *http.Request) (governance.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "actor identity is required", nil)
	}
	return actor, ok
}

// httpStatus maps governance errors onto API status codes through
// their base sentinels.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, governance.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, governance.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, governance.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, governance.ErrBadParameter):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListRulesets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter governance.RulesetFilter
	if v := q.Get("domain"); v != "" {
		domain := governance.Domain(v)
		filter.Domain = &domain
	}
	if v := q.Get("isActive"); v != "" {
		isActive, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid isActive parameter", err)
			return
		}
		filter.IsActive = &isActive
	}
	filter.SearchText = q.Get("search")

	page := governance.Page{}
	if v := q.Get("page"); v != "" {
		page.Number, _ = strconv.Atoi(v)
	}
	if v := q.Get("size"); v != "" {
		page.Size, _ = strconv.Atoi(v)
	}

	result, err := s.svc.ListRulesets(r.Context(), filter, page)
	if err != nil {
		respondError(w, httpStatus(err), "failed to list rulesets", err)
		return
	}

	resp := RulesetPageResponse{
		Items:      make([]RulesetResponse, 0, len(result.Items)),
		Page:       result.Page,
		Size:       result.Size,
		TotalItems: result.TotalItems,
	}
	for _, rs := range result.Items {
		resp.Items = append(resp.Items, toRulesetResponse(rs, nil))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateRuleset(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs, err := s.svc.CreateRuleset(r.Context(), actor, governance.CreateRulesetInput{
		Name:        req.Name,
		Description: req.Description,
		Domain:      governance.Domain(req.Domain),
	})
	if err != nil {
		respondError(w, httpStatus(err), "failed to create ruleset", err)
		return
	}
	respondJSON(w, http.StatusCreated, toRulesetResponse(*rs, nil))
}

func (s *Server) handleGetRuleset(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetRuleset(r.Context(), chi.URLParam(r, "rulesetId"))
	if err != nil {
		respondError(w, httpStatus(err), "failed to get ruleset", err)
		return
	}
	respondJSON(w, http.StatusOK, toRulesetResponse(detail.Ruleset, detail.Rules))
}

func (s *Server) handleUpdateRuleset(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req UpdateRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs, err := s.svc.UpdateRuleset(r.Context(), actor, chi.URLParam(r, "rulesetId"),
		req.ExpectedVersion, governance.RulesetPatch{
			Name:        req.Name,
			Description: req.Description,
			IsActive:    req.IsActive,
		})
	if err != nil {
		respondError(w, httpStatus(err), "failed to update ruleset", err)
		return
	}
	respondJSON(w, http.StatusOK, toRulesetResponse(*rs, nil))
}

func (s *Server) handleDeleteRuleset(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteRuleset(r.Context(), actor, chi.URLParam(r, "rulesetId")); err != nil {
		respondError(w, httpStatus(err), "failed to delete ruleset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rs, err := s.svc.Deploy(r.Context(), actor, chi.URLParam(r, "rulesetId"),
		governance.Environment(req.Environment))
	if err != nil {
		respondError(w, httpStatus(err), "failed to deploy ruleset", err)
		return
	}
	respondJSON(w, http.StatusOK, toRulesetResponse(*rs, nil))
}

func (s *Server) handleUndeploy(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.svc.Undeploy(r.Context(), actor, chi.URLParam(r, "rulesetId"),
		governance.Environment(req.Environment)); err != nil {
		respondError(w, httpStatus(err), "failed to undeploy ruleset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	deps, err := s.svc.ListDeployments(r.Context(), chi.URLParam(r, "rulesetId"))
	if err != nil {
		respondError(w, httpStatus(err), "failed to list deployments", err)
		return
	}
	resp := make([]DeploymentResponse, 0, len(deps))
	for _, dep := range deps {
		resp = append(resp, toDeploymentResponse(dep))
	}
	respondJSON(w, http.StatusOK, map[string]any{"deployments": resp})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.svc.ListRulesetVersions(r.Context(), chi.URLParam(r, "rulesetId"))
	if err != nil {
		respondError(w, httpStatus(err), "failed to list versions", err)
		return
	}
	resp := make([]VersionResponse, 0, len(snaps))
	for _, snap := range snaps {
		resp = append(resp, toVersionResponse(snap))
	}
	respondJSON(w, http.StatusOK, map[string]any{"versions": resp})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.svc.ListRules(r.Context(), chi.URLParam(r, "rulesetId"))
	if err != nil {
		respondError(w, httpStatus(err), "failed to list rules", err)
		return
	}
	resp := make([]RuleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toRuleResponse(rule))
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": resp})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.svc.CreateRule(r.Context(), actor, chi.URLParam(r, "rulesetId"),
		governance.CreateRuleInput{
			Name:        req.Name,
			Description: req.Description,
			Condition:   req.Condition,
			Action:      req.Action,
			Priority:    req.Priority,
		})
	if err != nil {
		respondError(w, httpStatus(err), "failed to create rule", err)
		return
	}
	respondJSON(w, http.StatusCreated, toRuleResponse(*rule))
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.svc.GetRule(r.Context(), chi.URLParam(r, "rulesetId"), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondError(w, httpStatus(err), "failed to get rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(*rule))
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.svc.UpdateRule(r.Context(), actor,
		chi.URLParam(r, "rulesetId"), chi.URLParam(r, "ruleId"),
		req.ExpectedVersion, governance.RulePatch{
			Name:        req.Name,
			Description: req.Description,
			Condition:   req.Condition,
			Action:      req.Action,
			Priority:    req.Priority,
		})
	if err != nil {
		respondError(w, httpStatus(err), "failed to update rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(*rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if err := s.svc.DeleteRule(r.Context(), actor,
		chi.URLParam(r, "rulesetId"), chi.URLParam(r, "ruleId")); err != nil {
		respondError(w, httpStatus(err), "failed to delete rule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransitionRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule, err := s.svc.TransitionRule(r.Context(), actor,
		chi.URLParam(r, "rulesetId"), chi.URLParam(r, "ruleId"),
		governance.RuleStatus(req.Status))
	if err != nil {
		respondError(w, httpStatus(err), "failed to transition rule", err)
		return
	}
	respondJSON(w, http.StatusOK, toRuleResponse(*rule))
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	if status >= 500 {
		logger.Error(message, "status", status, "err", err)
	}
	respondJSON(w, status, response)
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable is required")
	}

	server, err := NewServer(databaseURL)
	if err != nil {
		logger.Fatal("Failed to create server", "err", err)
	}
	defer server.db.Close()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "err", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "err", err)
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("Logger shutdown error", "err", err)
	}
	logger.Info("Server stopped")
}
