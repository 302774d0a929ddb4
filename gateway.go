package plexus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Gateway is the HTTP surface over an Orchestrator: collaborator services
// register themselves here, and clients generate and execute DAGs.
type Gateway struct {
	orch   *Orchestrator
	logger *slog.Logger
}

// NewGateway creates a gateway over the orchestrator.
func NewGateway(orch *Orchestrator, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = nopLogger
	}
	return &Gateway{orch: orch, logger: logger}
}

// Handler returns the gateway's route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /api/v1/services/register", g.handleRegisterService)
	mux.HandleFunc("GET /api/v1/tools", g.handleListTools)
	mux.HandleFunc("POST /api/v1/agents", g.handleCreateAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", g.handleDeleteAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}/stats", g.handleAgentStats)
	mux.HandleFunc("POST /api/v1/agents/{id}/scale", g.handleScale)
	mux.HandleFunc("POST /api/v1/dags", g.handleGenerate)
	mux.HandleFunc("POST /api/v1/dags/{id}/execute", g.handleExecute)
	return mux
}

// Serve runs the gateway until ctx is cancelled.
func (g *Gateway) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	g.logger.Info("gateway listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// registerServiceRequest is the wire shape of a service self-registration.
type registerServiceRequest struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	ListPath   string `json:"list_path"`
	HealthPath string `json:"health_path"`
	Type       string `json:"type"`
}

// handleRegisterService adds a collaborator service and discovers its tools
// immediately, so a freshly registered service is usable without waiting
// for the next discovery tick.
func (g *Gateway) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req registerServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Name == "" || req.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "name and base_url are required")
		return
	}
	toolType := ToolExternal
	if req.Type != "" {
		t, ok := ParseToolType(req.Type)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown tool type "+req.Type)
			return
		}
		toolType = t
	}
	if req.ListPath == "" {
		req.ListPath = "/api/v1/tools/list"
	}
	if req.HealthPath == "" {
		req.HealthPath = "/health"
	}

	svc := ServiceEndpoint{
		Name:       req.Name,
		BaseURL:    req.BaseURL,
		ListPath:   req.ListPath,
		HealthPath: req.HealthPath,
		Type:       toolType,
	}
	created := g.orch.Registry().AddService(svc)
	g.orch.Registry().DiscoverAll(r.Context())

	g.logger.Info("service registered", "service", req.Name, "created", created)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"service": req.Name, "created": created})
}

func (g *Gateway) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": g.orch.Registry().All()})
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var cfg AgentConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := g.orch.CreateAgent(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"agent_id": cfg.AgentID})
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if err := g.orch.DeleteAgent(r.Context(), agentID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": g.orch.AgentStats(r.PathValue("id")),
	})
}

func (g *Gateway) handleScale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	agentID := r.PathValue("id")
	if err := g.orch.Scale(r.Context(), agentID, req.Target); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"count":    g.orch.Pool().Count(agentID),
	})
}

func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	d, err := g.orch.GenerateDAG(r.Context(), req)
	if err != nil {
		var notFound *ErrTemplateNotFound
		var invalid *ErrDAGInvalid
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &invalid):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	res, err := g.orch.Execute(r.Context(), r.PathValue("id"), payload)
	if err != nil {
		var deadline *ErrDeadline
		if errors.As(err, &deadline) && res != nil {
			// Partial results still go back to the caller.
			writeJSON(w, http.StatusGatewayTimeout, res)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
