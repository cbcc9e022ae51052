// Package api implements the HTTP surface: turn submission, a
// websocket stream for turn progress, and introspection endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danvaneijck/attache/internal/agent"
	"github.com/danvaneijck/attache/internal/budget"
	"github.com/danvaneijck/attache/internal/buildinfo"
	"github.com/danvaneijck/attache/internal/events"
	"github.com/danvaneijck/attache/internal/persona"
	"github.com/danvaneijck/attache/internal/registry"
)

// Turner runs one conversational turn. Satisfied by the agent loop.
type Turner interface {
	Turn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResponse, error)
}

// ToolLister exposes the registry's visible-tool listing.
type ToolLister interface {
	ListTools(permissionLevel int, allowedNamespaces []string) []registry.Tool
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	turner   Turner
	tools    ToolLister
	budget   *budget.Store
	personas *persona.Store
	hub      *Hub
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates the API server. hub may be nil when websocket
// streaming is not wired.
func NewServer(address string, port int, turner Turner, tools ToolLister, budgetStore *budget.Store, personas *persona.Store, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		turner:   turner,
		tools:    tools,
		budget:   budgetStore,
		personas: personas,
		hub:      hub,
		logger:   logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/turn/stream", s.handleTurnStream)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/personas", s.handlePersonas)
	mux.HandleFunc("PUT /v1/users/{id}", s.handleUpsertUser)
	mux.HandleFunc("GET /v1/users/{id}/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: turns and websocket streams run long.
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v to w. Failures usually mean the client went away.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "attache",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "healthy",
		"uptime": buildinfo.Uptime().Truncate(time.Second).String(),
	}, s.logger)
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req agent.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and content are required")
		return
	}

	resp, err := s.turner.Turn(r.Context(), req)
	if err != nil {
		if errors.Is(err, budget.ErrUnknownUser) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		if r.Context().Err() != nil {
			return
		}
		s.logger.Error("turn failed", "user", req.UserID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, resp, s.logger)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the websocket frame envelope: progress events while the
// turn runs, then exactly one response or error frame.
type wsMessage struct {
	Type     string              `json:"type"` // "event", "response", "error"
	Event    *events.Event       `json:"event,omitempty"`
	Response *agent.TurnResponse `json:"response,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// handleTurnStream upgrades to a websocket, reads one turn request, and
// streams lifecycle events until the final response.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "streaming not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req agent.TurnRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.logger.Debug("websocket read failed", "error", err)
		return
	}

	var writeMu sync.Mutex
	send := func(msg wsMessage) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
	}

	if req.UserID == "" || req.Content == "" {
		send(wsMessage{Type: "error", Error: "user_id and content are required"})
		return
	}

	// Fix the conversation ID up front so the event subscription exists
	// before the turn starts.
	if req.ConversationID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			send(wsMessage{Type: "error", Error: "internal error"})
			return
		}
		req.ConversationID = id.String()
	}

	ch, unsubscribe := s.hub.Subscribe(req.ConversationID)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-ch:
				send(wsMessage{Type: "event", Event: &ev})
			}
		}
	}()

	resp, err := s.turner.Turn(r.Context(), req)
	close(done)

	// Drain events still queued so the final frame arrives last.
drain:
	for {
		select {
		case ev := <-ch:
			send(wsMessage{Type: "event", Event: &ev})
		default:
			break drain
		}
	}

	if err != nil {
		send(wsMessage{Type: "error", Error: err.Error()})
		return
	}
	send(wsMessage{Type: "response", Response: resp})
}

// toolView is the wire shape of one visible tool.
type toolView struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	MinPermission int            `json:"min_permission"`
}

// handleTools lists the tools visible to a user, optionally through a
// persona's namespace restrictions.
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	user, err := s.budget.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, budget.ErrUnknownUser) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	var namespaces []string
	if name := r.URL.Query().Get("persona"); name != "" && s.personas != nil {
		namespaces = s.personas.Get(name).AllowedNamespaces
	}

	tools := s.tools.ListTools(user.PermissionLevel, namespaces)
	views := make([]toolView, len(tools))
	for i, t := range tools {
		views[i] = toolView{
			Name:          t.Name,
			Description:   t.Description,
			Parameters:    t.Parameters,
			MinPermission: t.MinPermission,
		}
	}
	writeJSON(w, map[string]any{
		"tools": views,
		"count": len(views),
	}, s.logger)
}

func (s *Server) handlePersonas(w http.ResponseWriter, r *http.Request) {
	var names []string
	if s.personas != nil {
		names = s.personas.Names()
	}
	writeJSON(w, map[string]any{"personas": names}, s.logger)
}

// handleUpsertUser provisions or updates a user's permission tier and
// token allowance.
func (s *Server) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PermissionLevel int   `json:"permission_level"`
		BudgetRemaining int64 `json:"budget_remaining"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u := budget.User{
		ID:              r.PathValue("id"),
		PermissionLevel: req.PermissionLevel,
		BudgetRemaining: req.BudgetRemaining,
	}
	if err := s.budget.UpsertUser(r.Context(), u); err != nil {
		s.logger.Error("user upsert failed", "user", u.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "user upsert failed")
		return
	}
	writeJSON(w, u, s.logger)
}

// handleUsage reports a user's remaining allowance plus usage totals
// over a trailing window of days (default 7).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")

	user, err := s.budget.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, budget.ErrUnknownUser) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "user lookup failed")
		return
	}

	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n > 0 {
			days = n
		}
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)
	sum, err := s.budget.SummaryForUser(r.Context(), userID, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	writeJSON(w, map[string]any{
		"user_id":          user.ID,
		"permission_level": user.PermissionLevel,
		"budget_remaining": user.BudgetRemaining,
		"window_days":      days,
		"records":          sum.TotalRecords,
		"input_tokens":     sum.TotalInputTokens,
		"output_tokens":    sum.TotalOutputTokens,
	}, s.logger)
}
