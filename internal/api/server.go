package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/callbridge/internal/call"
)

// CallService is the orchestration surface the API exposes.
// Implemented by call.Service.
type CallService interface {
	StartCall(ctx context.Context, phoneNumber string) (*call.Session, error)
	EndCall(ctx context.Context, id string) (*call.Session, error)
	ConnectAI(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, to call.Status) (*call.Session, error)
	GetActive(ctx context.Context) (*call.Session, error)
	Get(ctx context.Context, id string) (*call.Session, error)
	List(ctx context.Context, limit, offset int) ([]*call.Session, error)
}

// Server provides the HTTP control surface (headless, API only).
type Server struct {
	addr       string
	httpServer *http.Server
	calls      CallService
	startTime  time.Time
}

// NewServer builds the server and its routes. gatherer feeds /metrics;
// pass the registry the bridge metrics were registered on.
func NewServer(addr string, calls CallService, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		addr:      addr,
		calls:     calls,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/calls", s.handleListCalls)
	mux.HandleFunc("/api/calls/", s.handleCallRoutes)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

// handleListCalls serves GET /api/calls?limit=&offset=
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	sessions, err := s.calls.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

// handleCallRoutes dispatches everything under /api/calls/:
//
//	POST  /api/calls/start            {phone_number}
//	POST  /api/calls/hangup[?call_id]
//	GET   /api/calls/active
//	GET   /api/calls/{id}
//	PATCH /api/calls/{id}/status      {status}
//	POST  /api/calls/{id}/connect_ai
func (s *Server) handleCallRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/calls/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "start":
		s.handleStart(w, r)
	case len(parts) == 1 && parts[0] == "hangup":
		s.handleHangup(w, r)
	case len(parts) == 1 && parts[0] == "active":
		s.handleActive(w, r)
	case len(parts) == 1 && parts[0] != "":
		s.handleGetCall(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "status":
		s.handleStatus(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "connect_ai":
		s.handleConnectAI(w, r, parts[0])
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.PhoneNumber) == "" {
		http.Error(w, "phone_number required", http.StatusBadRequest)
		return
	}

	// The call outlives the request; its lifetime is managed by the
	// call service, not the HTTP client's connection.
	session, err := s.calls.StartCall(context.WithoutCancel(r.Context()), req.PhoneNumber)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := s.calls.EndCall(r.Context(), r.URL.Query().Get("call_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := s.calls.GetActive(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, err := s.calls.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPatch {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	status, err := call.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := s.calls.UpdateStatus(r.Context(), id, status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleConnectAI(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.calls.ConnectAI(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": "AI leg requested"})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, call.ErrCallActive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Warn("[API] Request failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
