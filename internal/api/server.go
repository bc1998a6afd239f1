package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"chathub/pkg/types"
)

// HealthChecker reports storage health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PresenceSource is the read side of the connection registry.
type PresenceSource interface {
	OnlineUsers() []string
	ConnectionsFor(userID string) []string
	GetStats() map[string]int
}

// StatsSource is anything that reports counters for the health endpoint.
type StatsSource interface {
	GetStats() map[string]int
}

// Server serves the read-only status API.
type Server struct {
	db         HealthChecker
	presence   PresenceSource
	membership StatsSource
	started    time.Time
	router     *http.ServeMux
	handler    http.Handler
}

// NewServer creates the status API.
func NewServer(db HealthChecker, presence PresenceSource, membership StatsSource) *Server {
	s := &Server{
		db:         db,
		presence:   presence,
		membership: membership,
		started:    time.Now(),
		router:     http.NewServeMux(),
	}

	s.setupRoutes()
	s.handler = s.corsMiddleware(s.jsonMiddleware(s.router))
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.healthCheck)
	s.router.HandleFunc("GET /api/presence", s.listOnline)
	s.router.HandleFunc("GET /api/presence/{userID}", s.userPresence)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type OnlineUsersResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type UserPresenceResponse struct {
	UserID      string `json:"user_id"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Threads     map[string]int         `json:"threads"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/presence
func (s *Server) listOnline(w http.ResponseWriter, r *http.Request) {
	users := s.presence.OnlineUsers()
	s.sendJSON(w, http.StatusOK, OnlineUsersResponse{Users: users, Count: len(users)})
}

// GET /api/presence/{userID}
func (s *Server) userPresence(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	if !types.IsValidUserID(userID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}

	connections := s.presence.ConnectionsFor(userID)
	s.sendJSON(w, http.StatusOK, UserPresenceResponse{
		UserID:      userID,
		Online:      len(connections) > 0,
		Connections: len(connections),
	})
}

// GET /health returns 503 when the database is unreachable.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.db.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.presence.GetStats(),
		Threads:     s.membership.GetStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware allows browser clients on any origin to read the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
