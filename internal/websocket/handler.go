package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chathub/internal/gateway"
	"chathub/pkg/types"
)

// HandlerConfig holds heartbeat and framing limits.
type HandlerConfig struct {
	Connection      ConnectionConfig
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
}

// DefaultHandlerConfig returns the stock handler settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		Connection:      DefaultConnectionConfig(),
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		MaxMessageBytes: 16 * 1024,
	}
}

var upgrader = websocket.Upgrader{
	// Origin policy is left to the deployment's proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades authenticated HTTP requests and pumps client frames into
// the gateway.
type Handler struct {
	gateway *gateway.Gateway
	cfg     HandlerConfig
}

// NewHandler creates a websocket handler.
func NewHandler(gw *gateway.Gateway, cfg HandlerConfig) *Handler {
	def := DefaultHandlerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = def.PongWait
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	return &Handler{gateway: gw, cfg: cfg}
}

// HandleWebSocket authenticates the request, upgrades it and serves the
// connection until it closes.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, ErrMissingToken.Error(), http.StatusUnauthorized)
		return
	}

	userID, err := h.gateway.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, types.ErrUnauthenticated) {
			http.Error(w, "Unauthenticated", http.StatusUnauthorized)
			return
		}
		log.Printf("Authentication failed: %v", err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn, h.cfg.Connection)
	session, err := h.gateway.Connect(context.Background(), userID, wsConn)
	if err != nil {
		log.Printf("Failed to register connection for %s: %v", userID, err)
		_ = wsConn.Close()
		return
	}

	go h.handleConnection(session, wsConn)
}

// extractToken reads the access token from the query string or a bearer
// Authorization header.
func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// handleConnection runs the read pump and heartbeat of one connection.
func (h *Handler) handleConnection(session *gateway.Session, conn *Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.gateway.Disconnect(session)
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket error for %s: %v", session.UserID, err)
			}
			return
		}

		if messageType == websocket.TextMessage {
			h.gateway.HandleFrame(ctx, session, data)
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(conn.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}
