// Package socket is the broker's WebSocket surface: connection lifecycle,
// the inbound event dispatcher, the workflow operation pipeline, presence
// broadcasting, workspace resource fanout, and the eviction controller.
package socket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loomflow/loom/access"
	"github.com/loomflow/loom/auth"
	"github.com/loomflow/loom/protocol"
	"github.com/loomflow/loom/room"
	"github.com/loomflow/loom/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Server.
type Options struct {
	AllowedOrigins    []string
	MaxMessageBytes   int64 // max WebSocket message size from clients (default 64KB)
	MaxConnsPerUser   int   // default 10
	TombstoneLifetime time.Duration
}

// Server owns all client connections and binds inbound socket events to
// component operations.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	resolver     *access.Resolver
	rooms        *room.Registry
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	maxMessageSize  int64
	maxConnsPerUser int
	startTime       time.Time

	mu          sync.RWMutex
	conns       map[string]*conn // conn id -> conn
	connsByUser map[string]int

	tsMu   sync.Mutex
	lastTS int64 // last issued server timestamp (ms), strictly monotonic
}

// NewServer creates a socket server.
func NewServer(s store.Store, ap auth.Provider, logger *slog.Logger, opts Options) *Server {
	msgLimit := opts.MaxMessageBytes
	if msgLimit == 0 {
		msgLimit = 64 * 1024 // 64KB default
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}

	return &Server{
		store:           s,
		authProvider:    ap,
		resolver:        access.NewResolver(s),
		rooms:           room.NewRegistry(opts.TombstoneLifetime),
		logger:          logger.With("component", "socket"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageSize:  msgLimit,
		maxConnsPerUser: maxConns,
		startTime:       time.Now(),
		conns:           make(map[string]*conn),
		connsByUser:     make(map[string]int),
	}
}

// Rooms exposes the registry for health reporting.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration { return time.Since(s.startTime) }

// HandleWS upgrades an authenticated client connection and runs its read loop.
// Authentication failure closes the handshake before any room state is touched.
func (s *Server) HandleWS(w http.ResponseWriter, req *http.Request) {
	// The token is read from the query parameter first, since browsers cannot
	// set custom headers during the WebSocket handshake; non-browser clients
	// may send it as an Authorization: Bearer header instead.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := s.authProvider.VerifyToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	connID := uuid.New().String()
	c := &conn{
		id:        connID,
		identity:  *identity,
		createdAt: time.Now(),
		ws:        ws,
	}

	s.mu.Lock()
	if s.connsByUser[identity.UserID] >= s.maxConnsPerUser {
		s.mu.Unlock()
		s.logger.Warn("too many connections for user", "user_id", identity.UserID, "limit", s.maxConnsPerUser)
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	s.connsByUser[identity.UserID]++
	s.conns[connID] = c
	s.mu.Unlock()

	ws.SetReadLimit(s.maxMessageSize)

	cancelKeepalive := startWSKeepalive(ws, &c.mu)
	defer cancelKeepalive()

	s.logger.Info("client connected", "user_id", identity.UserID, "conn_id", connID)

	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.connsByUser[c.identity.UserID]--
		if s.connsByUser[c.identity.UserID] <= 0 {
			delete(s.connsByUser, c.identity.UserID)
		}
		s.mu.Unlock()

		// Leave all rooms and tell the remaining workflow room members.
		workflowID, snapshot, _ := s.rooms.Disconnect(connID)
		if workflowID != "" {
			s.broadcastPresenceSnapshot(workflowID, snapshot)
		}
		s.logger.Info("client disconnected", "user_id", identity.UserID, "conn_id", connID)
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debug("client read error", "conn_id", connID, "error", err)
			return
		}
		// Any message resets the read deadline.
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.logger.Warn("invalid message from client", "conn_id", connID, "error", err)
			continue
		}

		s.dispatch(c, env)
	}
}

// nextTimestamp issues a strictly monotonic server timestamp in milliseconds.
// Monotonicity across the process implies monotonicity within every room.
func (s *Server) nextTimestamp() int64 {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

// connByID looks up a live connection.
func (s *Server) connByID(id string) (*conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

// sendTo sends an event to one connection by id. A gone connection is a
// silent no-op: its committed effects stand, only the delivery is dropped.
func (s *Server) sendTo(connID, event string, payload any) {
	c, ok := s.connByID(connID)
	if !ok {
		return
	}
	if err := c.send(event, payload); err != nil {
		s.logger.Debug("send failed", "conn_id", connID, "event", event, "error", err)
	}
}

// broadcast sends an event to every listed connection except the excluded one.
func (s *Server) broadcast(connIDs []string, exclude, event string, payload any) {
	for _, id := range connIDs {
		if id == exclude {
			continue
		}
		s.sendTo(id, event, payload)
	}
}

// broadcastPresence emits the room's current full snapshot to all members.
func (s *Server) broadcastPresence(workflowID string) {
	s.broadcastPresenceSnapshot(workflowID, s.rooms.WorkflowPresences(workflowID))
}

// broadcastPresenceSnapshot emits a previously captured snapshot. Used when
// the snapshot was taken inside the membership mutation, so every observer
// sees the same roster.
func (s *Server) broadcastPresenceSnapshot(workflowID string, snapshot []room.Presence) {
	update := protocol.PresenceUpdate{
		WorkflowID: workflowID,
		Users:      room.WirePresences(snapshot),
	}
	for _, p := range snapshot {
		s.sendTo(p.ConnID, protocol.EventPresenceUpdate, update)
	}
}
