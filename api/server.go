// Package api provides the HTTP ingress for the broker: the health endpoint
// and the notification endpoints the application tier posts to. These
// endpoints assume network-level trust (loopback or private network); there
// is no per-request auth.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/loomflow/loom/protocol"
	"github.com/loomflow/loom/socket"
	"github.com/loomflow/loom/store"
)

// Server is the HTTP ingress server.
type Server struct {
	store        store.Store
	socket       *socket.Server
	logger       *slog.Logger
	mux          *chi.Mux
	maxBodyBytes int64
}

// NewServer creates the ingress server and mounts its routes.
func NewServer(st store.Store, sock *socket.Server, maxBodyBytes int64, logger *slog.Logger) *Server {
	srv := &Server{
		store:        st,
		socket:       sock,
		logger:       logger.With("component", "api"),
		maxBodyBytes: maxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/health", srv.handleHealth)
	mux.Get("/ws", sock.HandleWS)

	mux.Post("/api/workflow-deleted", srv.handleWorkflowDeleted)
	mux.Post("/api/workflow-updated", srv.handleWorkflowUpdated)
	mux.Post("/api/workflow-reverted", srv.handleWorkflowReverted)
	mux.Post("/api/copilot-workflow-edit", srv.handleCopilotEdit)
	mux.Post("/api/permission-changed", srv.handlePermissionChanged)
	mux.Post("/api/workspace-resource-changed", srv.handleResourceChanged)

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// decodeBody parses a JSON request body. A body that cannot be parsed is a
// handler fault toward the trusted application tier, reported as 500.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.logger.Warn("malformed ingress body", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (s *Server) writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": reason})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	workflowRooms, workspaceRooms := s.socket.Rooms().RoomCounts()
	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		s.logger.Warn("store ping failed", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":        status == "ok",
		"status":         status,
		"uptime":         s.socket.Uptime().Round(time.Second).String(),
		"connections":    s.socket.Rooms().TotalConnections(),
		"workflowRooms":  workflowRooms,
		"workspaceRooms": workspaceRooms,
	})
}

func (s *Server) handleWorkflowDeleted(w http.ResponseWriter, r *http.Request) {
	var req protocol.WorkflowDeletedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		s.writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	s.socket.NotifyWorkflowDeleted(req.WorkflowID)
	s.writeSuccess(w)
}

func (s *Server) handleWorkflowUpdated(w http.ResponseWriter, r *http.Request) {
	var req protocol.WorkflowUpdatedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		s.writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	s.socket.NotifyWorkflowUpdated(req.WorkflowID)
	s.writeSuccess(w)
}

func (s *Server) handleWorkflowReverted(w http.ResponseWriter, r *http.Request) {
	var req protocol.WorkflowRevertedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		s.writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	s.socket.NotifyWorkflowReverted(req.WorkflowID)
	s.writeSuccess(w)
}

func (s *Server) handleCopilotEdit(w http.ResponseWriter, r *http.Request) {
	var req protocol.CopilotEditRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.WorkflowID == "" {
		s.writeError(w, http.StatusBadRequest, "workflowId is required")
		return
	}
	s.socket.NotifyCopilotEdit(req.WorkflowID, req.Description)
	s.writeSuccess(w)
}

func (s *Server) handlePermissionChanged(w http.ResponseWriter, r *http.Request) {
	var req protocol.PermissionChangedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.WorkspaceID == "" {
		s.writeError(w, http.StatusBadRequest, "userId and workspaceId are required")
		return
	}
	if !req.IsRemoved && req.NewRole == "" {
		s.writeError(w, http.StatusBadRequest, "newRole is required unless isRemoved")
		return
	}
	if err := s.socket.ApplyPermissionChange(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSuccess(w)
}

func (s *Server) handleResourceChanged(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResourceChangedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" || req.ResourceType == "" || req.Operation == "" {
		s.writeError(w, http.StatusBadRequest, "workspaceId, resourceType, operation are required")
		return
	}
	if err := s.socket.FanoutResourceChange(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeSuccess(w)
}
