package socket

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/loomflow/loom/protocol"
	"github.com/loomflow/loom/room"
	"github.com/loomflow/loom/store"
)

// dispatch binds one inbound envelope to its component operation. Handlers
// run synchronously on the connection's reader goroutine; per-room ordering
// comes from the registry's operation mutex.
func (s *Server) dispatch(c *conn, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinWorkspace:
		var msg protocol.JoinWorkspace
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.WorkspaceID == "" {
			s.sendTo(c.id, protocol.EventJoinWorkspaceError, protocol.JoinError{Error: "workspaceId is required"})
			return
		}
		s.handleJoinWorkspace(c, msg)

	case protocol.EventLeaveWorkspace:
		s.handleLeaveWorkspace(c)

	case protocol.EventJoinWorkflow:
		var msg protocol.JoinWorkflow
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.WorkflowID == "" {
			s.sendTo(c.id, protocol.EventJoinWorkflowError, protocol.JoinError{Error: "workflowId is required"})
			return
		}
		s.handleJoinWorkflow(c, msg)

	case protocol.EventLeaveWorkflow:
		s.handleLeaveWorkflow(c)

	case protocol.EventWorkflowOp:
		var msg protocol.WorkflowOperation
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{Error: "malformed operation"})
			return
		}
		s.handleWorkflowOperation(c, msg)

	case protocol.EventSubblockUpdate:
		var msg protocol.SubblockUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{Error: "malformed subblock update"})
			return
		}
		s.handleSubblockUpdate(c, msg)

	case protocol.EventVariableUpdate:
		var msg protocol.VariableUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{Error: "malformed variable update"})
			return
		}
		s.handleVariableUpdate(c, msg)

	case protocol.EventCursorUpdate:
		var msg protocol.CursorUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.Cursor == nil {
			return // cursor deltas are fire-and-forget; drop malformed ones
		}
		s.handleCursorUpdate(c, msg)

	case protocol.EventSelectionUpdate:
		var msg protocol.SelectionUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.Selection == nil {
			return
		}
		s.handleSelectionUpdate(c, msg)

	case protocol.EventRequestSync:
		var msg protocol.RequestSync
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.WorkflowID == "" {
			s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{Error: "workflowId is required"})
			return
		}
		s.handleRequestSync(c, msg)

	default:
		s.logger.Warn("unknown client event", "event", env.Event, "conn_id", c.id)
	}
}

func (s *Server) handleJoinWorkspace(c *conn, msg protocol.JoinWorkspace) {
	decision, err := s.resolver.ResolveWorkspace(context.Background(), c.identity.UserID, msg.WorkspaceID)
	if err != nil {
		s.logger.Warn("workspace access resolution failed", "workspace_id", msg.WorkspaceID, "error", err)
		s.sendTo(c.id, protocol.EventJoinWorkspaceError, protocol.JoinError{
			WorkspaceID: msg.WorkspaceID, Error: "access resolution failed",
		})
		return
	}
	if !decision.HasAccess {
		s.sendTo(c.id, protocol.EventJoinWorkspaceError, protocol.JoinError{
			WorkspaceID: msg.WorkspaceID, Error: "access denied",
		})
		return
	}

	s.rooms.JoinWorkspace(room.Conn{
		ID:        c.id,
		UserID:    c.identity.UserID,
		UserName:  c.identity.Name,
		AvatarURL: c.identity.AvatarURL,
	}, msg.WorkspaceID, decision.Role)

	s.sendTo(c.id, protocol.EventJoinedWorkspace, protocol.JoinedWorkspace{
		WorkspaceID: msg.WorkspaceID,
		Role:        string(decision.Role),
	})
}

func (s *Server) handleLeaveWorkspace(c *conn) {
	workspaceID, ok := s.rooms.LeaveWorkspace(c.id)
	if !ok {
		return
	}
	s.sendTo(c.id, protocol.EventLeftWorkspace, protocol.LeftWorkspace{WorkspaceID: workspaceID})
}

func (s *Server) handleJoinWorkflow(c *conn, msg protocol.JoinWorkflow) {
	ctx := context.Background()

	wf, err := s.store.GetWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		reason := "access resolution failed"
		if errors.Is(err, store.ErrNotFound) {
			reason = "workflow not found"
		} else {
			s.logger.Warn("workflow lookup failed", "workflow_id", msg.WorkflowID, "error", err)
		}
		s.sendTo(c.id, protocol.EventJoinWorkflowError, protocol.JoinError{
			WorkflowID: msg.WorkflowID, Error: reason,
		})
		return
	}

	decision, err := s.resolver.ResolveWorkflow(ctx, c.identity.UserID, msg.WorkflowID)
	if err != nil {
		s.logger.Warn("workflow access resolution failed", "workflow_id", msg.WorkflowID, "error", err)
		s.sendTo(c.id, protocol.EventJoinWorkflowError, protocol.JoinError{
			WorkflowID: msg.WorkflowID, Error: "access resolution failed",
		})
		return
	}
	if !decision.HasAccess {
		s.sendTo(c.id, protocol.EventJoinWorkflowError, protocol.JoinError{
			WorkflowID: msg.WorkflowID, Error: "access denied",
		})
		return
	}

	left, snapshot, err := s.rooms.JoinWorkflow(room.Conn{
		ID:        c.id,
		UserID:    c.identity.UserID,
		UserName:  c.identity.Name,
		AvatarURL: c.identity.AvatarURL,
	}, msg.WorkflowID, wf.WorkspaceID, decision.Role)
	if err != nil {
		s.sendTo(c.id, protocol.EventJoinWorkflowError, protocol.JoinError{
			WorkflowID: msg.WorkflowID, Error: "workflow deleted",
		})
		return
	}

	// One presence update per affected room: the room that was implicitly
	// left and the room that was joined.
	if left != "" && left != msg.WorkflowID {
		s.broadcastPresence(left)
	}
	s.sendTo(c.id, protocol.EventJoinedWorkflow, protocol.JoinedWorkflow{
		WorkflowID: msg.WorkflowID,
		Role:       string(decision.Role),
		Users:      room.WirePresences(snapshot),
	})
	s.broadcastPresenceSnapshot(msg.WorkflowID, snapshot)
}

func (s *Server) handleLeaveWorkflow(c *conn) {
	workflowID, snapshot, ok := s.rooms.LeaveWorkflow(c.id)
	if !ok {
		return
	}
	s.broadcastPresenceSnapshot(workflowID, snapshot)
}

func (s *Server) handleCursorUpdate(c *conn, msg protocol.CursorUpdate) {
	workflowID, p, ok := s.rooms.UpdateCursor(c.id, msg.Cursor)
	if !ok {
		return
	}
	delta := protocol.CursorUpdate{
		SocketID: c.id,
		UserID:   p.UserID,
		Cursor:   p.Cursor,
	}
	s.broadcast(s.rooms.WorkflowConns(workflowID), c.id, protocol.EventCursorUpdate, delta)
}

func (s *Server) handleSelectionUpdate(c *conn, msg protocol.SelectionUpdate) {
	workflowID, p, ok := s.rooms.UpdateSelection(c.id, msg.Selection)
	if !ok {
		return
	}
	delta := protocol.SelectionUpdate{
		SocketID:  c.id,
		UserID:    p.UserID,
		Selection: p.Selection,
	}
	s.broadcast(s.rooms.WorkflowConns(workflowID), c.id, protocol.EventSelectionUpdate, delta)
}

func (s *Server) handleRequestSync(c *conn, msg protocol.RequestSync) {
	// Sync is scoped to the requester's current room; a client re-syncs
	// after joining, never across rooms.
	if current, ok := s.rooms.WorkflowForConn(c.id); !ok || current != msg.WorkflowID {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			Error: "not joined to workflow " + msg.WorkflowID,
		})
		return
	}

	state, err := s.store.WorkflowState(context.Background(), msg.WorkflowID)
	if err != nil {
		s.logger.Warn("workflow state read failed", "workflow_id", msg.WorkflowID, "error", err)
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			Error: "workflow state unavailable",
		})
		return
	}

	s.sendTo(c.id, protocol.EventWorkflowState, wireWorkflowState(state))
}
