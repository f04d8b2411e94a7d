package socket

import (
	"fmt"

	"github.com/loomflow/loom/access"
	"github.com/loomflow/loom/protocol"
)

// NotifyWorkflowDeleted broadcasts the deletion to the workflow's room,
// removes every connection from it, and tombstones the room so re-joins that
// race the deletion are denied. Sockets stay open; clients navigate away.
func (s *Server) NotifyWorkflowDeleted(workflowID string) {
	notice := protocol.WorkflowNotice{WorkflowID: workflowID}
	s.broadcast(s.rooms.WorkflowConns(workflowID), "", protocol.EventWorkflowDeleted, notice)

	evicted := s.rooms.Tombstone(workflowID)
	if len(evicted) > 0 {
		s.logger.Info("workflow room tombstoned", "workflow_id", workflowID, "evicted", len(evicted))
	}
}

// NotifyWorkflowUpdated broadcasts an out-of-band durable update; clients
// rehydrate via request-sync.
func (s *Server) NotifyWorkflowUpdated(workflowID string) {
	notice := protocol.WorkflowNotice{WorkflowID: workflowID}
	s.broadcast(s.rooms.WorkflowConns(workflowID), "", protocol.EventWorkflowUpdated, notice)
}

// NotifyWorkflowReverted broadcasts a revert; clients treat it as a forced
// re-sync.
func (s *Server) NotifyWorkflowReverted(workflowID string) {
	notice := protocol.WorkflowNotice{WorkflowID: workflowID}
	s.broadcast(s.rooms.WorkflowConns(workflowID), "", protocol.EventWorkflowReverted, notice)
}

// NotifyCopilotEdit signals that an automated editor rewrote the durable
// record; each client pulls fresh state through the workflow-state path.
func (s *Server) NotifyCopilotEdit(workflowID, description string) {
	s.broadcast(s.rooms.WorkflowConns(workflowID), "", protocol.EventCopilotWorkflowEdit, protocol.CopilotWorkflowEdit{
		WorkflowID:  workflowID,
		Description: description,
	})
}

// ApplyPermissionChange handles a permission downgrade, upgrade, or removal
// delivered by the application tier.
//
// Removal force-leaves every room of the user within the workspace and tells
// each affected connection; the sockets are not closed. A role change
// rewrites the cached role on memberships and presences, notifies the
// affected connections, and re-broadcasts presence so the room sees the new
// role. An operation already past its permission check completes; the next
// one observes the new role.
func (s *Server) ApplyPermissionChange(req protocol.PermissionChangedRequest) error {
	if req.IsRemoved {
		evictions := s.rooms.ConnsForUser(req.UserID, req.WorkspaceID)

		affectedRooms := make(map[string]struct{})
		for _, ev := range evictions {
			s.sendTo(ev.ConnID, protocol.EventPermissionRevoked, protocol.PermissionRevoked{
				WorkspaceID: req.WorkspaceID,
			})
			if workflowID, _, ok := s.rooms.LeaveWorkflow(ev.ConnID); ok {
				affectedRooms[workflowID] = struct{}{}
			}
			s.rooms.LeaveWorkspace(ev.ConnID)
		}
		for workflowID := range affectedRooms {
			s.broadcastPresence(workflowID)
		}

		s.logger.Info("permission revoked",
			"user_id", req.UserID, "workspace_id", req.WorkspaceID, "connections", len(evictions))
		return nil
	}

	newRole, err := access.ParseRole(req.NewRole)
	if err != nil {
		return fmt.Errorf("permission change: %w", err)
	}

	// Capture old roles before the rewrite so each connection learns what
	// changed for it.
	evictions := s.rooms.ConnsForUser(req.UserID, req.WorkspaceID)
	oldRoles := make(map[string]access.Role, len(evictions))
	for _, ev := range evictions {
		if ev.WorkflowID != "" {
			if p, ok := s.rooms.WorkflowPresence(ev.ConnID); ok {
				oldRoles[ev.ConnID] = p.Role
				continue
			}
		}
		if m, ok := s.rooms.WorkspaceForConn(ev.ConnID); ok {
			oldRoles[ev.ConnID] = m.Role
		}
	}

	changedRooms := s.rooms.UpdateUserRole(req.UserID, req.WorkspaceID, newRole)

	for _, ev := range evictions {
		s.sendTo(ev.ConnID, protocol.EventPermissionChanged, protocol.PermissionChanged{
			WorkspaceID: req.WorkspaceID,
			OldRole:     string(oldRoles[ev.ConnID]),
			NewRole:     string(newRole),
		})
	}
	for _, workflowID := range changedRooms {
		s.broadcastPresence(workflowID)
	}

	s.logger.Info("permission changed",
		"user_id", req.UserID, "workspace_id", req.WorkspaceID, "new_role", string(newRole))
	return nil
}
