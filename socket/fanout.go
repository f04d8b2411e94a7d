package socket

import (
	"encoding/json"
	"fmt"

	"github.com/loomflow/loom/protocol"
)

// resourceEventName maps (resourceType, operation) to the outbound event
// name. The mapping is the contract: create and delete are never collapsed
// into update, except for env where deletions fan out under the updated name
// with the operation carried in the payload envelope.
func resourceEventName(resourceType, operation string) (string, error) {
	switch resourceType {
	case protocol.ResourceEnv:
		switch operation {
		case protocol.ResourceOpUpdate, protocol.ResourceOpDelete:
			return protocol.EventWorkspaceEnvUpdated, nil
		}
	case protocol.ResourceTools:
		switch operation {
		case protocol.ResourceOpCreate:
			return protocol.EventWorkspaceToolCreated, nil
		case protocol.ResourceOpUpdate:
			return protocol.EventWorkspaceToolUpdated, nil
		case protocol.ResourceOpDelete:
			return protocol.EventWorkspaceToolDeleted, nil
		}
	case protocol.ResourceFolders:
		switch operation {
		case protocol.ResourceOpCreate:
			return protocol.EventWorkspaceFolderCreated, nil
		case protocol.ResourceOpUpdate:
			return protocol.EventWorkspaceFolderUpdated, nil
		case protocol.ResourceOpDelete:
			return protocol.EventWorkspaceFolderDeleted, nil
		}
	case protocol.ResourceMCP:
		switch operation {
		case protocol.ResourceOpCreate:
			return protocol.EventWorkspaceMCPCreated, nil
		case protocol.ResourceOpUpdate:
			return protocol.EventWorkspaceMCPUpdated, nil
		case protocol.ResourceOpDelete:
			return protocol.EventWorkspaceMCPDeleted, nil
		}
	case protocol.ResourceWorkflows:
		switch operation {
		case protocol.ResourceOpCreate:
			return protocol.EventWorkspaceWorkflowCreated, nil
		case protocol.ResourceOpUpdate:
			return protocol.EventWorkspaceWorkflowUpdated, nil
		case protocol.ResourceOpDelete:
			return protocol.EventWorkspaceWorkflowDeleted, nil
		}
	default:
		return "", fmt.Errorf("unknown resource type %q", resourceType)
	}
	return "", fmt.Errorf("operation %q not allowed for resource type %q", operation, resourceType)
}

// FanoutResourceChange maps an application-tier resource change to its event
// name and emits it to the workspace room. A delivery to an empty room is a
// no-op. Duplicate tuples broadcast twice; consumers are idempotent.
func (s *Server) FanoutResourceChange(req protocol.ResourceChangedRequest) error {
	event, err := resourceEventName(req.ResourceType, req.Operation)
	if err != nil {
		return err
	}

	data := req.Data

	// Env payloads carry key names only; values never leave the server even
	// if the application tier over-shares.
	if req.ResourceType == protocol.ResourceEnv {
		var env protocol.EnvUpdateData
		if err := json.Unmarshal(req.Data, &env); err != nil {
			return fmt.Errorf("env data requires keys: %w", err)
		}
		data, _ = json.Marshal(protocol.EnvUpdateData{Keys: env.Keys})
	}

	conns := s.rooms.WorkspaceConns(req.WorkspaceID)
	payload := protocol.WorkspaceResourceEvent{
		WorkspaceID: req.WorkspaceID,
		Operation:   req.Operation,
		Data:        data,
	}
	s.broadcast(conns, "", event, payload)

	// A folder deletion cascades: one workspace-workflow-deleted per workflow
	// removed with the folder, so registries converge incrementally. Room
	// eviction for those workflows arrives separately via /api/workflow-deleted.
	if req.ResourceType == protocol.ResourceFolders && req.Operation == protocol.ResourceOpDelete {
		var folder protocol.FolderDeleteData
		if err := json.Unmarshal(req.Data, &folder); err == nil {
			for _, workflowID := range folder.CascadedWorkflowIDs {
				wfData, _ := json.Marshal(map[string]string{"id": workflowID})
				s.broadcast(conns, "", protocol.EventWorkspaceWorkflowDeleted, protocol.WorkspaceResourceEvent{
					WorkspaceID: req.WorkspaceID,
					Operation:   protocol.ResourceOpDelete,
					Data:        wfData,
				})
			}
		}
	}

	s.logger.Debug("resource change fanned out",
		"workspace_id", req.WorkspaceID, "event", event, "recipients", len(conns))
	return nil
}
