package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomflow/loom/access"
	"github.com/loomflow/loom/protocol"
	"github.com/loomflow/loom/store"
)

// Operation payload shapes. Pointer fields distinguish "absent" from zero so
// structural validation can reject incomplete requests before touching the
// store.

type blockAddPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	X         *float64        `json:"x"`
	Y         *float64        `json:"y"`
	ParentID  string          `json:"parentId"`
	SubBlocks json.RawMessage `json:"subBlocks"`
	Data      json.RawMessage `json:"data"`
}

type blockRemovePayload struct {
	ID string `json:"id"`
}

type blockPositionPayload struct {
	ID     string   `json:"id"`
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Commit bool     `json:"commit"`
}

type blockNamePayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type blockEnabledPayload struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled"`
}

type blockParentPayload struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
}

type blockDuplicatePayload struct {
	SourceID string   `json:"sourceId"`
	ID       string   `json:"id"`
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
}

type edgeAddPayload struct {
	ID            string `json:"id"`
	SourceBlockID string `json:"sourceBlockId"`
	TargetBlockID string `json:"targetBlockId"`
	SourceHandle  string `json:"sourceHandle"`
	TargetHandle  string `json:"targetHandle"`
}

type edgeRemovePayload struct {
	ID string `json:"id"`
}

type subflowUpdatePayload struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

type subblockOpPayload struct {
	BlockID    string          `json:"blockId"`
	SubblockID string          `json:"subblockId"`
	Value      json.RawMessage `json:"value"`
}

type variableOpPayload struct {
	VariableID string          `json:"variableId"`
	Value      json.RawMessage `json:"value"`
}

// applyFunc performs the durable mutation of one validated operation.
type applyFunc func(ctx context.Context) error

var errValidation = errors.New("invalid operation payload")

// handleWorkflowOperation runs the full pipeline for a mutation request:
// authorize, validate, apply, confirm, bump.
func (s *Server) handleWorkflowOperation(c *conn, msg protocol.WorkflowOperation) {
	if msg.OperationID == "" {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{Error: "operationId is required"})
		return
	}

	workflowID, ok := s.authorizeOp(c, msg.OperationID)
	if !ok {
		return
	}

	apply, persist, err := s.buildApply(workflowID, msg)
	if err != nil {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: msg.OperationID,
			Error:       err.Error(),
		})
		return
	}

	release, err := s.rooms.BeginOp(workflowID)
	if err != nil {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: msg.OperationID,
			Error:       "workflow room is gone",
		})
		return
	}
	defer release()

	ts := s.nextTimestamp()

	if persist {
		if err := apply(context.Background()); err != nil {
			s.failOp(c, msg.OperationID, err)
			return
		}
		if err := s.store.TouchWorkflow(context.Background(), workflowID, time.UnixMilli(ts)); err != nil {
			s.logger.Warn("touch workflow failed", "workflow_id", workflowID, "error", err)
		}
	}

	s.rooms.SetLastModified(workflowID, time.UnixMilli(ts))

	// Confirm first, then fan out to the rest of the room; the broadcast
	// happens strictly after the durable commit.
	s.sendTo(c.id, protocol.EventOperationConfirmed, protocol.OperationConfirmed{
		OperationID:     msg.OperationID,
		ServerTimestamp: ts,
	})

	out := msg
	out.ServerTimestamp = ts
	out.SocketID = c.id
	out.UserID = c.identity.UserID
	s.broadcast(s.rooms.WorkflowConns(workflowID), c.id, protocol.EventWorkflowOp, out)
}

// authorizeOp checks room membership and the cached role. Mutations require
// at least edit; the role was resolved at join time and is re-read from the
// presence entry so a permission change applies from the next operation on.
func (s *Server) authorizeOp(c *conn, operationID string) (workflowID string, ok bool) {
	workflowID, inRoom := s.rooms.WorkflowForConn(c.id)
	if !inRoom {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: operationID,
			Error:       "not in a workflow room",
		})
		return "", false
	}

	p, exists := s.rooms.WorkflowPresence(c.id)
	if !exists {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: operationID,
			Error:       "no presence in workflow room",
		})
		return "", false
	}
	if !p.Role.AtLeast(access.RoleEdit) {
		s.sendTo(c.id, protocol.EventOperationForbidden, protocol.OperationForbidden{
			OperationID: operationID,
			Error:       "edit permission required",
		})
		return "", false
	}
	return workflowID, true
}

// buildApply validates the payload for its (target, operation) pair and
// returns the durable mutation to run. persist is false for the
// commit=false position path, which broadcasts without persisting.
func (s *Server) buildApply(workflowID string, msg protocol.WorkflowOperation) (apply applyFunc, persist bool, err error) {
	switch msg.Target {
	case protocol.TargetBlock:
		return s.buildBlockApply(workflowID, msg)
	case protocol.TargetEdge:
		return s.buildEdgeApply(workflowID, msg)
	case protocol.TargetSubflow:
		if msg.Operation != protocol.OpUpdate {
			return nil, false, fmt.Errorf("%w: unknown subflow operation %q", errValidation, msg.Operation)
		}
		var p subflowUpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			return nil, false, fmt.Errorf("%w: subflow update requires id", errValidation)
		}
		if p.Type != store.SubflowTypeLoop && p.Type != store.SubflowTypeParallel {
			return nil, false, fmt.Errorf("%w: subflow type must be loop or parallel", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.UpsertSubflow(ctx, &store.Subflow{
				ID: p.ID, WorkflowID: workflowID, Type: p.Type, Config: p.Config,
			})
		}, true, nil
	case protocol.TargetSubblock:
		if msg.Operation != protocol.OpUpdate {
			return nil, false, fmt.Errorf("%w: unknown subblock operation %q", errValidation, msg.Operation)
		}
		var p subblockOpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.BlockID == "" || p.SubblockID == "" {
			return nil, false, fmt.Errorf("%w: subblock update requires blockId and subblockId", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.UpdateSubblockValue(ctx, workflowID, p.BlockID, p.SubblockID, p.Value)
		}, true, nil
	case protocol.TargetVariable:
		if msg.Operation != protocol.OpUpdate {
			return nil, false, fmt.Errorf("%w: unknown variable operation %q", errValidation, msg.Operation)
		}
		var p variableOpPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.VariableID == "" {
			return nil, false, fmt.Errorf("%w: variable update requires variableId", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.UpdateVariableValue(ctx, workflowID, p.VariableID, p.Value)
		}, true, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown target %q", errValidation, msg.Target)
	}
}

func (s *Server) buildBlockApply(workflowID string, msg protocol.WorkflowOperation) (applyFunc, bool, error) {
	switch msg.Operation {
	case protocol.OpBlockAdd:
		var p blockAddPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" || p.Type == "" {
			return nil, false, fmt.Errorf("%w: block add requires id and type", errValidation)
		}
		if p.X == nil || p.Y == nil {
			return nil, false, fmt.Errorf("%w: block add requires numeric x and y", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.AddBlock(ctx, &store.Block{
				ID:         p.ID,
				WorkflowID: workflowID,
				Type:       p.Type,
				Name:       p.Name,
				PositionX:  *p.X,
				PositionY:  *p.Y,
				Enabled:    true,
				ParentID:   p.ParentID,
				SubBlocks:  p.SubBlocks,
				Data:       p.Data,
			})
		}, true, nil

	case protocol.OpBlockRemove:
		var p blockRemovePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			return nil, false, fmt.Errorf("%w: block remove requires id", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.RemoveBlock(ctx, workflowID, p.ID)
		}, true, nil

	case protocol.OpBlockUpdatePosition:
		var p blockPositionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			return nil, false, fmt.Errorf("%w: position update requires id", errValidation)
		}
		if p.X == nil || p.Y == nil {
			return nil, false, fmt.Errorf("%w: position update requires numeric x and y", errValidation)
		}
		apply := func(ctx context.Context) error {
			return s.store.UpdateBlockPosition(ctx, workflowID, p.ID, *p.X, *p.Y)
		}
		// Intermediate drags broadcast without persisting; only the final
		// commit=true update reaches the store.
		return apply, p.Commit, nil

	case protocol.OpBlockUpdateName:
		var p blockNamePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			return nil, false, fmt.Errorf("%w: name update requires id", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.UpdateBlockName(ctx, workflowID, p.ID, p.Name)
		}, true, nil

	case protocol.OpBlockToggleEnabled:
		var p blockEnabledPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" || p.Enabled == nil {
			return nil, false, fmt.Errorf("%w: toggle-enabled requires id and enabled", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.SetBlockEnabled(ctx, workflowID, p.ID, *p.Enabled)
		}, true, nil

	case protocol.OpBlockUpdateParent:
		var p blockParentPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			return nil, false, fmt.Errorf("%w: parent update requires id", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.UpdateBlockParent(ctx, workflowID, p.ID, p.ParentID)
		}, true, nil

	case protocol.OpBlockDuplicate:
		var p blockDuplicatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.SourceID == "" || p.ID == "" {
			return nil, false, fmt.Errorf("%w: duplicate requires sourceId and id", errValidation)
		}
		if p.X == nil || p.Y == nil {
			return nil, false, fmt.Errorf("%w: duplicate requires numeric x and y", errValidation)
		}
		return func(ctx context.Context) error {
			_, err := s.store.DuplicateBlock(ctx, workflowID, p.SourceID, p.ID, *p.X, *p.Y)
			return err
		}, true, nil

	default:
		return nil, false, fmt.Errorf("%w: unknown block operation %q", errValidation, msg.Operation)
	}
}

func (s *Server) buildEdgeApply(workflowID string, msg protocol.WorkflowOperation) (applyFunc, bool, error) {
	switch msg.Operation {
	case protocol.OpEdgeAdd:
		var p edgeAddPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" || p.SourceBlockID == "" || p.TargetBlockID == "" {
			return nil, false, fmt.Errorf("%w: edge add requires id, sourceBlockId, targetBlockId", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.AddEdge(ctx, &store.Edge{
				ID:            p.ID,
				WorkflowID:    workflowID,
				SourceBlockID: p.SourceBlockID,
				TargetBlockID: p.TargetBlockID,
				SourceHandle:  p.SourceHandle,
				TargetHandle:  p.TargetHandle,
			})
		}, true, nil

	case protocol.OpEdgeRemove:
		var p edgeRemovePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.ID == "" {
			return nil, false, fmt.Errorf("%w: edge remove requires id", errValidation)
		}
		return func(ctx context.Context) error {
			return s.store.RemoveEdge(ctx, workflowID, p.ID)
		}, true, nil

	default:
		return nil, false, fmt.Errorf("%w: unknown edge operation %q", errValidation, msg.Operation)
	}
}

// failOp maps a durable-commit failure to the originator-only failure event.
func (s *Server) failOp(c *conn, operationID string, err error) {
	reason := "internal error"
	switch {
	case errors.Is(err, store.ErrConflict):
		reason = err.Error()
	case errors.Is(err, store.ErrNotFound):
		reason = err.Error()
	default:
		s.logger.Error("operation apply failed", "operation_id", operationID, "error", err)
	}
	s.sendTo(c.id, protocol.EventOperationFailed, protocol.OperationFailed{
		OperationID: operationID,
		Error:       reason,
	})
}

// handleSubblockUpdate is the dedicated narrow path for subblock value edits.
// It shares the pipeline's authorize/serialize/commit/broadcast structure but
// fans out under its own event name.
func (s *Server) handleSubblockUpdate(c *conn, msg protocol.SubblockUpdate) {
	if msg.OperationID == "" || msg.BlockID == "" || msg.SubblockID == "" {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: msg.OperationID,
			Error:       "subblock update requires operationId, blockId, subblockId",
		})
		return
	}

	workflowID, ok := s.authorizeOp(c, msg.OperationID)
	if !ok {
		return
	}

	release, err := s.rooms.BeginOp(workflowID)
	if err != nil {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: msg.OperationID, Error: "workflow room is gone",
		})
		return
	}
	defer release()

	ts := s.nextTimestamp()

	if err := s.store.UpdateSubblockValue(context.Background(), workflowID, msg.BlockID, msg.SubblockID, msg.Value); err != nil {
		s.failOp(c, msg.OperationID, err)
		return
	}
	if err := s.store.TouchWorkflow(context.Background(), workflowID, time.UnixMilli(ts)); err != nil {
		s.logger.Warn("touch workflow failed", "workflow_id", workflowID, "error", err)
	}
	s.rooms.SetLastModified(workflowID, time.UnixMilli(ts))

	s.sendTo(c.id, protocol.EventOperationConfirmed, protocol.OperationConfirmed{
		OperationID:     msg.OperationID,
		ServerTimestamp: ts,
	})

	out := msg
	out.ServerTimestamp = ts
	out.SocketID = c.id
	s.broadcast(s.rooms.WorkflowConns(workflowID), c.id, protocol.EventSubblockUpdate, out)
}

// handleVariableUpdate is the dedicated narrow path for variable value edits.
func (s *Server) handleVariableUpdate(c *conn, msg protocol.VariableUpdate) {
	if msg.OperationID == "" || msg.VariableID == "" {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: msg.OperationID,
			Error:       "variable update requires operationId and variableId",
		})
		return
	}

	workflowID, ok := s.authorizeOp(c, msg.OperationID)
	if !ok {
		return
	}

	release, err := s.rooms.BeginOp(workflowID)
	if err != nil {
		s.sendTo(c.id, protocol.EventOperationError, protocol.OperationError{
			OperationID: msg.OperationID, Error: "workflow room is gone",
		})
		return
	}
	defer release()

	ts := s.nextTimestamp()

	if err := s.store.UpdateVariableValue(context.Background(), workflowID, msg.VariableID, msg.Value); err != nil {
		s.failOp(c, msg.OperationID, err)
		return
	}
	if err := s.store.TouchWorkflow(context.Background(), workflowID, time.UnixMilli(ts)); err != nil {
		s.logger.Warn("touch workflow failed", "workflow_id", workflowID, "error", err)
	}
	s.rooms.SetLastModified(workflowID, time.UnixMilli(ts))

	s.sendTo(c.id, protocol.EventOperationConfirmed, protocol.OperationConfirmed{
		OperationID:     msg.OperationID,
		ServerTimestamp: ts,
	})

	out := msg
	out.ServerTimestamp = ts
	out.SocketID = c.id
	s.broadcast(s.rooms.WorkflowConns(workflowID), c.id, protocol.EventVariableUpdate, out)
}
