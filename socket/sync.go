package socket

import (
	"github.com/loomflow/loom/protocol"
	"github.com/loomflow/loom/store"
)

// wireWorkflowState converts a store snapshot to the workflow-state wire form.
// Loops and parallels are split out of the subflow rows so clients can
// rehydrate their stores without re-deriving container kinds.
func wireWorkflowState(state *store.WorkflowState) protocol.WorkflowState {
	out := protocol.WorkflowState{
		WorkflowID: state.Workflow.ID,
		Blocks:     make(map[string]protocol.BlockState, len(state.Blocks)),
		Edges:      make([]protocol.EdgeState, 0, len(state.Edges)),
		Loops:      make(map[string]protocol.SubflowState),
		Parallels:  make(map[string]protocol.SubflowState),
		IsDeployed: state.Workflow.IsDeployed,
		DeployedAt: state.Workflow.DeployedAt,
		LastSaved:  state.Workflow.LastSaved.UnixMilli(),
	}

	for _, b := range state.Blocks {
		out.Blocks[b.ID] = protocol.BlockState{
			ID:        b.ID,
			Type:      b.Type,
			Name:      b.Name,
			PositionX: b.PositionX,
			PositionY: b.PositionY,
			Enabled:   b.Enabled,
			ParentID:  b.ParentID,
			SubBlocks: b.SubBlocks,
			Data:      b.Data,
		}
	}
	for _, e := range state.Edges {
		out.Edges = append(out.Edges, protocol.EdgeState{
			ID:            e.ID,
			SourceBlockID: e.SourceBlockID,
			TargetBlockID: e.TargetBlockID,
			SourceHandle:  e.SourceHandle,
			TargetHandle:  e.TargetHandle,
		})
	}
	for _, sf := range state.Subflows {
		entry := protocol.SubflowState{ID: sf.ID, Config: sf.Config}
		switch sf.Type {
		case store.SubflowTypeParallel:
			out.Parallels[sf.ID] = entry
		default:
			out.Loops[sf.ID] = entry
		}
	}
	return out
}
