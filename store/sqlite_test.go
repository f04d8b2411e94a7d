package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedWorkflow(t *testing.T, s *SQLiteStore, id, workspaceID string) {
	t.Helper()
	err := s.CreateWorkflow(context.Background(), &Workflow{
		ID:          id,
		WorkspaceID: workspaceID,
		Name:        "test workflow",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedBlock(t *testing.T, s *SQLiteStore, workflowID, blockID string) {
	t.Helper()
	err := s.AddBlock(context.Background(), &Block{
		ID:         blockID,
		WorkflowID: workflowID,
		Type:       "agent",
		Name:       blockID,
		Enabled:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")

	wf, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.WorkspaceID != "ws-1" {
		t.Errorf("WorkspaceID: got %q, want ws-1", wf.WorkspaceID)
	}
	if wf.Deleted {
		t.Error("new workflow should not be deleted")
	}

	if _, err := s.GetWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing workflow: got %v, want ErrNotFound", err)
	}
}

func TestAddEdge_EndpointValidation(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	seedBlock(t, s, "wf-1", "b1")
	seedBlock(t, s, "wf-1", "b2")

	err := s.AddEdge(ctx, &Edge{ID: "e1", WorkflowID: "wf-1", SourceBlockID: "b1", TargetBlockID: "b2"})
	if err != nil {
		t.Fatalf("AddEdge valid: %v", err)
	}

	// Edge to a block that does not exist must fail the transaction.
	err = s.AddEdge(ctx, &Edge{ID: "e2", WorkflowID: "wf-1", SourceBlockID: "b1", TargetBlockID: "ghost"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("missing endpoint: got %v, want ErrConflict", err)
	}

	// Duplicate edge id must conflict.
	err = s.AddEdge(ctx, &Edge{ID: "e1", WorkflowID: "wf-1", SourceBlockID: "b2", TargetBlockID: "b1"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate edge: got %v, want ErrConflict", err)
	}
}

func TestRemoveBlock_Cascades(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	seedBlock(t, s, "wf-1", "b1")
	seedBlock(t, s, "wf-1", "b2")
	seedBlock(t, s, "wf-1", "b3")

	if err := s.AddEdge(ctx, &Edge{ID: "e1", WorkflowID: "wf-1", SourceBlockID: "b1", TargetBlockID: "b2"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddEdge(ctx, &Edge{ID: "e2", WorkflowID: "wf-1", SourceBlockID: "b2", TargetBlockID: "b3"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateBlockParent(ctx, "wf-1", "b3", "b2"); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveBlock(ctx, "wf-1", "b2"); err != nil {
		t.Fatalf("RemoveBlock: %v", err)
	}

	state, err := s.WorkflowState(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Blocks) != 2 {
		t.Errorf("blocks after remove: got %d, want 2", len(state.Blocks))
	}
	if len(state.Edges) != 0 {
		t.Errorf("edges after remove: got %d, want 0 (both touched b2)", len(state.Edges))
	}
	for _, b := range state.Blocks {
		if b.ParentID == "b2" {
			t.Errorf("block %s still parented to removed block", b.ID)
		}
	}
}

func TestRemoveBlock_NotFound(t *testing.T) {
	s := setupStore(t)
	seedWorkflow(t, s, "wf-1", "ws-1")

	if err := s.RemoveBlock(context.Background(), "wf-1", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestUpdateSubblockValue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	if err := s.AddBlock(ctx, &Block{
		ID:         "b1",
		WorkflowID: "wf-1",
		Type:       "agent",
		Enabled:    true,
		SubBlocks:  json.RawMessage(`{"prompt":{"id":"prompt","value":"old"}}`),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSubblockValue(ctx, "wf-1", "b1", "prompt", json.RawMessage(`"new"`)); err != nil {
		t.Fatalf("UpdateSubblockValue existing: %v", err)
	}
	// A subblock the client has not written before is created on first update.
	if err := s.UpdateSubblockValue(ctx, "wf-1", "b1", "model", json.RawMessage(`"gpt"`)); err != nil {
		t.Fatalf("UpdateSubblockValue new: %v", err)
	}

	state, err := s.WorkflowState(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	var subBlocks map[string]struct {
		ID    string          `json:"id"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(state.Blocks[0].SubBlocks, &subBlocks); err != nil {
		t.Fatal(err)
	}
	if string(subBlocks["prompt"].Value) != `"new"` {
		t.Errorf("prompt value: got %s, want \"new\"", subBlocks["prompt"].Value)
	}
	if string(subBlocks["model"].Value) != `"gpt"` {
		t.Errorf("model value: got %s, want \"gpt\"", subBlocks["model"].Value)
	}

	if err := s.UpdateSubblockValue(ctx, "wf-1", "ghost", "x", json.RawMessage(`1`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing block: got %v, want ErrNotFound", err)
	}
}

func TestVariables(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	if err := s.UpsertVariable(ctx, &Variable{
		ID: "v1", WorkflowID: "wf-1", Name: "count", Value: json.RawMessage(`1`),
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateVariableValue(ctx, "wf-1", "v1", json.RawMessage(`2`)); err != nil {
		t.Fatalf("UpdateVariableValue: %v", err)
	}
	if err := s.UpdateVariableValue(ctx, "wf-1", "ghost", json.RawMessage(`2`)); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing variable: got %v, want ErrNotFound", err)
	}

	state, err := s.WorkflowState(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Variables) != 1 || string(state.Variables[0].Value) != "2" {
		t.Errorf("variables: got %+v", state.Variables)
	}
}

func TestDuplicateBlock(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	if err := s.AddBlock(ctx, &Block{
		ID: "b1", WorkflowID: "wf-1", Type: "agent", Name: "origin",
		Enabled: true, SubBlocks: json.RawMessage(`{"k":{"id":"k","value":1}}`),
	}); err != nil {
		t.Fatal(err)
	}

	dup, err := s.DuplicateBlock(ctx, "wf-1", "b1", "b1-copy", 100, 200)
	if err != nil {
		t.Fatalf("DuplicateBlock: %v", err)
	}
	if dup.ID != "b1-copy" || dup.Name != "origin" || dup.Type != "agent" {
		t.Errorf("copy: got %+v", dup)
	}
	if dup.PositionX != 100 || dup.PositionY != 200 {
		t.Errorf("copy position: got (%v, %v)", dup.PositionX, dup.PositionY)
	}

	if _, err := s.DuplicateBlock(ctx, "wf-1", "ghost", "x", 0, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing source: got %v, want ErrNotFound", err)
	}
}

func TestSubflows(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	if err := s.UpsertSubflow(ctx, &Subflow{
		ID: "loop-1", WorkflowID: "wf-1", Type: SubflowTypeLoop, Config: json.RawMessage(`{"iterations":3}`),
	}); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces config in place.
	if err := s.UpsertSubflow(ctx, &Subflow{
		ID: "loop-1", WorkflowID: "wf-1", Type: SubflowTypeLoop, Config: json.RawMessage(`{"iterations":5}`),
	}); err != nil {
		t.Fatal(err)
	}

	state, err := s.WorkflowState(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Subflows) != 1 {
		t.Fatalf("subflows: got %d, want 1", len(state.Subflows))
	}
	if string(state.Subflows[0].Config) != `{"iterations":5}` {
		t.Errorf("subflow config: got %s", state.Subflows[0].Config)
	}

	if err := s.RemoveSubflow(ctx, "wf-1", "loop-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveSubflow(ctx, "wf-1", "loop-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double remove: got %v, want ErrNotFound", err)
	}
}

func TestMarkWorkflowDeleted(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	if err := s.MarkWorkflowDeleted(ctx, "wf-1"); err != nil {
		t.Fatal(err)
	}

	// Deleted workflows have no readable state and reject mutations.
	if _, err := s.WorkflowState(ctx, "wf-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("state of deleted workflow: got %v, want ErrNotFound", err)
	}
	err := s.AddBlock(ctx, &Block{ID: "b1", WorkflowID: "wf-1", Type: "agent"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("mutation of deleted workflow: got %v, want ErrNotFound", err)
	}
	if err := s.TouchWorkflow(ctx, "wf-1", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("touch of deleted workflow: got %v, want ErrNotFound", err)
	}
}

func TestPermissions(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	role, err := s.GetWorkspaceRole(ctx, "u1", "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if role != "" {
		t.Errorf("role before grant: got %q, want empty", role)
	}

	if err := s.SetWorkspaceRole(ctx, "u1", "ws-1", "edit"); err != nil {
		t.Fatal(err)
	}
	role, err = s.GetWorkspaceRole(ctx, "u1", "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if role != "edit" {
		t.Errorf("role after grant: got %q, want edit", role)
	}

	// Upgrade in place.
	if err := s.SetWorkspaceRole(ctx, "u1", "ws-1", "admin"); err != nil {
		t.Fatal(err)
	}
	role, _ = s.GetWorkspaceRole(ctx, "u1", "ws-1")
	if role != "admin" {
		t.Errorf("role after upgrade: got %q, want admin", role)
	}

	if err := s.RemoveWorkspacePermission(ctx, "u1", "ws-1"); err != nil {
		t.Fatal(err)
	}
	role, _ = s.GetWorkspaceRole(ctx, "u1", "ws-1")
	if role != "" {
		t.Errorf("role after removal: got %q, want empty", role)
	}
}

func TestTouchWorkflow(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	seedWorkflow(t, s, "wf-1", "ws-1")
	saved := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchWorkflow(ctx, "wf-1", saved); err != nil {
		t.Fatal(err)
	}

	wf, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if !wf.LastSaved.Equal(saved) {
		t.Errorf("LastSaved: got %v, want %v", wf.LastSaved, saved)
	}
}
