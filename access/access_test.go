package access

import (
	"context"
	"testing"

	"github.com/loomflow/loom/store"
)

func setupResolver(t *testing.T) (*Resolver, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewResolver(s), s
}

func TestRoleOrdering(t *testing.T) {
	if !RoleAdmin.AtLeast(RoleEdit) || !RoleEdit.AtLeast(RoleRead) || !RoleRead.AtLeast(RoleRead) {
		t.Error("role ordering read < edit < admin broken")
	}
	if RoleRead.AtLeast(RoleEdit) {
		t.Error("read must not satisfy edit")
	}
	if RoleEdit.AtLeast(RoleAdmin) {
		t.Error("edit must not satisfy admin")
	}
}

func TestParseRole(t *testing.T) {
	for _, valid := range []string{"read", "edit", "admin"} {
		if _, err := ParseRole(valid); err != nil {
			t.Errorf("ParseRole(%q): %v", valid, err)
		}
	}
	if _, err := ParseRole("owner"); err == nil {
		t.Error("ParseRole(owner) should fail")
	}
	if _, err := ParseRole(""); err == nil {
		t.Error("ParseRole of empty string should fail")
	}
}

func TestResolveWorkspace(t *testing.T) {
	r, s := setupResolver(t)
	ctx := context.Background()

	d, err := r.ResolveWorkspace(ctx, "u1", "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.HasAccess {
		t.Error("expected no access before grant")
	}

	if err := s.SetWorkspaceRole(ctx, "u1", "ws-1", "edit"); err != nil {
		t.Fatal(err)
	}
	d, err = r.ResolveWorkspace(ctx, "u1", "ws-1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasAccess || d.Role != RoleEdit {
		t.Errorf("got %+v, want edit access", d)
	}
}

func TestResolveWorkflow(t *testing.T) {
	r, s := setupResolver(t)
	ctx := context.Background()

	if err := s.CreateWorkflow(ctx, &store.Workflow{ID: "wf-1", WorkspaceID: "ws-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetWorkspaceRole(ctx, "u1", "ws-1", "admin"); err != nil {
		t.Fatal(err)
	}

	d, err := r.ResolveWorkflow(ctx, "u1", "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasAccess || d.Role != RoleAdmin {
		t.Errorf("got %+v, want admin via workspace", d)
	}

	// Unknown workflow resolves to no access, not an error.
	d, err = r.ResolveWorkflow(ctx, "u1", "missing")
	if err != nil {
		t.Fatal(err)
	}
	if d.HasAccess {
		t.Error("expected no access for unknown workflow")
	}

	// Deleted workflow grants no access.
	if err := s.MarkWorkflowDeleted(ctx, "wf-1"); err != nil {
		t.Fatal(err)
	}
	d, err = r.ResolveWorkflow(ctx, "u1", "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.HasAccess {
		t.Error("expected no access for deleted workflow")
	}
}
