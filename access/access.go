// Package access answers role questions for workspaces and workflows by
// consulting the persisted permission store. Resolution happens at join time
// only; the resolved role is cached on the connection's room membership.
package access

import (
	"context"
	"fmt"

	"github.com/loomflow/loom/store"
)

// Role is a workspace permission level. Roles are totally ordered:
// read < edit < admin.
type Role string

const (
	RoleRead  Role = "read"
	RoleEdit  Role = "edit"
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{
	RoleRead:  1,
	RoleEdit:  2,
	RoleAdmin: 3,
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := roleRank[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether the role is one of the three known levels.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants at least the level of other.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Decision is the result of an access resolution.
type Decision struct {
	HasAccess bool
	Role      Role
}

// Resolver resolves user access against the permission store.
type Resolver struct {
	store store.Store
}

// NewResolver creates a Resolver over the given store.
func NewResolver(s store.Store) *Resolver {
	return &Resolver{store: s}
}

// ResolveWorkspace answers whether the user has any role on the workspace.
func (r *Resolver) ResolveWorkspace(ctx context.Context, userID, workspaceID string) (Decision, error) {
	role, err := r.store.GetWorkspaceRole(ctx, userID, workspaceID)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve workspace access: %w", err)
	}
	if role == "" {
		return Decision{}, nil
	}
	parsed, err := ParseRole(role)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve workspace access: %w", err)
	}
	return Decision{HasAccess: true, Role: parsed}, nil
}

// ResolveWorkflow answers whether the user has any role on the workflow. The
// workflow inherits its workspace's permission row; a deleted workflow grants
// no access.
func (r *Resolver) ResolveWorkflow(ctx context.Context, userID, workflowID string) (Decision, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if err == store.ErrNotFound {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("resolve workflow access: %w", err)
	}
	if wf.Deleted {
		return Decision{}, nil
	}
	return r.ResolveWorkspace(ctx, userID, wf.WorkspaceID)
}
