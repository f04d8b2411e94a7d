// Package store defines the durable workflow and permission storage interface
// for the broker and provides SQLite and PostgreSQL implementations.
//
// Every mutation runs inside a single transaction that also enforces the
// semantic invariants of the workflow graph (edge endpoints must exist,
// subblock values attach to existing blocks, and so on).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the referenced workflow, block, edge,
	// subflow, or variable does not exist. A missing permission row is not an
	// error: GetWorkspaceRole reports it as an empty role.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a transactional precondition fails, e.g.
	// an edge endpoint that is not a block of the same workflow.
	ErrConflict = errors.New("conflict")
)

// Store is the persistence interface for workflow state and permissions.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	WorkflowState(ctx context.Context, id string) (*WorkflowState, error)
	MarkWorkflowDeleted(ctx context.Context, id string) error
	TouchWorkflow(ctx context.Context, id string, lastSaved time.Time) error

	// Blocks
	AddBlock(ctx context.Context, b *Block) error
	RemoveBlock(ctx context.Context, workflowID, blockID string) error
	UpdateBlockPosition(ctx context.Context, workflowID, blockID string, x, y float64) error
	UpdateBlockName(ctx context.Context, workflowID, blockID, name string) error
	SetBlockEnabled(ctx context.Context, workflowID, blockID string, enabled bool) error
	UpdateBlockParent(ctx context.Context, workflowID, blockID, parentID string) error
	DuplicateBlock(ctx context.Context, workflowID, sourceID, newID string, x, y float64) (*Block, error)

	// Edges
	AddEdge(ctx context.Context, e *Edge) error
	RemoveEdge(ctx context.Context, workflowID, edgeID string) error

	// Subflows (loop / parallel containers)
	UpsertSubflow(ctx context.Context, sf *Subflow) error
	RemoveSubflow(ctx context.Context, workflowID, subflowID string) error

	// Subblock and variable values
	UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value json.RawMessage) error
	UpsertVariable(ctx context.Context, v *Variable) error
	UpdateVariableValue(ctx context.Context, workflowID, variableID string, value json.RawMessage) error

	// Permissions
	GetWorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error)
	SetWorkspaceRole(ctx context.Context, userID, workspaceID, role string) error
	RemoveWorkspacePermission(ctx context.Context, userID, workspaceID string) error

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Workflow is the durable metadata of one editable workflow graph.
type Workflow struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	FolderID    string     `json:"folderId,omitempty"`
	Name        string     `json:"name"`
	Deleted     bool       `json:"deleted"`
	IsDeployed  bool       `json:"isDeployed"`
	DeployedAt  *time.Time `json:"deployedAt,omitempty"`
	LastSaved   time.Time  `json:"lastSaved"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Block is one node of a workflow graph. SubBlocks and Data hold nested
// client-defined JSON; the broker mutates SubBlocks values without
// interpreting them.
type Block struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Type       string          `json:"type"`
	Name       string          `json:"name"`
	PositionX  float64         `json:"positionX"`
	PositionY  float64         `json:"positionY"`
	Enabled    bool            `json:"enabled"`
	ParentID   string          `json:"parentId,omitempty"`
	SubBlocks  json.RawMessage `json:"subBlocks,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Edge is one directed connection between two blocks of the same workflow.
type Edge struct {
	ID            string `json:"id"`
	WorkflowID    string `json:"workflowId"`
	SourceBlockID string `json:"sourceBlockId"`
	TargetBlockID string `json:"targetBlockId"`
	SourceHandle  string `json:"sourceHandle,omitempty"`
	TargetHandle  string `json:"targetHandle,omitempty"`
}

// Subflow is a loop or parallel container over a subset of blocks.
type Subflow struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Type       string          `json:"type"` // "loop" or "parallel"
	Config     json.RawMessage `json:"config"`
}

// Variable is a named workflow-scoped value.
type Variable struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Name       string          `json:"name"`
	Value      json.RawMessage `json:"value"`
}

// WorkflowState is the full authoritative state of one workflow for
// request-sync replies, read with one query per table (not inside a single
// transaction).
type WorkflowState struct {
	Workflow  Workflow
	Blocks    []Block
	Edges     []Edge
	Subflows  []Subflow
	Variables []Variable
}

// SubflowTypeLoop and SubflowTypeParallel are the two container kinds.
const (
	SubflowTypeLoop     = "loop"
	SubflowTypeParallel = "parallel"
)
