package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			folder_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			is_deployed INTEGER NOT NULL DEFAULT 0,
			deployed_at DATETIME,
			last_saved DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_workspace_id ON workflows(workspace_id)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			type TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			position_x REAL NOT NULL DEFAULT 0,
			position_y REAL NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			parent_id TEXT NOT NULL DEFAULT '',
			sub_blocks TEXT NOT NULL DEFAULT '{}',
			data TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			source_block_id TEXT NOT NULL,
			target_block_id TEXT NOT NULL,
			source_handle TEXT NOT NULL DEFAULT '',
			target_handle TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(workflow_id, source_block_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(workflow_id, target_block_id)`,
		`CREATE TABLE IF NOT EXISTS subflows (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			config TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS variables (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			value TEXT NOT NULL DEFAULT 'null',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS permissions (
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			role TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, workspace_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_permissions_workspace ON permissions(workspace_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// workflowExists checks for a live (non-deleted) workflow inside a transaction.
func workflowExists(tx *sql.Tx, workflowID string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM workflows WHERE id = ? AND deleted = 0`, workflowID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// blockExists checks that a block belongs to the workflow inside a transaction.
func blockExists(tx *sql.Tx, workflowID, blockID string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM blocks WHERE workflow_id = ? AND id = ?`, workflowID, blockID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.LastSaved.IsZero() {
		wf.LastSaved = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, workspace_id, folder_id, name, deleted, is_deployed, deployed_at, last_saved, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET deleted = 0, name = excluded.name, folder_id = excluded.folder_id`,
		wf.ID, wf.WorkspaceID, wf.FolderID, wf.Name, boolToInt(wf.IsDeployed), wf.DeployedAt, wf.LastSaved, wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var deleted, deployed int
	var deployedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, folder_id, name, deleted, is_deployed, deployed_at, last_saved, created_at
		 FROM workflows WHERE id = ?`, id).
		Scan(&wf.ID, &wf.WorkspaceID, &wf.FolderID, &wf.Name, &deleted, &deployed, &deployedAt, &wf.LastSaved, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	wf.Deleted = deleted != 0
	wf.IsDeployed = deployed != 0
	if deployedAt.Valid {
		t := deployedAt.Time
		wf.DeployedAt = &t
	}
	return &wf, nil
}

func (s *SQLiteStore) WorkflowState(ctx context.Context, id string) (*WorkflowState, error) {
	wf, err := s.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Deleted {
		return nil, ErrNotFound
	}

	state := &WorkflowState{Workflow: *wf}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, type, name, position_x, position_y, enabled, parent_id, sub_blocks, data
		 FROM blocks WHERE workflow_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b Block
		var enabled int
		var subBlocks, data string
		if err := rows.Scan(&b.ID, &b.WorkflowID, &b.Type, &b.Name, &b.PositionX, &b.PositionY, &enabled, &b.ParentID, &subBlocks, &data); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.Enabled = enabled != 0
		b.SubBlocks = json.RawMessage(subBlocks)
		b.Data = json.RawMessage(data)
		state.Blocks = append(state.Blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, source_block_id, target_block_id, source_handle, target_handle
		 FROM edges WHERE workflow_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e Edge
		if err := edgeRows.Scan(&e.ID, &e.WorkflowID, &e.SourceBlockID, &e.TargetBlockID, &e.SourceHandle, &e.TargetHandle); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		state.Edges = append(state.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, err
	}

	sfRows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, type, config FROM subflows WHERE workflow_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list subflows: %w", err)
	}
	defer sfRows.Close()
	for sfRows.Next() {
		var sf Subflow
		var config string
		if err := sfRows.Scan(&sf.ID, &sf.WorkflowID, &sf.Type, &config); err != nil {
			return nil, fmt.Errorf("scan subflow: %w", err)
		}
		sf.Config = json.RawMessage(config)
		state.Subflows = append(state.Subflows, sf)
	}
	if err := sfRows.Err(); err != nil {
		return nil, err
	}

	varRows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, value FROM variables WHERE workflow_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer varRows.Close()
	for varRows.Next() {
		var v Variable
		var value string
		if err := varRows.Scan(&v.ID, &v.WorkflowID, &v.Name, &value); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		v.Value = json.RawMessage(value)
		state.Variables = append(state.Variables, v)
	}
	return state, varRows.Err()
}

func (s *SQLiteStore) MarkWorkflowDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark workflow deleted: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) TouchWorkflow(ctx context.Context, id string, lastSaved time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET last_saved = ? WHERE id = ? AND deleted = 0`, lastSaved.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch workflow: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) AddBlock(ctx context.Context, b *Block) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := workflowExists(tx, b.WorkflowID); err != nil {
			return err
		}
		if b.ParentID != "" {
			ok, err := blockExists(tx, b.WorkflowID, b.ParentID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("parent block %s: %w", b.ParentID, ErrConflict)
			}
		}
		subBlocks := string(b.SubBlocks)
		if subBlocks == "" {
			subBlocks = "{}"
		}
		data := string(b.Data)
		if data == "" {
			data = "{}"
		}
		_, err := tx.Exec(
			`INSERT INTO blocks (id, workflow_id, type, name, position_x, position_y, enabled, parent_id, sub_blocks, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.WorkflowID, b.Type, b.Name, b.PositionX, b.PositionY, boolToInt(b.Enabled), b.ParentID, subBlocks, data)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("block %s already exists: %w", b.ID, ErrConflict)
			}
			return fmt.Errorf("add block: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveBlock(ctx context.Context, workflowID, blockID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := workflowExists(tx, workflowID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM edges WHERE workflow_id = ? AND (source_block_id = ? OR target_block_id = ?)`,
			workflowID, blockID, blockID); err != nil {
			return fmt.Errorf("remove block edges: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE blocks SET parent_id = '' WHERE workflow_id = ? AND parent_id = ?`,
			workflowID, blockID); err != nil {
			return fmt.Errorf("orphan child blocks: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM blocks WHERE workflow_id = ? AND id = ?`, workflowID, blockID)
		if err != nil {
			return fmt.Errorf("remove block: %w", err)
		}
		return rowsOrNotFound(res)
	})
}

func (s *SQLiteStore) UpdateBlockPosition(ctx context.Context, workflowID, blockID string, x, y float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET position_x = ?, position_y = ? WHERE workflow_id = ? AND id = ?`,
		x, y, workflowID, blockID)
	if err != nil {
		return fmt.Errorf("update block position: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) UpdateBlockName(ctx context.Context, workflowID, blockID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET name = ? WHERE workflow_id = ? AND id = ?`, name, workflowID, blockID)
	if err != nil {
		return fmt.Errorf("update block name: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) SetBlockEnabled(ctx context.Context, workflowID, blockID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET enabled = ? WHERE workflow_id = ? AND id = ?`, boolToInt(enabled), workflowID, blockID)
	if err != nil {
		return fmt.Errorf("set block enabled: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) UpdateBlockParent(ctx context.Context, workflowID, blockID, parentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if parentID != "" {
			if parentID == blockID {
				return fmt.Errorf("block cannot parent itself: %w", ErrConflict)
			}
			ok, err := blockExists(tx, workflowID, parentID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("parent block %s: %w", parentID, ErrConflict)
			}
		}
		res, err := tx.Exec(
			`UPDATE blocks SET parent_id = ? WHERE workflow_id = ? AND id = ?`, parentID, workflowID, blockID)
		if err != nil {
			return fmt.Errorf("update block parent: %w", err)
		}
		return rowsOrNotFound(res)
	})
}

func (s *SQLiteStore) DuplicateBlock(ctx context.Context, workflowID, sourceID, newID string, x, y float64) (*Block, error) {
	var b Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var enabled int
		var subBlocks, data string
		err := tx.QueryRow(
			`SELECT type, name, enabled, parent_id, sub_blocks, data FROM blocks WHERE workflow_id = ? AND id = ?`,
			workflowID, sourceID).
			Scan(&b.Type, &b.Name, &enabled, &b.ParentID, &subBlocks, &data)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read source block: %w", err)
		}
		b.ID = newID
		b.WorkflowID = workflowID
		b.PositionX = x
		b.PositionY = y
		b.Enabled = enabled != 0
		b.SubBlocks = json.RawMessage(subBlocks)
		b.Data = json.RawMessage(data)
		_, err = tx.Exec(
			`INSERT INTO blocks (id, workflow_id, type, name, position_x, position_y, enabled, parent_id, sub_blocks, data)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.WorkflowID, b.Type, b.Name, b.PositionX, b.PositionY, enabled, b.ParentID, subBlocks, data)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("block %s already exists: %w", newID, ErrConflict)
			}
			return fmt.Errorf("insert duplicate block: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) AddEdge(ctx context.Context, e *Edge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := workflowExists(tx, e.WorkflowID); err != nil {
			return err
		}
		for _, blockID := range []string{e.SourceBlockID, e.TargetBlockID} {
			ok, err := blockExists(tx, e.WorkflowID, blockID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("edge endpoint %s is not a block of workflow %s: %w", blockID, e.WorkflowID, ErrConflict)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO edges (id, workflow_id, source_block_id, target_block_id, source_handle, target_handle)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.WorkflowID, e.SourceBlockID, e.TargetBlockID, e.SourceHandle, e.TargetHandle)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("edge %s already exists: %w", e.ID, ErrConflict)
			}
			return fmt.Errorf("add edge: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveEdge(ctx context.Context, workflowID, edgeID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE workflow_id = ? AND id = ?`, workflowID, edgeID)
	if err != nil {
		return fmt.Errorf("remove edge: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) UpsertSubflow(ctx context.Context, sf *Subflow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := workflowExists(tx, sf.WorkflowID); err != nil {
			return err
		}
		config := string(sf.Config)
		if config == "" {
			config = "{}"
		}
		_, err := tx.Exec(
			`INSERT INTO subflows (id, workflow_id, type, config) VALUES (?, ?, ?, ?)
			 ON CONFLICT(workflow_id, id) DO UPDATE SET type = excluded.type, config = excluded.config`,
			sf.ID, sf.WorkflowID, sf.Type, config)
		if err != nil {
			return fmt.Errorf("upsert subflow: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveSubflow(ctx context.Context, workflowID, subflowID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subflows WHERE workflow_id = ? AND id = ?`, workflowID, subflowID)
	if err != nil {
		return fmt.Errorf("remove subflow: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRow(
			`SELECT sub_blocks FROM blocks WHERE workflow_id = ? AND id = ?`, workflowID, blockID).Scan(&raw)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read subblocks: %w", err)
		}

		merged, err := mergeSubblockValue(raw, subblockID, value)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			`UPDATE blocks SET sub_blocks = ? WHERE workflow_id = ? AND id = ?`, merged, workflowID, blockID); err != nil {
			return fmt.Errorf("write subblocks: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertVariable(ctx context.Context, v *Variable) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := workflowExists(tx, v.WorkflowID); err != nil {
			return err
		}
		value := string(v.Value)
		if value == "" {
			value = "null"
		}
		_, err := tx.Exec(
			`INSERT INTO variables (id, workflow_id, name, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT(workflow_id, id) DO UPDATE SET name = excluded.name, value = excluded.value`,
			v.ID, v.WorkflowID, v.Name, value)
		if err != nil {
			return fmt.Errorf("upsert variable: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateVariableValue(ctx context.Context, workflowID, variableID string, value json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE variables SET value = ? WHERE workflow_id = ? AND id = ?`, string(value), workflowID, variableID)
	if err != nil {
		return fmt.Errorf("update variable value: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *SQLiteStore) GetWorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM permissions WHERE user_id = ? AND workspace_id = ?`, userID, workspaceID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get workspace role: %w", err)
	}
	return role, nil
}

func (s *SQLiteStore) SetWorkspaceRole(ctx context.Context, userID, workspaceID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permissions (user_id, workspace_id, role, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, workspace_id) DO UPDATE SET role = excluded.role, updated_at = excluded.updated_at`,
		userID, workspaceID, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set workspace role: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveWorkspacePermission(ctx context.Context, userID, workspaceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE user_id = ? AND workspace_id = ?`, userID, workspaceID)
	if err != nil {
		return fmt.Errorf("remove workspace permission: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// mergeSubblockValue sets the "value" field of one subblock entry inside the
// block's sub_blocks JSON object, creating the entry if absent.
func mergeSubblockValue(raw, subblockID string, value json.RawMessage) (string, error) {
	subBlocks := make(map[string]json.RawMessage)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &subBlocks); err != nil {
			return "", fmt.Errorf("parse subblocks: %w", err)
		}
	}

	entry := make(map[string]json.RawMessage)
	if existing, ok := subBlocks[subblockID]; ok {
		if err := json.Unmarshal(existing, &entry); err != nil {
			return "", fmt.Errorf("parse subblock %s: %w", subblockID, err)
		}
	} else {
		idJSON, _ := json.Marshal(subblockID)
		entry["id"] = idJSON
	}
	entry["value"] = value

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode subblock %s: %w", subblockID, err)
	}
	subBlocks[subblockID] = entryJSON

	merged, err := json.Marshal(subBlocks)
	if err != nil {
		return "", fmt.Errorf("encode subblocks: %w", err)
	}
	return string(merged), nil
}

func rowsOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
