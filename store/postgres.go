package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			folder_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			is_deployed BOOLEAN NOT NULL DEFAULT FALSE,
			deployed_at TIMESTAMPTZ,
			last_saved TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_workspace_id ON workflows(workspace_id)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			type TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			position_x DOUBLE PRECISION NOT NULL DEFAULT 0,
			position_y DOUBLE PRECISION NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			parent_id TEXT NOT NULL DEFAULT '',
			sub_blocks JSONB NOT NULL DEFAULT '{}',
			data JSONB NOT NULL DEFAULT '{}',
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
			config JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS variables (
			id TEXT NOT NULL,
			workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name TEXT NOT NULL DEFAULT '',
			value JSONB NOT NULL DEFAULT 'null',
			PRIMARY KEY (workflow_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS permissions (
			user_id TEXT NOT NULL,
			workspace_id TEXT NOT NULL,
			role TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func pgWorkflowExists(tx *sql.Tx, workflowID string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM workflows WHERE id = $1 AND deleted = FALSE`, workflowID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

func pgBlockExists(tx *sql.Tx, workflowID, blockID string) (bool, error) {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM blocks WHERE workflow_id = $1 AND id = $2`, workflowID, blockID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.LastSaved.IsZero() {
		wf.LastSaved = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, workspace_id, folder_id, name, deleted, is_deployed, deployed_at, last_saved, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $8)
		 ON CONFLICT(id) DO UPDATE SET deleted = FALSE, name = EXCLUDED.name, folder_id = EXCLUDED.folder_id`,
		wf.ID, wf.WorkspaceID, wf.FolderID, wf.Name, wf.IsDeployed, wf.DeployedAt, wf.LastSaved, wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	var deployedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, folder_id, name, deleted, is_deployed, deployed_at, last_saved, created_at
		 FROM workflows WHERE id = $1`, id).
		Scan(&wf.ID, &wf.WorkspaceID, &wf.FolderID, &wf.Name, &wf.Deleted, &wf.IsDeployed, &deployedAt, &wf.LastSaved, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	if deployedAt.Valid {
		t := deployedAt.Time
		wf.DeployedAt = &t
	}
	return &wf, nil
}

func (s *PostgresStore) WorkflowState(ctx context.Context, id string) (*WorkflowState, error) {
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
		 FROM blocks WHERE workflow_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b Block
		var subBlocks, data []byte
		if err := rows.Scan(&b.ID, &b.WorkflowID, &b.Type, &b.Name, &b.PositionX, &b.PositionY, &b.Enabled, &b.ParentID, &subBlocks, &data); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		b.SubBlocks = json.RawMessage(subBlocks)
		b.Data = json.RawMessage(data)
		state.Blocks = append(state.Blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, source_block_id, target_block_id, source_handle, target_handle
		 FROM edges WHERE workflow_id = $1 ORDER BY id`, id)
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
		`SELECT id, workflow_id, type, config FROM subflows WHERE workflow_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list subflows: %w", err)
	}
	defer sfRows.Close()
	for sfRows.Next() {
		var sf Subflow
		var config []byte
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
		`SELECT id, workflow_id, name, value FROM variables WHERE workflow_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("list variables: %w", err)
	}
	defer varRows.Close()
	for varRows.Next() {
		var v Variable
		var value []byte
		if err := varRows.Scan(&v.ID, &v.WorkflowID, &v.Name, &value); err != nil {
			return nil, fmt.Errorf("scan variable: %w", err)
		}
		v.Value = json.RawMessage(value)
		state.Variables = append(state.Variables, v)
	}
	return state, varRows.Err()
}

func (s *PostgresStore) MarkWorkflowDeleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workflows SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark workflow deleted: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) TouchWorkflow(ctx context.Context, id string, lastSaved time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET last_saved = $1 WHERE id = $2 AND deleted = FALSE`, lastSaved.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch workflow: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) AddBlock(ctx context.Context, b *Block) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := pgWorkflowExists(tx, b.WorkflowID); err != nil {
			return err
		}
		if b.ParentID != "" {
			ok, err := pgBlockExists(tx, b.WorkflowID, b.ParentID)
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
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			b.ID, b.WorkflowID, b.Type, b.Name, b.PositionX, b.PositionY, b.Enabled, b.ParentID, subBlocks, data)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("block %s already exists: %w", b.ID, ErrConflict)
			}
			return fmt.Errorf("add block: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RemoveBlock(ctx context.Context, workflowID, blockID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := pgWorkflowExists(tx, workflowID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`DELETE FROM edges WHERE workflow_id = $1 AND (source_block_id = $2 OR target_block_id = $2)`,
			workflowID, blockID); err != nil {
			return fmt.Errorf("remove block edges: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE blocks SET parent_id = '' WHERE workflow_id = $1 AND parent_id = $2`,
			workflowID, blockID); err != nil {
			return fmt.Errorf("orphan child blocks: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM blocks WHERE workflow_id = $1 AND id = $2`, workflowID, blockID)
		if err != nil {
			return fmt.Errorf("remove block: %w", err)
		}
		return rowsOrNotFound(res)
	})
}

func (s *PostgresStore) UpdateBlockPosition(ctx context.Context, workflowID, blockID string, x, y float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET position_x = $1, position_y = $2 WHERE workflow_id = $3 AND id = $4`,
		x, y, workflowID, blockID)
	if err != nil {
		return fmt.Errorf("update block position: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) UpdateBlockName(ctx context.Context, workflowID, blockID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET name = $1 WHERE workflow_id = $2 AND id = $3`, name, workflowID, blockID)
	if err != nil {
		return fmt.Errorf("update block name: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) SetBlockEnabled(ctx context.Context, workflowID, blockID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blocks SET enabled = $1 WHERE workflow_id = $2 AND id = $3`, enabled, workflowID, blockID)
	if err != nil {
		return fmt.Errorf("set block enabled: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) UpdateBlockParent(ctx context.Context, workflowID, blockID, parentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if parentID != "" {
			if parentID == blockID {
				return fmt.Errorf("block cannot parent itself: %w", ErrConflict)
			}
			ok, err := pgBlockExists(tx, workflowID, parentID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("parent block %s: %w", parentID, ErrConflict)
			}
		}
		res, err := tx.Exec(
			`UPDATE blocks SET parent_id = $1 WHERE workflow_id = $2 AND id = $3`, parentID, workflowID, blockID)
		if err != nil {
			return fmt.Errorf("update block parent: %w", err)
		}
		return rowsOrNotFound(res)
	})
}

func (s *PostgresStore) DuplicateBlock(ctx context.Context, workflowID, sourceID, newID string, x, y float64) (*Block, error) {
	var b Block
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var subBlocks, data []byte
		err := tx.QueryRow(
			`SELECT type, name, enabled, parent_id, sub_blocks, data FROM blocks WHERE workflow_id = $1 AND id = $2`,
			workflowID, sourceID).
			Scan(&b.Type, &b.Name, &b.Enabled, &b.ParentID, &subBlocks, &data)
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
		b.SubBlocks = json.RawMessage(subBlocks)
		b.Data = json.RawMessage(data)
		_, err = tx.Exec(
			`INSERT INTO blocks (id, workflow_id, type, name, position_x, position_y, enabled, parent_id, sub_blocks, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			b.ID, b.WorkflowID, b.Type, b.Name, b.PositionX, b.PositionY, b.Enabled, b.ParentID, string(subBlocks), string(data))
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

func (s *PostgresStore) AddEdge(ctx context.Context, e *Edge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := pgWorkflowExists(tx, e.WorkflowID); err != nil {
			return err
		}
		for _, blockID := range []string{e.SourceBlockID, e.TargetBlockID} {
			ok, err := pgBlockExists(tx, e.WorkflowID, blockID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("edge endpoint %s is not a block of workflow %s: %w", blockID, e.WorkflowID, ErrConflict)
			}
		}
		_, err := tx.Exec(
			`INSERT INTO edges (id, workflow_id, source_block_id, target_block_id, source_handle, target_handle)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
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

func (s *PostgresStore) RemoveEdge(ctx context.Context, workflowID, edgeID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM edges WHERE workflow_id = $1 AND id = $2`, workflowID, edgeID)
	if err != nil {
		return fmt.Errorf("remove edge: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) UpsertSubflow(ctx context.Context, sf *Subflow) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := pgWorkflowExists(tx, sf.WorkflowID); err != nil {
			return err
		}
		config := string(sf.Config)
		if config == "" {
			config = "{}"
		}
		_, err := tx.Exec(
			`INSERT INTO subflows (id, workflow_id, type, config) VALUES ($1, $2, $3, $4)
			 ON CONFLICT(workflow_id, id) DO UPDATE SET type = EXCLUDED.type, config = EXCLUDED.config`,
			sf.ID, sf.WorkflowID, sf.Type, config)
		if err != nil {
			return fmt.Errorf("upsert subflow: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) RemoveSubflow(ctx context.Context, workflowID, subflowID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subflows WHERE workflow_id = $1 AND id = $2`, workflowID, subflowID)
	if err != nil {
		return fmt.Errorf("remove subflow: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value json.RawMessage) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRow(
			`SELECT sub_blocks FROM blocks WHERE workflow_id = $1 AND id = $2 FOR UPDATE`,
			workflowID, blockID).Scan(&raw)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read subblocks: %w", err)
		}

		merged, err := mergeSubblockValue(string(raw), subblockID, value)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(
			`UPDATE blocks SET sub_blocks = $1 WHERE workflow_id = $2 AND id = $3`, merged, workflowID, blockID); err != nil {
			return fmt.Errorf("write subblocks: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpsertVariable(ctx context.Context, v *Variable) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := pgWorkflowExists(tx, v.WorkflowID); err != nil {
			return err
		}
		value := string(v.Value)
		if value == "" {
			value = "null"
		}
		_, err := tx.Exec(
			`INSERT INTO variables (id, workflow_id, name, value) VALUES ($1, $2, $3, $4)
			 ON CONFLICT(workflow_id, id) DO UPDATE SET name = EXCLUDED.name, value = EXCLUDED.value`,
			v.ID, v.WorkflowID, v.Name, value)
		if err != nil {
			return fmt.Errorf("upsert variable: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) UpdateVariableValue(ctx context.Context, workflowID, variableID string, value json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE variables SET value = $1 WHERE workflow_id = $2 AND id = $3`, string(value), workflowID, variableID)
	if err != nil {
		return fmt.Errorf("update variable value: %w", err)
	}
	return rowsOrNotFound(res)
}

func (s *PostgresStore) GetWorkspaceRole(ctx context.Context, userID, workspaceID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM permissions WHERE user_id = $1 AND workspace_id = $2`, userID, workspaceID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get workspace role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) SetWorkspaceRole(ctx context.Context, userID, workspaceID, role string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permissions (user_id, workspace_id, role, updated_at) VALUES ($1, $2, $3, NOW())
		 ON CONFLICT(user_id, workspace_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`,
		userID, workspaceID, role)
	if err != nil {
		return fmt.Errorf("set workspace role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveWorkspacePermission(ctx context.Context, userID, workspaceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE user_id = $1 AND workspace_id = $2`, userID, workspaceID)
	if err != nil {
		return fmt.Errorf("remove workspace permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
