package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a workspace record does not exist.
var ErrNotFound = errors.New("workspace not found")

// WorkspaceRecord is the durable subset of a workspace. Transient runtime
// state (git activity, running agent, initialization flag) is rebuilt by the
// workspace manager at startup and never persisted.
type WorkspaceRecord struct {
	ID             string
	RepositoryID   string
	Title          string
	BranchName     string
	LocalPath      string
	WorkflowStatus string
	AgentType      string
	PRNumber       *int
	PRURL          *string
	PRState        *string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	ArchivedAt     *time.Time
}

// WorkspaceStore provides workspace CRUD on one database connection.
type WorkspaceStore struct {
	db *sql.DB
}

// NewWorkspaceStore creates a store on the given connection.
func NewWorkspaceStore(db *sql.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

const workspaceColumns = `id, repository_id, title, branch_name, local_path,
	workflow_status, agent_type, pr_number, pr_url, pr_state,
	created_at, last_active_at, archived_at`

// Upsert inserts or replaces a workspace record.
func (s *WorkspaceStore) Upsert(rec *WorkspaceRecord) error {
	query := `
		INSERT INTO workspaces (` + workspaceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id   = excluded.repository_id,
			title           = excluded.title,
			branch_name     = excluded.branch_name,
			local_path      = excluded.local_path,
			workflow_status = excluded.workflow_status,
			agent_type      = excluded.agent_type,
			pr_number       = excluded.pr_number,
			pr_url          = excluded.pr_url,
			pr_state        = excluded.pr_state,
			last_active_at  = excluded.last_active_at,
			archived_at     = excluded.archived_at`

	_, err := s.db.Exec(query,
		rec.ID, rec.RepositoryID, rec.Title, rec.BranchName, rec.LocalPath,
		rec.WorkflowStatus, rec.AgentType, rec.PRNumber, rec.PRURL, rec.PRState,
		rec.CreatedAt, rec.LastActiveAt, rec.ArchivedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns one workspace by ID, archived or not.
func (s *WorkspaceStore) Get(id string) (*WorkspaceRecord, error) {
	row := s.db.QueryRow(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`, id)

	rec, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace %s: %w", id, err)
	}
	return rec, nil
}

// ListActive returns all non-archived workspaces ordered by creation time.
func (s *WorkspaceStore) ListActive() ([]*WorkspaceRecord, error) {
	return s.list(`SELECT ` + workspaceColumns + ` FROM workspaces
		WHERE archived_at IS NULL ORDER BY created_at`)
}

// ListAll returns every workspace including archived ones.
func (s *WorkspaceStore) ListAll() ([]*WorkspaceRecord, error) {
	return s.list(`SELECT ` + workspaceColumns + ` FROM workspaces ORDER BY created_at`)
}

func (s *WorkspaceStore) list(query string) ([]*WorkspaceRecord, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*WorkspaceRecord
	for rows.Next() {
		rec, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workspaces: %w", err)
	}
	return records, nil
}

// Archive marks a workspace as archived. Archiving an already-archived
// workspace is a no-op.
func (s *WorkspaceStore) Archive(id string, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE workspaces SET archived_at = ? WHERE id = ? AND archived_at IS NULL`,
		at, id)
	if err != nil {
		return fmt.Errorf("failed to archive workspace %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check archive result: %w", err)
	}
	if rows == 0 {
		// Either already archived or unknown; unknown is the caller's error.
		if _, getErr := s.Get(id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpdateWorkflowStatus persists a workflow state transition.
func (s *WorkspaceStore) UpdateWorkflowStatus(id, status string, at time.Time) error {
	result, err := s.db.Exec(
		`UPDATE workspaces SET workflow_status = ?, last_active_at = ? WHERE id = ?`,
		status, at, id)
	if err != nil {
		return fmt.Errorf("failed to update workflow status of %s: %w", id, err)
	}
	return requireRow(result, id)
}

// SaveRetrySlot stores the process-wide pending auth retry, replacing any
// previous one (last failure wins).
func (s *WorkspaceStore) SaveRetrySlot(payload string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO retry_slot (id, payload, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
		payload, at)
	if err != nil {
		return fmt.Errorf("failed to save retry slot: %w", err)
	}
	return nil
}

// GetRetrySlot returns the pending auth retry payload, or nil if the slot is
// empty.
func (s *WorkspaceStore) GetRetrySlot() (*string, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM retry_slot WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read retry slot: %w", err)
	}
	return &payload, nil
}

// ClearRetrySlot empties the retry slot. Clearing an empty slot is a no-op.
func (s *WorkspaceStore) ClearRetrySlot() error {
	if _, err := s.db.Exec(`DELETE FROM retry_slot WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear retry slot: %w", err)
	}
	return nil
}

// Delete permanently removes a workspace record. Archive is the normal path;
// this exists for test cleanup and explicit purges.
func (s *WorkspaceStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace %s: %w", id, err)
	}
	return nil
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkspace(row scannable) (*WorkspaceRecord, error) {
	var rec WorkspaceRecord
	err := row.Scan(
		&rec.ID, &rec.RepositoryID, &rec.Title, &rec.BranchName, &rec.LocalPath,
		&rec.WorkflowStatus, &rec.AgentType, &rec.PRNumber, &rec.PRURL, &rec.PRState,
		&rec.CreatedAt, &rec.LastActiveAt, &rec.ArchivedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
