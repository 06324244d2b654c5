package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/agentpool/internal/models"
)

const environmentColumns = `e.id, e.codebase_id, e.working_path, e.branch_name, e.status, e.created_by_platform,
	e.created_at, e.destroyed_at,
	(SELECT COUNT(*) FROM conversation_environments ce WHERE ce.environment_id = e.id)`

// EnvironmentForConversation returns the active environment bound to a
// conversation, or nil when there is none.
func (s *Store) EnvironmentForConversation(ctx context.Context, conversationID string) (*models.Environment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments e
		 JOIN conversation_environments b ON b.environment_id = e.id
		 WHERE b.conversation_id = ? AND e.status = ?`,
		conversationID, models.EnvironmentActive,
	)
	env, err := scanEnvironment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation environment: %w", err)
	}
	return env, nil
}

// CreateEnvironmentAndBind persists a new environment and binds the
// conversation to it in one transaction. It returns ErrConversationBound if
// another acquisition bound the conversation first; stale bindings to
// destroyed environments are replaced. A positive limit caps the active
// environments of the codebase, checked inside the transaction; reaching it
// returns ErrCapacityReached.
func (s *Store) CreateEnvironmentAndBind(ctx context.Context, env *models.Environment, conversationID string, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var boundStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT e.status FROM conversation_environments b JOIN environments e ON e.id = b.environment_id
		 WHERE b.conversation_id = ?`,
		conversationID,
	).Scan(&boundStatus)
	switch {
	case err == nil && boundStatus == string(models.EnvironmentActive):
		return ErrConversationBound
	case err == nil:
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_environments WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("drop stale binding: %w", err)
		}
	case err != sql.ErrNoRows:
		return fmt.Errorf("check binding: %w", err)
	}

	if limit > 0 {
		var live int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM environments WHERE codebase_id = ? AND status = ?`,
			env.CodebaseID, models.EnvironmentActive,
		).Scan(&live); err != nil {
			return fmt.Errorf("count environments: %w", err)
		}
		if live >= limit {
			return ErrCapacityReached
		}
	}

	now := s.now()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.Status = models.EnvironmentActive

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO environments (id, codebase_id, working_path, branch_name, status, created_by_platform, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.CodebaseID, env.WorkingPath, env.BranchName, env.Status, nullString(env.CreatedByPlatform), env.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert environment: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_environments (conversation_id, environment_id, bound_at) VALUES (?, ?, ?)`,
		conversationID, env.ID, now,
	); err != nil {
		if isUniqueViolation(err) {
			return ErrConversationBound
		}
		return fmt.Errorf("bind conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	env.References = 1
	return nil
}

// BindConversation points a conversation at an existing active
// environment. The insert only happens while the environment is active, so
// a bind cannot land on an environment being torn down; otherwise it returns
// ErrEnvironmentGone.
func (s *Store) BindConversation(ctx context.Context, conversationID, envID string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_environments (conversation_id, environment_id, bound_at)
		 SELECT ?, id, ? FROM environments WHERE id = ? AND status = ?`,
		conversationID, s.now(), envID, models.EnvironmentActive,
	)
	if isUniqueViolation(err) {
		return ErrConversationBound
	}
	if err != nil {
		return fmt.Errorf("bind conversation: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEnvironmentGone
	}
	return nil
}

// UnbindConversation clears a conversation's reference. It returns the
// environment it pointed at (empty if none) and the references left.
func (s *Store) UnbindConversation(ctx context.Context, conversationID string) (string, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var envID string
	err = tx.QueryRowContext(ctx,
		`SELECT environment_id FROM conversation_environments WHERE conversation_id = ?`, conversationID,
	).Scan(&envID)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("query binding: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_environments WHERE conversation_id = ?`, conversationID); err != nil {
		return "", 0, fmt.Errorf("delete binding: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_environments WHERE environment_id = ?`, envID,
	).Scan(&remaining); err != nil {
		return "", 0, fmt.Errorf("count references: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit transaction: %w", err)
	}
	return envID, remaining, nil
}

// CountReferences returns how many conversations reference an environment.
func (s *Store) CountReferences(ctx context.Context, envID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_environments WHERE environment_id = ?`, envID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

// GetEnvironment retrieves an environment by ID. It returns nil when missing.
func (s *Store) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	env, err := scanEnvironment(s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM environments e WHERE e.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query environment: %w", err)
	}
	return env, nil
}

// ListEnvironments returns environments, optionally filtered by codebase and
// status, oldest first.
func (s *Store) ListEnvironments(ctx context.Context, codebaseID string, status models.EnvironmentStatus) ([]models.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM environments e WHERE 1 = 1`
	var args []any
	if codebaseID != "" {
		query += ` AND e.codebase_id = ?`
		args = append(args, codebaseID)
	}
	if status != "" {
		query += ` AND e.status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY e.created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query environments: %w", err)
	}
	defer rows.Close()

	var envs []models.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// CountActiveEnvironments returns the number of live environments of a codebase.
func (s *Store) CountActiveEnvironments(ctx context.Context, codebaseID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM environments WHERE codebase_id = ? AND status = ?`,
		codebaseID, models.EnvironmentActive,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count environments: %w", err)
	}
	return n, nil
}

// MarkEnvironmentDestroying claims an active, unreferenced environment for
// removal. Once claimed it no longer accepts bindings. It reports false if
// the environment is referenced or no longer active.
func (s *Store) MarkEnvironmentDestroying(ctx context.Context, envID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET status = ?
		 WHERE id = ? AND status = ?
		 AND NOT EXISTS (SELECT 1 FROM conversation_environments WHERE environment_id = ?)`,
		models.EnvironmentDestroying, envID, models.EnvironmentActive, envID,
	)
	if err != nil {
		return false, fmt.Errorf("mark environment destroying: %w", err)
	}
	return affected(res)
}

// RestoreEnvironment returns a claimed environment to active after its
// removal failed.
func (s *Store) RestoreEnvironment(ctx context.Context, envID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET status = ? WHERE id = ? AND status = ?`,
		models.EnvironmentActive, envID, models.EnvironmentDestroying,
	)
	if err != nil {
		return false, fmt.Errorf("restore environment: %w", err)
	}
	return affected(res)
}

// MarkEnvironmentDestroyed flips an unreferenced environment that is active
// or claimed for removal to destroyed. It reports false if the environment
// is referenced or already destroyed.
func (s *Store) MarkEnvironmentDestroyed(ctx context.Context, envID string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET status = ?, destroyed_at = ?
		 WHERE id = ? AND status IN (?, ?)
		 AND NOT EXISTS (SELECT 1 FROM conversation_environments WHERE environment_id = ?)`,
		models.EnvironmentDestroyed, now, envID, models.EnvironmentActive, models.EnvironmentDestroying, envID,
	)
	if err != nil {
		return false, fmt.Errorf("mark environment destroyed: %w", err)
	}
	return affected(res)
}

func scanEnvironment(row rowScanner) (*models.Environment, error) {
	var env models.Environment
	var platform sql.NullString
	var destroyedAt sql.NullTime
	if err := row.Scan(&env.ID, &env.CodebaseID, &env.WorkingPath, &env.BranchName, &env.Status,
		&platform, &env.CreatedAt, &destroyedAt, &env.References); err != nil {
		return nil, err
	}
	env.CreatedByPlatform = platform.String
	if destroyedAt.Valid {
		env.DestroyedAt = &destroyedAt.Time
	}
	return &env, nil
}
