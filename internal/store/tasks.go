package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/google/uuid"
)

const taskColumns = `id, description, priority, status, target_agent_id, assigned_agent_id, codebase_id,
	conversation_id, platform, isolation_ref, context, expectations, attempts, seq, outcome,
	created_at, updated_at, dispatched_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateTask inserts a new queued task. The insertion sequence is assigned
// here and is what breaks ties between equal priorities.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	now := s.now()
	t := *task
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.Status = models.TaskStatusQueued
	t.CreatedAt = now
	t.UpdatedAt = now

	taskCtx, err := marshalNullable(t.Context)
	if err != nil {
		return nil, fmt.Errorf("encode task context: %w", err)
	}
	expectations, err := marshalNullable(t.Expectations)
	if err != nil {
		return nil, fmt.Errorf("encode expectations: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM tasks`).Scan(&t.Seq); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, description, priority, status, target_agent_id, codebase_id, conversation_id,
			platform, isolation_ref, context, expectations, attempts, seq, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		t.ID, t.Description, t.Priority, t.Status, nullString(t.TargetAgentID), nullString(t.CodebaseID),
		nullString(t.ConversationID), nullString(t.Platform), nullString(t.IsolationRef), taskCtx, expectations,
		t.Seq, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &t, nil
}

// GetTask retrieves a task by ID. It returns nil when the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	return s.queryTasks(ctx, query, args...)
}

// ListInFlightTasks returns every task currently attributed to an agent.
func (s *Store) ListInFlightTasks(ctx context.Context) ([]models.Task, error) {
	args := make([]any, 0, len(models.InFlightStatuses))
	for _, st := range models.InFlightStatuses {
		args = append(args, st)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN (` + placeholders(len(args)) + `) ORDER BY seq`
	return s.queryTasks(ctx, query, args...)
}

// ListAgentTasks returns in-flight tasks assigned to one agent.
func (s *Store) ListAgentTasks(ctx context.Context, agentID string) ([]models.Task, error) {
	args := []any{agentID}
	for _, st := range models.InFlightStatuses {
		args = append(args, st)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE assigned_agent_id = ? AND status IN (` +
		placeholders(len(models.InFlightStatuses)) + `)`
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// MarkDispatched moves a queued task to dispatched for agentID. It reports
// false when the task was no longer queued.
func (s *Store) MarkDispatched(ctx context.Context, taskID, agentID string) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_agent_id = ?, dispatched_at = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		models.TaskStatusDispatched, agentID, now, now, taskID, models.TaskStatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("mark dispatched: %w", err)
	}
	return affected(res)
}

// AdvanceTask moves an in-flight task owned by agentID from one of the
// given statuses to the next one.
func (s *Store) AdvanceTask(ctx context.Context, taskID, agentID string, from []models.TaskStatus, to models.TaskStatus) (bool, error) {
	args := []any{to, s.now(), taskID, agentID}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND assigned_agent_id = ? AND status IN (`+
			placeholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("advance task: %w", err)
	}
	return affected(res)
}

// RequeueTask returns an in-flight task owned by agentID to the queued state.
// Exactly one caller wins for a given dispatch.
func (s *Store) RequeueTask(ctx context.Context, taskID, agentID string) (bool, error) {
	args := []any{models.TaskStatusQueued, s.now(), taskID, agentID}
	for _, st := range models.InFlightStatuses {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, assigned_agent_id = NULL, dispatched_at = NULL, updated_at = ?
		 WHERE id = ? AND assigned_agent_id = ? AND status IN (`+placeholders(len(models.InFlightStatuses))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("requeue task: %w", err)
	}
	return affected(res)
}

// CompleteTask records a result for an in-flight task owned by agentID. It
// reports false when the task is no longer attributed to that agent, which
// is how late results from a superseded dispatch are detected.
func (s *Store) CompleteTask(ctx context.Context, taskID, agentID string, status models.TaskStatus, outcome *models.Outcome) (bool, error) {
	encoded, err := marshalNullable(outcome)
	if err != nil {
		return false, fmt.Errorf("encode outcome: %w", err)
	}
	now := s.now()
	args := []any{status, encoded, now, now, taskID, agentID}
	for _, st := range models.InFlightStatuses {
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, outcome = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND assigned_agent_id = ? AND status IN (`+placeholders(len(models.InFlightStatuses))+`)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	return affected(res)
}

// CancelTask moves a non-terminal task to cancelled and returns the task as
// it was before the transition. It returns nil when the task is unknown or
// already terminal.
func (s *Store) CancelTask(ctx context.Context, taskID string) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	if prev.Status.Terminal() {
		return nil, nil
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusCancelled, now, now, taskID, prev.Status,
	); err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID); err != nil {
		return nil, fmt.Errorf("dequeue cancelled task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return prev, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                                                   models.Task
		target, assigned, codebase, conv, platform, isolRef sql.NullString
		taskCtx, expectations, outcome                      sql.NullString
		dispatchedAt, completedAt                           sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Description, &t.Priority, &t.Status, &target, &assigned, &codebase,
		&conv, &platform, &isolRef, &taskCtx, &expectations, &t.Attempts, &t.Seq, &outcome,
		&t.CreatedAt, &t.UpdatedAt, &dispatchedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.TargetAgentID = target.String
	t.AssignedAgentID = assigned.String
	t.CodebaseID = codebase.String
	t.ConversationID = conv.String
	t.Platform = platform.String
	t.IsolationRef = isolRef.String
	if taskCtx.Valid && taskCtx.String != "" {
		t.Context = &models.TaskContext{}
		if err := json.Unmarshal([]byte(taskCtx.String), t.Context); err != nil {
			return nil, fmt.Errorf("decode task context: %w", err)
		}
	}
	if expectations.Valid && expectations.String != "" {
		t.Expectations = &models.Expectations{}
		if err := json.Unmarshal([]byte(expectations.String), t.Expectations); err != nil {
			return nil, fmt.Errorf("decode expectations: %w", err)
		}
	}
	if outcome.Valid && outcome.String != "" {
		t.Outcome = &models.Outcome{}
		if err := json.Unmarshal([]byte(outcome.String), t.Outcome); err != nil {
			return nil, fmt.Errorf("decode outcome: %w", err)
		}
	}
	if dispatchedAt.Valid {
		t.DispatchedAt = &dispatchedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}
