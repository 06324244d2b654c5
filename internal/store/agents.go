package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fentz26/agentpool/internal/models"
	"github.com/google/uuid"
)

// UpsertAgent stores the latest registry view of an agent.
func (s *Store) UpsertAgent(ctx context.Context, a models.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	sys, err := json.Marshal(a.System)
	if err != nil {
		return fmt.Errorf("encode system info: %w", err)
	}
	var lastAssigned sql.NullTime
	if !a.LastAssignedAt.IsZero() {
		lastAssigned = sql.NullTime{Time: a.LastAssignedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, capabilities, system, status, current_task_id, progress, current_step,
			registered_at, last_heartbeat_at, last_assigned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			system = excluded.system,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			progress = excluded.progress,
			current_step = excluded.current_step,
			registered_at = excluded.registered_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_assigned_at = excluded.last_assigned_at`,
		a.ID, string(caps), string(sys), a.Status, nullString(a.CurrentTaskID), a.Progress,
		nullString(a.CurrentStep), a.RegisteredAt, a.LastHeartbeatAt, lastAssigned,
	)
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// ListAgents returns every agent the registry has seen.
func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, capabilities, system, status, current_task_id, progress, current_step,
			registered_at, last_heartbeat_at, last_assigned_at
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var (
			a            models.Agent
			caps, sys    string
			taskID, step sql.NullString
			lastAssigned sql.NullTime
		)
		if err := rows.Scan(&a.ID, &caps, &sys, &a.Status, &taskID, &a.Progress, &step,
			&a.RegisteredAt, &a.LastHeartbeatAt, &lastAssigned); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
		if err := json.Unmarshal([]byte(sys), &a.System); err != nil {
			return nil, fmt.Errorf("decode system info: %w", err)
		}
		a.CurrentTaskID = taskID.String
		a.CurrentStep = step.String
		if lastAssigned.Valid {
			a.LastAssignedAt = lastAssigned.Time
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Attempt Operations ---

// CreateAttempt records the start of a dispatch attempt.
func (s *Store) CreateAttempt(ctx context.Context, taskID, agentID string) (*models.Attempt, error) {
	attempt := &models.Attempt{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AgentID:   agentID,
		StartedAt: s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (id, task_id, agent_id, started_at) VALUES (?, ?, ?, ?)`,
		attempt.ID, attempt.TaskID, attempt.AgentID, attempt.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}
	return attempt, nil
}

// FinishAttempt closes the open attempt of agentID on taskID.
func (s *Store) FinishAttempt(ctx context.Context, taskID, agentID, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET outcome = ?, ended_at = ? WHERE task_id = ? AND agent_id = ? AND ended_at IS NULL`,
		outcome, s.now(), taskID, agentID,
	)
	if err != nil {
		return fmt.Errorf("finish attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts of a task, oldest first.
func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_id, outcome, started_at, ended_at FROM attempts WHERE task_id = ? ORDER BY started_at`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []models.Attempt
	for rows.Next() {
		var a models.Attempt
		var outcome sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentID, &outcome, &a.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = outcome.String
		if endedAt.Valid {
			a.EndedAt = &endedAt.Time
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  s.now(),
	}

	_, err := s.db.Exec(
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, nullString(pdr.TaskID), pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns audit records, newest first, optionally for one task.
func (s *Store) ListPDR(ctx context.Context, taskID string, limit int) ([]models.PDREntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var task, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &task, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.TaskID = task.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
