package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fentz26/agentpool/internal/models"
)

// EnqueueTask adds a task reference to the durable queue. Enqueueing a task
// that is already queued is a no-op.
func (s *Store) EnqueueTask(ctx context.Context, item models.QueueItem) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_queue (task_id, priority, seq) VALUES (?, ?, ?) ON CONFLICT(task_id) DO NOTHING`,
		item.TaskID, item.Priority, item.Seq,
	)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// DequeueTask removes and returns the highest-priority, earliest-enqueued item.
func (s *Store) DequeueTask(ctx context.Context) (*models.QueueItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var item models.QueueItem
	err = tx.QueryRowContext(ctx,
		`SELECT task_id, priority, seq FROM task_queue ORDER BY priority DESC, seq ASC LIMIT 1`,
	).Scan(&item.TaskID, &item.Priority, &item.Seq)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select queue head: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, item.TaskID); err != nil {
		return nil, fmt.Errorf("delete queue head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &item, nil
}

// RemoveQueued deletes a specific task from the queue.
func (s *Store) RemoveQueued(ctx context.Context, taskID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("remove queued task: %w", err)
	}
	return affected(res)
}

// QueuedItems returns the queue in dispatch order.
func (s *Store) QueuedItems(ctx context.Context) ([]models.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, priority, seq FROM task_queue ORDER BY priority DESC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		if err := rows.Scan(&item.TaskID, &item.Priority, &item.Seq); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// QueueLen returns the number of queued task references.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}
