// Package queue holds tasks waiting for an agent, ordered by descending
// priority and then by ascending insertion sequence.
package queue

import (
	"context"

	"github.com/fentz26/agentpool/internal/models"
)

// Queue is a priority queue of task references. Enqueueing a task that is
// already present is a no-op.
type Queue interface {
	Enqueue(ctx context.Context, item models.QueueItem) error
	// Dequeue returns nil when the queue is empty.
	Dequeue(ctx context.Context) (*models.QueueItem, error)
	Remove(ctx context.Context, taskID string) (bool, error)
	// Items returns a snapshot in dispatch order.
	Items(ctx context.Context) ([]models.QueueItem, error)
	Len(ctx context.Context) (int, error)
}

// Requeue puts a task back with its original priority and sequence, so a
// retried task keeps its place among equal-priority peers.
func Requeue(ctx context.Context, q Queue, t *models.Task) error {
	return q.Enqueue(ctx, ItemFor(t))
}

// ItemFor builds the queue reference for t.
func ItemFor(t *models.Task) models.QueueItem {
	return models.QueueItem{TaskID: t.ID, Priority: t.Priority, Seq: t.Seq}
}

// less orders a before b.
func less(a, b models.QueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}
