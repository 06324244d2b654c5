package queue

import (
	"context"

	"github.com/fentz26/agentpool/internal/models"
)

// QueueStore is the subset of the store backing a durable queue.
type QueueStore interface {
	EnqueueTask(ctx context.Context, item models.QueueItem) error
	DequeueTask(ctx context.Context) (*models.QueueItem, error)
	RemoveQueued(ctx context.Context, taskID string) (bool, error)
	QueuedItems(ctx context.Context) ([]models.QueueItem, error)
	QueueLen(ctx context.Context) (int, error)
}

// StoreQueue persists the queue so it survives dispatcher restarts.
type StoreQueue struct {
	s QueueStore
}

func NewStoreQueue(s QueueStore) *StoreQueue {
	return &StoreQueue{s: s}
}

func (q *StoreQueue) Enqueue(ctx context.Context, item models.QueueItem) error {
	return q.s.EnqueueTask(ctx, item)
}

func (q *StoreQueue) Dequeue(ctx context.Context) (*models.QueueItem, error) {
	return q.s.DequeueTask(ctx)
}

func (q *StoreQueue) Remove(ctx context.Context, taskID string) (bool, error) {
	return q.s.RemoveQueued(ctx, taskID)
}

func (q *StoreQueue) Items(ctx context.Context) ([]models.QueueItem, error) {
	return q.s.QueuedItems(ctx)
}

func (q *StoreQueue) Len(ctx context.Context) (int, error) {
	return q.s.QueueLen(ctx)
}
