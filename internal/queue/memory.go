package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"github.com/fentz26/agentpool/internal/models"
)

// MemoryQueue is an in-process Queue backed by a binary heap.
type MemoryQueue struct {
	mu    sync.Mutex
	h     itemHeap
	index map[string]struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{index: make(map[string]struct{})}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item models.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[item.TaskID]; ok {
		return nil
	}
	q.index[item.TaskID] = struct{}{}
	heap.Push(&q.h, item)
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context) (*models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return nil, nil
	}
	item := heap.Pop(&q.h).(models.QueueItem)
	delete(q.index, item.TaskID)
	return &item, nil
}

func (q *MemoryQueue) Remove(_ context.Context, taskID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[taskID]; !ok {
		return false, nil
	}
	for i, it := range q.h {
		if it.TaskID == taskID {
			heap.Remove(&q.h, i)
			break
		}
	}
	delete(q.index, taskID)
	return true, nil
}

func (q *MemoryQueue) Items(_ context.Context) ([]models.QueueItem, error) {
	q.mu.Lock()
	out := make([]models.QueueItem, len(q.h))
	copy(out, q.h)
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len(), nil
}

type itemHeap []models.QueueItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(models.QueueItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
