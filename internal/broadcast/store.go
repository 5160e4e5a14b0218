package broadcast

import (
	"context"
	"slices"
	"sort"
	"sync"

	"broadcastd/internal/model"
)

// Store persists broadcasts and their delivery tasks. Tasks reference broadcasts only by id.
type Store interface {
	// CreateBroadcast stores b and its tasks atomically.
	CreateBroadcast(ctx context.Context, b model.Broadcast, tasks []model.DeliveryTask) error
	Broadcast(ctx context.Context, id string) (model.Broadcast, error)
	// Broadcasts returns newest first.
	Broadcasts(ctx context.Context) ([]model.Broadcast, error)
	UpdateBroadcast(ctx context.Context, b model.Broadcast) error
	// DeleteBroadcast removes b and every task referencing it.
	DeleteBroadcast(ctx context.Context, id string) error

	Task(ctx context.Context, id string) (model.DeliveryTask, error)
	// TasksFor and TasksByStatus return tasks in creation order.
	TasksFor(ctx context.Context, broadcastID string) ([]model.DeliveryTask, error)
	TasksByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]model.DeliveryTask, error)
	UpdateTask(ctx context.Context, t model.DeliveryTask) error
}

// MemStore is an in-memory Store. Reads return copies.
type MemStore struct {
	mu         sync.RWMutex
	broadcasts map[string]model.Broadcast
	tasks      map[string]model.DeliveryTask
}

func NewMemStore() *MemStore {
	return &MemStore{
		broadcasts: map[string]model.Broadcast{},
		tasks:      map[string]model.DeliveryTask{},
	}
}

func (s *MemStore) CreateBroadcast(_ context.Context, b model.Broadcast, tasks []model.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts[b.ID] = b
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *MemStore) Broadcast(_ context.Context, id string) (model.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return model.Broadcast{}, model.ErrNotFound
	}
	return b, nil
}

func (s *MemStore) Broadcasts(_ context.Context) ([]model.Broadcast, error) {
	s.mu.RLock()
	out := make([]model.Broadcast, 0, len(s.broadcasts))
	for _, b := range s.broadcasts {
		out = append(out, b)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemStore) UpdateBroadcast(_ context.Context, b model.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.broadcasts[b.ID]; !ok {
		return model.ErrNotFound
	}
	s.broadcasts[b.ID] = b
	return nil
}

func (s *MemStore) DeleteBroadcast(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.broadcasts[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.broadcasts, id)
	for tid, t := range s.tasks {
		if t.BroadcastID == id {
			delete(s.tasks, tid)
		}
	}
	return nil
}

func (s *MemStore) Task(_ context.Context, id string) (model.DeliveryTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.DeliveryTask{}, model.ErrNotFound
	}
	return t, nil
}

func (s *MemStore) TasksFor(_ context.Context, broadcastID string) ([]model.DeliveryTask, error) {
	return s.collect(func(t model.DeliveryTask) bool { return t.BroadcastID == broadcastID }), nil
}

func (s *MemStore) TasksByStatus(_ context.Context, statuses ...model.TaskStatus) ([]model.DeliveryTask, error) {
	return s.collect(func(t model.DeliveryTask) bool { return slices.Contains(statuses, t.Status) }), nil
}

func (s *MemStore) UpdateTask(_ context.Context, t model.DeliveryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return model.ErrNotFound
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *MemStore) collect(keep func(model.DeliveryTask) bool) []model.DeliveryTask {
	s.mu.RLock()
	var out []model.DeliveryTask
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
