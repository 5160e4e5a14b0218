package contacts

import (
	"context"
	"sync"

	"broadcastd/internal/model"
)

// Store persists contacts. Contacts returns newest first.
type Store interface {
	InsertContact(ctx context.Context, c model.Contact) error
	DeleteContact(ctx context.Context, id string) error
	Contact(ctx context.Context, id string) (model.Contact, error)
	Contacts(ctx context.Context) ([]model.Contact, error)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]model.Contact
}

func NewMemStore() *MemStore {
	return &MemStore{byID: map[string]model.Contact{}}
}

func (s *MemStore) InsertContact(_ context.Context, c model.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.byID[c.ID] = clone(c)
	return nil
}

func (s *MemStore) DeleteContact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return model.ErrNotFound
	}
	delete(s.byID, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemStore) Contact(_ context.Context, id string) (model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return model.Contact{}, model.ErrNotFound
	}
	return clone(c), nil
}

func (s *MemStore) Contacts(_ context.Context) ([]model.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Contact, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, clone(s.byID[s.order[i]]))
	}
	return out, nil
}

func clone(c model.Contact) model.Contact {
	c.Tags = append([]string(nil), c.Tags...)
	return c
}
