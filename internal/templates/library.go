// Package templates stores reusable message bodies.
package templates

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"broadcastd/internal/ids"
	"broadcastd/internal/model"
	"broadcastd/pkg/logx"
)

// Store persists templates. Templates returns newest first.
type Store interface {
	InsertTemplate(ctx context.Context, t model.MessageTemplate) error
	DeleteTemplate(ctx context.Context, id string) error
	Template(ctx context.Context, id string) (model.MessageTemplate, error)
	Templates(ctx context.Context) ([]model.MessageTemplate, error)
}

type Library struct {
	mu    sync.Mutex
	store Store
	log   logx.Logger
	now   func() time.Time
}

func NewLibrary(store Store, log logx.Logger) *Library {
	return &Library{store: store, log: log, now: time.Now}
}

// ValidateBody checks the body is non-blank and within the character limit.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return model.Invalid("body", "body is required")
	}
	if n := utf8.RuneCountInString(body); n > model.MaxTemplateBody {
		return model.Invalid("body", fmt.Sprintf("body is %d characters, limit is %d", n, model.MaxTemplateBody))
	}
	return nil
}

// Add stores a template. A template with the same name and trimmed body is returned as is
// with added=false.
func (l *Library) Add(ctx context.Context, name, body string) (model.MessageTemplate, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.MessageTemplate{}, false, model.Invalid("name", "name is required")
	}
	if err := ValidateBody(body); err != nil {
		return model.MessageTemplate{}, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.store.Templates(ctx)
	if err != nil {
		return model.MessageTemplate{}, false, fmt.Errorf("list templates: %w", err)
	}
	trimmed := strings.TrimSpace(body)
	for _, t := range all {
		if t.Name == name && strings.TrimSpace(t.Body) == trimmed {
			l.log.Debug("duplicate template suppressed", logx.String("template", t.ID))
			return t, false, nil
		}
	}

	t := model.MessageTemplate{ID: ids.UUID(), Name: name, Body: body, CreatedAt: l.now().UTC()}
	if err := l.store.InsertTemplate(ctx, t); err != nil {
		return model.MessageTemplate{}, false, fmt.Errorf("insert template: %w", err)
	}
	l.log.Info("template added", logx.String("template", t.ID), logx.String("name", name))
	return t, true, nil
}

func (l *Library) Get(ctx context.Context, id string) (model.MessageTemplate, error) {
	return l.store.Template(ctx, id)
}

func (l *Library) List(ctx context.Context) ([]model.MessageTemplate, error) {
	return l.store.Templates(ctx)
}

func (l *Library) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.DeleteTemplate(ctx, id)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.RWMutex
	list []model.MessageTemplate
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) InsertTemplate(_ context.Context, t model.MessageTemplate) error {
	s.mu.Lock()
	s.list = append(s.list, t)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.list {
		if t.ID == id {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return nil
		}
	}
	return model.ErrNotFound
}

func (s *MemStore) Template(_ context.Context, id string) (model.MessageTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.list {
		if t.ID == id {
			return t, nil
		}
	}
	return model.MessageTemplate{}, model.ErrNotFound
}

func (s *MemStore) Templates(_ context.Context) ([]model.MessageTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MessageTemplate, 0, len(s.list))
	for i := len(s.list) - 1; i >= 0; i-- {
		out = append(out, s.list[i])
	}
	return out, nil
}
