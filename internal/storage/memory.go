package storage

import (
	"context"
	"sync"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/contacts"
	"broadcastd/internal/model"
	"broadcastd/internal/templates"
)

const defaultAuditLimit = 1000

type (
	broadcastMem = broadcast.MemStore
	contactMem   = contacts.MemStore
	templateMem  = templates.MemStore
)

// Memory composes the in-memory stores of each domain package with a bounded audit log.
type Memory struct {
	*broadcastMem
	*contactMem
	*templateMem

	mu    sync.Mutex
	audit []model.AuditEntry
	limit int
}

func NewMemory(auditLimit int) *Memory {
	if auditLimit <= 0 {
		auditLimit = defaultAuditLimit
	}
	return &Memory{
		broadcastMem: broadcast.NewMemStore(),
		contactMem:   contacts.NewMemStore(),
		templateMem:  templates.NewMemStore(),
		limit:        auditLimit,
	}
}

func (m *Memory) AppendAudit(_ context.Context, e model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	if over := len(m.audit) - m.limit; over > 0 {
		m.audit = append(m.audit[:0], m.audit[over:]...)
	}
	return nil
}

func (m *Memory) Audit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEntry
	for i := len(m.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
