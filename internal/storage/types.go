// Package storage persists contacts, templates, broadcasts, delivery tasks and the audit log.
//
// Drivers:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file via modernc.org/sqlite and sqlx
package storage

import (
	"context"
	"errors"
	"time"

	"broadcastd/internal/broadcast"
	"broadcastd/internal/contacts"
	"broadcastd/internal/model"
	"broadcastd/internal/templates"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	AuditLimit  int           // memory only; entries kept
}

// Store is every persistence concern of broadcastd behind one handle.
type Store interface {
	broadcast.Store
	contacts.Store
	templates.Store

	AppendAudit(ctx context.Context, e model.AuditEntry) error
	// Audit returns up to limit entries, newest first.
	Audit(ctx context.Context, limit int) ([]model.AuditEntry, error)
	Close() error
}
