package storage

import (
	"fmt"
	"strings"

	"broadcastd/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		log.Info("storage opened", logx.String("driver", "memory"))
		return NewMemory(cfg.AuditLimit), nil
	case "sqlite", "sqlite3":
		st, err := OpenSQLite(cfg.Path, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", cfg.Path))
		return st, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
