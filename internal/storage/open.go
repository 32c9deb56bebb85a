package storage

import (
	"errors"
	"strings"

	logx "pobot/pkg/logx"
)

// Open initializes the configured store. The schema is not created until
// Migrate is called.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log.With(logx.String("comp", "storage")))
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
