package store

import (
	"context"
	"errors"
	"strings"

	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

// Store is the persistence API used by the lifecycle managers.
//
// Load and Save are whole-document operations. Update runs the full
// load-mutate-save sequence under a single writer-serializing lock; every
// mutation in the system goes through it so concurrent handlers cannot lose
// updates. A mutator returning an error aborts without saving.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Update(ctx context.Context, mutate func(*Snapshot) error) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
