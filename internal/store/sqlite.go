package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	logx "github.com/ZUA228132/wishlist-app/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const (
	familyUsers     = "users"
	familyGroups    = "groups"
	familyReferrals = "referrals"
)

// sqliteStore keeps one row per record, keyed by family and id.
// Save replaces the whole document inside a transaction; Update serializes
// the load-mutate-save sequence with the store mutex on top of that.
type sqliteStore struct {
	log logx.Logger

	mu sync.Mutex
	db *sql.DB
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{log: log, db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", ErrUnavailable, err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *sqliteStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx, snap)
}

func (s *sqliteStore) Update(ctx context.Context, mutate func(*Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if err := mutate(snap); err != nil {
		return err
	}
	return s.saveLocked(ctx, snap)
}

func (s *sqliteStore) loadLocked(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT family, id, doc FROM records`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	snap := NewSnapshot()
	for rows.Next() {
		var family, id, doc string
		if err := rows.Scan(&family, &id, &doc); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrUnavailable, err)
		}
		switch family {
		case familyUsers:
			uid, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				continue
			}
			var u User
			if err := json.Unmarshal([]byte(doc), &u); err != nil {
				return nil, fmt.Errorf("%w: decode user %s: %v", ErrUnavailable, id, err)
			}
			snap.Users[uid] = u
		case familyGroups:
			var g Group
			if err := json.Unmarshal([]byte(doc), &g); err != nil {
				return nil, fmt.Errorf("%w: decode group %s: %v", ErrUnavailable, id, err)
			}
			snap.Groups[id] = g
		case familyReferrals:
			rid, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				continue
			}
			var r Referral
			if err := json.Unmarshal([]byte(doc), &r); err != nil {
				return nil, fmt.Errorf("%w: decode referral %s: %v", ErrUnavailable, id, err)
			}
			snap.Referrals[rid] = r
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return snap, nil
}

func (s *sqliteStore) saveLocked(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	snap.normalize()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrUnavailable, err)
	}

	put := func(family, id string, v any) error {
		doc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO records(family, id, doc) VALUES(?,?,?)`,
			family, id, string(doc),
		)
		return err
	}

	for id, u := range snap.Users {
		if err := put(familyUsers, strconv.FormatInt(id, 10), u); err != nil {
			return fmt.Errorf("%w: put user: %v", ErrUnavailable, err)
		}
	}
	for id, g := range snap.Groups {
		if err := put(familyGroups, id, g); err != nil {
			return fmt.Errorf("%w: put group: %v", ErrUnavailable, err)
		}
	}
	for id, r := range snap.Referrals {
		if err := put(familyReferrals, strconv.FormatInt(id, 10), r); err != nil {
			return fmt.Errorf("%w: put referral: %v", ErrUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}
