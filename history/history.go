// Package history persists the bridge's state transitions in SQLite so
// users can see when and why the tunnel came up or went down.
// Auth keys never reach this package.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/yllada/mesh-bridge/bridge"
	"github.com/yllada/mesh-bridge/common"
)

// Transition is one recorded state change.
type Transition struct {
	ID          int64
	OperationID string
	From        string
	To          string
	Reason      string
	LoginHost   string
	Address     string
	At          time.Time
}

// Store is a SQLite-backed transition log, safe for concurrent use.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log common.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger common.Logger) (*Store, error) {
	if logger == nil {
		logger = common.Named("history")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: logger}
	if err := store.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("Could not restrict history file permissions: %v", err)
	}

	return store, nil
}

func (s *Store) initDB() error {
	createTableSQL := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL DEFAULT '',
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		login_host TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at_ms);
	`

	_, err := s.db.Exec(createTableSQL)
	return err
}

// Record appends a transition.
func (s *Store) Record(ctx context.Context, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tr.At.IsZero() {
		tr.At = time.Now()
	}

	query := `
	INSERT INTO transitions (operation_id, from_state, to_state, reason, login_host, address, at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		tr.OperationID, tr.From, tr.To, tr.Reason, tr.LoginHost, tr.Address, tr.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}

	return nil
}

// Recent returns up to limit transitions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT id, operation_id, from_state, to_state, reason, login_host, address, at_ms
	FROM transitions
	ORDER BY at_ms DESC, id DESC
	LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var result []Transition
	for rows.Next() {
		var (
			tr Transition
			at int64
		)
		if err := rows.Scan(&tr.ID, &tr.OperationID, &tr.From, &tr.To,
			&tr.Reason, &tr.LoginHost, &tr.Address, &at); err != nil {
			return nil, fmt.Errorf("failed to read transition: %w", err)
		}
		tr.At = time.UnixMilli(at)
		result = append(result, tr)
	}

	return result, rows.Err()
}

// Prune deletes transitions recorded before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM transitions WHERE at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	return res.RowsAffected()
}

// RunPruner prunes entries older than retention every interval until ctx
// is done.
func (s *Store) RunPruner(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := s.Prune(ctx, time.Now().Add(-retention)); err != nil {
			s.log.Warn("Failed to prune history: %v", err)
		} else if n > 0 {
			s.log.Debug("Pruned %d history entries", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Listener returns a bridge listener that records every transition.
func (s *Store) Listener() bridge.Listener {
	return func(tr bridge.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), common.CommandTimeout)
		defer cancel()

		err := s.Record(ctx, Transition{
			OperationID: tr.OperationID,
			From:        tr.From.Kind.String(),
			To:          tr.To.Kind.String(),
			Reason:      tr.To.Reason,
			LoginHost:   tr.LoginHost,
			Address:     tr.Address,
			At:          tr.At,
		})
		if err != nil {
			s.log.Warn("%v", err)
		}
	}
}
