// Package agentstore persists custom agent descriptors in SQLite.
package agentstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agentgate/internal/domain"
)

var _ domain.AgentStore = (*SQLiteStore)(nil)

// SQLiteStore implements domain.AgentStore. Descriptors are stored as JSON
// payloads keyed by agent ID.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at dbPath and runs the migration.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.NewDomainError("agentstore.Open", domain.ErrAgentStore, err.Error())
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, domain.NewDomainError("agentstore.Open", domain.ErrAgentStore, "set WAL mode: "+err.Error())
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.NewDomainError("agentstore.Open", domain.ErrAgentStore, "migrate: "+err.Error())
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id         TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			created_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save inserts a descriptor. An existing ID is reported as a duplicate.
func (s *SQLiteStore) Save(ctx context.Context, d domain.AgentDescriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal agent %q: %w", d.ID, err)
	}

	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO agents (id, payload, created_at) VALUES (?, ?, ?)",
		d.ID, string(payload), created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.NewSubSystemError("agent", "agentstore.Save", domain.ErrDuplicate, d.ID)
		}
		return domain.NewDomainError("agentstore.Save", domain.ErrAgentStore, err.Error())
	}
	return nil
}

// List returns all stored descriptors oldest first, ties broken by ID.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.AgentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM agents ORDER BY created_at, id")
	if err != nil {
		return nil, domain.NewDomainError("agentstore.List", domain.ErrAgentStore, err.Error())
	}
	defer rows.Close()

	var out []domain.AgentDescriptor
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, domain.NewDomainError("agentstore.List", domain.ErrAgentStore, err.Error())
		}
		var d domain.AgentDescriptor
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, domain.NewDomainError("agentstore.List", domain.ErrAgentStore, "decode payload: "+err.Error())
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("agentstore.List", domain.ErrAgentStore, err.Error())
	}
	return out, nil
}
