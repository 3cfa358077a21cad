package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openibank/openibank-sub002/pkg/trace"

	_ "modernc.org/sqlite"
)

// SQLiteTraceStore keeps every drained event, in order, per agent. Unlike
// the in-kernel ring it never drops events.
type SQLiteTraceStore struct {
	db *sql.DB
}

// OpenSQLiteTraceStore opens (or creates) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLiteTraceStore(path string) (*SQLiteTraceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps ":memory:" databases alive and serialises writers
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteTraceStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteTraceStore(db *sql.DB) (*SQLiteTraceStore, error) {
	s := &SQLiteTraceStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTraceStore) migrate() error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS traces (
		agent_id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL,
		max_entries INTEGER
	)`, `
	CREATE TABLE IF NOT EXISTS trace_events (
		agent_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		timestamp TEXT NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT,
		PRIMARY KEY (agent_id, seq)
	)`}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate trace store: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteTraceStore) Close() error { return s.db.Close() }

// Append records the trace header on first use and appends doc.Events after
// whatever is already stored for the agent.
func (s *SQLiteTraceStore) Append(ctx context.Context, doc trace.Document) error {
	if doc.AgentID == "" {
		return fmt.Errorf("append trace: agent id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append trace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var maxEntries sql.NullInt64
	if doc.MaxEntries != nil {
		maxEntries = sql.NullInt64{Int64: int64(*doc.MaxEntries), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO traces (agent_id, role, created_at, max_entries) VALUES (?, ?, ?, ?)`,
		doc.AgentID, doc.Role, doc.CreatedAt.UTC().Format(time.RFC3339Nano), maxEntries,
	); err != nil {
		return fmt.Errorf("append trace header: %w", err)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM trace_events WHERE agent_id = ?`, doc.AgentID,
	).Scan(&next); err != nil {
		return fmt.Errorf("append trace: next sequence: %w", err)
	}

	for i, e := range doc.Events {
		var data sql.NullString
		if len(e.Data) > 0 {
			data = sql.NullString{String: string(e.Data), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trace_events (agent_id, seq, timestamp, stage, message, data) VALUES (?, ?, ?, ?, ?, ?)`,
			doc.AgentID, next+int64(i), e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Stage), e.Message, data,
		); err != nil {
			return fmt.Errorf("append trace event %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Load returns every stored event for agentID. The header's max_entries is
// dropped so the full history survives a round trip through FromDocument.
func (s *SQLiteTraceStore) Load(ctx context.Context, agentID string) (trace.Document, error) {
	var (
		doc       trace.Document
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, role, created_at FROM traces WHERE agent_id = ?`, agentID,
	).Scan(&doc.AgentID, &doc.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, fmt.Errorf("trace %q: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return doc, fmt.Errorf("load trace: %w", err)
	}
	doc.CreatedAt = parseTime(createdAt)

	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, stage, message, data FROM trace_events WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return doc, fmt.Errorf("load trace events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	doc.Events = []trace.Event{}
	for rows.Next() {
		var (
			ts, stage, message string
			data               sql.NullString
		)
		if err := rows.Scan(&ts, &stage, &message, &data); err != nil {
			return doc, err
		}
		e := trace.Event{Timestamp: parseTime(ts), Stage: trace.Stage(stage), Message: message}
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		doc.Events = append(doc.Events, e)
	}
	return doc, rows.Err()
}

// Count returns the number of stored events for agentID.
func (s *SQLiteTraceStore) Count(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trace_events WHERE agent_id = ?`, agentID).Scan(&n)
	return n, err
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
