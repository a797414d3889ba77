// Package persist provides the SQLite-backed chat persistence
// collaborator.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/user/chatrelay/internal/types"
)

// ErrNotFound is returned by Get for an unknown chat ID.
var ErrNotFound = errors.New("chat not found")

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL,
	path       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	messages   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id);
`

// SQLiteStore persists full chat records, one row per session, replaced
// wholesale on every save.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or opens) the chat database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes at the driver level, but a single
	// connection avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the full record for a chat.
func (s *SQLiteStore) Save(ctx context.Context, record *types.ChatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := json.Marshal(record.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, title, path, created_at, updated_at, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			updated_at = excluded.updated_at,
			messages = excluded.messages`,
		string(record.ID),
		record.OwnerID,
		record.Title,
		record.Path,
		record.CreatedAt.Unix(),
		time.Now().Unix(),
		string(messages),
	)
	if err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	return nil
}

// Get returns the persisted record for one chat.
func (s *SQLiteStore) Get(ctx context.Context, id types.SessionID) (*types.ChatRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, path, created_at, messages
		FROM chats WHERE id = ?`, string(id))
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	return record, err
}

// List returns all persisted chats, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]*types.ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, path, created_at, messages
		FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var records []*types.ChatRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan chats: %w", err)
	}
	return records, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*types.ChatRecord, error) {
	var (
		record    types.ChatRecord
		id        string
		createdAt int64
		messages  string
	)
	if err := row.Scan(&id, &record.OwnerID, &record.Title, &record.Path, &createdAt, &messages); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	record.ID = types.SessionID(id)
	record.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(messages), &record.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return &record, nil
}

// Compile-time interface compliance check.
var _ types.ChatStore = (*SQLiteStore)(nil)
