package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore keeps one table per memory document kind in a single
// database file. Saves replace the stored state wholesale, which is what
// makes the last-K conversation trim effective across restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	store, err := NewSQLiteStoreDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreDB wraps an existing database handle and ensures the
// schema exists. The store takes ownership of the handle.
func NewSQLiteStoreDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS model_memories (
			agent_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_memories (
			session_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS meta_memory (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS prompts (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Load reads every document kind; an empty database yields an empty
// snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	models, err := s.loadKeyed(ctx, "SELECT agent_id, data FROM model_memories ORDER BY agent_id")
	if err != nil {
		return nil, err
	}
	if len(models) > 0 {
		snap.Models = make(map[string]*ModelSnapshot, len(models))
		for id, data := range models {
			var ms ModelSnapshot
			if err := json.Unmarshal(data, &ms); err != nil {
				return nil, fmt.Errorf("failed to parse model memory %s: %w", id, err)
			}
			snap.Models[id] = &ms
		}
	}

	conversations, err := s.loadKeyed(ctx, "SELECT session_id, data FROM conversation_memories ORDER BY session_id")
	if err != nil {
		return nil, err
	}
	if len(conversations) > 0 {
		snap.Conversations = make(map[string]*ConversationSnapshot, len(conversations))
		for id, data := range conversations {
			var cs ConversationSnapshot
			if err := json.Unmarshal(data, &cs); err != nil {
				return nil, fmt.Errorf("failed to parse conversation memory %s: %w", id, err)
			}
			snap.Conversations[id] = &cs
		}
	}

	metaData, err := s.loadSingleton(ctx, "SELECT data FROM meta_memory WHERE id = 1")
	if err != nil {
		return nil, err
	}
	if metaData != nil {
		var meta MetaSnapshot
		if err := json.Unmarshal(metaData, &meta); err != nil {
			return nil, fmt.Errorf("failed to parse meta memory: %w", err)
		}
		snap.Meta = &meta
	}

	promptsData, err := s.loadSingleton(ctx, "SELECT data FROM prompts WHERE id = 1")
	if err != nil {
		return nil, err
	}
	snap.Prompts = promptsData

	return snap, nil
}

// Save replaces the stored state with the snapshot in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM model_memories"); err != nil {
		return fmt.Errorf("failed to clear model memories: %w", err)
	}
	for _, id := range sortedKeys(snap.Models) {
		data, err := json.Marshal(snap.Models[id])
		if err != nil {
			return fmt.Errorf("failed to marshal model memory %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO model_memories (agent_id, data, updated_at) VALUES (?, ?, ?)",
			id, string(data), snap.Models[id].UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert model memory %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_memories"); err != nil {
		return fmt.Errorf("failed to clear conversation memories: %w", err)
	}
	for _, id := range sortedKeys(snap.Conversations) {
		data, err := json.Marshal(snap.Conversations[id])
		if err != nil {
			return fmt.Errorf("failed to marshal conversation memory %s: %w", id, err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO conversation_memories (session_id, data, updated_at) VALUES (?, ?, ?)",
			id, string(data), snap.Conversations[id].LastActivity)
		if err != nil {
			return fmt.Errorf("failed to insert conversation memory %s: %w", id, err)
		}
	}

	if snap.Meta != nil {
		data, err := json.Marshal(snap.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta memory: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO meta_memory (id, data, updated_at) VALUES (1, ?, ?)",
			string(data), snap.Meta.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert meta memory: %w", err)
		}
	}

	if len(snap.Prompts) > 0 {
		_, err = tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO prompts (id, data, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)",
			string(snap.Prompts))
		if err != nil {
			return fmt.Errorf("failed to upsert prompts: %w", err)
		}
	}

	return tx.Commit()
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) loadKeyed(ctx context.Context, query string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[id] = json.RawMessage(data)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) loadSingleton(ctx context.Context, query string) (json.RawMessage, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return json.RawMessage(data), nil
}
