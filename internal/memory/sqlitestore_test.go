package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestNewSQLiteStoreDB_CreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"model_memories", "conversation_memories", "meta_memory", "prompts"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	if _, err := NewSQLiteStoreDB(db); err != nil {
		t.Fatalf("NewSQLiteStoreDB: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := &SQLiteStore{db: db}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		Models: map[string]*ModelSnapshot{
			"alpha": {AgentID: "alpha", Skills: []string{"coding"}, UpdatedAt: now},
			"bravo": {AgentID: "bravo", UpdatedAt: now},
		},
		Conversations: map[string]*ConversationSnapshot{
			"sess-1": {SessionID: "sess-1", LastActivity: now},
		},
		Meta:    &MetaSnapshot{Effectiveness: 0.65, UpdatedAt: now},
		Prompts: json.RawMessage(`{"version":1}`),
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM model_memories").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO model_memories").
		WithArgs("alpha", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO model_memories").
		WithArgs("bravo", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM conversation_memories").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO conversation_memories").
		WithArgs("sess-1", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT OR REPLACE INTO meta_memory").
		WithArgs(sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT OR REPLACE INTO prompts").
		WithArgs(`{"version":1}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteStore_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := &SQLiteStore{db: db}

	mock.ExpectQuery("SELECT agent_id, data FROM model_memories").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "data"}).
			AddRow("alpha", `{"agent_id":"alpha","skills":["coding"]}`))
	mock.ExpectQuery("SELECT session_id, data FROM conversation_memories").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "data"}).
			AddRow("sess-1", `{"session_id":"sess-1"}`))
	mock.ExpectQuery("SELECT data FROM meta_memory").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).
			AddRow(`{"effectiveness":0.75}`))
	mock.ExpectQuery("SELECT data FROM prompts").
		WillReturnError(sql.ErrNoRows)

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Models) != 1 || snap.Models["alpha"].Skills[0] != "coding" {
		t.Errorf("models = %+v", snap.Models)
	}
	if len(snap.Conversations) != 1 {
		t.Errorf("conversations = %+v", snap.Conversations)
	}
	if snap.Meta == nil || !almostEqual(snap.Meta.Effectiveness, 0.75) {
		t.Errorf("meta = %+v", snap.Meta)
	}
	if snap.Prompts != nil {
		t.Errorf("prompts = %s, want none", snap.Prompts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLiteStore_LoadEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	store := &SQLiteStore{db: db}

	mock.ExpectQuery("SELECT agent_id, data FROM model_memories").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "data"}))
	mock.ExpectQuery("SELECT session_id, data FROM conversation_memories").
		WillReturnRows(sqlmock.NewRows([]string{"session_id", "data"}))
	mock.ExpectQuery("SELECT data FROM meta_memory").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT data FROM prompts").
		WillReturnError(sql.ErrNoRows)

	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Models != nil || snap.Conversations != nil || snap.Meta != nil {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}
