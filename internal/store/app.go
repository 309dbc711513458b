package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"auditchat/internal/logging"
)

// AppStore holds application state that outlives a connection: chat
// history per client and an archive of emitted session events.
type AppStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// ChatTurn is one persisted conversation turn.
type ChatTurn struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	Turn      int64     `json:"turn"`
	Role      string    `json:"role"` // user | agent
	Category  string    `json:"category,omitempty"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewAppStore opens (or creates) the application database at path.
func NewAppStore(path string) (*AppStore, error) {
	logging.Store("Opening app store at %s", path)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			logging.StoreDebug("Pragma failed (%s): %v", p, err)
		}
	}

	s := &AppStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewInMemoryAppStore opens an in-memory app store for tests.
func NewInMemoryAppStore() (*AppStore, error) {
	return NewAppStore(":memory:")
}

func (s *AppStore) initialize() error {
	stmt := `
	CREATE TABLE IF NOT EXISTS chat_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id  TEXT NOT NULL,
		turn       INTEGER NOT NULL,
		role       TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		message    TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(client_id, turn)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_client ON chat_history(client_id, turn);

	CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id  TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(client_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_client ON session_events(client_id, seq);
	`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to create app tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *AppStore) Close() error {
	logging.Store("Closing app store")
	return s.db.Close()
}

// AppendTurn stores one conversation turn and returns its turn number.
func (s *AppStore) AppendTurn(clientID, role, category, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var turn int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(turn), 0) + 1 FROM chat_history WHERE client_id = ?`,
		clientID).Scan(&turn); err != nil {
		return 0, fmt.Errorf("failed to compute turn: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO chat_history (client_id, turn, role, category, message) VALUES (?, ?, ?, ?, ?)`,
		clientID, turn, role, category, message); err != nil {
		return 0, fmt.Errorf("failed to append turn: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit turn: %w", err)
	}
	return turn, nil
}

// History returns up to limit most recent turns for a client, oldest first.
// limit <= 0 returns everything.
func (s *AppStore) History(clientID string, limit int) ([]ChatTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, client_id, turn, role, category, message, created_at
		FROM chat_history WHERE client_id = ? ORDER BY turn DESC`
	args := []interface{}{clientID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var turns []ChatTurn
	for rows.Next() {
		var t ChatTurn
		var created sql.NullTime
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Turn, &t.Role, &t.Category, &t.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if created.Valid {
			t.CreatedAt = created.Time
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ArchiveEvent stores an emitted session event for later inspection.
// Duplicate sequence numbers are ignored so replays never double-write.
func (s *AppStore) ArchiveEvent(clientID string, seq uint64, eventType, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO session_events (client_id, seq, event_type, payload) VALUES (?, ?, ?, ?)`,
		clientID, seq, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to archive event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit archived events for a client in
// sequence order.
func (s *AppStore) RecentEvents(clientID string, limit int) ([]ArchivedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT client_id, seq, event_type, payload, created_at
		FROM session_events WHERE client_id = ? ORDER BY seq DESC`
	args := []interface{}{clientID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ArchivedEvent
	for rows.Next() {
		var e ArchivedEvent
		var created sql.NullTime
		if err := rows.Scan(&e.ClientID, &e.Seq, &e.EventType, &e.Payload, &created); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if created.Valid {
			e.CreatedAt = created.Time
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ArchivedEvent is one persisted session event.
type ArchivedEvent struct {
	ClientID  string    `json:"client_id"`
	Seq       uint64    `json:"seq"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
