// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
// Timestamps are stored as fixed-width RFC 3339 text with nanosecond
// fractions: the pipeline orders acknowledgments and replies with
// millisecond offsets, so second granularity is not enough, and the
// width must be constant for TEXT comparison to order correctly.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			agent_id       TEXT NOT NULL,
			user_id        TEXT NOT NULL DEFAULT '',
			chat_id        TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			last_active_at TEXT NOT NULL
		);

		-- One live session per identity triple. Fully anonymous sessions
		-- (no user_id, no chat_id) are only addressable by id and may
		-- coexist, so the uniqueness guarantee excludes them.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_identity
			ON sessions(agent_id, user_id, chat_id)
			WHERE user_id != '' OR chat_id != '';

		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);

		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			type       TEXT NOT NULL,
			text       TEXT,
			url        TEXT,
			mime       TEXT,
			choices    TEXT,
			created_at TEXT NOT NULL,

			FOREIGN KEY (session_id) REFERENCES sessions(id),
			CHECK (role IN ('user', 'bot', 'system')),
			CHECK (type IN ('text', 'image', 'audio', 'choice'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateSession inserts a new session.
// Returns ErrDuplicateSession if a session with the same identity triple
// already exists.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, agent_id, user_id, chat_id, created_at, updated_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.AgentID,
		session.UserID,
		session.ChatID,
		formatTime(session.CreatedAt),
		formatTime(session.UpdatedAt),
		formatTime(session.LastActiveAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "agent_id", session.AgentID)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetSession retrieves a session by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, agent_id, user_id, chat_id, created_at, updated_at, last_active_at
		FROM sessions
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	return scanSession(row.Scan)
}

// FindSessionByIdentity looks up a session by whichever of userID/chatID are
// non-empty, scoped to agentID. With both empty there is nothing to match on
// and ErrNotFound is returned. When several sessions match (a user seen
// across chats), the most recently active one wins.
func (s *SQLiteStore) FindSessionByIdentity(ctx context.Context, agentID, userID, chatID string) (*Session, error) {
	if userID == "" && chatID == "" {
		return nil, ErrNotFound
	}

	query := `
		SELECT id, agent_id, user_id, chat_id, created_at, updated_at, last_active_at
		FROM sessions
		WHERE agent_id = ?
	`
	args := []any{agentID}

	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if chatID != "" {
		query += " AND chat_id = ?"
		args = append(args, chatID)
	}
	query += " ORDER BY last_active_at DESC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanSession(row.Scan)
}

// scanSession scans a session row, converting stored timestamps.
func scanSession(scan func(dest ...any) error) (*Session, error) {
	var session Session
	var createdAt, updatedAt, lastActiveAt string

	err := scan(
		&session.ID,
		&session.AgentID,
		&session.UserID,
		&session.ChatID,
		&createdAt,
		&updatedAt,
		&lastActiveAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	if session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if session.LastActiveAt, err = parseTime(lastActiveAt); err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}

	return &session, nil
}

// TouchSession bumps a session's last-activity and update timestamps.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_active_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// SaveMessage saves a message to the database
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	var choicesJSON any
	if len(msg.Choices) > 0 {
		data, err := json.Marshal(msg.Choices)
		if err != nil {
			return fmt.Errorf("encoding choices: %w", err)
		}
		choicesJSON = string(data)
	}

	query := `
		INSERT INTO messages (id, session_id, role, type, text, url, mime, choices, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.Role,
		msg.Type,
		nullString(msg.Text),
		nullString(msg.URL),
		nullString(msg.MIME),
		choicesJSON,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "session_id", msg.SessionID, "role", msg.Role, "type", msg.Type)
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListMessages retrieves messages for a session, limited to the most recent
// `limit` messages. Messages are returned in chronological order (oldest
// first). If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		// Get the N most recent messages, but return them in chronological order
		query = `
			SELECT id, session_id, role, type, text, url, mime, choices, created_at
			FROM (
				SELECT id, session_id, role, type, text, url, mime, choices, created_at
				FROM messages
				WHERE session_id = ?
				ORDER BY created_at DESC
				LIMIT ?
			)
			ORDER BY created_at ASC
		`
		args = []any{sessionID, limit}
	} else {
		query = `
			SELECT id, session_id, role, type, text, url, mime, choices, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY created_at ASC
		`
		args = []any{sessionID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAt string
		var text, url, mime, choices sql.NullString

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Type, &text, &url, &mime, &choices, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		msg.Text = text.String
		msg.URL = url.String
		msg.MIME = mime.String
		if choices.Valid && choices.String != "" {
			if err := json.Unmarshal([]byte(choices.String), &msg.Choices); err != nil {
				return nil, fmt.Errorf("decoding choices: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// timeLayout is a fixed-width RFC 3339 layout with nine fractional
// digits. RFC3339Nano trims trailing zeros, and with TEXT comparison a
// trimmed fraction sorts after a longer one ('Z' > '.'), which would
// invert ORDER BY created_at across a whole-second boundary.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp. RFC3339Nano accepts both the
// fixed-width layout and rows written before it was adopted.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
