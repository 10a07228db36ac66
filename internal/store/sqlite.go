package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cart-inception/Yohan-Interface/internal/domain"
	"github.com/cart-inception/Yohan-Interface/internal/shared"
)

const (
	writeRetryAttempts = 3
	writeRetryDelay    = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	// writeMu serializes writers so message timestamps stay strictly increasing.
	writeMu   sync.Mutex
	lastStamp int64
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writer's lock.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	// Continue after the newest stored row even if the clock stepped back across a restart.
	if err := db.QueryRow(`SELECT COALESCE(MAX(timestamp), 0) FROM chat_messages`).Scan(&store.lastStamp); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read last message timestamp: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		token_count INTEGER,
		model_used TEXT,
		processing_time_ms INTEGER,
		context_data TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, timestamp, id);

	CREATE TABLE IF NOT EXISTS connection_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		ip_address TEXT,
		user_agent TEXT,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_connection_logs_session ON connection_logs(session_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a session row. An existing session keeps its fields
// and is marked active again.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (session_id, user_id, title, created_at, updated_at, is_active)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET is_active = 1`

	now := s.now()
	created := session.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := session.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	err := shared.RetryOnConflict(ctx, writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.SessionID, session.UserID, nullString(session.Title),
			created.UnixMilli(), updated.UnixMilli(), boolToInt(session.Active),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.ChatSession, error) {
	query := `
		SELECT session_id, user_id, title, created_at, updated_at, is_active
		FROM chat_sessions WHERE session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListUserSessions returns active sessions for a user, most recently updated first.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID string, limit int) ([]*domain.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT session_id, user_id, title, created_at, updated_at, is_active
		FROM chat_sessions
		WHERE user_id = ? AND is_active = 1
		ORDER BY updated_at DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

// AppendMessage records a message and bumps the owning session's updated_at.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string, meta *domain.MessageMeta) (*domain.ChatMessage, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if meta == nil {
		meta = &domain.MessageMeta{}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stamp := s.now().UnixMilli()
	if stamp <= s.lastStamp {
		stamp = s.lastStamp + 1
	}

	msg := &domain.ChatMessage{
		SessionID:        sessionID,
		MessageID:        uuid.NewString(),
		Role:             role,
		Content:          content,
		Timestamp:        time.UnixMilli(stamp),
		TokenCount:       meta.TokenCount,
		ModelUsed:        meta.ModelUsed,
		ProcessingTimeMs: meta.ProcessingTimeMs,
		ContextData:      meta.ContextData,
	}

	err := shared.RetryOnConflict(ctx, writeRetryAttempts, writeRetryDelay, func() error {
		return s.insertMessage(ctx, msg, stamp)
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.lastStamp = stamp
	return msg, nil
}

func (s *SQLiteStore) insertMessage(ctx context.Context, msg *domain.ChatMessage, stamp int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var tokens, procMs any
	if msg.TokenCount != nil {
		tokens = *msg.TokenCount
	}
	if msg.ProcessingTimeMs != nil {
		procMs = *msg.ProcessingTimeMs
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages
			(session_id, message_id, role, content, timestamp, token_count, model_used, processing_time_ms, context_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.MessageID, string(msg.Role), msg.Content, stamp,
		tokens, nullString(msg.ModelUsed), procMs, nullString(msg.ContextData),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ?, is_active = 1 WHERE session_id = ?`,
		stamp, msg.SessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

// LoadRecentMessages returns the last count messages of a session, oldest first.
func (s *SQLiteStore) LoadRecentMessages(ctx context.Context, sessionID string, count int) ([]*domain.ChatMessage, error) {
	if count <= 0 {
		return nil, nil
	}
	query := `
		SELECT session_id, message_id, role, content, timestamp,
		       token_count, model_used, processing_time_ms, context_data
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, count)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Rows arrive newest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LoadSystemMessages returns the system messages of a session, oldest first.
func (s *SQLiteStore) LoadSystemMessages(ctx context.Context, sessionID string) ([]*domain.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, message_id, role, content, timestamp,
		       token_count, model_used, processing_time_ms, context_data
		FROM chat_messages
		WHERE session_id = ? AND role = ?
		ORDER BY timestamp ASC, id ASC`,
		sessionID, string(domain.RoleSystem),
	)
	if err != nil {
		return nil, fmt.Errorf("query system messages: %w", err)
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*domain.ChatMessage, error) {
	defer func() { _ = rows.Close() }()

	var messages []*domain.ChatMessage
	for rows.Next() {
		var (
			msg         domain.ChatMessage
			role        string
			stamp       int64
			tokens      sql.NullInt64
			model       sql.NullString
			procMs      sql.NullInt64
			contextData sql.NullString
		)
		if err := rows.Scan(&msg.SessionID, &msg.MessageID, &role, &msg.Content, &stamp,
			&tokens, &model, &procMs, &contextData); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.Timestamp = time.UnixMilli(stamp)
		if tokens.Valid {
			n := int(tokens.Int64)
			msg.TokenCount = &n
		}
		if procMs.Valid {
			ms := procMs.Int64
			msg.ProcessingTimeMs = &ms
		}
		msg.ModelUsed = model.String
		msg.ContextData = contextData.String
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// CountMessages returns the number of messages recorded for a session.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// LogConnectionEvent appends a connection audit record.
func (s *SQLiteStore) LogConnectionEvent(ctx context.Context, event *domain.ConnectionEvent) error {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	query := `
	INSERT INTO connection_logs (session_id, user_id, event_type, timestamp, ip_address, user_agent, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, writeRetryAttempts, writeRetryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			event.SessionID, event.UserID, string(event.EventType), ts.UnixMilli(),
			nullString(event.IPAddress), nullString(event.UserAgent), nullString(event.ErrorMessage),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("log connection event: %w", err)
	}
	return nil
}

// ListConnectionEvents returns the audit trail of a session, oldest first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, sessionID string) ([]*domain.ConnectionEvent, error) {
	query := `
		SELECT session_id, user_id, event_type, timestamp, ip_address, user_agent, error_message
		FROM connection_logs
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query connection events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*domain.ConnectionEvent
	for rows.Next() {
		var (
			ev                 domain.ConnectionEvent
			eventType          string
			stamp              int64
			ip, agent, errText sql.NullString
		)
		if err := rows.Scan(&ev.SessionID, &ev.UserID, &eventType, &stamp, &ip, &agent, &errText); err != nil {
			return nil, fmt.Errorf("scan connection event row: %w", err)
		}
		ev.EventType = domain.ConnectionEventType(eventType)
		ev.Timestamp = time.UnixMilli(stamp)
		ev.IPAddress = ip.String
		ev.UserAgent = agent.String
		ev.ErrorMessage = errText.String
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection event rows: %w", err)
	}
	return events, nil
}

// DeactivateIdleSessions marks sessions idle for longer than ttl as inactive.
func (s *SQLiteStore) DeactivateIdleSessions(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.now().Add(-ttl).UnixMilli()

	var affected int64
	err := shared.RetryOnConflict(ctx, writeRetryAttempts, writeRetryDelay, func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE chat_sessions SET is_active = 0 WHERE is_active = 1 AND updated_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deactivate idle sessions: %w", err)
	}
	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	var (
		session            domain.ChatSession
		title              sql.NullString
		createdAt, updated int64
		active             int
	)
	if err := row.Scan(&session.SessionID, &session.UserID, &title, &createdAt, &updated, &active); err != nil {
		return nil, err
	}
	session.Title = title.String
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updated)
	session.Active = active == 1
	return &session, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
