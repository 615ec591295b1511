// Package history maintains the append-only, chat-scoped record of
// exchanged messages. The log is a display/audit trail; memory snapshots
// are the source of truth for resumption.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stepwire/stepwire/internal/observability"
	"github.com/stepwire/stepwire/internal/tracing"
)

// Roles recorded in the log
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// StepTypeUserMessage tags user records; agent records carry the type of
// the step they were produced from.
const StepTypeUserMessage = "user_message"

// Record is one logged message. Ordering is by insertion sequence, not
// timestamp: timestamps may collide.
type Record struct {
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"type"`
	Content   string    `json:"message"`
	MessageID string    `json:"message_id"`
	StepType  string    `json:"step_type,omitempty"`
	Sequence  int64     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the SQLite-backed history log
type Log struct {
	db *sql.DB
}

// Open opens the history database and creates the schema if needed
func Open(path string) (*Log, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, fmt.Errorf("history database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &Log{db: db}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("History log initialized")

	return l, nil
}

// initSchema creates the history table. Idempotent.
func (l *Log) initSchema() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS chat_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		message_id TEXT NOT NULL,
		step_type TEXT DEFAULT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chat_history_chat_id ON chat_history(chat_id);
	`
	if _, err := l.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Append durably writes one record before returning
func (l *Log) Append(ctx context.Context, rec Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithChatID(ctx, rec.ChatID)
	ctx, span := tracing.StartSpan(
		ctx,
		"stepwire.history",
		"history.append",
		attribute.String("chat_id", rec.ChatID),
		attribute.String("role", rec.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	defer func() {
		observability.RecordHistoryAppend(time.Since(start))
	}()

	if rec.ChatID == "" {
		return fmt.Errorf("chat id cannot be empty")
	}
	if rec.Role != RoleUser && rec.Role != RoleAgent {
		return fmt.Errorf("invalid role %q", rec.Role)
	}
	if rec.MessageID == "" {
		return fmt.Errorf("message id cannot be empty")
	}

	var stepType sql.NullString
	if rec.StepType != "" {
		stepType = sql.NullString{String: rec.StepType, Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO chat_history (chat_id, role, content, message_id, step_type)
		VALUES (?, ?, ?, ?, ?);
	`, rec.ChatID, rec.Role, rec.Content, rec.MessageID, stepType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append history record: %w", err)
	}

	logger.Debug().Str("role", rec.Role).Msg("History record appended")

	return nil
}

// List returns all records for a chat in original insertion order
func (l *Log) List(ctx context.Context, chatID string) ([]Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithChatID(ctx, chatID)
	ctx, span := tracing.StartSpan(
		ctx,
		"stepwire.history",
		"history.list",
		attribute.String("chat_id", chatID),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordHistoryList(time.Since(start))
	}()

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, message_id, step_type, timestamp
		FROM chat_history
		WHERE chat_id = ?
		ORDER BY id ASC;
	`, chatID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var stepType sql.NullString
		if err := rows.Scan(&rec.Sequence, &rec.ChatID, &rec.Role, &rec.Content, &rec.MessageID, &stepType, &rec.Timestamp); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan history record: %w", err)
		}
		rec.StepType = stepType.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}

	return records, nil
}

// Close closes the underlying database
func (l *Log) Close() error {
	return l.db.Close()
}
