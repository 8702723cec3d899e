// Package outbox implements the fire-and-forget message producer contract
// by appending messages to a local SQLite outbox a relay process can drain.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harborcms/harbor/internal/platform/id"
	sqlitemigrate "github.com/harborcms/harbor/internal/platform/storage/sqlitemigrate"
	"github.com/harborcms/harbor/internal/services/engagement/outbox/migrations"
	_ "modernc.org/sqlite"
)

// Message is one produced outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	CreatedAt time.Time
}

// Store provides SQLite-backed outbox persistence.
type Store struct {
	sqlDB *sql.DB
	clock func() time.Time
	newID func() (string, error)
}

// Open opens an outbox store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("outbox path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping outbox db: %w", err)
	}
	store := &Store{sqlDB: sqlDB, clock: time.Now, newID: id.NewID}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run outbox migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Produce appends one message. Fire-and-forget from the caller's view:
// delivery is the relay's concern.
func (s *Store) Produce(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("outbox is not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	messageID, err := s.newID()
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO outbox_messages (id, topic, payload, created_at) VALUES (?, ?, ?, ?)
`, messageID, topic, payload, s.clock().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("append outbox message: %w", err)
	}
	return nil
}

// List returns up to limit messages for a topic, oldest first.
func (s *Store) List(ctx context.Context, topic string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("outbox is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, topic, payload, created_at FROM outbox_messages
WHERE topic = ?
ORDER BY created_at ASC, id ASC
LIMIT ?
`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var message Message
		var createdAt int64
		if err := rows.Scan(&message.ID, &message.Topic, &message.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		message.CreatedAt = time.UnixMilli(createdAt).UTC()
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return messages, nil
}

// Nop is a producer that discards every message; used by deployments
// without a message bus.
type Nop struct{}

// Produce discards the message.
func (Nop) Produce(context.Context, string, []byte) error { return nil }
