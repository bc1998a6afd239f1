package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "chathub/pkg/database"
	"chathub/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager is the SQLite message store. Writes go through a single writer
// goroutine; reads use the connection pool directly.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database described by config and starts the writer.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop runs every write, retrying a failed one once after RetryDelay.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && m.config.RetryDelay > 0 {
				log.Printf("Database write failed, retrying in %v: %v", m.config.RetryDelay, err)
				select {
				case <-time.After(m.config.RetryDelay):
					err = op.operation(m.db)
					if err != nil {
						log.Printf("Database write failed after retry: %v", err)
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// Persist stores one direct message and returns its record ID.
func (m *Manager) Persist(ctx context.Context, senderID, recipientID, body string, ts time.Time) (string, error) {
	id := uuid.NewString()
	threadID := types.DirectThreadID(senderID, recipientID)

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			INSERT INTO messages (id, thread_id, sender_id, recipient_id, body, sent_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`
		if _, err := db.ExecContext(ctx, query, id, threadID, senderID, recipientID, body, ts.UTC()); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkRead sets the read time of one message if it is still unread.
func (m *Manager) MarkRead(ctx context.Context, messageID string, at time.Time) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		query := `UPDATE messages SET read_at = ? WHERE id = ? AND read_at IS NULL`
		if _, err := db.ExecContext(ctx, query, at.UTC(), messageID); err != nil {
			return fmt.Errorf("failed to mark message read: %w", err)
		}
		return nil
	})
}

// MarkThreadRead marks every unread message sent to readerID in threadID as
// read.
func (m *Manager) MarkThreadRead(ctx context.Context, threadID, readerID string, at time.Time) (int64, error) {
	var updated int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		query := `
			UPDATE messages SET read_at = ?
			WHERE thread_id = ? AND recipient_id = ? AND read_at IS NULL
		`
		res, err := db.ExecContext(ctx, query, at.UTC(), threadID, readerID)
		if err != nil {
			return fmt.Errorf("failed to mark thread read: %w", err)
		}
		updated, err = res.RowsAffected()
		return err
	})
	return updated, err
}

// ThreadMessages returns the limit most recent messages of threadID, oldest
// first.
func (m *Manager) ThreadMessages(ctx context.Context, threadID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, thread_id, sender_id, recipient_id, body, sent_at, read_at
		FROM (
			SELECT id, thread_id, sender_id, recipient_id, body, sent_at, read_at, rowid
			FROM messages
			WHERE thread_id = ?
			ORDER BY sent_at DESC, rowid DESC
			LIMIT ?
		)
		ORDER BY sent_at ASC, rowid ASC
	`

	rows, err := m.db.QueryContext(ctx, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*types.Message
	for rows.Next() {
		var message types.Message
		var readAt sql.NullTime

		err := rows.Scan(
			&message.ID,
			&message.ThreadID,
			&message.SenderID,
			&message.RecipientID,
			&message.Body,
			&message.Timestamp,
			&readAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if readAt.Valid {
			message.ReadAt = &readAt.Time
		}
		messages = append(messages, &message)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// HealthCheck validates database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. It is safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
