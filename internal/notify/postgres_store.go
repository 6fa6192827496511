package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by the notification_queue table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the notification_queue table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notification_queue (
			id         VARCHAR(36) PRIMARY KEY,
			user_id    VARCHAR(128) NOT NULL,
			type       VARCHAR(32) NOT NULL,
			subject    TEXT NOT NULL,
			body       TEXT NOT NULL,
			status     VARCHAR(8) NOT NULL DEFAULT 'pending',
			attempts   INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sent_at    TIMESTAMPTZ,
			CONSTRAINT chk_notification_status CHECK (status IN ('pending', 'sent', 'failed'))
		);
		CREATE INDEX IF NOT EXISTS idx_notification_queue_pending
			ON notification_queue(created_at) WHERE status = 'pending';
		ALTER TABLE notification_queue DROP CONSTRAINT IF EXISTS chk_notification_status;
		ALTER TABLE notification_queue ADD CONSTRAINT chk_notification_status
			CHECK (status IN ('pending', 'sent', 'failed'));
	`)
	return err
}

func (p *PostgresStore) Append(ctx context.Context, n *Notification) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notification_queue (id, user_id, type, subject, body, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, string(n.Type), n.Subject, n.Body, string(n.Status), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("append notification: %w", err)
	}
	return nil
}

// ListPending returns pending notifications, oldest first.
func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, subject, body, status, created_at, sent_at
		FROM notification_queue
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Notification
	for rows.Next() {
		var (
			n           Notification
			typ, status string
			sentAt      sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Subject, &n.Body, &status, &n.CreatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type, n.Status = Type(typ), Status(status)
		if sentAt.Valid {
			t := sentAt.Time
			n.SentAt = &t
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = 'sent', sent_at = COALESCE(sent_at, $2), attempts = attempts + 1
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE notification_queue
		SET status = CASE WHEN status = 'pending' THEN 'failed' ELSE status END,
		    attempts = attempts + 1
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
