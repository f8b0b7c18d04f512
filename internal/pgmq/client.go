package pgmq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Client wraps a Postgres DB for operations on a single pgmq queue.
type Client struct {
	db    *sql.DB
	queue string
}

// New returns a new PGMQ client for queue backed by the given DB connection.
func New(db *sql.DB, queue string) *Client {
	return &Client{db: db, queue: queue}
}

// Message represents a single pgmq message.
type Message struct {
	ID      int64
	ReadCt  int
	Data    []byte
	Enqueue time.Time
}

func (c *Client) Queue() string {
	return c.queue
}

// Send pushes v as a JSON payload and returns the queue message id.
func (c *Client) Send(ctx context.Context, v any) (int64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("pgmq marshal payload: %w", err)
	}
	var id int64
	const q = "SELECT * FROM pgmq.send($1, $2::jsonb)"
	if err := c.db.QueryRowContext(ctx, q, c.queue, string(payload)).Scan(&id); err != nil {
		return 0, fmt.Errorf("pgmq send failed: %w", err)
	}
	return id, nil
}

// ReadWithPoll reads up to maxMessages, blocking up to pollSec seconds. Read
// messages stay invisible to other consumers for visibility.
func (c *Client) ReadWithPoll(ctx context.Context, visibility time.Duration, pollSec, maxMessages int) ([]*Message, error) {
	const q = "SELECT msg_id, read_ct, enqueued_at, message FROM pgmq.read_with_poll($1, $2, $3, $4)"
	rows, err := c.db.QueryContext(ctx, q, c.queue, int(visibility.Seconds()), maxMessages, pollSec)
	if err != nil {
		return nil, fmt.Errorf("pgmq read_with_poll failed: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ReadCt, &m.Enqueue, &m.Data); err != nil {
			return nil, fmt.Errorf("pgmq read scan failed: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq read rows error: %w", err)
	}
	return msgs, nil
}

// Delete removes a message by id.
func (c *Client) Delete(ctx context.Context, msgID int64) error {
	const q = "SELECT pgmq.delete($1, $2::bigint)"
	if _, err := c.db.ExecContext(ctx, q, c.queue, msgID); err != nil {
		return fmt.Errorf("pgmq delete failed: %w", err)
	}
	return nil
}
