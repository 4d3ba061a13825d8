package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	ErrMessageNotFound  = errors.New("queue_message_not_found")
	ErrInvalidQueueName = errors.New("invalid_queue_name")
)

var queueNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,47}$`)

// queueTable returns the pgmq table backing queue. Names are checked since
// they are interpolated into SQL.
func queueTable(queue string) (string, error) {
	if !queueNamePattern.MatchString(queue) {
		return "", fmt.Errorf("%q: %w", queue, ErrInvalidQueueName)
	}
	return "pgmq.q_" + queue, nil
}

// PGMQ wraps a Postgres DB for pgmq queue operations.
type PGMQ struct {
	db *sql.DB
}

func NewPGMQ(db *sql.DB) *PGMQ {
	return &PGMQ{db: db}
}

// Message is a single pgmq message. ReadCount grows each time the message becomes visible again.
type Message struct {
	ID        int64
	ReadCount int
	Data      []byte
}

// Create makes the queue if it does not exist yet.
func (c *PGMQ) Create(ctx context.Context, queue string) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.create($1)", queue); err != nil {
		return fmt.Errorf("pgmq create %s failed: %w", queue, err)
	}
	return nil
}

// Send pushes a JSON payload into the given queue.
func (c *PGMQ) Send(ctx context.Context, queue string, payload []byte) (int64, error) {
	var id int64
	if err := c.db.QueryRowContext(ctx, "SELECT pgmq.send($1, $2::jsonb, 0)", queue, string(payload)).Scan(&id); err != nil {
		return 0, fmt.Errorf("pgmq send failed: %w", err)
	}
	return id, nil
}

// Publish makes PGMQ usable wherever a Publisher is expected.
func (c *PGMQ) Publish(ctx context.Context, queue string, payload []byte) (string, error) {
	id, err := c.Send(ctx, queue, payload)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// ReadWithPoll reads up to maxMessages, hiding them for visibilitySec and
// blocking up to pollSec seconds when the queue is empty.
func (c *PGMQ) ReadWithPoll(ctx context.Context, queue string, visibilitySec, maxMessages, pollSec int) ([]*Message, error) {
	const q = "SELECT msg_id, read_ct, message FROM pgmq.read_with_poll($1, $2, $3, $4)"
	rows, err := c.db.QueryContext(ctx, q, queue, visibilitySec, maxMessages, pollSec)
	if err != nil {
		return nil, fmt.Errorf("pgmq read_with_poll failed: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.Data); err != nil {
			return nil, fmt.Errorf("pgmq read scan failed: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq read rows error: %w", err)
	}
	return msgs, nil
}

// Delete removes a message from the queue.
func (c *PGMQ) Delete(ctx context.Context, queue string, msgID int64) error {
	if _, err := c.db.ExecContext(ctx, "SELECT pgmq.delete($1, $2::bigint)", queue, msgID); err != nil {
		return fmt.Errorf("pgmq delete failed: %w", err)
	}
	return nil
}

// Peek lists up to limit messages, oldest first, without changing their visibility.
func (c *PGMQ) Peek(ctx context.Context, queue string, limit int) ([]*Message, error) {
	table, err := queueTable(queue)
	if err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, "SELECT msg_id, read_ct, message FROM "+table+" ORDER BY msg_id LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("pgmq peek failed: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ReadCount, &m.Data); err != nil {
			return nil, fmt.Errorf("pgmq peek scan failed: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgmq peek rows error: %w", err)
	}
	return msgs, nil
}

// Get returns a single message by ID regardless of its visibility.
func (c *PGMQ) Get(ctx context.Context, queue string, msgID int64) (*Message, error) {
	table, err := queueTable(queue)
	if err != nil {
		return nil, err
	}
	var m Message
	err = c.db.QueryRowContext(ctx, "SELECT msg_id, read_ct, message FROM "+table+" WHERE msg_id = $1", msgID).
		Scan(&m.ID, &m.ReadCount, &m.Data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("pgmq get %d failed: %w", msgID, err)
	}
	return &m, nil
}
