package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteChannel speaks to the relay database shared with the SMS/iMessage bridge. The
// bridge appends every message it sees to inbound_messages, including copies of
// messages this process sent, and delivers whatever is queued in outbound_messages.
type SQLiteChannel struct {
	db *sql.DB
}

func OpenSQLiteChannel(path string) (*SQLiteChannel, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("relay database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open relay database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect relay database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	channel := &SQLiteChannel{db: db}
	if err := channel.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return channel, nil
}

func (c *SQLiteChannel) Close() error {
	return c.db.Close()
}

func (c *SQLiteChannel) PollSince(ctx context.Context, marker int64) ([]Message, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT id, sender, body, received_at_ms
FROM inbound_messages
WHERE id > ?
ORDER BY id ASC
LIMIT 500
`, marker)
	if err != nil {
		return nil, fmt.Errorf("poll relay messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var body sql.NullString
		var receivedMS int64
		if err := rows.Scan(&msg.ID, &msg.Sender, &body, &receivedMS); err != nil {
			return nil, fmt.Errorf("scan relay message: %w", err)
		}
		msg.Text = body.String
		if receivedMS > 0 {
			msg.Timestamp = time.UnixMilli(receivedMS).UTC()
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relay messages: %w", err)
	}
	return out, nil
}

func (c *SQLiteChannel) Send(ctx context.Context, recipient, text string) error {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return errors.New("recipient is required")
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO outbound_messages (recipient, body, created_at_ms)
VALUES (?, ?, ?)
`, recipient, text, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("queue outbound message: %w", err)
	}
	return nil
}

func (c *SQLiteChannel) LatestID(ctx context.Context) (int64, error) {
	var latest sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(id) FROM inbound_messages`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("read latest relay message id: %w", err)
	}
	return latest.Int64, nil
}

// Insert records an inbound message the way the bridge does. It exists for local
// tooling and tests.
func (c *SQLiteChannel) Insert(ctx context.Context, sender, text string, at time.Time) (int64, error) {
	result, err := c.db.ExecContext(ctx, `
INSERT INTO inbound_messages (sender, body, received_at_ms)
VALUES (?, ?, ?)
`, sender, text, at.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert relay message: %w", err)
	}
	return result.LastInsertId()
}

func (c *SQLiteChannel) initSchema() error {
	statements := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`
CREATE TABLE IF NOT EXISTS inbound_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	body TEXT,
	received_at_ms INTEGER NOT NULL DEFAULT 0
);
`,
		`
CREATE TABLE IF NOT EXISTS outbound_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	delivered_at_ms INTEGER
);
`,
		`CREATE INDEX IF NOT EXISTS idx_outbound_pending ON outbound_messages (delivered_at_ms, id);`,
	}
	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize relay schema: %w", err)
		}
	}
	return nil
}
