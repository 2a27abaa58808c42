// Package storage persists chat messages and notifications in a local
// SQLite database under the workspace directory.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Message kinds. A missed-call marker carries no body text; the UI renders
// it from the kind alone.
const (
	MessageText       = "text"
	MessageMissedCall = "missed-call"
)

// Notification kinds.
const (
	NotifyMissedCall = "missed-call"
)

// Message is one chat message between two teammates.
type Message struct {
	ID          string    `json:"id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Kind        string    `json:"kind"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notification is one inbox entry for the local user.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Link      string    `json:"link"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// DB wraps the local SQLite database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database in the given workspace directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "huddle.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL plus a busy timeout so the web handlers and the signaling loop
	// can write concurrently.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			sender      TEXT NOT NULL,
			recipient   TEXT NOT NULL,
			kind        TEXT NOT NULL DEFAULT 'text',
			body        TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '[]',
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_pair
			ON messages (sender, recipient, created_at);

		CREATE TABLE IF NOT EXISTS notifications (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			sender     TEXT NOT NULL,
			link       TEXT NOT NULL DEFAULT '',
			read       INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_recipient
			ON notifications (recipient, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// InsertMessage stores one message. A missing ID or timestamp is filled in.
func (d *DB) InsertMessage(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = MessageText
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	atts, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO messages (id, sender, recipient, kind, body, attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.To, m.Kind, m.Body, string(atts), m.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Conversation returns the most recent messages between two teammates in
// chronological order.
func (d *DB) Conversation(a, b string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.Query(
		`SELECT id, sender, recipient, kind, body, attachments, created_at
		 FROM messages
		 WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		 ORDER BY created_at DESC LIMIT ?`,
		a, b, b, a, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var atts string
	var ts int64
	if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Kind, &m.Body, &atts, &ts); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return m, fmt.Errorf("decode attachments: %w", err)
	}
	m.CreatedAt = time.UnixMilli(ts)
	return m, nil
}

// InsertNotification stores one inbox entry. A missing ID or timestamp is
// filled in.
func (d *DB) InsertNotification(n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO notifications (id, kind, recipient, sender, link, read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Kind, n.Recipient, n.Sender, n.Link, boolInt(n.Read), n.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// Notifications returns the recipient's entries, newest first.
func (d *DB) Notifications(recipient string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(
		`SELECT id, kind, recipient, sender, link, read, created_at
		 FROM notifications WHERE recipient = ?
		 ORDER BY created_at DESC LIMIT ?`,
		recipient, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var read int
		var ts int64
		if err := rows.Scan(&n.ID, &n.Kind, &n.Recipient, &n.Sender, &n.Link, &read, &ts); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Read = read != 0
		n.CreatedAt = time.UnixMilli(ts)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flags one entry as read. Unknown IDs are a no-op.
func (d *DB) MarkNotificationRead(id string) error {
	_, err := d.db.Exec(`UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
