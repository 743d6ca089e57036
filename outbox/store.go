package outbox

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound indicates a message id the store does not hold.
var ErrNotFound = errors.New("message not found")

const schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	encrypted_content BLOB NOT NULL,
	content_type TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	pending_to TEXT NOT NULL,
	delivered_to TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_attempt INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_outbox_expires ON outbox_messages(expires_at);
CREATE INDEX IF NOT EXISTS idx_outbox_chat ON outbox_messages(chat_id);
`

// Store persists pending encrypted messages in a local SQLite database.
// All access serializes through the store's lock: the single-writer
// discipline that prevents a double-send or a lost recipient-set update.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	now func() time.Time
}

// NewStore opens (creating if needed) the outbox database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}

	return &Store{db: db, now: time.Now}, nil
}

// SetClock replaces the store's time source. Deterministic tests drive TTL
// expiry through this.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Append persists a freshly encrypted message with the full recipient set
// pending and a seven-day expiry.
func (s *Store) Append(chatID string, encrypted []byte, contentType string, recipients []string) (*Message, error) {
	if len(encrypted) == 0 {
		return nil, errors.New("empty encrypted content")
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	msg := &Message{
		ID:               uuid.NewString(),
		ChatID:           chatID,
		EncryptedContent: encrypted,
		ContentType:      contentType,
		CreatedAt:        now,
		ExpiresAt:        now.Add(TTL),
		PendingTo:        dedup(recipients),
		DeliveredTo:      []string{},
	}

	pending, delivered, err := encodeSets(msg)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		`INSERT INTO outbox_messages
		 (id, chat_id, encrypted_content, content_type, created_at, expires_at, pending_to, delivered_to, retry_count, last_attempt)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		msg.ID, msg.ChatID, msg.EncryptedContent, msg.ContentType,
		msg.CreatedAt.Unix(), msg.ExpiresAt.Unix(), pending, delivered,
	)
	if err != nil {
		return nil, &PersistenceError{Op: "append", Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"chat_id":    chatID,
		"recipients": len(msg.PendingTo),
		"expires_at": msg.ExpiresAt,
	}).Debug("Outbox message appended")
	return msg, nil
}

// MarkDelivered moves one recipient from pending to delivered. Calling it
// twice for the same pair is a no-op, as is a receipt from a recipient not
// currently pending: a stale or duplicate receipt cannot corrupt state.
// The returned bool reports whether anything changed.
func (s *Store) MarkDelivered(messageID, recipientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.get(messageID)
	if err != nil {
		return false, err
	}

	idx := -1
	for i, jid := range msg.PendingTo {
		if jid == recipientID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}

	msg.PendingTo = append(msg.PendingTo[:idx], msg.PendingTo[idx+1:]...)
	msg.DeliveredTo = append(msg.DeliveredTo, recipientID)

	pending, delivered, err := encodeSets(msg)
	if err != nil {
		return false, err
	}
	if _, err := s.db.Exec(
		`UPDATE outbox_messages SET pending_to = ?, delivered_to = ? WHERE id = ?`,
		pending, delivered, messageID,
	); err != nil {
		return false, &PersistenceError{Op: "mark delivered", Err: err}
	}
	return true, nil
}

// Get returns one message by id.
func (s *Store) Get(messageID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(messageID)
}

// IsFullyDelivered reports whether every recipient of the message has
// confirmed receipt.
func (s *Store) IsFullyDelivered(messageID string) (bool, error) {
	msg, err := s.Get(messageID)
	if err != nil {
		return false, err
	}
	return msg.IsFullyDelivered(), nil
}

// IsExpired reports whether the message's TTL has passed.
func (s *Store) IsExpired(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.get(messageID)
	if err != nil {
		return false, err
	}
	return msg.IsExpiredAt(s.now()), nil
}

// ListRetryable returns every message that is neither fully delivered nor
// expired, oldest first.
func (s *Store) ListRetryable() ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rows, err := s.db.Query(
		`SELECT id, chat_id, encrypted_content, content_type, created_at, expires_at,
		        pending_to, delivered_to, retry_count, last_attempt
		 FROM outbox_messages
		 WHERE expires_at >= ?
		 ORDER BY created_at ASC`,
		now.Unix(),
	)
	if err != nil {
		return nil, &PersistenceError{Op: "list retryable", Err: err}
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if msg.IsFullyDelivered() {
			continue
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list retryable", Err: err}
	}
	return out, nil
}

// HasRetryable reports whether any message still needs a send attempt.
func (s *Store) HasRetryable() (bool, error) {
	msgs, err := s.ListRetryable()
	if err != nil {
		return false, err
	}
	return len(msgs) > 0, nil
}

// MarkAttempt records one completed send attempt for backoff accounting.
func (s *Store) MarkAttempt(messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE outbox_messages SET retry_count = retry_count + 1, last_attempt = ? WHERE id = ?`,
		at.Unix(), messageID,
	)
	if err != nil {
		return &PersistenceError{Op: "mark attempt", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepExpired deletes every expired, not-fully-delivered entry. The
// onExpired callback fires for each entry before its row is deleted, so
// the expired status is always surfaced first. Expired entries that were
// fully delivered are cleaned up without an event.
//
// The callback chain reaches app-level observers that may call back into
// the store, so it runs with the store lock released.
func (s *Store) SweepExpired(onExpired func(*Message)) (int, error) {
	expired, err := s.listExpired()
	if err != nil {
		return 0, err
	}

	for _, msg := range expired {
		if !msg.IsFullyDelivered() && onExpired != nil {
			onExpired(msg)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, msg := range expired {
		if _, err := s.db.Exec(`DELETE FROM outbox_messages WHERE id = ?`, msg.ID); err != nil {
			return swept, &PersistenceError{Op: "sweep", Err: err}
		}
		if !msg.IsFullyDelivered() {
			swept++
		}
	}

	if swept > 0 {
		logrus.WithFields(logrus.Fields{
			"expired": swept,
		}).Info("Swept expired outbox messages")
	}
	return swept, nil
}

// listExpired returns every entry past its TTL.
func (s *Store) listExpired() ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rows, err := s.db.Query(
		`SELECT id, chat_id, encrypted_content, content_type, created_at, expires_at,
		        pending_to, delivered_to, retry_count, last_attempt
		 FROM outbox_messages
		 WHERE expires_at < ?`,
		now.Unix(),
	)
	if err != nil {
		return nil, &PersistenceError{Op: "sweep", Err: err}
	}
	defer rows.Close()

	var expired []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		expired = append(expired, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "sweep", Err: err}
	}
	return expired, nil
}

// get reads one row. Caller holds the lock.
func (s *Store) get(messageID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, encrypted_content, content_type, created_at, expires_at,
		        pending_to, delivered_to, retry_count, last_attempt
		 FROM outbox_messages WHERE id = ?`,
		messageID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg                   Message
		createdAt, expiresAt  int64
		lastAttempt           int64
		pendingRaw, delivRaw  string
	)
	err := row.Scan(
		&msg.ID, &msg.ChatID, &msg.EncryptedContent, &msg.ContentType,
		&createdAt, &expiresAt, &pendingRaw, &delivRaw,
		&msg.RetryCount, &lastAttempt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, &PersistenceError{Op: "scan", Err: err}
	}

	msg.CreatedAt = time.Unix(createdAt, 0)
	msg.ExpiresAt = time.Unix(expiresAt, 0)
	if lastAttempt > 0 {
		msg.LastAttempt = time.Unix(lastAttempt, 0)
	}
	if err := json.Unmarshal([]byte(pendingRaw), &msg.PendingTo); err != nil {
		return nil, &PersistenceError{Op: "decode pending_to", Err: err}
	}
	if err := json.Unmarshal([]byte(delivRaw), &msg.DeliveredTo); err != nil {
		return nil, &PersistenceError{Op: "decode delivered_to", Err: err}
	}
	return &msg, nil
}

func encodeSets(msg *Message) (pending string, delivered string, err error) {
	p, err := json.Marshal(msg.PendingTo)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode pending_to: %w", err)
	}
	d, err := json.Marshal(msg.DeliveredTo)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode delivered_to: %w", err)
	}
	return string(p), string(d), nil
}

func dedup(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, jid := range in {
		if _, ok := seen[jid]; ok {
			continue
		}
		seen[jid] = struct{}{}
		out = append(out, jid)
	}
	return out
}
