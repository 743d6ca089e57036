// Package outbox implements the durable queue of encrypted, not-yet-fully
// delivered messages. Entries live for seven days; what is still pending
// after that is surfaced as expired and then deleted, never silently.
//
// The store is the single owner of its rows. Retry ticks, receipt
// callbacks, and lifecycle transitions all mutate it through this package
// only, serialized by the store's writer lock.
package outbox

import (
	"fmt"
	"time"
)

// TTL is how long an undelivered message is kept before being abandoned.
const TTL = 7 * 24 * time.Hour

// Message is one pending encrypted message awaiting delivery. The content
// is opaque ciphertext; plaintext is never at rest here.
type Message struct {
	ID               string
	ChatID           string
	EncryptedContent []byte
	ContentType      string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	PendingTo        []string
	DeliveredTo      []string
	RetryCount       int
	LastAttempt      time.Time
}

// IsFullyDelivered reports whether every original recipient has confirmed
// receipt. A fully delivered message is terminal.
func (m *Message) IsFullyDelivered() bool {
	return len(m.PendingTo) == 0
}

// IsExpiredAt reports whether the TTL had passed at the given instant.
func (m *Message) IsExpiredAt(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// PersistenceError wraps a local store failure with the operation that hit
// it. Callers log these and continue on a best-effort basis; a store
// failure never crashes a scheduler or lifecycle loop.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("outbox %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying database error.
func (e *PersistenceError) Unwrap() error { return e.Err }
