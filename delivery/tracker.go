// Package delivery reconciles transport-level delivery receipts with the
// outbox and publishes per-message status changes to registered observers.
//
// The tracker is the only component that mutates the outbox recipient sets
// outside of the store's own maintenance sweep.
package delivery

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub007/outbox"
	"github.com/bertvancapelle/CommEazy-sub007/transport"
)

// Status is the observable delivery state of a message. Delivered, failed,
// and expired are terminal. Sent acknowledges local hand-off to the
// transport only, not remote receipt.
type Status uint8

const (
	// StatusPending means the message awaits its first successful hand-off.
	StatusPending Status = iota
	// StatusSent means the transport accepted the message locally.
	StatusSent
	// StatusDelivered means every recipient confirmed receipt.
	StatusDelivered
	// StatusFailed means the message can no longer be delivered.
	StatusFailed
	// StatusExpired means the TTL passed before full delivery.
	StatusExpired
)

// String returns the status name used in log output and the UI layer.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can follow.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// StatusChange is one observable transition for one message.
type StatusChange struct {
	MessageID string
	Status    Status
	// Recipient is set for per-recipient delivery confirmations, empty for
	// message-level transitions.
	Recipient string
	At        time.Time
}

// StatusHandler processes status-change events.
type StatusHandler func(StatusChange)

// Tracker maps transport receipts back to outbox state and fans status
// changes out to observers (chat UI, message history store).
type Tracker struct {
	mu       sync.Mutex
	store    *outbox.Store
	statuses map[string]Status
	handlers map[int]StatusHandler
	next     int

	unsubscribe func()
}

// NewTracker creates a tracker over the given outbox store.
func NewTracker(store *outbox.Store) *Tracker {
	return &Tracker{
		store:    store,
		statuses: make(map[string]Status),
		handlers: make(map[int]StatusHandler),
	}
}

// Attach subscribes the tracker to a transport's receipt stream. Detach
// reverses it.
func (t *Tracker) Attach(tr transport.Transport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
	t.unsubscribe = tr.OnReceipt(t.HandleReceipt)
}

// Detach unsubscribes from the transport.
func (t *Tracker) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
}

// OnStatusChange registers an observer. Every registered observer receives
// every change until its unsubscribe func is called.
func (t *Tracker) OnStatusChange(h StatusHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	handle := t.next
	t.next++
	t.handlers[handle] = h
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.handlers, handle)
	}
}

// HandleReceipt processes one transport-level delivery acknowledgment.
// A receipt for an unknown message or a recipient no longer pending is a
// harmless no-op.
func (t *Tracker) HandleReceipt(r transport.Receipt) {
	changed, err := t.store.MarkDelivered(r.MessageID, r.From)
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			logrus.WithFields(logrus.Fields{
				"message_id": r.MessageID,
				"from":       r.From,
			}).Debug("Receipt for unknown message ignored")
			return
		}
		logrus.WithFields(logrus.Fields{
			"message_id": r.MessageID,
			"error":      err,
		}).Error("Failed to record delivery receipt")
		return
	}
	if !changed {
		return
	}

	full, err := t.store.IsFullyDelivered(r.MessageID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": r.MessageID,
			"error":      err,
		}).Error("Failed to re-derive delivery status")
		return
	}

	if full {
		t.transition(r.MessageID, StatusDelivered, r.From)
	} else {
		// Partial delivery: surface the per-recipient confirmation without
		// changing the message-level status.
		t.publish(StatusChange{
			MessageID: r.MessageID,
			Status:    t.statusOf(r.MessageID),
			Recipient: r.From,
			At:        time.Now(),
		})
	}
}

// NoteSent records a successful local hand-off. It never overrides a
// terminal status and is a no-op once the message left pending.
func (t *Tracker) NoteSent(messageID string) {
	t.mu.Lock()
	current, ok := t.statuses[messageID]
	t.mu.Unlock()

	if ok {
		if current != StatusPending {
			return
		}
	} else {
		// No in-memory state, so the durable record decides: a message
		// already fully delivered or swept away must not regress to sent.
		full, err := t.store.IsFullyDelivered(messageID)
		if err != nil || full {
			return
		}
	}
	t.transition(messageID, StatusSent, "")
}

// NoteFailed records a terminal failure for a message.
func (t *Tracker) NoteFailed(messageID string) {
	t.transition(messageID, StatusFailed, "")
}

// NoteExpired surfaces the expired status for a message about to be swept.
// Expiry is one-way: an expired message is never resurrected.
func (t *Tracker) NoteExpired(msg *outbox.Message) {
	t.transition(msg.ID, StatusExpired, "")
}

// statusOf returns the tracked message-level status, pending by default.
func (t *Tracker) statusOf(messageID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statuses[messageID]
}

// transition applies precedence (expired/failed > delivered > sent >
// pending), records the new status, and publishes on change.
//
// Delivered and expired entries are evicted rather than stored: the outbox
// row is the durable record for delivered messages, and an expired row is
// about to be swept, so the map only ever holds in-flight and
// failed-but-unswept messages.
func (t *Tracker) transition(messageID string, next Status, recipient string) {
	t.mu.Lock()
	current := t.statuses[messageID]
	if current.Terminal() {
		if next == StatusExpired {
			// The message is leaving the store; drop the bookkeeping with it.
			delete(t.statuses, messageID)
		}
		t.mu.Unlock()
		return
	}
	if next == current {
		t.mu.Unlock()
		return
	}
	if next == StatusDelivered || next == StatusExpired {
		delete(t.statuses, messageID)
	} else {
		t.statuses[messageID] = next
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"message_id": messageID,
		"from":       current.String(),
		"to":         next.String(),
	}).Debug("Delivery status changed")

	t.publish(StatusChange{
		MessageID: messageID,
		Status:    next,
		Recipient: recipient,
		At:        time.Now(),
	})
}

// publish fans one event out to every registered observer.
func (t *Tracker) publish(change StatusChange) {
	t.mu.Lock()
	handlers := make([]StatusHandler, 0, len(t.handlers))
	for _, h := range t.handlers {
		handlers = append(handlers, h)
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}
