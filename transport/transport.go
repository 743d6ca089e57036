// Package transport defines the abstract chat transport the delivery engine
// is layered on, plus its two implementations: a real WebSocket client and
// a simulated in-memory transport for tests and development builds.
//
// The implementation is chosen once at composition time; engine code only
// ever sees the Transport interface.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected indicates an operation that requires a live connection.
var ErrNotConnected = errors.New("transport not connected")

// ErrTimeout indicates a connect, ping, or send that exceeded its deadline.
var ErrTimeout = errors.New("transport operation timed out")

// Envelope carries one recipient's ciphertext for one message. The payload
// is opaque to the transport.
type Envelope struct {
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	To          string `json:"to"`
	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`
}

// Receipt is a transport-level delivery acknowledgment: the recipient's
// device confirmed receipt of one envelope.
type Receipt struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	At        time.Time `json:"at"`
}

// IncomingMessage is an inbound envelope addressed to the local device.
type IncomingMessage struct {
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"`
	From        string    `json:"from"`
	ContentType string    `json:"content_type"`
	Payload     []byte    `json:"payload"`
	At          time.Time `json:"at"`
}

// ReceiptHandler processes inbound delivery receipts.
type ReceiptHandler func(Receipt)

// MessageHandler processes inbound messages.
type MessageHandler func(IncomingMessage)

// Transport is the abstract connection to the chat server. Connect, Ping,
// and Send are the blocking operations and honor their context deadlines;
// presence signaling is best-effort.
type Transport interface {
	// Connect authenticates and establishes the connection.
	Connect(ctx context.Context, identity, secret string) error

	// Disconnect tears the connection down. Safe to call on a dead socket.
	Disconnect() error

	// Ping performs a round-trip liveness probe. An error (including a
	// context deadline) means the connection must be treated as dead.
	Ping(ctx context.Context) error

	// SendPresence broadcasts availability to subscribed contacts.
	SendPresence(show string) error

	// SendUnavailable broadcasts that the local device is going away.
	SendUnavailable() error

	// SubscribePresence subscribes to a contact's presence updates.
	SubscribePresence(jid string) error

	// Send hands one envelope to the server. Success means local hand-off
	// only, not remote delivery.
	Send(ctx context.Context, env *Envelope) error

	// OnReceipt registers a handler for delivery receipts and returns an
	// unsubscribe func.
	OnReceipt(h ReceiptHandler) func()

	// OnMessage registers a handler for inbound messages and returns an
	// unsubscribe func.
	OnMessage(h MessageHandler) func()
}
