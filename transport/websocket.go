package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// frameType discriminates the JSON frames exchanged with the chat server.
const (
	frameAuth        = "auth"
	framePresence    = "presence"
	frameUnavailable = "unavailable"
	frameSubscribe   = "subscribe"
	frameMessage     = "message"
	frameReceipt     = "receipt"
)

// frame is the single JSON envelope used in both directions on the socket.
type frame struct {
	Type     string           `json:"type"`
	Identity string           `json:"identity,omitempty"`
	Secret   string           `json:"secret,omitempty"`
	Show     string           `json:"show,omitempty"`
	To       string           `json:"to,omitempty"`
	Envelope *Envelope        `json:"envelope,omitempty"`
	Receipt  *Receipt         `json:"receipt,omitempty"`
	Message  *IncomingMessage `json:"message,omitempty"`
}

// controlTimeout bounds best-effort presence frames so a backgrounding app
// never blocks on them.
const controlTimeout = 5 * time.Second

// WebSocketTransport is the production Transport: a persistent WebSocket to
// the chat server carrying JSON frames. Ping uses the protocol-level
// ping/pong round trip, which is what exposes a zombie socket left behind
// by OS suspension.
type WebSocketTransport struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	readStop  context.CancelFunc
	connected bool

	receiptHandlers map[int]ReceiptHandler
	messageHandlers map[int]MessageHandler
	nextHandle      int
}

// NewWebSocketTransport creates a transport dialing the given ws:// or
// wss:// URL on Connect.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		url:             url,
		receiptHandlers: make(map[int]ReceiptHandler),
		messageHandlers: make(map[int]MessageHandler),
	}
}

// Connect implements Transport.Connect: it dials the server, sends the auth
// frame, and starts the read loop dispatching inbound frames.
func (w *WebSocketTransport) Connect(ctx context.Context, identity, secret string) error {
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", w.url, err)
	}

	if err := wsjson.Write(ctx, conn, frame{Type: frameAuth, Identity: identity, Secret: secret}); err != nil {
		conn.Close(websocket.StatusInternalError, "auth write failed")
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	w.mu.Lock()
	if w.conn != nil {
		// Replace a stale connection left over from a previous session.
		w.conn.Close(websocket.StatusNormalClosure, "superseded")
		if w.readStop != nil {
			w.readStop()
		}
	}
	w.conn = conn
	w.readStop = cancel
	w.connected = true
	w.mu.Unlock()

	go w.readLoop(readCtx, conn)

	logrus.WithFields(logrus.Fields{
		"url":      w.url,
		"identity": identity,
	}).Info("Transport connected")
	return nil
}

// Disconnect implements Transport.Disconnect. Errors from an already-dead
// socket are returned but callers treat them as best-effort.
func (w *WebSocketTransport) Disconnect() error {
	w.mu.Lock()
	conn := w.conn
	stop := w.readStop
	w.conn = nil
	w.readStop = nil
	w.connected = false
	w.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// liveConn returns the current connection, or ErrNotConnected if there is
// none or the read loop already saw it die.
func (w *WebSocketTransport) liveConn() (*websocket.Conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil || !w.connected {
		return nil, ErrNotConnected
	}
	return w.conn, nil
}

// Ping implements Transport.Ping via a WebSocket ping/pong round trip.
func (w *WebSocketTransport) Ping(ctx context.Context) error {
	conn, err := w.liveConn()
	if err != nil {
		return err
	}
	if err := conn.Ping(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	return nil
}

// SendPresence implements Transport.SendPresence.
func (w *WebSocketTransport) SendPresence(show string) error {
	return w.writeControl(frame{Type: framePresence, Show: show})
}

// SendUnavailable implements Transport.SendUnavailable.
func (w *WebSocketTransport) SendUnavailable() error {
	return w.writeControl(frame{Type: frameUnavailable})
}

// SubscribePresence implements Transport.SubscribePresence.
func (w *WebSocketTransport) SubscribePresence(jid string) error {
	return w.writeControl(frame{Type: frameSubscribe, To: jid})
}

// Send implements Transport.Send.
func (w *WebSocketTransport) Send(ctx context.Context, env *Envelope) error {
	conn, err := w.liveConn()
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, conn, frame{Type: frameMessage, Envelope: env}); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return fmt.Errorf("failed to send envelope: %w", err)
	}
	return nil
}

// OnReceipt implements Transport.OnReceipt.
func (w *WebSocketTransport) OnReceipt(h ReceiptHandler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	handle := w.nextHandle
	w.nextHandle++
	w.receiptHandlers[handle] = h
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.receiptHandlers, handle)
	}
}

// OnMessage implements Transport.OnMessage.
func (w *WebSocketTransport) OnMessage(h MessageHandler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	handle := w.nextHandle
	w.nextHandle++
	w.messageHandlers[handle] = h
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.messageHandlers, handle)
	}
}

// writeControl sends a best-effort control frame with its own deadline.
func (w *WebSocketTransport) writeControl(f frame) error {
	conn, err := w.liveConn()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, f)
}

// readLoop dispatches inbound frames until the connection dies or
// Disconnect cancels it.
func (w *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			w.mu.Lock()
			if w.conn == conn {
				w.connected = false
			}
			w.mu.Unlock()

			if ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"error": err,
				}).Warn("Transport read loop terminated")
			}
			return
		}

		switch f.Type {
		case frameReceipt:
			if f.Receipt != nil {
				w.dispatchReceipt(*f.Receipt)
			}
		case frameMessage:
			if f.Message != nil {
				w.dispatchMessage(*f.Message)
			}
		default:
			logrus.WithFields(logrus.Fields{
				"type": f.Type,
			}).Debug("Ignoring unknown frame type")
		}
	}
}

func (w *WebSocketTransport) dispatchReceipt(r Receipt) {
	w.mu.Lock()
	handlers := make([]ReceiptHandler, 0, len(w.receiptHandlers))
	for _, h := range w.receiptHandlers {
		handlers = append(handlers, h)
	}
	w.mu.Unlock()

	for _, h := range handlers {
		h(r)
	}
}

func (w *WebSocketTransport) dispatchMessage(m IncomingMessage) {
	w.mu.Lock()
	handlers := make([]MessageHandler, 0, len(w.messageHandlers))
	for _, h := range w.messageHandlers {
		handlers = append(handlers, h)
	}
	w.mu.Unlock()

	for _, h := range handlers {
		h(m)
	}
}
