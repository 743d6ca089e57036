// Package commeazy is the composition root of the CommEazy delivery
// engine: the subsystem that guarantees message delivery across an
// unreliable mobile network and an OS that freely suspends the process.
//
// The engine combines per-message encryption-mode selection, a durable
// outbox with a seven-day TTL, receipt-driven delivery tracking, a
// backoff-gated retry loop, and lifecycle recovery around
// background/foreground transitions. Everything is constructed once here
// and passed by reference; no component reaches into ambient global state.
//
// Example:
//
//	cfg, _ := config.Load()
//	keys, _ := crypto.GenerateKeyPair()
//	tr := transport.NewWebSocketTransport(cfg.ServerURL)
//	engine, err := commeazy.New(cfg, keys, tr, creds, contacts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
package commeazy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub007/config"
	"github.com/bertvancapelle/CommEazy-sub007/connection"
	"github.com/bertvancapelle/CommEazy-sub007/crypto"
	"github.com/bertvancapelle/CommEazy-sub007/delivery"
	"github.com/bertvancapelle/CommEazy-sub007/encrypt"
	"github.com/bertvancapelle/CommEazy-sub007/lifecycle"
	"github.com/bertvancapelle/CommEazy-sub007/outbox"
	"github.com/bertvancapelle/CommEazy-sub007/retry"
	"github.com/bertvancapelle/CommEazy-sub007/transport"
)

// IncomingMessage is a decrypted inbound message handed to the app shell.
type IncomingMessage struct {
	MessageID   string
	ChatID      string
	From        string
	ContentType string
	Plaintext   []byte
	At          time.Time
}

// IncomingHandler processes decrypted inbound messages.
type IncomingHandler func(IncomingMessage)

// Engine owns the delivery subsystem. The app shell drives it through
// SendMessage, OnAppStateChange, and the observer registrations; it never
// touches the underlying components directly.
type Engine struct {
	cfg     config.Config
	keys    *crypto.KeyPair
	store   *outbox.Store
	router  *encrypt.Router
	conn    *connection.Manager
	tracker *delivery.Tracker
	sched   *retry.Scheduler
	coord   *lifecycle.Coordinator
	creds   lifecycle.CredentialStore

	mu          sync.Mutex
	msgHandlers map[int]IncomingHandler
	nextHandle  int
	unsubMsg    func()
	closed      bool
}

// New builds the engine over the given transport. The transport
// implementation (real or simulated) is chosen by the caller, once, here.
func New(cfg config.Config, keys *crypto.KeyPair, tr transport.Transport,
	creds lifecycle.CredentialStore, contacts lifecycle.ContactProvider) (*Engine, error) {
	if keys == nil {
		return nil, errors.New("nil key pair")
	}

	store, err := outbox.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	conn := connection.NewManager(tr)
	tracker := delivery.NewTracker(store)
	tracker.Attach(tr)
	sched := retry.NewScheduler(store, conn, tracker, cfg.TickInterval)
	coord := lifecycle.NewCoordinator(conn, store, sched, creds, contacts, lifecycle.Options{
		PingTimeout:      cfg.PingTimeout,
		ConnectTimeout:   cfg.ConnectTimeout,
		PresenceDeadline: cfg.PresenceDeadline,
	})

	e := &Engine{
		cfg:         cfg,
		keys:        keys,
		store:       store,
		router:      encrypt.NewRouter(keys),
		conn:        conn,
		tracker:     tracker,
		sched:       sched,
		coord:       coord,
		creds:       creds,
		msgHandlers: make(map[int]IncomingHandler),
	}
	e.unsubMsg = tr.OnMessage(e.handleIncoming)
	return e, nil
}

// Connect establishes the session using stored credentials and starts the
// retry loop if the outbox already holds work.
func (e *Engine) Connect(ctx context.Context) error {
	identity, secret, ok := e.creds.StoredCredentials()
	if !ok {
		return errors.New("no stored credentials")
	}
	if err := e.conn.Connect(ctx, identity, secret); err != nil {
		return err
	}

	has, err := e.store.HasRetryable()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to check outbox after connect")
		return nil
	}
	if has {
		e.sched.Start()
	}
	return nil
}

// Close shuts the engine down: the scheduler stops deterministically, the
// transport subscriptions are released, and the store is closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.sched.Stop()
	e.tracker.Detach()
	if e.unsubMsg != nil {
		e.unsubMsg()
	}
	e.conn.Disconnect()
	return e.store.Close()
}

// SendMessage encrypts plaintext for the recipient set, persists it in the
// outbox, and attempts immediate delivery if connected. The returned
// message is the durable outbox entry; per-recipient encryption failures
// are reported alongside without aborting the siblings. If the device is
// offline the message simply waits for the retry loop.
func (e *Engine) SendMessage(ctx context.Context, chatID, contentType string,
	plaintext []byte, recipients []encrypt.RecipientKey) (*outbox.Message, []encrypt.RecipientError, error) {

	payload, failed, err := e.router.EncryptForRecipients(plaintext, recipients)
	if err != nil {
		return nil, failed, err
	}

	blob, err := payload.Marshal()
	if err != nil {
		return nil, failed, err
	}

	msg, err := e.store.Append(chatID, blob, contentType, payload.Recipients())
	if err != nil {
		return nil, failed, err
	}

	if e.conn.Status() == connection.StateConnected {
		e.sendNow(ctx, msg, payload)
	} else {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"status":     e.conn.Status().String(),
		}).Debug("Offline; message queued for retry")
	}
	return msg, failed, nil
}

// sendNow hands the fresh message to the transport, one envelope per
// recipient in parallel. Hand-off success is not delivery: the pending set
// is left for receipts to drain.
func (e *Engine) sendNow(ctx context.Context, msg *outbox.Message, payload *encrypt.Payload) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		handedOff bool
	)
	for _, jid := range msg.PendingTo {
		rp, ok := payload.ForRecipient(jid)
		if !ok {
			continue
		}
		wire, err := rp.Marshal()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"recipient":  jid,
				"error":      err,
			}).Error("Failed to encode wire payload")
			continue
		}

		wg.Add(1)
		go func(jid string, wire []byte) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
			defer cancel()

			env := &transport.Envelope{
				MessageID:   msg.ID,
				ChatID:      msg.ChatID,
				To:          jid,
				ContentType: msg.ContentType,
				Payload:     wire,
			}
			if err := e.conn.Send(sendCtx, env); err != nil {
				logrus.WithFields(logrus.Fields{
					"message_id": msg.ID,
					"recipient":  jid,
					"error":      err,
				}).Debug("Initial send failed; retry loop will pick it up")
				return
			}
			mu.Lock()
			handedOff = true
			mu.Unlock()
		}(jid, wire)
	}
	wg.Wait()

	if err := e.store.MarkAttempt(msg.ID, time.Now()); err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Failed to record send attempt")
	}
	if handedOff {
		e.tracker.NoteSent(msg.ID)
		e.sched.Start()
	}
}

// OnStatusChange registers an observer for per-message delivery status
// events. The returned func unsubscribes.
func (e *Engine) OnStatusChange(h delivery.StatusHandler) func() {
	return e.tracker.OnStatusChange(h)
}

// OnIncomingMessage registers a handler for decrypted inbound messages.
// The returned func unsubscribes.
func (e *Engine) OnIncomingMessage(h IncomingHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	handle := e.nextHandle
	e.nextHandle++
	e.msgHandlers[handle] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.msgHandlers, handle)
	}
}

// OnAppStateChange forwards an OS app-state transition to the lifecycle
// coordinator.
func (e *Engine) OnAppStateChange(state lifecycle.AppState) {
	e.coord.OnAppStateChange(state)
}

// HasPendingMessages reports whether the outbox still holds undelivered,
// unexpired messages.
func (e *Engine) HasPendingMessages() bool {
	has, err := e.store.HasRetryable()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to check outbox")
		return false
	}
	return has
}

// ConnectionStatus returns the connection manager's current state.
func (e *Engine) ConnectionStatus() connection.State {
	return e.conn.Status()
}

// handleIncoming decrypts one inbound envelope and fans it out. Undecodable
// or undecryptable messages are logged and dropped; a bad message from one
// sender must not wedge the stream.
func (e *Engine) handleIncoming(m transport.IncomingMessage) {
	rp, err := encrypt.UnmarshalRecipientPayload(m.Payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": m.MessageID,
			"from":       m.From,
			"error":      err,
		}).Warn("Dropping undecodable inbound message")
		return
	}

	plaintext, err := rp.Open(e.keys)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": m.MessageID,
			"from":       m.From,
			"error":      err,
		}).Warn("Dropping undecryptable inbound message")
		return
	}

	e.mu.Lock()
	handlers := make([]IncomingHandler, 0, len(e.msgHandlers))
	for _, h := range e.msgHandlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	incoming := IncomingMessage{
		MessageID:   m.MessageID,
		ChatID:      m.ChatID,
		From:        m.From,
		ContentType: m.ContentType,
		Plaintext:   plaintext,
		At:          m.At,
	}
	for _, h := range handlers {
		h(incoming)
	}
}
