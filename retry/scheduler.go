package retry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub007/connection"
	"github.com/bertvancapelle/CommEazy-sub007/delivery"
	"github.com/bertvancapelle/CommEazy-sub007/encrypt"
	"github.com/bertvancapelle/CommEazy-sub007/outbox"
	"github.com/bertvancapelle/CommEazy-sub007/transport"
)

// DefaultTickInterval is how often the scheduler examines the outbox. The
// per-message backoff gates actual resends, so the tick can stay short.
const DefaultTickInterval = 15 * time.Second

// DefaultSendTimeout bounds a single envelope hand-off.
const DefaultSendTimeout = 30 * time.Second

// Scheduler periodically re-attempts everything still pending in the
// outbox. At most one timer loop runs at a time, and at most one outbox
// sweep is in flight per tick; only the per-recipient sends of a single
// message run in parallel, since those ciphertexts are independent.
type Scheduler struct {
	store   *outbox.Store
	conn    *connection.Manager
	tracker *delivery.Tracker

	interval    time.Duration
	sendTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(store *outbox.Store, conn *connection.Manager, tracker *delivery.Tracker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		store:       store,
		conn:        conn,
		tracker:     tracker,
		interval:    interval,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
	}
}

// Start begins the retry loop. Idempotent: a second Start while running is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.loop(s.stop, s.done)
	logrus.WithFields(logrus.Fields{
		"interval": s.interval,
	}).Debug("Retry scheduler started")
}

// Stop cancels the retry loop. Idempotent, and deterministic: no tick runs
// after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.stop
	done := s.done
	s.mu.Unlock()

	close(stop)
	<-done
	logrus.Debug("Retry scheduler stopped")
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// loop is the single timer loop.
func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one pass: sweep expired entries, then re-attempt every
// retryable message whose backoff window has elapsed. Connection and
// timeout errors are swallowed here and naturally retried next tick.
func (s *Scheduler) Tick() {
	if _, err := s.store.SweepExpired(s.tracker.NoteExpired); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Expiry sweep failed")
	}

	if s.conn.Status() != connection.StateConnected {
		return
	}

	msgs, err := s.store.ListRetryable()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to list retryable messages")
		return
	}

	now := s.now()
	for _, msg := range msgs {
		if !s.due(msg, now) {
			continue
		}
		if s.conn.Status() != connection.StateConnected {
			return
		}
		s.attempt(msg)
	}
}

// due reports whether the message's backoff window has elapsed. A message
// that has never been attempted is always due.
func (s *Scheduler) due(msg *outbox.Message, now time.Time) bool {
	if msg.RetryCount == 0 && msg.LastAttempt.IsZero() {
		return true
	}
	return !now.Before(msg.LastAttempt.Add(BackoffFor(msg.ContentType, msg.RetryCount-1)))
}

// attempt resends one message to every still-pending recipient. The
// per-recipient sends run in parallel; the resulting state mutation is a
// single MarkAttempt. A successful hand-off is not a delivery
// acknowledgment and never touches the pending set.
func (s *Scheduler) attempt(msg *outbox.Message) {
	payload, err := encrypt.UnmarshalPayload(msg.EncryptedContent)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error":      err,
		}).Error("Stored payload is unreadable; marking failed")
		s.tracker.NoteFailed(msg.ID)
		return
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		handedOff bool
	)
	for _, jid := range msg.PendingTo {
		rp, ok := payload.ForRecipient(jid)
		if !ok {
			// No ciphertext was ever produced for this recipient.
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

			ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
			defer cancel()

			env := &transport.Envelope{
				MessageID:   msg.ID,
				ChatID:      msg.ChatID,
				To:          jid,
				ContentType: msg.ContentType,
				Payload:     wire,
			}
			if err := s.conn.Send(ctx, env); err != nil {
				logrus.WithFields(logrus.Fields{
					"message_id": msg.ID,
					"recipient":  jid,
					"attempt":    msg.RetryCount + 1,
					"error":      err,
				}).Debug("Resend attempt failed")
				return
			}
			mu.Lock()
			handedOff = true
			mu.Unlock()
		}(jid, wire)
	}
	wg.Wait()

	if err := s.store.MarkAttempt(msg.ID, s.now()); err != nil {
		logrus.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Failed to record send attempt")
	}
	if handedOff {
		s.tracker.NoteSent(msg.ID)
	}
}
