// Package lifecycle orchestrates the delivery engine around app
// background/foreground transitions. The OS may suspend the process at any
// moment after a background signal, and may leave a dead socket behind a
// status that still reads connected; the coordinator's job is to stop
// cleanly on the way out and re-verify or rebuild the connection on the
// way back.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub007/connection"
	"github.com/bertvancapelle/CommEazy-sub007/outbox"
	"github.com/bertvancapelle/CommEazy-sub007/retry"
)

// AppState is the OS-reported application state.
type AppState int

const (
	// Foreground means the app is active and visible.
	Foreground AppState = iota
	// Backgrounding means the OS signaled an imminent move to background.
	Backgrounding
	// Background means the app is fully backgrounded.
	Background
	// Foregrounding means the app is returning to the foreground.
	Foregrounding
)

// String returns a human-readable state name.
func (s AppState) String() string {
	switch s {
	case Foreground:
		return "foreground"
	case Backgrounding:
		return "backgrounding"
	case Background:
		return "background"
	case Foregrounding:
		return "foregrounding"
	default:
		return "unknown"
	}
}

// direction collapses the four states into the two action classes.
type direction int

const (
	dirUnknown direction = iota
	dirForeground
	dirBackground
)

func directionOf(s AppState) direction {
	if s == Background || s == Backgrounding {
		return dirBackground
	}
	return dirForeground
}

// CredentialStore supplies the stored identity used for a forced
// reconnect. Absent credentials are a recoverable condition: the reconnect
// is skipped and logged.
type CredentialStore interface {
	StoredCredentials() (identity, secret string, ok bool)
}

// ContactProvider lists the contacts whose presence must be re-subscribed
// after a reconnect.
type ContactProvider interface {
	ContactJIDs() []string
}

// Options tunes the coordinator's deadlines.
type Options struct {
	// PingTimeout bounds the foreground liveness probe.
	PingTimeout time.Duration
	// ConnectTimeout bounds a forced reconnect attempt.
	ConnectTimeout time.Duration
	// PresenceDeadline bounds the best-effort unavailable broadcast while
	// backgrounding, since suspension can follow at any moment.
	PresenceDeadline time.Duration
}

// DefaultOptions returns the production deadlines.
func DefaultOptions() Options {
	return Options{
		PingTimeout:      3 * time.Second,
		ConnectTimeout:   30 * time.Second,
		PresenceDeadline: 2 * time.Second,
	}
}

// Coordinator serializes lifecycle transitions. Only one transition
// handler executes at a time; transitions observed while one is running
// coalesce to the latest observed state. Intermediate states may be
// skipped, never re-ordered.
type Coordinator struct {
	conn     *connection.Manager
	store    *outbox.Store
	sched    *retry.Scheduler
	creds    CredentialStore
	contacts ContactProvider
	opts     Options

	mu            sync.Mutex
	state         AppState
	lastDir       direction
	transitioning bool
	pending       *AppState
}

// NewCoordinator wires the coordinator to the components it orchestrates.
func NewCoordinator(conn *connection.Manager, store *outbox.Store, sched *retry.Scheduler,
	creds CredentialStore, contacts ContactProvider, opts Options) *Coordinator {
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultOptions().PingTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	if opts.PresenceDeadline <= 0 {
		opts.PresenceDeadline = DefaultOptions().PresenceDeadline
	}
	return &Coordinator{
		conn:     conn,
		store:    store,
		sched:    sched,
		creds:    creds,
		contacts: contacts,
		opts:     opts,
	}
}

// State returns the last observed app state.
func (c *Coordinator) State() AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnAppStateChange processes one OS transition. If a handler is already
// running, the new state is coalesced: the running handler picks up only
// the latest observed state once it finishes.
func (c *Coordinator) OnAppStateChange(next AppState) {
	c.mu.Lock()
	if c.transitioning {
		c.pending = &next
		c.mu.Unlock()
		return
	}
	c.transitioning = true
	c.mu.Unlock()

	for {
		c.handle(next)

		c.mu.Lock()
		if c.pending == nil {
			c.transitioning = false
			c.mu.Unlock()
			return
		}
		next = *c.pending
		c.pending = nil
		c.mu.Unlock()
	}
}

// handle runs the actions for one transition.
func (c *Coordinator) handle(next AppState) {
	dir := directionOf(next)

	c.mu.Lock()
	c.state = next
	sameDir := dir == c.lastDir
	c.lastDir = dir
	c.mu.Unlock()

	if sameDir {
		// Backgrounding→background (or foregrounding→foreground) carries no
		// new work.
		return
	}

	logrus.WithFields(logrus.Fields{
		"state": next.String(),
	}).Info("App state transition")

	switch dir {
	case dirBackground:
		c.onBackground()
	case dirForeground:
		c.onForeground()
	}
}

// onBackground stops the retry loop and broadcasts unavailability with a
// hard deadline. Failure here is logged, never propagated: the OS may
// suspend the process before the write completes.
func (c *Coordinator) onBackground() {
	c.sched.Stop()

	if c.conn.Status() != connection.StateConnected {
		return
	}

	done := make(chan error, 1)
	go func() { done <- c.conn.SendUnavailable() }()

	select {
	case err := <-done:
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
			}).Debug("Unavailable broadcast failed")
		}
	case <-time.After(c.opts.PresenceDeadline):
		logrus.WithFields(logrus.Fields{
			"deadline": c.opts.PresenceDeadline,
		}).Debug("Unavailable broadcast missed its deadline")
	}
}

// onForeground re-verifies the connection, rebuilding it if the socket
// died during suspension, then restarts the retry loop if the outbox still
// has work.
func (c *Coordinator) onForeground() {
	if c.conn.Status() == connection.StateConnected && c.conn.Ping(c.opts.PingTimeout) {
		// The socket survived suspension: announce presence and move on.
		if err := c.conn.SendPresence(""); err != nil {
			logrus.WithFields(logrus.Fields{
				"error": err,
			}).Warn("Presence broadcast failed")
		}
	} else {
		c.reconnect()
	}

	has, err := c.store.HasRetryable()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Warn("Failed to check outbox for pending messages")
		return
	}
	if has {
		c.sched.Start()
	}
}

// reconnect tears down whatever is left of the old session and builds a
// new one from stored credentials.
func (c *Coordinator) reconnect() {
	c.conn.Disconnect()

	identity, secret, ok := c.creds.StoredCredentials()
	if !ok {
		logrus.Info("No stored credentials; skipping reconnect")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()
	if err := c.conn.Connect(ctx, identity, secret); err != nil {
		logrus.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Forced reconnect failed")
		return
	}

	for _, jid := range c.contacts.ContactJIDs() {
		if err := c.conn.SubscribePresence(jid); err != nil {
			logrus.WithFields(logrus.Fields{
				"contact": jid,
				"error":   err,
			}).Warn("Presence re-subscription failed")
		}
	}
}
