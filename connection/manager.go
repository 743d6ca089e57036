// Package connection owns the transport connection state machine. Exactly
// one connect attempt may be in flight at a time; concurrent callers share
// the in-flight attempt's result instead of dialing again.
//
// The in-memory status can be stale after OS-level process suspension: the
// socket may be dead while the status still reads connected. Ping exists to
// re-verify liveness before trusting the status.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bertvancapelle/CommEazy-sub007/transport"
)

// State is the connection lifecycle state.
type State int

const (
	// StateDisconnected means no connection exists and none is being made.
	StateDisconnected State = iota
	// StateConnecting means the first connect attempt is in flight.
	StateConnecting
	// StateConnected means the transport reported a live connection.
	StateConnected
	// StateReconnecting means a connect attempt after a previous session is
	// in flight.
	StateReconnecting
	// StateError means the last connect attempt failed.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConnectionError wraps a transport failure with the operation that hit it.
type ConnectionError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrNotConnected indicates an operation that requires a live connection.
var ErrNotConnected = transport.ErrNotConnected

// connectAttempt carries the shared result of one in-flight connect.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager is the single owner of the transport connection. All status
// transitions happen here; no other component touches the connection
// handle directly. The lock is never held across a dial, so status reads
// stay responsive while an attempt is in flight.
type Manager struct {
	mu            sync.Mutex
	t             transport.Transport
	state         State
	attempt       *connectAttempt
	everConnected bool
}

// NewManager creates a connection manager owning the given transport.
func NewManager(t transport.Transport) *Manager {
	return &Manager{
		t:     t,
		state: StateDisconnected,
	}
}

// Connect establishes the connection. A call while an attempt is already in
// flight does not dial again; it waits for and returns the in-flight
// attempt's result.
func (m *Manager) Connect(ctx context.Context, identity, secret string) error {
	m.mu.Lock()
	if m.attempt != nil {
		attempt := m.attempt
		m.mu.Unlock()
		<-attempt.done
		return attempt.err
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	m.attempt = attempt
	if m.everConnected {
		m.state = StateReconnecting
	} else {
		m.state = StateConnecting
	}
	m.mu.Unlock()

	err := m.t.Connect(ctx, identity, secret)

	m.mu.Lock()
	if err != nil {
		m.state = StateError
		attempt.err = &ConnectionError{Op: "connect", Err: err}
		logrus.WithFields(logrus.Fields{
			"identity": identity,
			"error":    err,
		}).Warn("Connect attempt failed")
	} else {
		m.state = StateConnected
		m.everConnected = true
		logrus.WithFields(logrus.Fields{
			"identity": identity,
		}).Info("Connected")
	}
	m.attempt = nil
	m.mu.Unlock()

	close(attempt.done)
	return attempt.err
}

// Disconnect tears down the connection before a reconnect. Failures on an
// already-dead socket are logged and swallowed; cleanup must not propagate
// errors.
func (m *Manager) Disconnect() {
	if err := m.t.Disconnect(); err != nil {
		logrus.WithFields(logrus.Fields{
			"error": err,
		}).Debug("Disconnect on dead socket ignored")
	}

	m.mu.Lock()
	m.state = StateDisconnected
	m.mu.Unlock()
}

// Ping probes the connection with a round trip. No response within the
// timeout means dead; the probe is not retried internally.
func (m *Manager) Ping(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := m.t.Ping(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"timeout": timeout,
			"error":   err,
		}).Debug("Ping failed")
		return false
	}
	return true
}

// SendPresence broadcasts availability. Only meaningful while connected.
func (m *Manager) SendPresence(show string) error {
	if m.Status() != StateConnected {
		return ErrNotConnected
	}
	return m.t.SendPresence(show)
}

// SendUnavailable broadcasts that the device is going away. Only meaningful
// while connected.
func (m *Manager) SendUnavailable() error {
	if m.Status() != StateConnected {
		return ErrNotConnected
	}
	return m.t.SendUnavailable()
}

// SubscribePresence subscribes to a contact's presence updates.
func (m *Manager) SubscribePresence(jid string) error {
	if m.Status() != StateConnected {
		return ErrNotConnected
	}
	return m.t.SubscribePresence(jid)
}

// Send hands one envelope to the transport. Success is local hand-off only.
func (m *Manager) Send(ctx context.Context, env *transport.Envelope) error {
	if m.Status() != StateConnected {
		return ErrNotConnected
	}
	if err := m.t.Send(ctx, env); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Status returns the current connection state. Callers that must trust it
// after a possible suspension should Ping first.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
