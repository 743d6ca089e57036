package transport

import (
	"context"
	"sync"
)

// SimulatedTransport is an in-memory Transport used by tests and by the
// development build of the app shell. It records every call and lets the
// caller script failures and inject inbound traffic.
type SimulatedTransport struct {
	mu sync.Mutex

	connected bool
	alive     bool

	connectErr error
	sendErr    error

	sent          []*Envelope
	presenceSent  []string
	unavailable   int
	subscriptions []string

	connectCalls    int
	disconnectCalls int
	pingCalls       int

	receiptHandlers map[int]ReceiptHandler
	messageHandlers map[int]MessageHandler
	nextHandle      int
}

// NewSimulatedTransport creates a simulated transport that starts
// disconnected and answers pings while connected.
func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{
		alive:           true,
		receiptHandlers: make(map[int]ReceiptHandler),
		messageHandlers: make(map[int]MessageHandler),
	}
}

// Connect implements Transport.Connect.
func (s *SimulatedTransport) Connect(ctx context.Context, identity, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectCalls++
	if s.connectErr != nil {
		return s.connectErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.connected = true
	s.alive = true
	return nil
}

// Disconnect implements Transport.Disconnect.
func (s *SimulatedTransport) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disconnectCalls++
	s.connected = false
	return nil
}

// Ping implements Transport.Ping. It fails when the transport is not
// connected or when KillSocket simulated an OS suspension.
func (s *SimulatedTransport) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected || !s.alive {
		return ErrTimeout
	}
	return nil
}

// SendPresence implements Transport.SendPresence.
func (s *SimulatedTransport) SendPresence(show string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	s.presenceSent = append(s.presenceSent, show)
	return nil
}

// SendUnavailable implements Transport.SendUnavailable.
func (s *SimulatedTransport) SendUnavailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	s.unavailable++
	return nil
}

// SubscribePresence implements Transport.SubscribePresence.
func (s *SimulatedTransport) SubscribePresence(jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return ErrNotConnected
	}
	s.subscriptions = append(s.subscriptions, jid)
	return nil
}

// Send implements Transport.Send.
func (s *SimulatedTransport) Send(ctx context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected {
		return ErrNotConnected
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

// OnReceipt implements Transport.OnReceipt.
func (s *SimulatedTransport) OnReceipt(h ReceiptHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextHandle
	s.nextHandle++
	s.receiptHandlers[handle] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.receiptHandlers, handle)
	}
}

// OnMessage implements Transport.OnMessage.
func (s *SimulatedTransport) OnMessage(h MessageHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextHandle
	s.nextHandle++
	s.messageHandlers[handle] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.messageHandlers, handle)
	}
}

// DeliverReceipt injects an inbound delivery receipt, as the server would.
func (s *SimulatedTransport) DeliverReceipt(r Receipt) {
	s.mu.Lock()
	handlers := make([]ReceiptHandler, 0, len(s.receiptHandlers))
	for _, h := range s.receiptHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(r)
	}
}

// DeliverMessage injects an inbound message, as the server would.
func (s *SimulatedTransport) DeliverMessage(m IncomingMessage) {
	s.mu.Lock()
	handlers := make([]MessageHandler, 0, len(s.messageHandlers))
	for _, h := range s.messageHandlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(m)
	}
}

// KillSocket simulates OS suspension killing the socket underneath a
// status that still reads connected: pings start failing but the connected
// flag is left alone.
func (s *SimulatedTransport) KillSocket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
}

// SetConnectErr scripts the next Connect calls to fail.
func (s *SimulatedTransport) SetConnectErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// SetSendErr scripts Send calls to fail.
func (s *SimulatedTransport) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Sent returns a copy of every envelope handed to the transport.
func (s *SimulatedTransport) Sent() []*Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

// PresenceSent returns every presence show value broadcast so far.
func (s *SimulatedTransport) PresenceSent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.presenceSent))
	copy(out, s.presenceSent)
	return out
}

// UnavailableCalls returns how many times SendUnavailable succeeded.
func (s *SimulatedTransport) UnavailableCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}

// Subscriptions returns every presence subscription made so far.
func (s *SimulatedTransport) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

// ConnectCalls returns how many times Connect was invoked.
func (s *SimulatedTransport) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// DisconnectCalls returns how many times Disconnect was invoked.
func (s *SimulatedTransport) DisconnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectCalls
}

// PingCalls returns how many times Ping was invoked.
func (s *SimulatedTransport) PingCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingCalls
}
