package commeazy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bertvancapelle/CommEazy-sub007/config"
	"github.com/bertvancapelle/CommEazy-sub007/connection"
	"github.com/bertvancapelle/CommEazy-sub007/crypto"
	"github.com/bertvancapelle/CommEazy-sub007/delivery"
	"github.com/bertvancapelle/CommEazy-sub007/encrypt"
	"github.com/bertvancapelle/CommEazy-sub007/lifecycle"
	"github.com/bertvancapelle/CommEazy-sub007/transport"
)

type testCreds struct{}

func (testCreds) StoredCredentials() (string, string, bool) {
	return "alice@commeazy.net", "secret", true
}

type testContacts []string

func (c testContacts) ContactJIDs() []string { return c }

type testEngine struct {
	*Engine
	sim  *transport.SimulatedTransport
	keys *crypto.KeyPair
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "outbox.db")
	cfg.TickInterval = 20 * time.Millisecond
	cfg.PingTimeout = 200 * time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.SendTimeout = time.Second
	cfg.PresenceDeadline = 200 * time.Millisecond

	sim := transport.NewSimulatedTransport()
	e, err := New(cfg, keys, sim, testCreds{}, testContacts{"bob@commeazy.net"})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return &testEngine{Engine: e, sim: sim, keys: keys}
}

func recipientsFor(t *testing.T, jids ...string) []encrypt.RecipientKey {
	t.Helper()
	var out []encrypt.RecipientKey
	for _, jid := range jids {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		out = append(out, encrypt.RecipientKey{JID: jid, PublicKey: kp.Public})
	}
	return out
}

func TestSendWhileConnectedHandsOffPerRecipient(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Connect(context.Background()))

	msg, failed, err := e.SendMessage(context.Background(), "chat1", "text",
		[]byte("hello"), recipientsFor(t, "bob@commeazy.net", "carol@commeazy.net"))
	require.NoError(t, err)
	assert.Empty(t, failed)

	sent := e.sim.Sent()
	require.Len(t, sent, 2)
	tos := []string{sent[0].To, sent[1].To}
	assert.ElementsMatch(t, []string{"bob@commeazy.net", "carol@commeazy.net"}, tos)
	for _, env := range sent {
		assert.Equal(t, msg.ID, env.MessageID)
		assert.Equal(t, "chat1", env.ChatID)
	}

	// Hand-off alone never shrinks the pending set.
	got, err := e.store.Get(msg.ID)
	require.NoError(t, err)
	assert.Len(t, got.PendingTo, 2)
	assert.Empty(t, got.DeliveredTo)
}

func TestSendWhileOfflineWaitsForForeground(t *testing.T) {
	e := newTestEngine(t)

	msg, failed, err := e.SendMessage(context.Background(), "chat1", "text",
		[]byte("queued"), recipientsFor(t, "bob@commeazy.net"))
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Empty(t, e.sim.Sent())
	assert.True(t, e.HasPendingMessages())

	// Scenario A: the next foreground transition reconnects and the retry
	// loop drains the outbox.
	e.OnAppStateChange(lifecycle.Foreground)
	assert.Equal(t, connection.StateConnected, e.ConnectionStatus())

	require.Eventually(t, func() bool {
		for _, env := range e.sim.Sent() {
			if env.MessageID == msg.ID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "queued message never reached the transport")
}

func TestReceiptsDriveDeliveredStatus(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Connect(context.Background()))

	var changes []delivery.StatusChange
	unsub := e.OnStatusChange(func(c delivery.StatusChange) {
		changes = append(changes, c)
	})
	defer unsub()

	msg, _, err := e.SendMessage(context.Background(), "chat1", "text",
		[]byte("hello"), recipientsFor(t, "bob@commeazy.net"))
	require.NoError(t, err)

	e.sim.DeliverReceipt(transport.Receipt{
		MessageID: msg.ID,
		From:      "bob@commeazy.net",
		At:        time.Now(),
	})

	require.NotEmpty(t, changes)
	last := changes[len(changes)-1]
	assert.Equal(t, msg.ID, last.MessageID)
	assert.Equal(t, delivery.StatusDelivered, last.Status)

	delivered, err := e.store.IsFullyDelivered(msg.ID)
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestIncomingMessageIsDecryptedAndDispatched(t *testing.T) {
	e := newTestEngine(t)

	// Another device seals a message for this engine's key.
	senderKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	router := encrypt.NewRouter(senderKeys)
	payload, failed, err := router.EncryptForRecipients([]byte("hi alice"),
		[]encrypt.RecipientKey{{JID: "alice@commeazy.net", PublicKey: e.keys.Public}})
	require.NoError(t, err)
	require.Empty(t, failed)
	rp, ok := payload.ForRecipient("alice@commeazy.net")
	require.True(t, ok)
	wire, err := rp.Marshal()
	require.NoError(t, err)

	var got []IncomingMessage
	unsub := e.OnIncomingMessage(func(m IncomingMessage) {
		got = append(got, m)
	})
	defer unsub()

	e.sim.DeliverMessage(transport.IncomingMessage{
		MessageID:   "m1",
		ChatID:      "chat1",
		From:        "bob@commeazy.net",
		ContentType: "text",
		Payload:     wire,
		At:          time.Now(),
	})

	require.Len(t, got, 1)
	assert.Equal(t, []byte("hi alice"), got[0].Plaintext)
	assert.Equal(t, "bob@commeazy.net", got[0].From)
}

func TestUndecryptableInboundMessageIsDropped(t *testing.T) {
	e := newTestEngine(t)

	var got []IncomingMessage
	unsub := e.OnIncomingMessage(func(m IncomingMessage) {
		got = append(got, m)
	})
	defer unsub()

	e.sim.DeliverMessage(transport.IncomingMessage{
		MessageID: "m1",
		From:      "bob@commeazy.net",
		Payload:   []byte("not json"),
	})

	assert.Empty(t, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Connect(context.Background()))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, connection.StateDisconnected, e.ConnectionStatus())
}
