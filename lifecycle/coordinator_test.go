package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bertvancapelle/CommEazy-sub007/connection"
	"github.com/bertvancapelle/CommEazy-sub007/delivery"
	"github.com/bertvancapelle/CommEazy-sub007/outbox"
	"github.com/bertvancapelle/CommEazy-sub007/retry"
	"github.com/bertvancapelle/CommEazy-sub007/transport"
)

type stubCreds struct {
	identity, secret string
	ok               bool
}

func (s stubCreds) StoredCredentials() (string, string, bool) {
	return s.identity, s.secret, s.ok
}

type stubContacts []string

func (s stubContacts) ContactJIDs() []string { return s }

type fixture struct {
	store *outbox.Store
	sim   *transport.SimulatedTransport
	conn  *connection.Manager
	sched *retry.Scheduler
	coord *Coordinator
}

func newFixture(t *testing.T, tr transport.Transport, sim *transport.SimulatedTransport) *fixture {
	t.Helper()

	store, err := outbox.NewStore(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	conn := connection.NewManager(tr)
	tracker := delivery.NewTracker(store)
	sched := retry.NewScheduler(store, conn, tracker, time.Hour)
	t.Cleanup(sched.Stop)

	coord := NewCoordinator(conn, store, sched,
		stubCreds{identity: "alice@commeazy.net", secret: "secret", ok: true},
		stubContacts{"bob@commeazy.net", "carol@commeazy.net"},
		Options{PingTimeout: 200 * time.Millisecond, ConnectTimeout: time.Second, PresenceDeadline: 200 * time.Millisecond},
	)

	return &fixture{store: store, sim: sim, conn: conn, sched: sched, coord: coord}
}

func newSimFixture(t *testing.T) *fixture {
	sim := transport.NewSimulatedTransport()
	return newFixture(t, sim, sim)
}

func TestForegroundWithLiveSocketSendsPresenceOnly(t *testing.T) {
	f := newSimFixture(t)
	require.NoError(t, f.conn.Connect(context.Background(), "alice@commeazy.net", "secret"))

	f.coord.OnAppStateChange(Background)
	f.coord.OnAppStateChange(Foreground)

	// Scenario B: the ping succeeded, so no teardown or re-dial happened.
	assert.Equal(t, 0, f.sim.DisconnectCalls())
	assert.Equal(t, 1, f.sim.ConnectCalls())
	assert.Equal(t, []string{""}, f.sim.PresenceSent())
	assert.Empty(t, f.sim.Subscriptions())
}

func TestForegroundWithZombieSocketForcesReconnect(t *testing.T) {
	f := newSimFixture(t)
	require.NoError(t, f.conn.Connect(context.Background(), "alice@commeazy.net", "secret"))

	f.coord.OnAppStateChange(Background)
	f.sim.KillSocket()
	f.coord.OnAppStateChange(Foreground)

	// Scenario C: exactly one disconnect, one fresh connect, then presence
	// re-subscription for every contact.
	assert.Equal(t, 1, f.sim.DisconnectCalls())
	assert.Equal(t, 2, f.sim.ConnectCalls())
	assert.Equal(t, []string{"bob@commeazy.net", "carol@commeazy.net"}, f.sim.Subscriptions())
	assert.Equal(t, connection.StateConnected, f.conn.Status())
}

func TestBackgroundStopsSchedulerAndBroadcastsUnavailable(t *testing.T) {
	f := newSimFixture(t)
	require.NoError(t, f.conn.Connect(context.Background(), "alice@commeazy.net", "secret"))

	f.sched.Start()
	require.True(t, f.sched.Running())

	f.coord.OnAppStateChange(Backgrounding)

	assert.False(t, f.sched.Running())
	assert.Equal(t, 1, f.sim.UnavailableCalls())
}

func TestBackgroundWhileDisconnectedSkipsBroadcast(t *testing.T) {
	f := newSimFixture(t)

	f.coord.OnAppStateChange(Background)
	assert.Equal(t, 0, f.sim.UnavailableCalls())
}

func TestForegroundStartsSchedulerWhenOutboxHasWork(t *testing.T) {
	f := newSimFixture(t)

	// Scenario A: a message persisted while offline; the next foreground
	// transition reconnects and starts the retry loop.
	_, err := f.store.Append("chat1", []byte("ciphertext"), "text", []string{"bob@commeazy.net"})
	require.NoError(t, err)

	f.coord.OnAppStateChange(Foreground)

	assert.Equal(t, connection.StateConnected, f.conn.Status())
	assert.True(t, f.sched.Running())
}

func TestForegroundWithEmptyOutboxLeavesSchedulerStopped(t *testing.T) {
	f := newSimFixture(t)

	f.coord.OnAppStateChange(Foreground)
	assert.False(t, f.sched.Running())
}

func TestMissingCredentialsSkipsReconnect(t *testing.T) {
	sim := transport.NewSimulatedTransport()
	f := newFixture(t, sim, sim)
	f.coord.creds = stubCreds{ok: false}

	require.NoError(t, f.conn.Connect(context.Background(), "alice@commeazy.net", "secret"))
	f.coord.OnAppStateChange(Background)
	f.sim.KillSocket()
	f.coord.OnAppStateChange(Foreground)

	assert.Equal(t, 1, f.sim.DisconnectCalls())
	assert.Equal(t, 1, f.sim.ConnectCalls(), "reconnect attempted without credentials")
}

func TestRepeatedStatesInSameDirectionRunOnce(t *testing.T) {
	f := newSimFixture(t)
	require.NoError(t, f.conn.Connect(context.Background(), "alice@commeazy.net", "secret"))

	f.coord.OnAppStateChange(Backgrounding)
	f.coord.OnAppStateChange(Background)

	assert.Equal(t, 1, f.sim.UnavailableCalls())
	assert.Equal(t, Background, f.coord.State())
}

// blockingTransport delays Connect until released so overlapping
// transitions can be observed.
type blockingTransport struct {
	*transport.SimulatedTransport
	release chan struct{}
}

func (b *blockingTransport) Connect(ctx context.Context, identity, secret string) error {
	<-b.release
	return b.SimulatedTransport.Connect(ctx, identity, secret)
}

func TestOverlappingTransitionsCoalesceToLatest(t *testing.T) {
	sim := transport.NewSimulatedTransport()
	blocking := &blockingTransport{SimulatedTransport: sim, release: make(chan struct{})}
	f := newFixture(t, blocking, sim)

	// The first foreground transition blocks inside the forced reconnect.
	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		close(started)
		f.coord.OnAppStateChange(Foreground)
		close(finished)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	// Two more transitions arrive while the handler runs: only the latest
	// survives, so the intermediate background work never happens.
	f.coord.OnAppStateChange(Background)
	f.coord.OnAppStateChange(Foreground)

	close(blocking.release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("transition handler never finished")
	}

	assert.Equal(t, Foreground, f.coord.State())
	assert.Equal(t, 0, f.sim.UnavailableCalls(), "skipped background transition still ran")
}
