package progress

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/finflow/types"
)

// --- Helpers ---

// fakeConn is an in-memory Conn that records sends and closes.
type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	closed    bool
	closeCode int
}

func (c *fakeConn) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// fakeAuthority validates a fixed set of sessions with a fixed cap.
type fakeAuthority struct {
	valid map[string]bool
	cap   int
}

func (a *fakeAuthority) IsValid(sessionID string) bool { return a.valid[sessionID] }
func (a *fakeAuthority) ConnectionCap() int            { return a.cap }

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *fakeAuthority) {
	t.Helper()
	authority := &fakeAuthority{valid: map[string]bool{"sess-1": true, "sess-2": true}, cap: 4}
	return NewRegistry(authority, cfg, nil, nil), authority
}

// --- Register / Unregister ---

func TestRegistry_Register(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn := &fakeConn{}

	require.NoError(t, registry.Register(conn, "sess-1"))
	assert.Equal(t, 1, registry.ConnectionCount("sess-1"))
}

func TestRegistry_Register_UnknownSession(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn := &fakeConn{}

	err := registry.Register(conn, "sess-missing")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrSessionUnknown))

	closed, code := conn.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseCodeSessionInvalid, code)
	assert.Equal(t, 0, registry.ConnectionCount("sess-missing"))
}

func TestRegistry_Register_CapExceeded(t *testing.T) {
	registry, authority := newTestRegistry(t, DefaultRegistryConfig())
	authority.cap = 2

	require.NoError(t, registry.Register(&fakeConn{}, "sess-1"))
	require.NoError(t, registry.Register(&fakeConn{}, "sess-1"))

	rejected := &fakeConn{}
	err := registry.Register(rejected, "sess-1")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConnectionCapExceeded))

	closed, code := rejected.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseCodeCapExceeded, code)
	assert.Equal(t, 2, registry.ConnectionCount("sess-1"))
}

func TestRegistry_Unregister_Idempotent(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	conn := &fakeConn{}
	require.NoError(t, registry.Register(conn, "sess-1"))

	registry.Unregister(conn)
	assert.Equal(t, 0, registry.ConnectionCount("sess-1"))

	// repeated and never-registered unregisters are no-ops
	registry.Unregister(conn)
	registry.Unregister(&fakeConn{})
	assert.Equal(t, 0, registry.ConnectionCount("sess-1"))
}

// --- Broadcast / Deliver ---

func TestRegistry_Broadcast_AllConnectionsOfSession(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())

	c1, c2 := &fakeConn{}, &fakeConn{}
	other := &fakeConn{}
	require.NoError(t, registry.Register(c1, "sess-1"))
	require.NoError(t, registry.Register(c2, "sess-1"))
	require.NoError(t, registry.Register(other, "sess-2"))

	update := &Update{Type: UpdateType, SessionID: "sess-1", TransactionID: "txn-1"}
	require.NoError(t, registry.Broadcast(context.Background(), update))

	assert.Equal(t, 1, c1.sentCount())
	assert.Equal(t, 1, c2.sentCount())
	assert.Equal(t, 0, other.sentCount(), "other sessions must not receive the snapshot")

	var decoded Update
	c1.mu.Lock()
	payload := c1.sent[0]
	c1.mu.Unlock()
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "txn-1", decoded.TransactionID)
}

func TestRegistry_Broadcast_FailingConnectionsRemoved(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())

	healthy1 := &fakeConn{}
	healthy2 := &fakeConn{}
	broken1 := &fakeConn{sendErr: errors.New("broken pipe")}
	broken2 := &fakeConn{sendErr: errors.New("broken pipe")}
	for _, c := range []Conn{healthy1, broken1, healthy2, broken2} {
		require.NoError(t, registry.Register(c, "sess-1"))
	}

	update := &Update{Type: UpdateType, SessionID: "sess-1", TransactionID: "txn-1"}
	require.NoError(t, registry.Broadcast(context.Background(), update),
		"send failures must not surface to the broadcaster")

	assert.Equal(t, 1, healthy1.sentCount())
	assert.Equal(t, 1, healthy2.sentCount())
	assert.Equal(t, 2, registry.ConnectionCount("sess-1"),
		"failing connections are unregistered")

	// the survivors keep receiving
	require.NoError(t, registry.Broadcast(context.Background(), update))
	assert.Equal(t, 2, healthy1.sentCount())
	assert.Equal(t, 2, healthy2.sentCount())
}

func TestRegistry_Deliver_NoConnections(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	// no subscribers: nothing to do, nothing to fail
	registry.Deliver(context.Background(), "sess-1", []byte(`{}`))
}

// --- Tracker lifecycle ---

func TestRegistry_CreateTracker_NotifiesBridge(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	notifier := &recordingNotifier{}
	registry.SetNotifier(notifier)

	tracker := registry.CreateTracker("sess-1", "txn-1")
	require.NoError(t, tracker.StartStep("Research"))

	require.Len(t, notifier.all(), 1)
	assert.Equal(t, "txn-1", notifier.all()[0].TransactionID)

	got, ok := registry.Tracker("txn-1")
	require.True(t, ok)
	assert.Same(t, tracker, got)
}

func TestRegistry_Tracker_Missing(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	_, ok := registry.Tracker("txn-missing")
	assert.False(t, ok)
}

func TestRegistry_CleanupAfterGracePeriod(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.GracePeriod = 30 * time.Millisecond
	registry, _ := newTestRegistry(t, cfg)

	finished := registry.CreateTracker("sess-1", "txn-done")
	unrelated := registry.CreateTracker("sess-1", "txn-live")

	require.NoError(t, finished.FinishRun())

	// during the grace period the snapshot is still served
	_, ok := registry.Tracker("txn-done")
	assert.True(t, ok, "state must survive the grace period for late snapshot fetches")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Tracker("txn-done"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok = registry.Tracker("txn-done")
	assert.False(t, ok, "finished transaction must be cleaned up after the grace period")

	// cleanup of one transaction must not touch others
	got, ok := registry.Tracker("txn-live")
	require.True(t, ok)
	assert.Same(t, unrelated, got)
}

func TestRegistry_ExplicitCleanup(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	registry.CreateTracker("sess-1", "txn-1")

	registry.Cleanup("txn-1")
	_, ok := registry.Tracker("txn-1")
	assert.False(t, ok)

	// idempotent
	registry.Cleanup("txn-1")
}

// --- Shutdown ---

func TestRegistry_Shutdown(t *testing.T) {
	registry, _ := newTestRegistry(t, DefaultRegistryConfig())
	c1, c2 := &fakeConn{}, &fakeConn{}
	require.NoError(t, registry.Register(c1, "sess-1"))
	require.NoError(t, registry.Register(c2, "sess-2"))
	registry.CreateTracker("sess-1", "txn-1")

	registry.Shutdown()

	for _, c := range []*fakeConn{c1, c2} {
		closed, code := c.closedWith()
		assert.True(t, closed)
		assert.Equal(t, CloseCodeShutdown, code)
	}
	assert.Equal(t, 0, registry.ConnectionCount("sess-1"))
	_, ok := registry.Tracker("txn-1")
	assert.False(t, ok)
}

// --- Concurrency ---

func TestRegistry_ConcurrentRegisterBroadcast(t *testing.T) {
	registry, authority := newTestRegistry(t, DefaultRegistryConfig())
	authority.cap = 0 // unlimited

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				conn := &fakeConn{}
				if err := registry.Register(conn, "sess-1"); err != nil {
					continue
				}
				registry.Deliver(context.Background(), "sess-1", []byte(`{}`))
				registry.Unregister(conn)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, registry.ConnectionCount("sess-1"))
}
