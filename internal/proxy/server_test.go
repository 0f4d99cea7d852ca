package proxy

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spreetail/amqproxy/internal/wire"
	"github.com/Spreetail/amqproxy/log"
)

func decodeClassMethodForTest(f wire.Frame) (uint16, uint16, error) {
	return wire.ClassMethod(f.Payload)
}

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestServer(t *testing.T, broker *fakeBroker, idleTimeout time.Duration) (*Server, string) {
	port := freePort(t)
	cfg := DefaultConfig()
	cfg.UpstreamURL = "amqp://" + broker.addr() + "/"
	cfg.ListenAddress = "127.0.0.1"
	cfg.ListenPort = port
	if idleTimeout > 0 {
		cfg.IdleConnectionTimeout = idleTimeout
	}
	require.NoError(t, cfg.Validate())

	srv := NewServer(cfg, log.Discard(), nil)
	srv.Reset()
	require.NoError(t, srv.Setup())
	go func() { _ = srv.Start() }()

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, time.Second, 5*time.Millisecond)

	return srv, addr
}

func TestForwardsFramesAcrossIsolatedChannels(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	client, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client.close()

	require.NoError(t, client.openChannel(1))
	require.NoError(t, client.openChannel(2))

	require.NoError(t, client.sendBody(1, []byte("on channel one")))
	require.NoError(t, client.sendBody(2, []byte("on channel two")))

	f1, err := client.readFrame()
	require.NoError(t, err)
	f2, err := client.readFrame()
	require.NoError(t, err)

	seen := map[uint16]string{f1.Channel: string(f1.Payload), f2.Channel: string(f2.Payload)}
	assert.Equal(t, "on channel one", seen[1])
	assert.Equal(t, "on channel two", seen[2])
}

func TestPoolReusesUpstreamAfterSessionEnds(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, time.Minute)
	defer srv.Stop()

	client1, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	require.NoError(t, client1.closeConnection())
	client1.close()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sessions) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, broker.dialCount())

	client2, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client2.close()

	assert.Equal(t, 1, broker.dialCount(), "second session should reuse the pooled upstream instead of dialing again")
}

func TestIdleReaperClosesUnusedUpstream(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	cfg := DefaultConfig()
	cfg.UpstreamURL = "amqp://" + broker.addr() + "/"
	cfg.IdleConnectionTimeout = 30 * time.Millisecond
	require.NoError(t, cfg.Validate())

	pool := NewUpstreamPool(cfg, Credentials{VHost: "/", User: "guest", Password: "guest"}, log.Discard(), nil)
	defer pool.Close()

	up, err := pool.Borrow()
	require.NoError(t, err)
	pool.Return(up)

	idle, _ := pool.Stats()
	assert.Equal(t, 1, idle)

	require.Eventually(t, func() bool {
		idle, _ := pool.Stats()
		return idle == 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, broker.activeConnections())
}

func TestDifferentCredentialsUseSeparatePools(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest", "other": "other"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	c1, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer c1.close()

	c2, err := dialTestClient(addr, "/", "other", "other")
	require.NoError(t, err)
	defer c2.close()

	srv.mu.Lock()
	numPools := len(srv.pools)
	srv.mu.Unlock()
	assert.Equal(t, 2, numPools)
	assert.Equal(t, 2, broker.dialCount())
}

func TestBadUpstreamCredentialsCloseTheSession(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	// The proxy terminates the client-facing handshake itself and only
	// learns whether the credentials are actually valid once it tries
	// to borrow an upstream connection with them, so the handshake
	// with the proxy succeeds but the connection is torn down right
	// after with a Connection.Close carrying the borrow failure.
	client, err := dialTestClient(addr, "/", "guest", "wrong-password")
	require.NoError(t, err)
	defer client.close()

	f, err := client.readFrame()
	require.NoError(t, err)
	class, method, err := decodeClassMethodForTest(f)
	require.NoError(t, err)
	assert.EqualValues(t, 10, class)
	assert.EqualValues(t, 50, method)
}

func TestHeartbeatsStayHopLocal(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	client, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client.close()

	require.NoError(t, client.openChannel(1))
	require.NoError(t, client.sendHeartbeat())

	f, err := client.readFrame()
	require.NoError(t, err)
	assert.Equal(t, wire.FrameHeartbeat, f.Type, "a heartbeat sent to the proxy must be echoed back, not forwarded upstream")
	assert.EqualValues(t, 0, f.Channel)
}

func TestUpstreamCrashClosesClientWithUpstreamError(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	client, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client.close()

	require.NoError(t, client.openChannel(1))

	broker.severConnections()

	f, err := client.readFrame()
	require.NoError(t, err)
	class, method, err := decodeClassMethodForTest(f)
	require.NoError(t, err)
	assert.EqualValues(t, 10, class)
	assert.EqualValues(t, 50, method)

	cc, err := wire.DecodeConnectionClose(bytes.NewReader(f.Payload[4:]))
	require.NoError(t, err)
	assert.Contains(t, cc.ReplyText, "UPSTREAM_ERROR")
}

func TestChannelCloseOkFreesUpstreamChannelForReuse(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()
	broker.channelMax = 1

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	client, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client.close()

	require.NoError(t, client.openChannel(1))
	require.NoError(t, client.closeChannel(1))

	// The upstream only has one channel slot (channelMax=1); it must
	// have been freed by the Channel.Close-Ok round trip rather than
	// leaked, or this second open would hang/fail.
	require.NoError(t, client.openChannel(2))
}

func TestChannelLimitExceededClosesChannel(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()
	broker.channelMax = 1

	srv, addr := newTestServer(t, broker, 0)
	defer srv.Stop()

	client, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client.close()

	require.NoError(t, client.openChannel(1))

	require.NoError(t, wire.WriteFrame(client.conn, wire.Frame{Type: wire.FrameMethod, Channel: 2, Payload: wire.EncodeChannelOpen()}))
	f, err := client.readFrame()
	require.NoError(t, err)
	class, method, err := decodeClassMethodForTest(f)
	require.NoError(t, err)
	assert.EqualValues(t, wire.ClassChannel, class)
	assert.EqualValues(t, wire.MethodChannelClose, method, "opening past channelMax must be refused with Channel.Close, not silently dropped")
}

func TestGracefulShutdownStopsAcceptingThenDisconnects(t *testing.T) {
	broker := newFakeBroker(t, map[string]string{"guest": "guest"})
	defer broker.close()

	srv, addr := newTestServer(t, broker, 0)

	client, err := dialTestClient(addr, "/", "guest", "guest")
	require.NoError(t, err)
	defer client.close()

	srv.StopAccepting()

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed after StopAccepting")

	require.NoError(t, client.openChannel(1), "existing session should still be served")

	srv.Stop()

	f, err := client.readFrame()
	require.NoError(t, err, "client should receive a frame before the socket closes")
	class, method, err := decodeClassMethodForTest(f)
	require.NoError(t, err)
	assert.EqualValues(t, 10, class, "disconnect must send Connection.Close, not just close the socket")
	assert.EqualValues(t, 50, method)

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sessions) == 0
	}, time.Second, 5*time.Millisecond)
}
