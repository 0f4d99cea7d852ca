package proxy

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Spreetail/amqproxy/internal/wire"
)

// fakeBroker is a minimal AMQP 0-9-1 broker used only to exercise the
// proxy end to end: it performs a real handshake, accepts/rejects
// logins against a fixed credential set, and echoes every non
// connection/channel frame back verbatim on the same channel it
// arrived on, which is enough to prove that channel translation and
// frame forwarding both work.
type fakeBroker struct {
	ln net.Listener

	mu          sync.Mutex
	validLogins map[string]string // user -> password
	conns       []net.Conn
	channelMax  uint16 // 0 defaults to 2047, matching a real broker

	connections  int32
	totalAccepts int32
}

func newFakeBroker(t interface {
	Fatalf(format string, args ...interface{})
}, logins map[string]string) *fakeBroker {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &fakeBroker{ln: ln, validLogins: logins, channelMax: 2047}
	go b.acceptLoop()
	return b
}

func (b *fakeBroker) addr() string {
	return b.ln.Addr().String()
}

func (b *fakeBroker) close() {
	_ = b.ln.Close()
}

func (b *fakeBroker) acceptLoop() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&b.connections, 1)
		atomic.AddInt32(&b.totalAccepts, 1)
		go b.serve(conn)
	}
}

func (b *fakeBroker) activeConnections() int {
	return int(atomic.LoadInt32(&b.connections))
}

func (b *fakeBroker) dialCount() int {
	return int(atomic.LoadInt32(&b.totalAccepts))
}

// severConnections forcibly closes every socket the broker has
// accepted so far, simulating a broker crash mid-session.
func (b *fakeBroker) severConnections() {
	b.mu.Lock()
	conns := make([]net.Conn, len(b.conns))
	copy(conns, b.conns)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *fakeBroker) serve(conn net.Conn) {
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	defer func() {
		atomic.AddInt32(&b.connections, -1)
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)

	var hdr [8]byte
	if _, err := reader.Read(hdr[:]); err != nil {
		return
	}

	start := wire.ConnectionStart{
		VersionMajor:     0,
		VersionMinor:     9,
		ServerProperties: wire.Table{"product": "fakebroker"},
		Mechanisms:       "PLAIN",
		Locales:          "en_US",
	}
	startPayload, _ := start.Encode()
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: startPayload}); err != nil {
		return
	}

	startOkFrame, err := wire.ReadFrame(reader)
	if err != nil {
		return
	}
	startOk, err := wire.DecodeConnectionStartOk(bytes.NewReader(startOkFrame.Payload[4:]))
	if err != nil {
		return
	}
	parts := bytes.SplitN(startOk.Response, []byte{0}, 3)
	if len(parts) != 3 {
		return
	}
	user, pass := string(parts[1]), string(parts[2])

	b.mu.Lock()
	want, ok := b.validLogins[user]
	b.mu.Unlock()
	if !ok || want != pass {
		cc := wire.ConnectionClose{ReplyCode: 530, ReplyText: "NOT_ALLOWED", ClassID: 10, MethodID: 11}
		payload, _ := cc.Encode()
		_ = wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload})
		return
	}

	b.mu.Lock()
	channelMax := b.channelMax
	b.mu.Unlock()
	tune := wire.ConnectionTune{ChannelMax: channelMax, FrameMax: 131072, Heartbeat: 60}
	tunePayload, _ := tune.Encode()
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: tunePayload}); err != nil {
		return
	}
	if _, err := wire.ReadFrame(reader); err != nil { // Tune-Ok
		return
	}

	openFrame, err := wire.ReadFrame(reader)
	if err != nil {
		return
	}
	if _, err := wire.DecodeConnectionOpen(bytes.NewReader(openFrame.Payload[4:])); err != nil {
		return
	}
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: wire.EncodeConnectionOpenOk()}); err != nil {
		return
	}

	for {
		f, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}

		if f.Channel == 0 {
			class, method, err := wire.ClassMethod(f.Payload)
			if err == nil && class == wire.ClassConnection && method == wire.MethodConnectionClose {
				_ = wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: wire.EncodeConnectionCloseOk()})
				return
			}
			continue
		}

		if f.Type == wire.FrameMethod {
			class, method, err := wire.ClassMethod(f.Payload)
			if err == nil && class == wire.ClassChannel {
				switch method {
				case wire.MethodChannelOpen:
					_ = wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: f.Channel, Payload: wire.EncodeChannelOpenOk()})
					continue
				case wire.MethodChannelClose:
					_ = wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: f.Channel, Payload: wire.EncodeChannelCloseOk()})
					continue
				}
			}
		}

		// Any other frame (a simulated Basic.Publish/Queue.Declare
		// payload in these tests) is echoed back verbatim on the same
		// channel, proving the proxy forwards and relays opaque frames
		// without needing to understand them.
		_ = wire.WriteFrame(conn, f)
	}
}
