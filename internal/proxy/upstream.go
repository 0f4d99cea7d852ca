package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/Spreetail/amqproxy/errors"
	"github.com/Spreetail/amqproxy/internal/wire"
	"github.com/Spreetail/amqproxy/log"
)

// Credentials identify a broker login: the virtual host plus the SASL
// identity presented during negotiation. A Pool keys its upstream
// connections by this value, since every upstream socket is opened
// with exactly one login.
type Credentials struct {
	VHost    string
	User     string
	Password string
}

// Redacted implements errors.Redactable so credentials never end up
// verbatim in a log line.
func (c Credentials) Redacted() string {
	return "vhost=" + c.VHost + " user=" + c.User + " pass=‹redacted›"
}

// Upstream is a single TCP (or TLS) connection to the broker, already
// past the AMQP handshake and sitting at a fixed tuning (channel-max,
// frame-max, heartbeat). It is used by one client session at a time
// (which may bind any number of channels on it), and across its
// lifetime by any number of sessions whose credentials matched the
// Credentials this connection was dialed with.
//
// Upstream never holds a strong reference back to the ClientSession
// currently using it: ownership flows one way, from session to
// upstream, so a session can be torn down without an upstream needing
// to know about its death beyond releasing the binding.
type Upstream struct {
	conn   net.Conn
	reader *bufio.Reader
	creds  Credentials
	tune   wire.ConnectionTune

	writeMu sync.Mutex // serializes whole-frame writes to conn

	mu       sync.Mutex        // guards the fields below
	bindings map[uint16]uint16 // clientChannel -> upstreamChannel
	free     []uint16          // upstream channel numbers available for reuse, within [1, channelMax]
	session  sessionRef        // weak, non-owning back-reference
	closed   bool

	log log.Logger
}

// defaultChannelMax is used when the broker's own Tune advertises
// channel_max=0, which the AMQP 0-9-1 spec defines as "no specified
// limit" rather than an actual value to allocate against. RabbitMQ
// itself defaults to 2047 in that case, so the proxy's channel pool
// does too.
const defaultChannelMax = 2047

// channelMax reports the upper bound the free-channel pool was built
// against: the broker-negotiated channel_max, or defaultChannelMax if
// the broker left it unspecified. Always >= 1.
func (u *Upstream) channelMax() uint16 {
	if u.tune.ChannelMax == 0 {
		return defaultChannelMax
	}
	return u.tune.ChannelMax
}

// freeChannelRange builds the full [1, channelMax] free list, used both
// to seed a freshly negotiated Upstream and to restore full capacity in
// detach() once every binding from the previous session is gone.
func (u *Upstream) freeChannelRange() []uint16 {
	max := u.channelMax()
	free := make([]uint16, max)
	for i := range free {
		free[i] = max - uint16(i)
	}
	return free
}

// sessionRef is the minimal surface Upstream needs from a
// ClientSession in order to hand it an inbound frame. Declaring it as
// an interface here, rather than importing *ClientSession directly,
// keeps the back-reference weak in spirit: Upstream only ever calls
// into it, never retains it beyond a single borrow.
type sessionRef interface {
	deliverFromUpstream(upstreamChannel uint16, f wire.Frame)
	deliverHeartbeat()
	notifyUpstreamError(reason string)
}

// dialUpstream opens a new broker connection for creds and runs it
// through the handshake described by the negotiation procedure,
// returning a ready-to-use Upstream. It never touches a Pool's mutex:
// callers are expected to dial outside of any pool lock so that a slow
// or wedged broker cannot stall unrelated borrow/return traffic.
func dialUpstream(cfg Config, creds Credentials, logger log.Logger) (*Upstream, error) {
	addr := cfg.upstreamAddr()
	dialer := net.Dialer{Timeout: 10 * time.Second}

	var conn net.Conn
	var err error
	if cfg.IsTLS() {
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: hostOnly(addr)})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, wrapError(KindUpstreamWrite, errors.Wrapf(err, "dial upstream %s", addr))
	}

	u := &Upstream{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		creds:    creds,
		bindings: make(map[uint16]uint16),
		log:      logger,
	}

	if err := u.negotiate(creds); err != nil {
		_ = conn.Close()
		return nil, err
	}
	u.free = u.freeChannelRange()

	go u.readLoop()
	return u, nil
}

// writeFrame serializes f to the upstream socket under the write
// mutex, guaranteeing that no two goroutines interleave partial frames
// on the wire.
func (u *Upstream) writeFrame(f wire.Frame) error {
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if err := wire.WriteFrame(u.conn, f); err != nil {
		return wrapError(KindUpstreamWrite, err)
	}
	return nil
}

// readLoop is the single reader goroutine for this upstream socket. It
// runs for the lifetime of the connection, dispatching every inbound
// frame to whichever ClientSession currently owns the channel binding
// it arrived on, per the dispatch rules: a frame on channel 0 is
// connection-level and only expected during close; any other channel
// must have an active binding or the frame is dropped and logged.
func (u *Upstream) readLoop() {
	for {
		f, err := wire.ReadFrame(u.reader)
		if err != nil {
			u.log.WithField("upstream", u.creds.Redacted()).Debugf("upstream read loop exiting: %v", err)
			u.notifyBoundSession("UPSTREAM_ERROR: " + err.Error())
			u.teardown()
			return
		}

		if f.Channel == 0 {
			if f.Type == wire.FrameHeartbeat {
				u.mu.Lock()
				sess := u.session
				u.mu.Unlock()
				if sess != nil {
					sess.deliverHeartbeat()
				} else {
					// No client is presently bound: keep the broker
					// connection alive ourselves while it sits idle.
					_ = u.writeFrame(f)
				}
				continue
			}
			u.handleConnectionFrame(f)
			continue
		}

		u.mu.Lock()
		sess := u.session
		u.mu.Unlock()
		if sess == nil {
			u.log.Warning("dropped frame for unbound upstream channel", f.Channel)
			continue
		}
		sess.deliverFromUpstream(f.Channel, f)
	}
}

// notifyBoundSession hands reason to whatever ClientSession currently
// holds this upstream, if any, so it can relay a synthetic
// Connection.Close to its own client instead of simply vanishing.
func (u *Upstream) notifyBoundSession(reason string) {
	u.mu.Lock()
	sess := u.session
	u.mu.Unlock()
	if sess != nil {
		sess.notifyUpstreamError(reason)
	}
}

func (u *Upstream) handleConnectionFrame(f wire.Frame) {
	if f.Type != wire.FrameMethod {
		return
	}
	class, method, err := wire.ClassMethod(f.Payload)
	if err != nil || class != wire.ClassConnection {
		return
	}
	switch method {
	case wire.MethodConnectionClose:
		u.log.Info("upstream sent Connection.Close")
		reason := "broker closed the connection"
		if closed, derr := wire.DecodeConnectionClose(bytes.NewReader(f.Payload[4:])); derr == nil && closed.ReplyText != "" {
			reason = closed.ReplyText
		}
		_ = u.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: wire.EncodeConnectionCloseOk()})
		u.notifyBoundSession(reason)
		u.teardown()
	case wire.MethodConnectionCloseOk:
		u.teardown()
	}
}

// teardown marks the upstream closed and releases the socket. It is
// idempotent: both a read error and an explicit Close() may race to
// call it.
func (u *Upstream) teardown() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()
	_ = u.conn.Close()
}

// isHealthy reports whether the upstream connection is still usable
// and may be returned to its pool instead of discarded.
func (u *Upstream) isHealthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.closed
}

// Close forcibly tears down the upstream connection, used when a pool
// is shutting down or the idle reaper evicts this entry.
func (u *Upstream) Close() error {
	u.teardown()
	return nil
}

// bind allocates (or reuses) an upstream channel number for
// clientChannel out of the pool's [1, channelMax] free list, recording
// the mapping so that inbound frames on that upstream channel are
// routed back to the requesting session. It does not itself talk to
// the broker: the client's own Channel.Open frame is forwarded
// afterwards with its channel number rewritten, exactly like any other
// frame. Returns 0, false if the upstream has exhausted channelMax.
func (u *Upstream) bind(sess sessionRef, clientChannel uint16) (uint16, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := len(u.free)
	if n == 0 {
		return 0, false
	}
	u.session = sess
	upChan := u.free[n-1]
	u.free = u.free[:n-1]
	u.bindings[clientChannel] = upChan
	return upChan, true
}

// unbind releases the upstream channel associated with clientChannel
// back onto the free list so a later bind can reuse the number.
func (u *Upstream) unbind(clientChannel uint16) {
	u.mu.Lock()
	defer u.mu.Unlock()
	upChan, ok := u.bindings[clientChannel]
	if !ok {
		return
	}
	delete(u.bindings, clientChannel)
	u.free = append(u.free, upChan)
}

// detach removes the weak back-reference to the owning session and
// restores the free-channel pool to its full [1, channelMax] capacity,
// ready for whichever session borrows this upstream next. Called when a
// ClientSession is torn down so the upstream stops trying to deliver
// frames to it.
func (u *Upstream) detach() {
	u.mu.Lock()
	u.session = nil
	u.bindings = make(map[uint16]uint16)
	u.free = u.freeChannelRange()
	u.mu.Unlock()
}
