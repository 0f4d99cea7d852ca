package proxy

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Spreetail/amqproxy/internal/metrics"
	"github.com/Spreetail/amqproxy/internal/wire"
	"github.com/Spreetail/amqproxy/log"
)

// releaseGracePeriod bounds how long the release procedure waits for
// broker CloseOk replies to channels it asked to close on a session's
// behalf, before giving up and treating the upstream as dirty.
const releaseGracePeriod = 200 * time.Millisecond

// ClientSession owns one downstream client socket, from the moment its
// protocol header arrives until it disconnects. It borrows exactly one
// Upstream for its entire lifetime and multiplexes every client
// channel onto that single upstream connection, translating channel
// numbers in both directions.
type ClientSession struct {
	id   string
	conn net.Conn

	reader *bufio.Reader

	writeMu sync.Mutex // serializes whole-frame writes to conn

	cfg      Config
	creds    Credentials
	pool     *UpstreamPool
	upstream *Upstream

	mu  sync.Mutex // guards the channel translation tables below
	c2u map[uint16]uint16
	u2c map[uint16]uint16

	log  log.Logger
	mets metrics.Sink
}

// newClientSession wraps an accepted downstream socket. The session is
// not usable until serve() has completed its handshake.
func newClientSession(id string, conn net.Conn, cfg Config, pool *UpstreamPool, logger log.Logger, mets metrics.Sink) *ClientSession {
	if mets == nil {
		mets = metrics.Noop()
	}
	return &ClientSession{
		id:     id,
		conn:   conn,
		reader: bufio.NewReader(conn),
		cfg:    cfg,
		pool:   pool,
		c2u:    make(map[uint16]uint16),
		u2c:    make(map[uint16]uint16),
		log:    logger.Sub("session").WithField("session", id),
		mets:   mets,
	}
}

// poolProvider is the minimal surface ClientSession needs from a
// Server to look up the pool matching its negotiated credentials. It
// exists so tests can serve a session against a single pool without
// constructing a full Server.
type poolProvider interface {
	poolFor(creds Credentials) *UpstreamPool
}

// serve drives the session end to end: negotiation, pool lookup, the
// frame pump, then the release procedure. It always returns once the
// client socket is done, never leaking the upstream connection it
// borrowed. The pool to borrow from cannot be chosen until after
// negotiate() learns the client's credentials.
func (s *ClientSession) serve(provider poolProvider) {
	defer s.conn.Close()

	creds, err := s.negotiate()
	if err != nil {
		s.mets.Incr(metrics.MetricNegotiationError)
		s.log.Debugf("handshake failed: %v", err)
		return
	}
	s.creds = creds
	s.log = s.log.WithField("vhost", creds.VHost).WithField("user", creds.User)
	s.pool = provider.poolFor(creds)

	upstream, err := s.pool.Borrow()
	if err != nil {
		s.log.Errorf("borrow upstream: %v", err)
		code := uint16(amqp.InternalError)
		text := "INTERNAL_ERROR: " + err.Error()
		var bc *BrokerCloseError
		if stderrors.As(err, &bc) {
			code, text = bc.Code, bc.Text
		}
		s.sendConnectionClose(code, text)
		return
	}
	s.upstream = upstream
	s.mets.Incr(metrics.MetricSessionsTotal)
	s.mets.Gauge(metrics.MetricSessionsActive, 1)
	defer s.release()

	s.pump()
}

// release runs the upstream release procedure: a Channel.Close is
// synthesized for every surviving binding (best-effort; the client is
// already gone), a bounded wait gives the broker a chance to answer
// with CloseOk before the bindings are force-cleared, and the
// connection is handed back to the pool for reuse by a future session.
// A wait that times out, or an upstream that is no longer healthy, is
// discarded instead of returned.
func (s *ClientSession) release() {
	s.mets.Gauge(metrics.MetricSessionsActive, -1)
	if s.upstream == nil {
		return
	}

	s.mu.Lock()
	upstreamChannels := make([]uint16, 0, len(s.c2u))
	for _, u := range s.c2u {
		upstreamChannels = append(upstreamChannels, u)
	}
	s.mu.Unlock()

	for _, upChan := range upstreamChannels {
		cc := wire.ChannelClose{ReplyCode: uint16(amqp.ReplySuccess), ReplyText: "session ended"}
		if payload, err := cc.Encode(); err == nil {
			_ = s.upstream.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: upChan, Payload: payload})
		}
	}

	clean := s.waitForBindingsCleared(releaseGracePeriod)

	s.mu.Lock()
	remaining := make([]uint16, 0, len(s.c2u))
	for c := range s.c2u {
		remaining = append(remaining, c)
	}
	s.c2u = make(map[uint16]uint16)
	s.u2c = make(map[uint16]uint16)
	s.mu.Unlock()

	for _, c := range remaining {
		s.upstream.unbind(c)
	}

	if !clean {
		_ = s.upstream.Close()
	}

	if s.upstream.isHealthy() {
		s.pool.Return(s.upstream)
	} else {
		s.pool.Discard(s.upstream)
	}
}

// waitForBindingsCleared polls until every binding this session opened
// has been released (by deliverFromUpstream observing the matching
// Channel.Close-Ok) or timeout elapses, whichever comes first.
func (s *ClientSession) waitForBindingsCleared(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.c2u)
		s.mu.Unlock()
		if n == 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.c2u) == 0
}

// pump is the client-facing reader loop: one goroutine, reading frames
// off the downstream socket and forwarding them upstream with channel
// numbers translated, until the client disconnects or a protocol
// violation forces the session closed.
func (s *ClientSession) pump() {
	for {
		f, err := wire.ReadFrame(s.reader)
		if err != nil {
			s.log.Debugf("client read loop exiting: %v", err)
			return
		}

		if f.Type == wire.FrameHeartbeat {
			// Hop-by-hop: answer the client directly, never forward.
			_ = s.writeFrame(f)
			continue
		}

		if f.Channel == 0 {
			if s.handleConnectionFrame(f) {
				return
			}
			continue
		}

		var closingChannel bool
		if f.Type == wire.FrameMethod {
			if class, method, err := wire.ClassMethod(f.Payload); err == nil && class == wire.ClassChannel {
				switch method {
				case wire.MethodChannelOpen:
					if !s.openChannel(f.Channel) {
						s.sendChannelClose(f.Channel, uint16(amqp.ResourceError), "channel limit exceeded")
						continue
					}
				case wire.MethodChannelCloseOk:
					closingChannel = true
				}
			}
		}

		upChan, ok := s.upstreamChannel(f.Channel)
		if !ok {
			if closingChannel {
				// Close-Ok answering a Channel.Close the proxy sent itself
				// (see sendChannelClose): there is nothing upstream to forward.
				continue
			}
			s.log.Warningf("frame on unbound client channel %d", f.Channel)
			s.sendConnectionClose(uint16(amqp.ChannelError), "CHANNEL_ERROR - frame on a channel that is not open")
			return
		}

		if err := s.upstream.writeFrame(wire.Frame{Type: f.Type, Channel: upChan, Payload: f.Payload}); err != nil {
			s.log.Debugf("upstream write failed, ending session: %v", err)
			return
		}
		s.mets.Incr(metrics.MetricFramesForwarded)

		if closingChannel {
			// The client is answering a proxy-relayed Channel.Close with
			// its own Channel.Close-Ok: forward it (above), then free the
			// binding the way deliverFromUpstream does for the mirror case.
			s.closeChannel(f.Channel, upChan)
		}
	}
}

// openChannel allocates an upstream channel for a newly seen client
// channel, before the Channel.Open frame itself is forwarded. Reports
// false if the upstream's channelMax has been exhausted.
func (s *ClientSession) openChannel(clientChannel uint16) bool {
	upChan, ok := s.upstream.bind(s, clientChannel)
	if !ok {
		return false
	}
	s.mu.Lock()
	s.c2u[clientChannel] = upChan
	s.u2c[upChan] = clientChannel
	s.mu.Unlock()
	return true
}

// sendChannelClose synthesizes a Channel.Close the proxy itself
// originates, for a channel that was never forwarded upstream (so no
// Close-Ok is expected from the broker; the client's own Close-Ok for it
// is dropped by pump).
func (s *ClientSession) sendChannelClose(channel, code uint16, text string) {
	cc := wire.ChannelClose{ReplyCode: code, ReplyText: text}
	if payload, err := cc.Encode(); err == nil {
		_ = s.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: channel, Payload: payload})
	}
}

// closeChannel releases the binding for clientChannel/upChan once the
// client's own Channel.Close-Ok for it has been forwarded upstream.
func (s *ClientSession) closeChannel(clientChannel, upChan uint16) {
	s.mu.Lock()
	delete(s.c2u, clientChannel)
	delete(s.u2c, upChan)
	s.mu.Unlock()
	s.upstream.unbind(clientChannel)
}

func (s *ClientSession) upstreamChannel(clientChannel uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	upChan, ok := s.c2u[clientChannel]
	return upChan, ok
}

func (s *ClientSession) clientChannel(upstreamChannel uint16) (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.u2c[upstreamChannel]
	return c, ok
}

// deliverFromUpstream implements sessionRef: it is called by the
// Upstream's own reader goroutine whenever a frame for one of this
// session's bound channels arrives, and forwards it downstream with
// the channel number translated back to the client's numbering.
func (s *ClientSession) deliverFromUpstream(upstreamChannel uint16, f wire.Frame) {
	clientChannel, ok := s.clientChannel(upstreamChannel)
	if !ok {
		s.log.Warningf("frame on unbound upstream channel %d", upstreamChannel)
		return
	}

	if f.Type == wire.FrameMethod {
		if class, method, err := wire.ClassMethod(f.Payload); err == nil {
			if class == wire.ClassChannel && method == wire.MethodChannelCloseOk {
				s.mu.Lock()
				delete(s.c2u, clientChannel)
				delete(s.u2c, upstreamChannel)
				s.mu.Unlock()
				s.upstream.unbind(clientChannel)
			}
		}
	}

	if err := s.writeFrame(wire.Frame{Type: f.Type, Channel: clientChannel, Payload: f.Payload}); err != nil {
		s.log.Debugf("client write failed: %v", err)
	}
}

// deliverHeartbeat implements sessionRef: the Upstream forwards a
// broker heartbeat here only while a client is bound to it, echoing it
// on channel 0 exactly as received.
func (s *ClientSession) deliverHeartbeat() {
	_ = s.writeFrame(wire.Frame{Type: wire.FrameHeartbeat, Channel: 0})
}

// notifyUpstreamError implements sessionRef: called when the bound
// Upstream's socket fails or the broker closes it unexpectedly, so the
// client can be told why its channels just went silent instead of
// simply hanging.
func (s *ClientSession) notifyUpstreamError(reason string) {
	s.sendConnectionClose(uint16(amqp.InternalError), reason)
}

// writeFrame serializes f to the client socket under the write mutex.
func (s *ClientSession) writeFrame(f wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.WriteFrame(s.conn, f); err != nil {
		return wrapError(KindClientWrite, err)
	}
	return nil
}

// handleConnectionFrame processes a channel-0 (connection-level) frame
// arriving from the client mid-session. It returns true if the session
// should now end.
func (s *ClientSession) handleConnectionFrame(f wire.Frame) bool {
	if f.Type != wire.FrameMethod {
		return false
	}
	class, method, err := wire.ClassMethod(f.Payload)
	if err != nil || class != wire.ClassConnection {
		return false
	}
	switch method {
	case wire.MethodConnectionClose:
		_ = s.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: wire.EncodeConnectionCloseOk()})
		return true
	case wire.MethodConnectionCloseOk:
		return true
	default:
		return false
	}
}

func (s *ClientSession) sendConnectionClose(code uint16, text string) {
	cc := wire.ConnectionClose{ReplyCode: code, ReplyText: text}
	payload, err := cc.Encode()
	if err != nil {
		return
	}
	_ = s.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload})
}

// negotiate runs the client-facing side of the AMQP handshake: reading
// the protocol header, exchanging Connection.Start/Start-Ok and
// Connection.Tune/Tune-Ok, extracting the login credentials out of the
// client's chosen SASL mechanism, and finally Connection.Open.
func (s *ClientSession) negotiate() (Credentials, error) {
	hdr, err := wire.ReadProtocolHeader(s.reader)
	if err != nil {
		return Credentials{}, wrapError(KindNegotiation, err)
	}
	if !wire.IsSupportedProtocolHeader(hdr) {
		_, _ = s.conn.Write(wire.ProtocolHeader[:])
		return Credentials{}, newNegotiationErrorf("unsupported protocol header %v", hdr)
	}

	start := wire.ConnectionStart{
		VersionMajor:     0,
		VersionMinor:     9,
		ServerProperties: serverProperties(),
		Mechanisms:       "PLAIN AMQPLAIN",
		Locales:          "en_US",
	}
	startPayload, err := start.Encode()
	if err != nil {
		return Credentials{}, wrapError(KindNegotiation, err)
	}
	if err := s.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: startPayload}); err != nil {
		return Credentials{}, err
	}

	startOkFrame, err := wire.ReadFrame(s.reader)
	if err != nil {
		return Credentials{}, wrapError(KindNegotiation, err)
	}
	if _, _, err := expectMethod(startOkFrame, wire.ClassConnection, wire.MethodConnectionStartOk); err != nil {
		return Credentials{}, err
	}
	startOk, err := wire.DecodeConnectionStartOk(bytes.NewReader(startOkFrame.Payload[4:]))
	if err != nil {
		return Credentials{}, newNegotiationErrorf("decode Connection.Start-Ok: %v", err)
	}

	var user, password string
	switch startOk.Mechanism {
	case "PLAIN":
		user, password, err = parsePlainResponse(startOk.Response)
	case "AMQPLAIN":
		user, password, err = parseAMQPLAINResponse(startOk.Response)
	default:
		err = newNegotiationErrorf("unsupported SASL mechanism %q", startOk.Mechanism)
	}
	if err != nil {
		return Credentials{}, err
	}

	// channel_max=0 and heartbeat=0 are deliberate: the client is given
	// no channel limit and no heartbeat requirement regardless of what
	// the upstream broker tuned for the proxy itself. Those values are
	// never propagated downstream.
	tune := wire.ConnectionTune{ChannelMax: 0, FrameMax: 131072, Heartbeat: 0}
	tunePayload, err := tune.Encode()
	if err != nil {
		return Credentials{}, wrapError(KindNegotiation, err)
	}
	if err := s.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: tunePayload}); err != nil {
		return Credentials{}, err
	}

	tuneOkFrame, err := wire.ReadFrame(s.reader)
	if err != nil {
		return Credentials{}, wrapError(KindNegotiation, err)
	}
	if _, _, err := expectMethod(tuneOkFrame, wire.ClassConnection, wire.MethodConnectionTuneOk); err != nil {
		return Credentials{}, err
	}

	openFrame, err := wire.ReadFrame(s.reader)
	if err != nil {
		return Credentials{}, wrapError(KindNegotiation, err)
	}
	if _, _, err := expectMethod(openFrame, wire.ClassConnection, wire.MethodConnectionOpen); err != nil {
		return Credentials{}, err
	}
	open, err := wire.DecodeConnectionOpen(bytes.NewReader(openFrame.Payload[4:]))
	if err != nil {
		return Credentials{}, newNegotiationErrorf("decode Connection.Open: %v", err)
	}
	vhost := open.VirtualHost
	if vhost == "" {
		// RabbitMQ clients send an empty virtual host to mean "use the
		// connection default"; the proxy answers that with the vhost
		// configured for its own upstream rather than hardcoding "/".
		vhost = s.cfg.upstreamVHost()
	}

	if err := s.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: wire.EncodeConnectionOpenOk()}); err != nil {
		return Credentials{}, err
	}

	return Credentials{VHost: vhost, User: user, Password: password}, nil
}
