package proxy

import (
	"bytes"
	"net"
	"strings"

	"github.com/Spreetail/amqproxy/errors"
	"github.com/Spreetail/amqproxy/internal/wire"
)

// serverProperties is advertised to clients during Connection.Start.
// RabbitMQ and every compatible client tolerate an arbitrary table
// here; these keys just make the proxy identifiable in broker
// management UIs that surface them.
func serverProperties() wire.Table {
	return wire.Table{
		"product":      "amqproxy",
		"platform":     "Go",
		"capabilities": wire.Table{},
	}
}

// upstreamAddr resolves the host:port the proxy should dial to reach
// the broker, derived from UpstreamURL.
func (c Config) upstreamAddr() string {
	u := c.UpstreamURL
	if idx := strings.Index(u, "://"); idx >= 0 {
		u = u[idx+3:]
	}
	if idx := strings.IndexAny(u, "/?"); idx >= 0 {
		u = u[:idx]
	}
	if idx := strings.LastIndex(u, "@"); idx >= 0 {
		u = u[idx+1:]
	}
	if !strings.Contains(u, ":") {
		if c.IsTLS() {
			u += ":5671"
		} else {
			u += ":5672"
		}
	}
	return u
}

// upstreamVHost extracts the virtual host named by UpstreamURL's path,
// defaulting to "/" as RabbitMQ clients do.
func (c Config) upstreamVHost() string {
	u := c.UpstreamURL
	if idx := strings.Index(u, "://"); idx >= 0 {
		u = u[idx+3:]
	}
	if idx := strings.Index(u, "/"); idx >= 0 {
		vhost := u[idx+1:]
		if q := strings.IndexByte(vhost, '?'); q >= 0 {
			vhost = vhost[:q]
		}
		if vhost != "" {
			return vhost
		}
	}
	return "/"
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// negotiate runs the broker-facing side of the AMQP handshake: the
// proxy here plays the role of a normal client connecting with creds.
func (u *Upstream) negotiate(creds Credentials) error {
	if _, err := u.conn.Write(wire.ProtocolHeader[:]); err != nil {
		return wrapError(KindUpstreamWrite, err)
	}

	startFrame, err := wire.ReadFrame(u.reader)
	if err != nil {
		return wrapError(KindUpstreamRead, err)
	}
	if _, _, err := expectMethod(startFrame, wire.ClassConnection, wire.MethodConnectionStart); err != nil {
		return err
	}
	if _, err := wire.DecodeConnectionStart(bytes.NewReader(startFrame.Payload[4:])); err != nil {
		return wrapError(KindUpstreamRead, errors.Wrap(err, "decode Connection.Start"))
	}

	startOk := wire.ConnectionStartOk{
		ClientProperties: serverProperties(),
		Mechanism:        "PLAIN",
		Response:         plainResponse(creds),
		Locale:           "en_US",
	}
	encoded, err := startOk.Encode()
	if err != nil {
		return wrapError(KindUpstreamWrite, err)
	}
	if err := u.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: encoded}); err != nil {
		return err
	}

	tuneFrame, err := wire.ReadFrame(u.reader)
	if err != nil {
		return wrapError(KindUpstreamRead, err)
	}
	if _, _, err := expectMethod(tuneFrame, wire.ClassConnection, wire.MethodConnectionTune); err != nil {
		return err
	}
	tune, err := wire.DecodeConnectionTune(bytes.NewReader(tuneFrame.Payload[4:]))
	if err != nil {
		return wrapError(KindUpstreamRead, err)
	}
	u.tune = tune

	tuneOkPayload, err := tune.EncodeTuneOk()
	if err != nil {
		return wrapError(KindUpstreamWrite, err)
	}
	if err := u.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: tuneOkPayload}); err != nil {
		return err
	}

	openPayload, err := wire.EncodeConnectionOpen(creds.VHost)
	if err != nil {
		return wrapError(KindUpstreamWrite, err)
	}
	if err := u.writeFrame(wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: openPayload}); err != nil {
		return err
	}

	openOkFrame, err := wire.ReadFrame(u.reader)
	if err != nil {
		return wrapError(KindUpstreamRead, err)
	}
	if _, _, err := expectMethod(openOkFrame, wire.ClassConnection, wire.MethodConnectionOpenOk); err != nil {
		return err
	}
	return nil
}

// plainResponse builds a SASL PLAIN response: NUL-separated authzid,
// authcid and password, with an empty authorization identity.
func plainResponse(creds Credentials) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0)
	buf.WriteString(creds.User)
	buf.WriteByte(0)
	buf.WriteString(creds.Password)
	return buf.Bytes()
}

// parsePlainResponse extracts the username/password out of a SASL
// PLAIN response, the mechanism every mainstream AMQP client library
// defaults to.
func parsePlainResponse(resp []byte) (user, password string, err error) {
	parts := bytes.SplitN(resp, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", newNegotiationErrorf("malformed PLAIN response")
	}
	return string(parts[1]), string(parts[2]), nil
}

// parseAMQPLAINResponse extracts credentials out of an AMQPLAIN
// response, a RabbitMQ-specific field-table encoding some clients
// (older .NET and Java libraries) default to instead of SASL PLAIN.
func parseAMQPLAINResponse(resp []byte) (user, password string, err error) {
	tbl, err := wire.DecodeTable(bytes.NewReader(resp))
	if err != nil {
		return "", "", newNegotiationErrorf("malformed AMQPLAIN response: %v", err)
	}
	u, ok := tbl["LOGIN"].(string)
	if !ok {
		return "", "", newNegotiationErrorf("AMQPLAIN response missing LOGIN")
	}
	p, ok := tbl["PASSWORD"].(string)
	if !ok {
		return "", "", newNegotiationErrorf("AMQPLAIN response missing PASSWORD")
	}
	return u, p, nil
}

// expectMethod asserts that f is a method frame for the given
// class/method pair, returning a protocol error otherwise. A
// Connection.Close received in place of the expected method is common
// (a broker rejecting bad credentials mid-handshake, say) and is
// reported as a BrokerCloseError instead of a generic mismatch so the
// caller can relay the broker's own reply code.
func expectMethod(f wire.Frame, class, method uint16) (uint16, uint16, error) {
	if f.Type != wire.FrameMethod {
		return 0, 0, newProtocolErrorf("expected method frame, got frame type %d", f.Type)
	}
	gotClass, gotMethod, err := wire.ClassMethod(f.Payload)
	if err != nil {
		return 0, 0, wrapError(KindProtocol, err)
	}
	if gotClass == class && gotMethod == method {
		return gotClass, gotMethod, nil
	}
	if gotClass == wire.ClassConnection && gotMethod == wire.MethodConnectionClose {
		if closed, derr := wire.DecodeConnectionClose(bytes.NewReader(f.Payload[4:])); derr == nil {
			return gotClass, gotMethod, wrapError(KindNegotiation, &BrokerCloseError{Code: closed.ReplyCode, Text: closed.ReplyText})
		}
	}
	return gotClass, gotMethod, newProtocolErrorf("expected class %d method %d, got class %d method %d", class, method, gotClass, gotMethod)
}
