package proxy

import (
	"bufio"
	"bytes"
	"net"

	"github.com/Spreetail/amqproxy/internal/wire"
)

// testClient performs the client side of the AMQP handshake against a
// listening address and exposes raw frame send/receive, standing in
// for a real AMQP client library in tests.
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestClient(addr, vhost, user, password string) (*testClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &testClient{conn: conn, reader: bufio.NewReader(conn)}

	if _, err := conn.Write(wire.ProtocolHeader[:]); err != nil {
		return nil, err
	}
	if _, err := wire.ReadFrame(c.reader); err != nil { // Connection.Start
		return nil, err
	}

	var resp bytes.Buffer
	resp.WriteByte(0)
	resp.WriteString(user)
	resp.WriteByte(0)
	resp.WriteString(password)
	startOk := wire.ConnectionStartOk{
		ClientProperties: wire.Table{"platform": "Go"},
		Mechanism:        "PLAIN",
		Response:         resp.Bytes(),
		Locale:           "en_US",
	}
	payload, err := startOk.Encode()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload}); err != nil {
		return nil, err
	}

	tuneFrame, err := wire.ReadFrame(c.reader)
	if err != nil {
		return nil, err
	}
	class, method, err := wire.ClassMethod(tuneFrame.Payload)
	if err != nil {
		return nil, err
	}
	if class == wire.ClassConnection && method == wire.MethodConnectionClose {
		return nil, errConnectionRejected
	}
	tune, err := wire.DecodeConnectionTune(bytes.NewReader(tuneFrame.Payload[4:]))
	if err != nil {
		return nil, err
	}
	tuneOkPayload, err := tune.EncodeTuneOk()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: tuneOkPayload}); err != nil {
		return nil, err
	}

	openPayload, err := wire.EncodeConnectionOpen(vhost)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: openPayload}); err != nil {
		return nil, err
	}
	if _, err := wire.ReadFrame(c.reader); err != nil { // Connection.Open-Ok
		return nil, err
	}

	return c, nil
}

func (c *testClient) openChannel(channel uint16) error {
	if err := wire.WriteFrame(c.conn, wire.Frame{Type: wire.FrameMethod, Channel: channel, Payload: wire.EncodeChannelOpen()}); err != nil {
		return err
	}
	_, err := wire.ReadFrame(c.reader) // Channel.Open-Ok
	return err
}

func (c *testClient) closeChannel(channel uint16) error {
	cc := wire.ChannelClose{ReplyCode: 200, ReplyText: "bye"}
	payload, err := cc.Encode()
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.conn, wire.Frame{Type: wire.FrameMethod, Channel: channel, Payload: payload}); err != nil {
		return err
	}
	_, err = wire.ReadFrame(c.reader) // Channel.Close-Ok
	return err
}

func (c *testClient) sendBody(channel uint16, body []byte) error {
	return wire.WriteFrame(c.conn, wire.Frame{Type: wire.FrameBody, Channel: channel, Payload: body})
}

func (c *testClient) sendHeartbeat() error {
	return wire.WriteFrame(c.conn, wire.Frame{Type: wire.FrameHeartbeat, Channel: 0})
}

func (c *testClient) readFrame() (wire.Frame, error) {
	return wire.ReadFrame(c.reader)
}

func (c *testClient) closeConnection() error {
	cc := wire.ConnectionClose{ReplyCode: 200, ReplyText: "bye"}
	payload, err := cc.Encode()
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(c.conn, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: payload}); err != nil {
		return err
	}
	_, err = wire.ReadFrame(c.reader) // Connection.Close-Ok
	return err
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const errConnectionRejected = sentinelError("connection rejected during negotiation")
