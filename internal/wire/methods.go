package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/Spreetail/amqproxy/errors"
)

// Class and method identifiers for the connection/channel negotiation
// methods this proxy terminates itself. Every other class/method pair
// is forwarded as an opaque payload.
const (
	ClassConnection uint16 = 10
	ClassChannel    uint16 = 20

	MethodConnectionStart   uint16 = 10
	MethodConnectionStartOk uint16 = 11
	MethodConnectionSecure  uint16 = 20
	MethodConnectionSecureOk uint16 = 21
	MethodConnectionTune    uint16 = 30
	MethodConnectionTuneOk  uint16 = 31
	MethodConnectionOpen    uint16 = 40
	MethodConnectionOpenOk  uint16 = 41
	MethodConnectionClose   uint16 = 50
	MethodConnectionCloseOk uint16 = 51

	MethodChannelOpen    uint16 = 10
	MethodChannelOpenOk  uint16 = 11
	MethodChannelClose   uint16 = 40
	MethodChannelCloseOk uint16 = 41
)

// ClassMethod peeks the class-id/method-id header that prefixes every
// method-frame payload, without consuming the reader used elsewhere.
func ClassMethod(payload []byte) (class, method uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, errors.New("method frame shorter than class/method header")
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

func methodHeader(class, method uint16) []byte {
	var h [4]byte
	binary.BigEndian.PutUint16(h[0:2], class)
	binary.BigEndian.PutUint16(h[2:4], method)
	return h[:]
}

// ConnectionStart is Connection.Start, sent by the proxy to the client
// in place of the upstream broker's own greeting, announcing which SASL
// mechanisms and locales it accepts.
type ConnectionStart struct {
	VersionMajor     byte
	VersionMinor     byte
	ServerProperties Table
	Mechanisms       string
	Locales          string
}

// Encode serializes the method into a method-frame payload.
func (m ConnectionStart) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionStart))
	buf.WriteByte(m.VersionMajor)
	buf.WriteByte(m.VersionMinor)
	if err := WriteTable(&buf, m.ServerProperties); err != nil {
		return nil, err
	}
	WriteLongString(&buf, []byte(m.Mechanisms))
	WriteLongString(&buf, []byte(m.Locales))
	return buf.Bytes(), nil
}

// DecodeConnectionStart parses a Connection.Start payload (its class id
// and method id header already stripped).
func DecodeConnectionStart(body *bytes.Reader) (ConnectionStart, error) {
	var m ConnectionStart
	var err error
	if m.VersionMajor, err = body.ReadByte(); err != nil {
		return m, err
	}
	if m.VersionMinor, err = body.ReadByte(); err != nil {
		return m, err
	}
	if m.ServerProperties, err = ReadTable(body); err != nil {
		return m, err
	}
	mech, err := ReadLongString(body)
	if err != nil {
		return m, err
	}
	m.Mechanisms = string(mech)
	loc, err := ReadLongString(body)
	if err != nil {
		return m, err
	}
	m.Locales = string(loc)
	return m, nil
}

// ConnectionStartOk is Connection.Start-Ok, sent by the client to
// present its chosen SASL mechanism and credentials.
type ConnectionStartOk struct {
	ClientProperties Table
	Mechanism        string
	Response         []byte
	Locale           string
}

// DecodeConnectionStartOk parses a Connection.Start-Ok payload.
func DecodeConnectionStartOk(body *bytes.Reader) (ConnectionStartOk, error) {
	var m ConnectionStartOk
	var err error
	if m.ClientProperties, err = ReadTable(body); err != nil {
		return m, err
	}
	if m.Mechanism, err = ReadShortString(body); err != nil {
		return m, err
	}
	if m.Response, err = ReadLongString(body); err != nil {
		return m, err
	}
	if m.Locale, err = ReadShortString(body); err != nil {
		return m, err
	}
	return m, nil
}

// Encode serializes the method into a method-frame payload.
func (m ConnectionStartOk) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionStartOk))
	if err := WriteTable(&buf, m.ClientProperties); err != nil {
		return nil, err
	}
	if err := WriteShortString(&buf, m.Mechanism); err != nil {
		return nil, err
	}
	WriteLongString(&buf, m.Response)
	if err := WriteShortString(&buf, m.Locale); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ConnectionTune is Connection.Tune, negotiating channel-max,
// frame-max and the heartbeat interval.
type ConnectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

// Encode serializes the method into a method-frame payload.
func (m ConnectionTune) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionTune))
	_ = binary.Write(&buf, binary.BigEndian, m.ChannelMax)
	_ = binary.Write(&buf, binary.BigEndian, m.FrameMax)
	_ = binary.Write(&buf, binary.BigEndian, m.Heartbeat)
	return buf.Bytes(), nil
}

// DecodeConnectionTune parses a Connection.Tune or Connection.Tune-Ok
// payload; both share the same argument layout.
func DecodeConnectionTune(body *bytes.Reader) (ConnectionTune, error) {
	var m ConnectionTune
	if err := binary.Read(body, binary.BigEndian, &m.ChannelMax); err != nil {
		return m, err
	}
	if err := binary.Read(body, binary.BigEndian, &m.FrameMax); err != nil {
		return m, err
	}
	if err := binary.Read(body, binary.BigEndian, &m.Heartbeat); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeTuneOk serializes the method into a method-frame payload tagged
// as Connection.Tune-Ok.
func (m ConnectionTune) EncodeTuneOk() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionTuneOk))
	_ = binary.Write(&buf, binary.BigEndian, m.ChannelMax)
	_ = binary.Write(&buf, binary.BigEndian, m.FrameMax)
	_ = binary.Write(&buf, binary.BigEndian, m.Heartbeat)
	return buf.Bytes(), nil
}

// ConnectionOpen is Connection.Open, naming the virtual host the
// client wants to attach to.
type ConnectionOpen struct {
	VirtualHost string
}

// DecodeConnectionOpen parses a Connection.Open payload.
func DecodeConnectionOpen(body *bytes.Reader) (ConnectionOpen, error) {
	var m ConnectionOpen
	var err error
	if m.VirtualHost, err = ReadShortString(body); err != nil {
		return m, err
	}
	// reserved-1 (shortstr) and reserved-2 (bit, packed into one octet)
	if _, err := ReadShortString(body); err != nil {
		return m, err
	}
	if _, err := body.ReadByte(); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeConnectionOpen serializes Connection.Open for the given
// virtual host.
func EncodeConnectionOpen(vhost string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionOpen))
	if err := WriteShortString(&buf, vhost); err != nil {
		return nil, err
	}
	if err := WriteShortString(&buf, ""); err != nil {
		return nil, err
	}
	buf.WriteByte(0)
	return buf.Bytes(), nil
}

// EncodeConnectionOpenOk serializes Connection.Open-Ok, which carries a single
// reserved short-string historically used for cluster redirection.
func EncodeConnectionOpenOk() []byte {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionOpenOk))
	_ = WriteShortString(&buf, "")
	return buf.Bytes()
}

// ConnectionClose is Connection.Close, reporting why a connection is
// being torn down.
type ConnectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// DecodeConnectionClose parses a Connection.Close payload.
func DecodeConnectionClose(body *bytes.Reader) (ConnectionClose, error) {
	var m ConnectionClose
	if err := binary.Read(body, binary.BigEndian, &m.ReplyCode); err != nil {
		return m, err
	}
	var err error
	if m.ReplyText, err = ReadShortString(body); err != nil {
		return m, err
	}
	if err := binary.Read(body, binary.BigEndian, &m.ClassID); err != nil {
		return m, err
	}
	if err := binary.Read(body, binary.BigEndian, &m.MethodID); err != nil {
		return m, err
	}
	return m, nil
}

// Encode serializes the method into a Connection.Close method-frame
// payload.
func (m ConnectionClose) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassConnection, MethodConnectionClose))
	_ = binary.Write(&buf, binary.BigEndian, m.ReplyCode)
	if err := WriteShortString(&buf, m.ReplyText); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.BigEndian, m.ClassID)
	_ = binary.Write(&buf, binary.BigEndian, m.MethodID)
	return buf.Bytes(), nil
}

// EncodeConnectionCloseOk serializes Connection.Close-Ok, which takes
// no arguments.
func EncodeConnectionCloseOk() []byte {
	return methodHeader(ClassConnection, MethodConnectionCloseOk)
}

// EncodeChannelOpen serializes Channel.Open, whose single argument is
// a reserved short-string.
func EncodeChannelOpen() []byte {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassChannel, MethodChannelOpen))
	_ = WriteShortString(&buf, "")
	return buf.Bytes()
}

// EncodeChannelOpenOk serializes Channel.Open-Ok, whose single
// argument is a reserved long-string.
func EncodeChannelOpenOk() []byte {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassChannel, MethodChannelOpenOk))
	WriteLongString(&buf, nil)
	return buf.Bytes()
}

// ChannelClose is Channel.Close, reporting why a channel is being
// torn down.
type ChannelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

// DecodeChannelClose parses a Channel.Close payload.
func DecodeChannelClose(body *bytes.Reader) (ChannelClose, error) {
	var m ChannelClose
	if err := binary.Read(body, binary.BigEndian, &m.ReplyCode); err != nil {
		return m, err
	}
	var err error
	if m.ReplyText, err = ReadShortString(body); err != nil {
		return m, err
	}
	if err := binary.Read(body, binary.BigEndian, &m.ClassID); err != nil {
		return m, err
	}
	if err := binary.Read(body, binary.BigEndian, &m.MethodID); err != nil {
		return m, err
	}
	return m, nil
}

// Encode serializes the method into a Channel.Close method-frame
// payload.
func (m ChannelClose) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(methodHeader(ClassChannel, MethodChannelClose))
	_ = binary.Write(&buf, binary.BigEndian, m.ReplyCode)
	if err := WriteShortString(&buf, m.ReplyText); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.BigEndian, m.ClassID)
	_ = binary.Write(&buf, binary.BigEndian, m.MethodID)
	return buf.Bytes(), nil
}

// EncodeChannelCloseOk serializes Channel.Close-Ok, which takes no
// arguments.
func EncodeChannelCloseOk() []byte {
	return methodHeader(ClassChannel, MethodChannelCloseOk)
}
