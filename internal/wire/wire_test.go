package wire_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spreetail/amqproxy/internal/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	f := wire.Frame{Type: wire.FrameMethod, Channel: 3, Payload: []byte{1, 2, 3, 4}}

	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, f))

	got, err := wire.ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestReadFrameRejectsBadFrameEnd(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, wire.Frame{Type: wire.FrameMethod, Channel: 0, Payload: nil}))
	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] = 0x00

	_, err := wire.ReadFrame(bufio.NewReader(bytes.NewReader(corrupted)))
	require.Error(t, err)
}

func TestProtocolHeader(t *testing.T) {
	hdr, err := wire.ReadProtocolHeader(bytes.NewReader(wire.ProtocolHeader[:]))
	require.NoError(t, err)
	assert.True(t, wire.IsSupportedProtocolHeader(hdr))

	bogus := [8]byte{'X', 'X', 'X', 'X', 0, 0, 0, 0}
	assert.False(t, wire.IsSupportedProtocolHeader(bogus))
}

func TestTableRoundTrip(t *testing.T) {
	in := wire.Table{
		"product":  "amqproxy",
		"platform": "Go",
		"version":  int32(1),
		"ok":       true,
	}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteTable(&buf, in))

	r := bytes.NewReader(buf.Bytes())
	out, err := wire.ReadTable(r)
	require.NoError(t, err)
	assert.Equal(t, "amqproxy", out["product"])
	assert.Equal(t, "Go", out["platform"])
	assert.Equal(t, int32(1), out["version"])
	assert.Equal(t, true, out["ok"])
}

func TestDecodeTableAMQPLAIN(t *testing.T) {
	var body bytes.Buffer
	require.NoError(t, wire.WriteShortString(&body, "LOGIN"))
	body.WriteByte('S')
	wire.WriteLongString(&body, []byte("guest"))
	require.NoError(t, wire.WriteShortString(&body, "PASSWORD"))
	body.WriteByte('S')
	wire.WriteLongString(&body, []byte("guest"))

	tbl, err := wire.DecodeTable(bytes.NewReader(body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, "guest", tbl["LOGIN"])
	assert.Equal(t, "guest", tbl["PASSWORD"])
}

func TestConnectionStartRoundTrip(t *testing.T) {
	start := wire.ConnectionStart{
		VersionMajor:     0,
		VersionMinor:     9,
		ServerProperties: wire.Table{"product": "amqproxy"},
		Mechanisms:       "PLAIN AMQPLAIN",
		Locales:          "en_US",
	}
	encoded, err := start.Encode()
	require.NoError(t, err)

	class, method, err := wire.ClassMethod(encoded)
	require.NoError(t, err)
	assert.Equal(t, wire.ClassConnection, class)
	assert.Equal(t, wire.MethodConnectionStart, method)

	decoded, err := wire.DecodeConnectionStart(bytes.NewReader(encoded[4:]))
	require.NoError(t, err)
	assert.Equal(t, start.Mechanisms, decoded.Mechanisms)
	assert.Equal(t, start.Locales, decoded.Locales)
}

func TestConnectionStartOkRoundTrip(t *testing.T) {
	startOk := wire.ConnectionStartOk{
		ClientProperties: wire.Table{"platform": "Go"},
		Mechanism:        "PLAIN",
		Response:         []byte("\x00guest\x00guest"),
		Locale:           "en_US",
	}
	encoded, err := startOk.Encode()
	require.NoError(t, err)

	decoded, err := wire.DecodeConnectionStartOk(bytes.NewReader(encoded[4:]))
	require.NoError(t, err)
	assert.Equal(t, startOk.Mechanism, decoded.Mechanism)
	assert.Equal(t, startOk.Response, decoded.Response)
}

func TestConnectionTuneRoundTrip(t *testing.T) {
	tune := wire.ConnectionTune{ChannelMax: 2047, FrameMax: 131072, Heartbeat: 60}
	encoded, err := tune.Encode()
	require.NoError(t, err)

	decoded, err := wire.DecodeConnectionTune(bytes.NewReader(encoded[4:]))
	require.NoError(t, err)
	assert.Equal(t, tune, decoded)
}

func TestConnectionCloseRoundTrip(t *testing.T) {
	closeMsg := wire.ConnectionClose{ReplyCode: 530, ReplyText: "NOT_ALLOWED", ClassID: 10, MethodID: 40}
	encoded, err := closeMsg.Encode()
	require.NoError(t, err)

	decoded, err := wire.DecodeConnectionClose(bytes.NewReader(encoded[4:]))
	require.NoError(t, err)
	assert.Equal(t, closeMsg, decoded)
}
