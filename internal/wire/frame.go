/*
Package wire implements just enough of the AMQP 0-9-1 wire format to let
a proxy read a frame off one socket, inspect its header long enough to
decide what to do with it, and write it back out on another socket
unchanged. It is not a client library: there is no channel multiplexing,
no content-body reassembly and no method dispatch beyond the handful of
connection/channel negotiation methods the proxy must terminate itself.
*/
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/Spreetail/amqproxy/errors"
)

// Frame types, as defined by the AMQP 0-9-1 constant table.
const (
	FrameMethod    byte = 1
	FrameHeader    byte = 2
	FrameBody      byte = 3
	FrameHeartbeat byte = 8
)

// FrameEnd is the fixed octet terminating every frame.
const FrameEnd byte = 0xCE

// ProtocolHeader is the 8 byte preamble a client sends before any
// framed traffic, identifying itself as an AMQP 0-9-1 peer.
var ProtocolHeader = [8]byte{'A', 'M', 'Q', 'P', 0, 0, 9, 1}

// protocolHeader090 is accepted for compatibility with peers built
// against the earlier 0-9-0 revision, which differs only in the
// protocol-id octet layout historically used by RabbitMQ clients.
var protocolHeader090 = [8]byte{'A', 'M', 'Q', 'P', 1, 1, 0, 9}

// Frame is a single AMQP frame in its wire representation. Channel 0 is
// reserved for connection-level traffic.
type Frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// ReadProtocolHeader reads the 8 byte preamble from r. It does not
// check the value; see IsSupportedProtocolHeader.
func ReadProtocolHeader(r io.Reader) ([8]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return hdr, errors.Wrap(err, "read protocol header")
	}
	return hdr, nil
}

// IsSupportedProtocolHeader reports whether hdr matches a protocol
// revision this proxy can negotiate.
func IsSupportedProtocolHeader(hdr [8]byte) bool {
	return hdr == ProtocolHeader || hdr == protocolHeader090
}

// ReadFrame reads one complete frame from r. The returned error wraps
// io.EOF/io.ErrUnexpectedEOF transparently so callers can detect a
// clean disconnect with errors.Is(err, io.EOF).
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var head [7]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}
	typ := head[0]
	channel := binary.BigEndian.Uint16(head[1:3])
	size := binary.BigEndian.Uint32(head[3:7])

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errors.Wrap(err, "read frame payload")
		}
	}

	var end [1]byte
	if _, err := io.ReadFull(r, end[:]); err != nil {
		return Frame{}, errors.Wrap(err, "read frame end")
	}
	if end[0] != FrameEnd {
		return Frame{}, errors.Errorf("malformed frame: expected frame-end 0x%02x, got 0x%02x", FrameEnd, end[0])
	}

	return Frame{Type: typ, Channel: channel, Payload: payload}, nil
}

// WriteFrame serializes f onto w in a single Write call so that it
// interleaves atomically with frames written by concurrent callers
// sharing the same underlying writer mutex.
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 7+len(f.Payload)+1)
	buf[0] = f.Type
	binary.BigEndian.PutUint16(buf[1:3], f.Channel)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	copy(buf[7:], f.Payload)
	buf[len(buf)-1] = FrameEnd

	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}
