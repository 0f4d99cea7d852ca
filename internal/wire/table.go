package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/Spreetail/amqproxy/errors"
)

// Table is a decoded AMQP field-table: an ordered-on-the-wire, but
// unordered-in-memory, set of named values.
type Table map[string]interface{}

// Decimal is the AMQP decimal-value type: a scale and a 32-bit
// integer value (held as int32), used rarely enough in practice that it is kept as a
// distinct type rather than collapsed into a float.
type Decimal struct {
	Scale uint8
	Value int32
}

// field-value type tags, as defined by the AMQP 0-9-1 field-table
// grammar (the RabbitMQ dialect, which is what every real client
// speaks).
const (
	tagBoolean   = 't'
	tagShortShort = 'b'
	tagShort     = 'U'
	tagLong      = 'I'
	tagLongLong  = 'L'
	tagFloat     = 'f'
	tagDouble    = 'd'
	tagDecimal   = 'D'
	tagShortStr  = 's'
	tagLongStr   = 'S'
	tagArray     = 'A'
	tagTimestamp = 'T'
	tagTable     = 'F'
	tagByte      = 'B'
	tagVoid      = 'V'
)

// ReadShortString decodes an AMQP short-string: a single length octet
// followed by that many bytes.
func ReadShortString(buf *bytes.Reader) (string, error) {
	n, err := buf.ReadByte()
	if err != nil {
		return "", errors.Wrap(err, "read short-string length")
	}
	data := make([]byte, n)
	if _, err := readFull(buf, data); err != nil {
		return "", errors.Wrap(err, "read short-string body")
	}
	return string(data), nil
}

// WriteShortString encodes s as an AMQP short-string. s must be no
// longer than 255 bytes.
func WriteShortString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint8 {
		return errors.Errorf("short-string too long: %d bytes", len(s))
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

// ReadLongString decodes an AMQP long-string: a 4 byte big-endian
// length followed by that many bytes.
func ReadLongString(buf *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(buf, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "read long-string length")
	}
	data := make([]byte, n)
	if _, err := readFull(buf, data); err != nil {
		return nil, errors.Wrap(err, "read long-string body")
	}
	return data, nil
}

// WriteLongString encodes b as an AMQP long-string.
func WriteLongString(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// DecodeTable decodes an AMQP field-table whose outer 4 byte length
// prefix has already been stripped (i.e. buf contains exactly the
// table body). AMQPLAIN credential blobs are encoded this way.
func DecodeTable(buf *bytes.Reader) (Table, error) {
	t := make(Table)
	for buf.Len() > 0 {
		key, err := ReadShortString(buf)
		if err != nil {
			return nil, err
		}
		val, err := decodeValue(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "decode field %q", key)
		}
		t[key] = val
	}
	return t, nil
}

// ReadTable decodes a length-prefixed AMQP field-table, the shape used
// inside method arguments (e.g. Connection.StartOk client-properties).
func ReadTable(buf *bytes.Reader) (Table, error) {
	body, err := ReadLongString(buf)
	if err != nil {
		return nil, err
	}
	return DecodeTable(bytes.NewReader(body))
}

// WriteTable encodes t as a length-prefixed AMQP field-table.
func WriteTable(buf *bytes.Buffer, t Table) error {
	var body bytes.Buffer
	for k, v := range t {
		if err := WriteShortString(&body, k); err != nil {
			return err
		}
		if err := encodeValue(&body, v); err != nil {
			return errors.Wrapf(err, "encode field %q", k)
		}
	}
	WriteLongString(buf, body.Bytes())
	return nil
}

func decodeValue(buf *bytes.Reader) (interface{}, error) {
	tag, err := buf.ReadByte()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagBoolean:
		b, err := buf.ReadByte()
		return b != 0, err
	case tagShortShort:
		b, err := buf.ReadByte()
		return int8(b), err
	case tagByte:
		b, err := buf.ReadByte()
		return b, err
	case tagShort:
		var v uint16
		err := binary.Read(buf, binary.BigEndian, &v)
		return v, err
	case tagLong:
		var v int32
		err := binary.Read(buf, binary.BigEndian, &v)
		return v, err
	case tagLongLong:
		var v int64
		err := binary.Read(buf, binary.BigEndian, &v)
		return v, err
	case tagFloat:
		var v float32
		err := binary.Read(buf, binary.BigEndian, &v)
		return v, err
	case tagDouble:
		var v float64
		err := binary.Read(buf, binary.BigEndian, &v)
		return v, err
	case tagDecimal:
		scale, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		var v int32
		if err := binary.Read(buf, binary.BigEndian, &v); err != nil {
			return nil, err
		}
		return Decimal{Scale: scale, Value: v}, nil
	case tagShortStr:
		return ReadShortString(buf)
	case tagLongStr:
		b, err := ReadLongString(buf)
		return string(b), err
	case tagTimestamp:
		var v int64
		err := binary.Read(buf, binary.BigEndian, &v)
		return v, err
	case tagTable:
		return ReadTable(buf)
	case tagArray:
		return decodeArray(buf)
	case tagVoid:
		return nil, nil
	default:
		return nil, errors.Errorf("unsupported field-value tag 0x%02x", tag)
	}
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case bool:
		buf.WriteByte(tagBoolean)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int8:
		buf.WriteByte(tagShortShort)
		buf.WriteByte(byte(val))
	case byte:
		buf.WriteByte(tagByte)
		buf.WriteByte(val)
	case uint16:
		buf.WriteByte(tagShort)
		_ = binary.Write(buf, binary.BigEndian, val)
	case int32:
		buf.WriteByte(tagLong)
		_ = binary.Write(buf, binary.BigEndian, val)
	case int64:
		buf.WriteByte(tagLongLong)
		_ = binary.Write(buf, binary.BigEndian, val)
	case float32:
		buf.WriteByte(tagFloat)
		_ = binary.Write(buf, binary.BigEndian, val)
	case float64:
		buf.WriteByte(tagDouble)
		_ = binary.Write(buf, binary.BigEndian, val)
	case Decimal:
		buf.WriteByte(tagDecimal)
		buf.WriteByte(val.Scale)
		_ = binary.Write(buf, binary.BigEndian, val.Value)
	case string:
		buf.WriteByte(tagLongStr)
		WriteLongString(buf, []byte(val))
	case []byte:
		buf.WriteByte(tagLongStr)
		WriteLongString(buf, val)
	case Table:
		buf.WriteByte(tagTable)
		return WriteTable(buf, val)
	case []interface{}:
		buf.WriteByte(tagArray)
		return encodeArray(buf, val)
	case nil:
		buf.WriteByte(tagVoid)
	default:
		return errors.Errorf("unsupported field-value type %T", v)
	}
	return nil
}

func decodeArray(buf *bytes.Reader) ([]interface{}, error) {
	body, err := ReadLongString(buf)
	if err != nil {
		return nil, err
	}
	inner := bytes.NewReader(body)
	var out []interface{}
	for inner.Len() > 0 {
		val, err := decodeValue(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	var body bytes.Buffer
	for _, v := range arr {
		if err := encodeValue(&body, v); err != nil {
			return err
		}
	}
	WriteLongString(buf, body.Bytes())
	return nil
}

func readFull(r *bytes.Reader, data []byte) (int, error) {
	n := 0
	for n < len(data) {
		m, err := r.Read(data[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
