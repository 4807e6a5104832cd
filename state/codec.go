package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
)

// Context values are persisted as an opaque, language-neutral binary encoding:
// a tagged union of scalars, byte strings, lists, string-keyed maps, and event
// records. Shapes outside that set are rejected at encode time; unknown tags
// are rejected at decode time.

const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagList
	tagMap
	tagEvent
)

// EncodeValue serializes v into the context-value wire format. Integers are
// normalized to int64 and floats to float64; decoding returns those widths.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
	case bool:
		if val {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
	case int:
		return encodeInt(buf, int64(val))
	case int32:
		return encodeInt(buf, int64(val))
	case int64:
		return encodeInt(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case float64:
		return encodeFloat(buf, val)
	case string:
		buf.WriteByte(tagString)
		writeBytes(buf, []byte(val))
	case []byte:
		buf.WriteByte(tagBytes)
		writeBytes(buf, val)
	case []any:
		buf.WriteByte(tagList)
		writeLen(buf, len(val))
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
	case map[string]any:
		buf.WriteByte(tagMap)
		writeLen(buf, len(val))
		// Deterministic order so equal maps encode identically.
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeBytes(buf, []byte(k))
			if err := encodeValue(buf, val[k]); err != nil {
				return err
			}
		}
	case *Event:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encode event value: %w", err)
		}
		buf.WriteByte(tagEvent)
		writeBytes(buf, data)
	default:
		return fmt.Errorf("unsupported context value type %T", v)
	}
	return nil
}

func encodeInt(buf *bytes.Buffer, v int64) error {
	buf.WriteByte(tagInt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
	return nil
}

func encodeFloat(buf *bytes.Buffer, v float64) error {
	buf.WriteByte(tagFloat)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
	buf.Write(b[:])
	return nil
}

func writeLen(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, data []byte) {
	writeLen(buf, len(data))
	buf.Write(data)
}

// DecodeValue deserializes a context value produced by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	r := bytes.NewReader(data)
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing %d bytes after context value", r.Len())
	}
	return v, nil
}

func decodeValue(r *bytes.Reader) (any, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("truncated context value: %w", err)
	}
	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil
	case tagInt:
		u, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return int64(u), nil
	case tagFloat:
		u, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	case tagString:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case tagBytes:
		return readBytes(r)
	case tagList:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case tagMap:
		n, err := readLen(r)
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, n)
		for i := 0; i < n; i++ {
			k, err := readBytes(r)
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			m[string(k)] = v
		}
		return m, nil
	case tagEvent:
		b, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		return EventFromJSON(b)
	default:
		return nil, fmt.Errorf("unknown context value tag 0x%02x", tag)
	}
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("truncated context value: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readLen(r *bytes.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("truncated context value: %w", err)
	}
	n := binary.BigEndian.Uint32(b[:])
	if int(n) > r.Len() {
		return 0, fmt.Errorf("context value length %d exceeds remaining input", n)
	}
	return int(n), nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readLen(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("truncated context value: %w", err)
		}
	}
	return b, nil
}
