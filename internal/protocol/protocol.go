// Package protocol defines the wire envelope shared by every pipeline
// component: a kind tag followed by an ordered, typed field mapping.
// Framing and unframing are pure and stateless, and exact inverses of
// each other for every supported payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind identifies the producing stage of an envelope.
type Kind uint8

const (
	KindData      Kind = 0x01
	KindFeed      Kind = 0x02
	KindTransform Kind = 0x03
	KindMerge     Kind = 0x04
	KindOrder     Kind = 0x05
	KindSync      Kind = 0x06
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindFeed:
		return "FEED"
	case KindTransform:
		return "TRANSFORM"
	case KindMerge:
		return "MERGE"
	case KindOrder:
		return "ORDER"
	case KindSync:
		return "SYNC"
	default:
		return fmt.Sprintf("KIND(0x%02x)", uint8(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindData && k <= KindSync
}

var (
	// ErrUnknownMessageKind flags an envelope whose kind tag is outside
	// the closed kind set.
	ErrUnknownMessageKind = errors.New("unknown message kind")

	// ErrMalformedFrame flags bytes that cannot be decoded back into an
	// envelope: truncation, trailing garbage, bad value tags, duplicate
	// fields, or a non-UTC timestamp offset.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrDuplicateField is returned by Record.Set when a field name is
	// already present.
	ErrDuplicateField = errors.New("duplicate field")

	// ErrProtocolViolation flags a structurally valid envelope whose
	// content breaks the messaging contract, such as a transform result
	// colliding with an upstream field of the same name.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrOrderingViolation flags frames that arrive outside the order the
	// stream guarantees, such as a timestamp regression on a feed or a
	// passthrough frame left without a matching merge cycle.
	ErrOrderingViolation = errors.New("ordering violation")

	// ErrUnmatchedTransformResult flags a named transform result that
	// outlived its event: every result frame must pair with exactly one
	// passthrough frame of the same cycle.
	ErrUnmatchedTransformResult = errors.New("unmatched transform result")
)

// Reserved field names of TRANSFORM envelopes.
const (
	// TransformPassthrough is the reserved transform identifier for the
	// leg that forwards the upstream event untouched.
	TransformPassthrough = "PASSTHROUGH"

	// FieldTransform names the transform identifier field.
	FieldTransform = "transform"
	// FieldPayload carries the raw upstream frame bytes on the
	// passthrough leg.
	FieldPayload = "payload"
	// FieldResult carries a named transform's result sub-record.
	FieldResult = "result"
)

const (
	maxFields  = math.MaxUint16
	maxNameLen = math.MaxUint16
	maxByteLen = math.MaxUint32
)

// Frame serializes an envelope. A nil or empty record frames as the
// zero-field end-of-stream marker for the kind.
func Frame(kind Kind, rec *Record) ([]byte, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("frame kind %s: %w", kind, ErrUnknownMessageKind)
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(kind))
	var err error
	if buf, err = appendRecord(buf, rec); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendRecord(buf []byte, rec *Record) ([]byte, error) {
	n := rec.Len()
	if n > maxFields {
		return nil, fmt.Errorf("record has %d fields: %w", n, ErrMalformedFrame)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(n))
	if rec == nil {
		return buf, nil
	}
	for _, f := range rec.fields {
		if len(f.Name) > maxNameLen {
			return nil, fmt.Errorf("field name of %d bytes: %w", len(f.Name), ErrMalformedFrame)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Name)))
		buf = append(buf, f.Name...)
		var err error
		if buf, err = appendValue(buf, f.Name, f.Value); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, name string, v Value) ([]byte, error) {
	switch v.tag {
	case tagInt:
		buf = append(buf, tagInt)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i))
	case tagFloat:
		buf = append(buf, tagFloat)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f))
	case tagString:
		if uint64(len(v.s)) > maxByteLen {
			return nil, fmt.Errorf("field %q string of %d bytes: %w", name, len(v.s), ErrMalformedFrame)
		}
		buf = append(buf, tagString)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.s)))
		buf = append(buf, v.s...)
	case tagTime:
		// Timestamps travel as epoch microseconds with an explicit UTC
		// offset of zero; values are normalized at construction.
		buf = append(buf, tagTime)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.t.UnixMicro()))
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	case tagRecord:
		sub, err := appendRecord(nil, v.r)
		if err != nil {
			return nil, err
		}
		if uint64(len(sub)) > maxByteLen {
			return nil, fmt.Errorf("field %q nested record of %d bytes: %w", name, len(sub), ErrMalformedFrame)
		}
		buf = append(buf, tagRecord)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(sub)))
		buf = append(buf, sub...)
	default:
		return nil, fmt.Errorf("field %q has no value: %w", name, ErrMalformedFrame)
	}
	return buf, nil
}

// Unframe decodes an envelope, validating the kind tag, every field and
// the exact frame length.
func Unframe(buf []byte) (Kind, *Record, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("empty frame: %w", ErrMalformedFrame)
	}
	kind := Kind(buf[0])
	if !kind.valid() {
		return 0, nil, fmt.Errorf("kind tag 0x%02x: %w", buf[0], ErrUnknownMessageKind)
	}
	c := &cursor{buf: buf, off: 1}
	rec, err := readRecord(c)
	if err != nil {
		return 0, nil, err
	}
	if c.off != len(buf) {
		return 0, nil, fmt.Errorf("%d trailing bytes: %w", len(buf)-c.off, ErrMalformedFrame)
	}
	return kind, rec, nil
}

// Done returns the zero-field end-of-stream frame for a kind.
func Done(kind Kind) []byte {
	buf, _ := Frame(kind, nil)
	return buf
}

// IsDone reports whether an unframed payload is an end-of-stream marker.
func IsDone(rec *Record) bool {
	return rec.Len() == 0
}

type cursor struct {
	buf []byte
	off int
}

func (c *cursor) need(n int) error {
	if len(c.buf)-c.off < n {
		return fmt.Errorf("frame truncated at offset %d: %w", c.off, ErrMalformedFrame)
	}
	return nil
}

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	b := c.buf[c.off]
	c.off++
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.buf[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

func readRecord(c *cursor) (*Record, error) {
	count, err := c.u16()
	if err != nil {
		return nil, err
	}
	rec := NewRecord()
	for i := 0; i < int(count); i++ {
		nameLen, err := c.u16()
		if err != nil {
			return nil, err
		}
		nameBytes, err := c.bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		name := string(nameBytes)
		if name == "" {
			return nil, fmt.Errorf("field %d has an empty name: %w", i, ErrMalformedFrame)
		}
		v, err := readValue(c, name)
		if err != nil {
			return nil, err
		}
		if err := rec.Set(name, v); err != nil {
			return nil, fmt.Errorf("field %q repeated: %w", name, ErrMalformedFrame)
		}
	}
	return rec, nil
}

func readValue(c *cursor, name string) (Value, error) {
	tag, err := c.u8()
	if err != nil {
		return Value{}, err
	}
	switch tag {
	case tagInt:
		u, err := c.u64()
		if err != nil {
			return Value{}, err
		}
		return Int(int64(u)), nil
	case tagFloat:
		u, err := c.u64()
		if err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(u)), nil
	case tagString:
		n, err := c.u32()
		if err != nil {
			return Value{}, err
		}
		b, err := c.bytes(int(n))
		if err != nil {
			return Value{}, err
		}
		return Str(string(b)), nil
	case tagTime:
		u, err := c.u64()
		if err != nil {
			return Value{}, err
		}
		off, err := c.u32()
		if err != nil {
			return Value{}, err
		}
		if off != 0 {
			return Value{}, fmt.Errorf("field %q timestamp offset %d: %w", name, int32(off), ErrMalformedFrame)
		}
		return Time(time.UnixMicro(int64(u))), nil
	case tagRecord:
		n, err := c.u32()
		if err != nil {
			return Value{}, err
		}
		b, err := c.bytes(int(n))
		if err != nil {
			return Value{}, err
		}
		sub := &cursor{buf: b}
		rec, err := readRecord(sub)
		if err != nil {
			return Value{}, err
		}
		if sub.off != len(b) {
			return Value{}, fmt.Errorf("field %q nested record has %d trailing bytes: %w", name, len(b)-sub.off, ErrMalformedFrame)
		}
		return Nested(rec), nil
	default:
		return Value{}, fmt.Errorf("field %q value tag 0x%02x: %w", name, tag, ErrMalformedFrame)
	}
}

// FramePassthrough wraps an upstream feed frame, byte for byte, into a
// TRANSFORM envelope on the passthrough leg.
func FramePassthrough(feedFrame []byte) ([]byte, error) {
	rec := NewRecord()
	if err := rec.Set(FieldTransform, Str(TransformPassthrough)); err != nil {
		return nil, err
	}
	if err := rec.Set(FieldPayload, Str(string(feedFrame))); err != nil {
		return nil, err
	}
	return Frame(KindTransform, rec)
}

// FrameResult builds a named transform's TRANSFORM envelope. A nil result
// frames as the empty result that keeps the merge legs aligned.
func FrameResult(name string, result *Record) ([]byte, error) {
	rec := NewRecord()
	if err := rec.Set(FieldTransform, Str(name)); err != nil {
		return nil, err
	}
	if result != nil {
		if err := rec.Set(FieldResult, Nested(result)); err != nil {
			return nil, err
		}
	}
	return Frame(KindTransform, rec)
}

// TransformFrame is the decoded shape of a TRANSFORM envelope.
type TransformFrame struct {
	Name    string
	Payload []byte  // raw upstream frame, passthrough leg only
	Result  *Record // named result, nil when the transform had nothing
}

// ParseTransform validates an unframed TRANSFORM record.
func ParseTransform(rec *Record) (TransformFrame, error) {
	var tf TransformFrame
	nameVal, ok := rec.Get(FieldTransform)
	if !ok {
		return tf, fmt.Errorf("transform frame missing %q: %w", FieldTransform, ErrMalformedFrame)
	}
	name, ok := nameVal.Str()
	if !ok {
		return tf, fmt.Errorf("transform name is %s: %w", nameVal.Type(), ErrMalformedFrame)
	}
	tf.Name = name
	if name == TransformPassthrough {
		payloadVal, ok := rec.Get(FieldPayload)
		if !ok {
			return tf, fmt.Errorf("passthrough frame missing %q: %w", FieldPayload, ErrMalformedFrame)
		}
		payload, ok := payloadVal.Str()
		if !ok {
			return tf, fmt.Errorf("passthrough payload is %s: %w", payloadVal.Type(), ErrMalformedFrame)
		}
		tf.Payload = []byte(payload)
		return tf, nil
	}
	if resultVal, ok := rec.Get(FieldResult); ok {
		result, ok := resultVal.Record()
		if !ok {
			return tf, fmt.Errorf("transform %q result is %s: %w", name, resultVal.Type(), ErrMalformedFrame)
		}
		tf.Result = result
	}
	return tf, nil
}
