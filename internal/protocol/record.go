package protocol

import (
	"fmt"
	"time"
)

// Value tags used on the wire. The type set is closed: integers, floats,
// strings, UTC timestamps and nested records.
const (
	tagInt    byte = 0x01
	tagFloat  byte = 0x02
	tagString byte = 0x03
	tagTime   byte = 0x04
	tagRecord byte = 0x05
)

// Value is a tagged variant over the wire type set. The zero Value is
// invalid and rejected at framing time.
type Value struct {
	tag byte
	i   int64
	f   float64
	s   string
	t   time.Time
	r   *Record
}

// Int builds an integer value.
func Int(v int64) Value { return Value{tag: tagInt, i: v} }

// Float builds a floating-point value.
func Float(v float64) Value { return Value{tag: tagFloat, f: v} }

// Str builds a string value. The bytes are carried opaque, so framed
// sub-payloads may ride in a string field.
func Str(v string) Value { return Value{tag: tagString, s: v} }

// Time builds a timestamp value normalized to UTC.
func Time(v time.Time) Value { return Value{tag: tagTime, t: v.UTC()} }

// Nested builds a value holding a sub-record.
func Nested(r *Record) Value { return Value{tag: tagRecord, r: r} }

// Int returns the integer payload.
func (v Value) Int() (int64, bool) { return v.i, v.tag == tagInt }

// Float returns the floating-point payload.
func (v Value) Float() (float64, bool) { return v.f, v.tag == tagFloat }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.s, v.tag == tagString }

// Time returns the timestamp payload.
func (v Value) Time() (time.Time, bool) { return v.t, v.tag == tagTime }

// Record returns the nested record payload.
func (v Value) Record() (*Record, bool) { return v.r, v.tag == tagRecord }

// Type names the value's wire type, for logging.
func (v Value) Type() string {
	switch v.tag {
	case tagInt:
		return "int"
	case tagFloat:
		return "float"
	case tagString:
		return "string"
	case tagTime:
		return "time"
	case tagRecord:
		return "record"
	default:
		return "invalid"
	}
}

// Equal reports whether two values carry the same type and payload.
// Timestamps compare as instants.
func (v Value) Equal(o Value) bool {
	if v.tag != o.tag {
		return false
	}
	switch v.tag {
	case tagInt:
		return v.i == o.i
	case tagFloat:
		return v.f == o.f
	case tagString:
		return v.s == o.s
	case tagTime:
		return v.t.Equal(o.t)
	case tagRecord:
		if v.r == nil || o.r == nil {
			return v.r == o.r
		}
		return v.r.Equal(o.r)
	default:
		return false
	}
}

// Field is one named, typed entry of a Record.
type Field struct {
	Name  string
	Value Value
}

// Record is the envelope payload: an insertion-ordered field mapping.
// Field names are unique within a record.
type Record struct {
	fields []Field
	index  map[string]int
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{index: make(map[string]int)}
}

// Set appends a field. Empty or duplicate names are rejected.
func (r *Record) Set(name string, v Value) error {
	if name == "" {
		return fmt.Errorf("empty field name: %w", ErrMalformedFrame)
	}
	if _, ok := r.index[name]; ok {
		return fmt.Errorf("duplicate field %q: %w", name, ErrDuplicateField)
	}
	if r.index == nil {
		r.index = make(map[string]int)
	}
	r.index[name] = len(r.fields)
	r.fields = append(r.fields, Field{Name: name, Value: v})
	return nil
}

// MustSet is Set for literal field names known to be fresh; it panics on
// misuse and exists to keep record construction readable.
func (r *Record) MustSet(name string, v Value) *Record {
	if err := r.Set(name, v); err != nil {
		panic(err)
	}
	return r
}

// Get looks a field up by name.
func (r *Record) Get(name string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	i, ok := r.index[name]
	if !ok {
		return Value{}, false
	}
	return r.fields[i].Value, true
}

// Has reports whether the field exists.
func (r *Record) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Delete removes a field, preserving the order of the rest.
func (r *Record) Delete(name string) bool {
	i, ok := r.index[name]
	if !ok {
		return false
	}
	r.fields = append(r.fields[:i], r.fields[i+1:]...)
	delete(r.index, name)
	for j := i; j < len(r.fields); j++ {
		r.index[r.fields[j].Name] = j
	}
	return true
}

// Len returns the field count.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Fields returns the fields in insertion order. The slice is a copy; the
// values inside are shared.
func (r *Record) Fields() []Field {
	if r == nil {
		return nil
	}
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Names returns the field names in insertion order.
func (r *Record) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.fields))
	for i, f := range r.fields {
		out[i] = f.Name
	}
	return out
}

// Clone deep-copies the record, including nested records.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := NewRecord()
	for _, f := range r.fields {
		v := f.Value
		if v.tag == tagRecord && v.r != nil {
			v.r = v.r.Clone()
		}
		out.index[f.Name] = len(out.fields)
		out.fields = append(out.fields, Field{Name: f.Name, Value: v})
	}
	return out
}

// Equal reports field-for-field equality, order included. An ordered
// mapping with a different field order is a different payload.
func (r *Record) Equal(o *Record) bool {
	if r.Len() != o.Len() {
		return false
	}
	if r == nil || o == nil {
		return true
	}
	for i, f := range r.fields {
		g := o.fields[i]
		if f.Name != g.Name || !f.Value.Equal(g.Value) {
			return false
		}
	}
	return true
}
