package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func sampleRecord(t *testing.T) *Record {
	t.Helper()
	nested := NewRecord()
	if err := nested.Set("sid", Int(133)); err != nil {
		t.Fatalf("set nested sid: %v", err)
	}
	if err := nested.Set("price", Float(10.0)); err != nil {
		t.Fatalf("set nested price: %v", err)
	}

	rec := NewRecord()
	fields := []struct {
		name string
		val  Value
	}{
		{"sid", Int(133)},
		{"price", Float(10.5)},
		{"source_id", Str("flat-source")},
		{"dt", Time(time.Date(2006, 6, 5, 0, 0, 0, 0, time.UTC))},
		{"txn", Nested(nested)},
	}
	for _, f := range fields {
		if err := rec.Set(f.name, f.val); err != nil {
			t.Fatalf("set %s: %v", f.name, err)
		}
	}
	return rec
}

func TestFrameUnframeRoundTrip(t *testing.T) {
	kinds := []Kind{KindData, KindFeed, KindTransform, KindMerge, KindOrder, KindSync}
	rec := sampleRecord(t)

	for _, kind := range kinds {
		buf, err := Frame(kind, rec)
		if err != nil {
			t.Fatalf("frame %s: %v", kind, err)
		}
		gotKind, gotRec, err := Unframe(buf)
		if err != nil {
			t.Fatalf("unframe %s: %v", kind, err)
		}
		if gotKind != kind {
			t.Errorf("kind = %s, want %s", gotKind, kind)
		}
		if !gotRec.Equal(rec) {
			t.Errorf("%s payload did not round-trip: got %v want %v", kind, gotRec.Names(), rec.Names())
		}
	}
}

func TestFrameRejectsUnknownKind(t *testing.T) {
	if _, err := Frame(Kind(0x7f), NewRecord()); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("frame unknown kind: err = %v, want ErrUnknownMessageKind", err)
	}
}

func TestUnframeRejectsUnknownKindTag(t *testing.T) {
	buf := []byte{0x7f, 0x00, 0x00}
	if _, _, err := Unframe(buf); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("unframe kind 0x7f: err = %v, want ErrUnknownMessageKind", err)
	}
}

func TestUnframeRejectsEveryTruncation(t *testing.T) {
	buf, err := Frame(KindFeed, sampleRecord(t))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	for i := 0; i < len(buf); i++ {
		_, _, err := Unframe(buf[:i])
		if err == nil {
			t.Errorf("unframe of %d/%d bytes succeeded", i, len(buf))
		}
	}
}

func TestUnframeRejectsTrailingBytes(t *testing.T) {
	buf, err := Frame(KindData, sampleRecord(t))
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	buf = append(buf, 0xaa)
	if _, _, err := Unframe(buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("trailing byte: err = %v, want ErrMalformedFrame", err)
	}
}

func TestUnframeRejectsBadValueTag(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(KindData))
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = append(buf, 'x')
	buf = append(buf, 0x6e) // no such value tag
	if _, _, err := Unframe(buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("bad value tag: err = %v, want ErrMalformedFrame", err)
	}
}

func TestUnframeRejectsNonZeroUTCOffset(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(KindData))
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	buf = append(buf, 'd', 't')
	buf = append(buf, 0x04) // time tag
	buf = binary.LittleEndian.AppendUint64(buf, uint64(time.Now().UnixMicro()))
	buf = binary.LittleEndian.AppendUint32(buf, 3600)
	if _, _, err := Unframe(buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("offset 3600: err = %v, want ErrMalformedFrame", err)
	}
}

func TestUnframeRejectsRepeatedField(t *testing.T) {
	var buf []byte
	buf = append(buf, byte(KindData))
	buf = binary.LittleEndian.AppendUint16(buf, 2)
	for i := 0; i < 2; i++ {
		buf = binary.LittleEndian.AppendUint16(buf, 3)
		buf = append(buf, 's', 'i', 'd')
		buf = append(buf, 0x01)
		buf = binary.LittleEndian.AppendUint64(buf, 133)
	}
	if _, _, err := Unframe(buf); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("repeated field: err = %v, want ErrMalformedFrame", err)
	}
}

func TestZeroFieldFrameIsEndOfStream(t *testing.T) {
	for _, kind := range []Kind{KindData, KindFeed, KindTransform, KindMerge, KindOrder, KindSync} {
		buf := Done(kind)
		gotKind, rec, err := Unframe(buf)
		if err != nil {
			t.Fatalf("unframe done %s: %v", kind, err)
		}
		if gotKind != kind {
			t.Errorf("done kind = %s, want %s", gotKind, kind)
		}
		if !IsDone(rec) {
			t.Errorf("done frame for %s not recognized", kind)
		}
	}

	if IsDone(sampleRecord(t)) {
		t.Error("populated record reported as end-of-stream")
	}
}

func TestTimestampNormalizedToUTC(t *testing.T) {
	tehran := time.FixedZone("IRST", 3*3600+1800)
	local := time.Date(2008, 1, 7, 14, 30, 0, 0, tehran)

	rec := NewRecord()
	if err := rec.Set("dt", Time(local)); err != nil {
		t.Fatalf("set dt: %v", err)
	}
	buf, err := Frame(KindData, rec)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	_, got, err := Unframe(buf)
	if err != nil {
		t.Fatalf("unframe: %v", err)
	}
	v, ok := got.Get("dt")
	if !ok {
		t.Fatal("dt field missing after round-trip")
	}
	ts, _ := v.Time()
	if !ts.Equal(local) {
		t.Errorf("instant changed: got %v want %v", ts, local)
	}
	if ts.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", ts.Location())
	}
}

func TestPassthroughCarriesExactUpstreamBytes(t *testing.T) {
	feedFrame, err := Frame(KindFeed, sampleRecord(t))
	if err != nil {
		t.Fatalf("frame feed event: %v", err)
	}

	buf, err := FramePassthrough(feedFrame)
	if err != nil {
		t.Fatalf("frame passthrough: %v", err)
	}
	kind, rec, err := Unframe(buf)
	if err != nil {
		t.Fatalf("unframe passthrough: %v", err)
	}
	if kind != KindTransform {
		t.Fatalf("kind = %s, want TRANSFORM", kind)
	}
	tf, err := ParseTransform(rec)
	if err != nil {
		t.Fatalf("parse transform: %v", err)
	}
	if tf.Name != TransformPassthrough {
		t.Errorf("name = %q, want %q", tf.Name, TransformPassthrough)
	}
	if !bytes.Equal(tf.Payload, feedFrame) {
		t.Error("passthrough payload bytes differ from the upstream frame")
	}
}

func TestFrameResultWithAndWithoutPayload(t *testing.T) {
	txn := NewRecord()
	if err := txn.Set("amount", Int(100)); err != nil {
		t.Fatalf("set amount: %v", err)
	}

	full, err := FrameResult("fill", txn)
	if err != nil {
		t.Fatalf("frame result: %v", err)
	}
	_, rec, err := Unframe(full)
	if err != nil {
		t.Fatalf("unframe result: %v", err)
	}
	tf, err := ParseTransform(rec)
	if err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if tf.Name != "fill" || tf.Result == nil || !tf.Result.Equal(txn) {
		t.Errorf("named result did not round-trip: %+v", tf)
	}

	empty, err := FrameResult("fill", nil)
	if err != nil {
		t.Fatalf("frame empty result: %v", err)
	}
	_, rec, err = Unframe(empty)
	if err != nil {
		t.Fatalf("unframe empty result: %v", err)
	}
	tf, err = ParseTransform(rec)
	if err != nil {
		t.Fatalf("parse empty result: %v", err)
	}
	if tf.Name != "fill" || tf.Result != nil {
		t.Errorf("empty result should carry only the name, got %+v", tf)
	}
}

func TestParseTransformRejectsBadShapes(t *testing.T) {
	noName := NewRecord()
	if err := noName.Set("other", Int(1)); err != nil {
		t.Fatalf("set other: %v", err)
	}
	if _, err := ParseTransform(noName); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("missing transform name: err = %v, want ErrMalformedFrame", err)
	}

	badPayload := NewRecord()
	if err := badPayload.Set(FieldTransform, Str(TransformPassthrough)); err != nil {
		t.Fatalf("set transform: %v", err)
	}
	if err := badPayload.Set(FieldPayload, Int(5)); err != nil {
		t.Fatalf("set payload: %v", err)
	}
	if _, err := ParseTransform(badPayload); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("int payload: err = %v, want ErrMalformedFrame", err)
	}
}
