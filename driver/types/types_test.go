package types

import (
	"bytes"
	"errors"
	"math/big"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/vmihailenco/msgpack/v5"
)

type opaque struct{ n int }

func sampleValue(dt DataType) any {
	switch dt {
	case DtString:
		return "s"
	case DtChar:
		return Char('c')
	case DtBoolean:
		return true
	case DtByte:
		return int8(1)
	case DtShort:
		return int16(1)
	case DtInteger:
		return int32(1)
	case DtLong:
		return int64(1)
	case DtBigInteger:
		return big.NewInt(1)
	case DtFloat:
		return float32(1.5)
	case DtDouble:
		return float64(1.5)
	case DtBigDecimal:
		return big.NewRat(1, 2)
	case DtDate:
		return NewDate(2024, time.February, 29, time.UTC)
	case DtTime:
		return NewTimeOfDay(12, 30, 15, time.UTC)
	case DtTimestamp:
		return time.Date(2024, time.February, 29, 12, 30, 15, 0, time.UTC)
	case DtObject:
		return opaque{n: 1}
	case DtBlob:
		return lob.NewBlob([]byte{1, 2, 3})
	case DtClob:
		return lob.NewClob("clob")
	case DtXML:
		return lob.NewXML("<a/>")
	case DtNull:
		return nil
	case DtVarbinary:
		return []byte{1, 2, 3}
	case DtGeometry:
		return lob.NewGeometry([]byte{1}, 0)
	case DtGeography:
		return lob.NewGeography([]byte{1})
	case DtJSON:
		return lob.NewJSON(`{"a":1}`)
	}
	panic("invalid data type")
}

func TestDataTypeOf(t *testing.T) {
	for _, dt := range DataTypes() {
		if typ := DataTypeOf(sampleValue(dt)); typ != Scalar(dt) {
			t.Fatalf("data type %s - expected %s", typ, dt)
		}
	}
	if typ := DataTypeOf(&Array{Base: DtInteger}); typ != ArrayOf(DtInteger) {
		t.Fatalf("data type %s - expected %s", typ, ArrayOf(DtInteger))
	}
}

func TestConversionGraph(t *testing.T) {
	r := Default()
	object := Scalar(DtObject)
	null := Scalar(DtNull)

	checkImplicit := func(src, tgt Type) {
		t.Helper()
		tr := r.GetTransform(src, tgt)
		if tr == nil {
			t.Fatalf("no transform %s to %s", src, tgt)
		}
		if tr.IsExplicit() {
			t.Fatalf("transform %s to %s is explicit", src, tgt)
		}
	}

	for _, dt := range DataTypes() {
		for _, typ := range []Type{Scalar(dt), ArrayOf(dt)} {
			checkImplicit(typ, typ)
			checkImplicit(null, typ)
			checkImplicit(typ, object)

			if typ != object {
				tr := r.GetTransform(object, typ)
				if tr == nil {
					t.Fatalf("no transform object to %s", typ)
				}
				if !tr.IsExplicit() {
					t.Fatalf("transform object to %s is implicit", typ)
				}
			}
		}

		v := sampleValue(dt)
		out, err := r.GetTransform(Scalar(dt), Scalar(dt)).Transform(v)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(v, out) {
			t.Fatalf("%s identity: value %v - expected %v", dt, out, v)
		}
	}
}

func TestTransformDirection(t *testing.T) {
	r := Default()
	if r.GetTransform(Scalar(DtInteger), Scalar(DtLong)).IsExplicit() {
		t.Fatal("integer to long is explicit")
	}
	if !r.GetTransform(Scalar(DtLong), Scalar(DtInteger)).IsExplicit() {
		t.Fatal("long to integer is implicit")
	}
	if !r.IsImplicit(Scalar(DtString), Scalar(DtClob)) {
		t.Fatal("string to clob is not implicit")
	}
	if r.IsImplicit(Scalar(DtClob), Scalar(DtString)) {
		t.Fatal("clob to string is implicit")
	}
	if r.GetTransform(Scalar(DtDate), Scalar(DtBoolean)) != nil {
		t.Fatal("date to boolean transform found")
	}
	if r.GetTransform(Scalar(DtBoolean), Scalar(DtDate)) != nil {
		t.Fatal("boolean to date transform found")
	}
}

func TestTransformValue(t *testing.T) {
	r := Default()

	tests := []struct {
		v   any
		tgt Type
		exp any
	}{
		{int32(5), Scalar(DtString), "5"},
		{"12", Scalar(DtInteger), int32(12)},
		{" 12 ", Scalar(DtShort), int16(12)},
		{float64(1.9), Scalar(DtLong), int64(1)},
		{float64(-1.9), Scalar(DtInteger), int32(-1)},
		{int8(3), Scalar(DtDouble), float64(3)},
		{true, Scalar(DtInteger), int32(1)},
		{int64(0), Scalar(DtBoolean), false},
		{"TRUE", Scalar(DtBoolean), true},
		{"x", Scalar(DtChar), Char('x')},
		{Char('y'), Scalar(DtString), "y"},
		{big.NewRat(1, 4), Scalar(DtString), "0.25"},
		{42, Scalar(DtLong), int64(42)},
		{uint16(7), Scalar(DtInteger), int32(7)},
		{time.Date(2024, time.February, 29, 12, 30, 15, 0, time.UTC), Scalar(DtDate), NewDate(2024, time.February, 29, time.UTC)},
		{NewDate(2024, time.February, 29, time.UTC), Scalar(DtString), "2024-02-29"},
		{[]byte("abc"), Scalar(DtVarbinary), []byte("abc")},
	}

	for _, test := range tests {
		out, err := r.TransformValue(test.v, test.tgt)
		if err != nil {
			t.Fatalf("%v to %s: %s", test.v, test.tgt, err)
		}
		if !reflect.DeepEqual(test.exp, out) {
			t.Fatalf("%v to %s: value %v - expected %v", test.v, test.tgt, out, test.exp)
		}
	}

	out, err := r.TransformValue("123456789012345678901234567890", Scalar(DtBigInteger))
	if err != nil {
		t.Fatal(err)
	}
	exp, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	if exp.Cmp(out.(*big.Int)) != 0 {
		t.Fatalf("big integer %v - expected %v", out, exp)
	}

	out, err = r.TransformValue("1.25", Scalar(DtBigDecimal))
	if err != nil {
		t.Fatal(err)
	}
	if big.NewRat(5, 4).Cmp(out.(*big.Rat)) != 0 {
		t.Fatalf("big decimal %v - expected 5/4", out)
	}

	out, err = r.TransformValue("2024-02-29", Scalar(DtDate))
	if err != nil {
		t.Fatal(err)
	}
	if !NewDate(2024, time.February, 29, time.Local).Time().Equal(out.(Date).Time()) {
		t.Fatalf("date %v - expected 2024-02-29", out.(Date).Time())
	}

	out, err = r.TransformValue("12:30:15", Scalar(DtTime))
	if err != nil {
		t.Fatal(err)
	}
	if !NewTimeOfDay(12, 30, 15, time.Local).Time().Equal(out.(TimeOfDay).Time()) {
		t.Fatalf("time %v - expected 12:30:15", out.(TimeOfDay).Time())
	}

	out, err = r.TransformValue("clob content", Scalar(DtClob))
	if err != nil {
		t.Fatal(err)
	}
	out, err = r.TransformValue(out, Scalar(DtString))
	if err != nil {
		t.Fatal(err)
	}
	if out != "clob content" {
		t.Fatalf("value %v - expected clob content", out)
	}
}

func TestTransformErrors(t *testing.T) {
	r := Default()

	_, err := r.TransformValue("300", Scalar(DtByte))
	if !errors.Is(err, ErrIntegerOutOfRange) {
		t.Fatalf("out of range error expected: %v", err)
	}
	var tErr *TransformationError
	if !errors.As(err, &tErr) {
		t.Fatalf("transformation error expected: %v", err)
	}
	if tErr.Source != Scalar(DtString) || tErr.Target != Scalar(DtByte) {
		t.Fatalf("source %s target %s - expected string byte", tErr.Source, tErr.Target)
	}

	tests := []struct {
		v   any
		tgt Type
		err error
	}{
		{"maybe", Scalar(DtBoolean), ErrInvalidFormat},
		{int64(2), Scalar(DtBoolean), ErrIntegerOutOfRange},
		{"{", Scalar(DtJSON), ErrInvalidFormat},
	}
	for _, test := range tests {
		if _, err := r.TransformValue(test.v, test.tgt); !errors.Is(err, test.err) {
			t.Fatalf("%v to %s: error %v - expected %v", test.v, test.tgt, err, test.err)
		}
	}

	_, err = r.TransformValue(NewDate(2024, time.January, 1, time.UTC), Scalar(DtBoolean))
	if !errors.As(err, &tErr) {
		t.Fatalf("transformation error expected: %v", err)
	}
	if tErr.Err != nil {
		t.Fatalf("missing transform has cause %v", tErr.Err)
	}

	long := strings.Repeat("9", 1000)
	_, err = r.TransformValue(long, Scalar(DtInteger))
	if !errors.As(err, &tErr) {
		t.Fatalf("transformation error expected: %v", err)
	}
	if len(tErr.Value) > maxErrorValueLen+3 {
		t.Fatalf("error value length %d - expected at most %d", len(tErr.Value), maxErrorValueLen+3)
	}
}

func TestObjectDispatch(t *testing.T) {
	r := Default()

	out, err := r.GetTransform(Scalar(DtObject), Scalar(DtInteger)).Transform(int64(7))
	if err != nil {
		t.Fatal(err)
	}
	if out != int32(7) {
		t.Fatalf("value %v - expected 7", out)
	}

	if _, err := r.GetTransform(Scalar(DtObject), Scalar(DtInteger)).Transform(opaque{n: 1}); err == nil {
		t.Fatal("opaque to integer: error expected")
	}
	if _, err := r.GetTransform(Scalar(DtObject), Scalar(DtDate)).Transform(true); err == nil {
		t.Fatal("boolean to date: error expected")
	}
}

func TestArrayCovariance(t *testing.T) {
	r := Default()

	tr := r.GetTransform(ArrayOf(DtObject), ArrayOf(DtInteger))
	if tr == nil || !tr.IsExplicit() {
		t.Fatal("explicit object[] to integer[] transform expected")
	}
	out, err := tr.Transform(&Array{Base: DtObject, Values: []any{int64(1), "2", nil}})
	if err != nil {
		t.Fatal(err)
	}
	if exp := (&Array{Base: DtInteger, Values: []any{int32(1), int32(2), nil}}); !reflect.DeepEqual(exp, out) {
		t.Fatalf("array %v - expected %v", out, exp)
	}

	tr = r.GetTransform(ArrayOf(DtString), ArrayOf(DtObject))
	if tr == nil || tr.IsExplicit() {
		t.Fatal("implicit string[] to object[] transform expected")
	}

	if r.GetTransform(ArrayOf(DtInteger), ArrayOf(DtString)) != nil {
		t.Fatal("integer[] to string[] transform found")
	}
	if r.GetTransform(ArrayOf(DtInteger), Scalar(DtInteger)) != nil {
		t.Fatal("integer[] to integer transform found")
	}

	out, err = r.TransformValue([]any{"a", "b"}, ArrayOf(DtString))
	if err != nil {
		t.Fatal(err)
	}
	if exp := (&Array{Base: DtString, Values: []any{"a", "b"}}); !reflect.DeepEqual(exp, out) {
		t.Fatalf("array %v - expected %v", out, exp)
	}
}

func TestIsHashable(t *testing.T) {
	checkHashable := func(r *Registry, hashable bool, dts ...DataType) {
		t.Helper()
		for _, dt := range dts {
			if r.IsHashable(Scalar(dt)) != hashable {
				t.Fatalf("%s hashable %t - expected %t", dt, !hashable, hashable)
			}
		}
	}

	r := Default()
	checkHashable(r, false, DtObject, DtBigDecimal, DtBlob)
	checkHashable(r, true, DtString, DtChar, DtClob, DtInteger, DtTimestamp)

	r, err := NewRegistry(Options{CollationLocale: "de-DE"})
	if err != nil {
		t.Fatal(err)
	}
	if locale := r.Locale().String(); locale != "de-DE" {
		t.Fatalf("locale %s - expected de-DE", locale)
	}
	checkHashable(r, false, DtString, DtChar, DtClob)
	checkHashable(r, true, DtInteger)

	r, err = NewRegistry(Options{PadSpace: true})
	if err != nil {
		t.Fatal(err)
	}
	checkHashable(r, false, DtString)

	if _, err := NewRegistry(Options{CollationLocale: "not a locale!"}); err == nil {
		t.Fatal("invalid locale: error expected")
	}
}

func TestValueCache(t *testing.T) {
	r, err := NewRegistry(Options{ValueCache: true})
	if err != nil {
		t.Fatal(err)
	}

	a, err := r.TransformValue("123", Scalar(DtBigInteger))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.TransformValue("123", Scalar(DtBigInteger))
	if err != nil {
		t.Fatal(err)
	}
	if a.(*big.Int) != b.(*big.Int) {
		t.Fatal("equal values are not canonicalized")
	}

	// a single bucket: every miss evicts the occupant
	r, err = NewRegistry(Options{ValueCache: true, CacheBuckets: 1, CacheWindow: 1})
	if err != nil {
		t.Fatal(err)
	}
	first, _ := r.TransformValue("1", Scalar(DtBigInteger))
	_, _ = r.TransformValue("2", Scalar(DtBigInteger))
	again, _ := r.TransformValue("1", Scalar(DtBigInteger))
	if first.(*big.Int) == again.(*big.Int) {
		t.Fatal("evicted value still cached")
	}
	if first.(*big.Int).Cmp(again.(*big.Int)) != 0 {
		t.Fatalf("value %v - expected %v", again, first)
	}
}

func TestFormatRat(t *testing.T) {
	tests := []struct {
		r   *big.Rat
		exp string
	}{
		{big.NewRat(10, 1), "10"},
		{big.NewRat(1, 4), "0.25"},
		{big.NewRat(-5, 2), "-2.5"},
		{big.NewRat(1, 3), "0." + strings.Repeat("3", maxDecimalScale)},
		{big.NewRat(7, 80), "0.0875"},
	}
	for _, test := range tests {
		if s := FormatRat(test.r); s != test.exp {
			t.Fatalf("format %v: %s - expected %s", test.r, s, test.exp)
		}
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		name string
		typ  Type
	}{
		{"Integer[]", ArrayOf(DtInteger)},
		{"varchar", Scalar(DtString)},
	}
	for _, test := range tests {
		typ, err := ParseType(test.name)
		if err != nil {
			t.Fatal(err)
		}
		if typ != test.typ {
			t.Fatalf("parse %s: type %s - expected %s", test.name, typ, test.typ)
		}
	}

	if _, err := ParseType("nope"); err == nil {
		t.Fatal("unknown type name: error expected")
	}

	for _, dt := range DataTypes() {
		for _, typ := range []Type{Scalar(dt), ArrayOf(dt)} {
			decoded, err := TypeForCode(typ.Code())
			if err != nil {
				t.Fatal(err)
			}
			if decoded != typ {
				t.Fatalf("type for code %d: %s - expected %s", typ.Code(), decoded, typ)
			}
			parsed, err := ParseType(typ.String())
			if err != nil {
				t.Fatal(err)
			}
			if parsed != typ {
				t.Fatalf("parse %s: type %s", typ, parsed)
			}
		}
	}
}

func TestCodec(t *testing.T) {
	values := []struct {
		t Type
		v any
	}{
		{Scalar(DtString), "abc"},
		{Scalar(DtChar), Char('ä')},
		{Scalar(DtBoolean), true},
		{Scalar(DtByte), int8(-8)},
		{Scalar(DtShort), int16(1000)},
		{Scalar(DtInteger), int32(-100000)},
		{Scalar(DtLong), int64(1) << 40},
		{Scalar(DtFloat), float32(1.5)},
		{Scalar(DtDouble), 2.25},
		{Scalar(DtVarbinary), []byte{0, 1, 2}},
		{Scalar(DtInteger), nil},
		{ArrayOf(DtInteger), &Array{Base: DtInteger, Values: []any{int32(1), nil, int32(3)}}},
		{Scalar(DtObject), int16(9)},
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	for _, v := range values {
		if err := EncodeValue(enc, v.t, v.v); err != nil {
			t.Fatalf("encode %s: %s", v.t, err)
		}
	}
	ts := time.Date(2024, time.February, 29, 12, 30, 15, 500, time.UTC)
	if err := EncodeValue(enc, Scalar(DtTimestamp), ts); err != nil {
		t.Fatal(err)
	}
	if err := EncodeValue(enc, Scalar(DtBigDecimal), big.NewRat(-1, 8)); err != nil {
		t.Fatal(err)
	}
	// implicit conversion on encode
	if err := EncodeValue(enc, Scalar(DtLong), int32(5)); err != nil {
		t.Fatal(err)
	}

	dec := msgpack.NewDecoder(&buf)
	for _, v := range values {
		out, err := DecodeValue(dec, v.t)
		if err != nil {
			t.Fatalf("decode %s: %s", v.t, err)
		}
		if !reflect.DeepEqual(v.v, out) {
			t.Fatalf("decode %s: value %v - expected %v", v.t, out, v.v)
		}
	}
	out, err := DecodeValue(dec, Scalar(DtTimestamp))
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(out.(time.Time)) {
		t.Fatalf("timestamp %v - expected %v", out, ts)
	}
	out, err = DecodeValue(dec, Scalar(DtBigDecimal))
	if err != nil {
		t.Fatal(err)
	}
	if big.NewRat(-1, 8).Cmp(out.(*big.Rat)) != 0 {
		t.Fatalf("big decimal %v - expected -1/8", out)
	}
	out, err = DecodeValue(dec, Scalar(DtLong))
	if err != nil {
		t.Fatal(err)
	}
	if out != int64(5) {
		t.Fatalf("value %v - expected 5", out)
	}
}

func TestCodecLob(t *testing.T) {
	c := lob.NewClob("inline")
	c.SetStreamID("")

	var buf bytes.Buffer
	if err := EncodeValue(msgpack.NewEncoder(&buf), Scalar(DtClob), c); err != nil {
		t.Fatal(err)
	}
	out, err := DecodeValue(msgpack.NewDecoder(&buf), Scalar(DtClob))
	if err != nil {
		t.Fatal(err)
	}
	s, err := out.(*lob.Clob).Text(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if s != "inline" {
		t.Fatalf("text %q - expected inline", s)
	}
}
