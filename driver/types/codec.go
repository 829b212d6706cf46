package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

/*
EncodeValue writes v as a value of type t.

  - nil values are encoded as msgpack nil for every type
  - object values are prefixed by the type code of their runtime type
  - array values are encoded as msgpack arrays of element values
*/
func EncodeValue(enc *msgpack.Encoder, t Type, v any) error {
	if v == nil {
		return enc.EncodeNil()
	}
	if t.Array {
		a, ok := v.(*Array)
		if !ok {
			return fmt.Errorf("invalid %s value %T", t, v)
		}
		if err := enc.EncodeArrayLen(len(a.Values)); err != nil {
			return err
		}
		for _, ev := range a.Values {
			if err := EncodeValue(enc, t.Elem(), ev); err != nil {
				return err
			}
		}
		return nil
	}

	switch t.Base {
	case DtObject:
		vt := DataTypeOf(v)
		if vt.Base == DtObject && !vt.Array {
			return fmt.Errorf("cannot encode object value of type %T", v)
		}
		if err := enc.EncodeUint8(vt.Code()); err != nil {
			return err
		}
		return EncodeValue(enc, vt, v)
	case DtNull:
		return enc.EncodeNil()
	}

	v, err := Default().TransformValue(v, t)
	if err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		return enc.EncodeString(v)
	case Char:
		return enc.EncodeString(string(rune(v)))
	case bool:
		return enc.EncodeBool(v)
	case int8:
		return enc.EncodeInt(int64(v))
	case int16:
		return enc.EncodeInt(int64(v))
	case int32:
		return enc.EncodeInt(int64(v))
	case int64:
		return enc.EncodeInt(v)
	case *big.Int:
		return enc.EncodeString(v.String())
	case float32:
		return enc.EncodeFloat32(v)
	case float64:
		return enc.EncodeFloat64(v)
	case *big.Rat:
		return enc.EncodeString(FormatRat(v))
	case Date:
		return enc.EncodeTime(time.Time(v))
	case TimeOfDay:
		return enc.EncodeTime(time.Time(v))
	case time.Time:
		return enc.EncodeTime(v)
	case []byte:
		return enc.EncodeBytes(v)
	case lob.Value:
		return enc.Encode(v)
	}
	return fmt.Errorf("cannot encode %s value of type %T", t, v)
}

func isNil(dec *msgpack.Decoder) (bool, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return false, err
	}
	if code != msgpcode.Nil {
		return false, nil
	}
	return true, dec.DecodeNil()
}

// DecodeValue reads a value of type t.
func DecodeValue(dec *msgpack.Decoder, t Type) (any, error) {
	null, err := isNil(dec)
	if err != nil || null {
		return nil, err
	}
	if t.Array {
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		a := &Array{Base: t.Base, Values: make([]any, n)}
		for i := range a.Values {
			if a.Values[i], err = DecodeValue(dec, t.Elem()); err != nil {
				return nil, err
			}
		}
		return a, nil
	}

	switch t.Base {
	case DtString:
		return dec.DecodeString()
	case DtChar:
		s, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return toChar(s)
	case DtBoolean:
		return dec.DecodeBool()
	case DtByte:
		return decodeInt(dec, toByte)
	case DtShort:
		return decodeInt(dec, toShort)
	case DtInteger:
		return decodeInt(dec, toInteger)
	case DtLong:
		return dec.DecodeInt64()
	case DtBigInteger:
		return decodeString(dec, toBigInteger)
	case DtFloat:
		return dec.DecodeFloat32()
	case DtDouble:
		return dec.DecodeFloat64()
	case DtBigDecimal:
		return decodeString(dec, toBigDecimal)
	case DtDate:
		tm, err := dec.DecodeTime()
		return Date(tm), err
	case DtTime:
		tm, err := dec.DecodeTime()
		return TimeOfDay(tm), err
	case DtTimestamp:
		return dec.DecodeTime()
	case DtObject:
		code, err := dec.DecodeUint8()
		if err != nil {
			return nil, err
		}
		vt, err := TypeForCode(code)
		if err != nil {
			return nil, err
		}
		if vt == Scalar(DtObject) {
			return nil, fmt.Errorf("invalid object value type %s", vt)
		}
		return DecodeValue(dec, vt)
	case DtBlob:
		return decodeLob(dec, new(lob.Blob))
	case DtClob:
		return decodeLob(dec, new(lob.Clob))
	case DtXML:
		return decodeLob(dec, new(lob.XML))
	case DtVarbinary:
		return dec.DecodeBytes()
	case DtGeometry:
		return decodeLob(dec, new(lob.Geometry))
	case DtGeography:
		return decodeLob(dec, new(lob.Geography))
	case DtJSON:
		return decodeLob(dec, new(lob.JSON))
	}
	return nil, fmt.Errorf("cannot decode value of type %s", t)
}

func decodeInt(dec *msgpack.Decoder, fn func(any) (any, error)) (any, error) {
	i, err := dec.DecodeInt64()
	if err != nil {
		return nil, err
	}
	return fn(i)
}

func decodeString(dec *msgpack.Decoder, fn func(any) (any, error)) (any, error) {
	s, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	return fn(s)
}

func decodeLob[T lob.Value](dec *msgpack.Decoder, v T) (any, error) {
	if err := dec.Decode(v); err != nil {
		return nil, err
	}
	return v, nil
}
