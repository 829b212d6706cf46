// Package types implements the canonical runtime type system of the driver.
//
// Every value exchanged with the server belongs to one of a closed set of canonical types.
// A Registry holds the directed conversions (transforms) between canonical types and is used
// to coerce values into requested types.
package types

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/lob"
)

// DataType is a canonical type. The numeric value is the stable wire type code.
type DataType byte

// Canonical types.
const (
	DtString DataType = iota
	DtChar
	DtBoolean
	DtByte
	DtShort
	DtInteger
	DtLong
	DtBigInteger
	DtFloat
	DtDouble
	DtBigDecimal
	DtDate
	DtTime
	DtTimestamp
	DtObject
	DtBlob
	DtClob
	DtXML
	DtNull
	DtVarbinary
	DtGeometry
	DtGeography
	DtJSON
	numDataType
)

// arrayFlag marks array types in wire type codes.
const arrayFlag = 0x80

var dataTypeNames = [numDataType]string{
	"string", "char", "boolean", "byte", "short", "integer", "long", "biginteger",
	"float", "double", "bigdecimal", "date", "time", "timestamp", "object", "blob",
	"clob", "xml", "null", "varbinary", "geometry", "geography", "json",
}

func (dt DataType) String() string {
	if dt < numDataType {
		return dataTypeNames[dt]
	}
	return fmt.Sprintf("DataType(%d)", byte(dt))
}

// IsLob returns true for streamable types.
func (dt DataType) IsLob() bool {
	switch dt {
	case DtBlob, DtClob, DtXML, DtGeometry, DtGeography, DtJSON:
		return true
	default:
		return false
	}
}

// IsNumeric returns true for numeric types.
func (dt DataType) IsNumeric() bool { return dt >= DtByte && dt <= DtBigDecimal }

// DataTypes returns all canonical types.
func DataTypes() []DataType {
	dts := make([]DataType, numDataType)
	for i := range dts {
		dts[i] = DataType(i)
	}
	return dts
}

// Type is a canonical type with optional array nesting (one level).
type Type struct {
	Base  DataType
	Array bool
}

// Scalar returns the non array type of dt.
func Scalar(dt DataType) Type { return Type{Base: dt} }

// ArrayOf returns the array type with element type dt.
func ArrayOf(dt DataType) Type { return Type{Base: dt, Array: true} }

// Elem returns the element type of an array type.
func (t Type) Elem() Type { return Type{Base: t.Base} }

func (t Type) String() string {
	if t.Array {
		return t.Base.String() + "[]"
	}
	return t.Base.String()
}

// Code returns the wire type code.
func (t Type) Code() byte {
	if t.Array {
		return byte(t.Base) | arrayFlag
	}
	return byte(t.Base)
}

// TypeForCode returns the type of a wire type code.
func TypeForCode(code byte) (Type, error) {
	t := Type{Base: DataType(code &^ arrayFlag), Array: code&arrayFlag != 0}
	if t.Base >= numDataType {
		return Type{}, fmt.Errorf("invalid type code %#x", code)
	}
	return t, nil
}

// aliases accepted by ParseType.
var typeAliases = map[string]DataType{
	"varchar":   DtString,
	"character": DtChar,
	"bool":      DtBoolean,
	"tinyint":   DtByte,
	"smallint":  DtShort,
	"int":       DtInteger,
	"bigint":    DtLong,
	"real":      DtFloat,
	"decimal":   DtBigDecimal,
	"numeric":   DtBigDecimal,
	"binary":    DtVarbinary,
}

// ParseType parses a type name like "integer" or "string[]" (case insensitive).
func ParseType(name string) (Type, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	var t Type
	if base, ok := strings.CutSuffix(s, "[]"); ok {
		t.Array = true
		s = base
	}
	for i, n := range dataTypeNames {
		if n == s {
			t.Base = DataType(i)
			return t, nil
		}
	}
	if dt, ok := typeAliases[s]; ok {
		t.Base = dt
		return t, nil
	}
	return Type{}, fmt.Errorf("unknown type name %q", name)
}

// Char is a single character value.
type Char rune

func (c Char) String() string { return string(rune(c)) }

// Date is a date value (the clock part is zero).
type Date time.Time

// NewDate returns the date of year, month and day in loc.
func NewDate(year int, month time.Month, day int, loc *time.Location) Date {
	return Date(time.Date(year, month, day, 0, 0, 0, 0, loc))
}

// Time returns d as time.Time.
func (d Date) Time() time.Time { return time.Time(d) }

func (d Date) String() string { return time.Time(d).Format(DateLayout) }

// TimeOfDay is a time value (the date part is 1970-01-01).
type TimeOfDay time.Time

// NewTimeOfDay returns the time of day of hour, minute and second in loc.
func NewTimeOfDay(hour, min, sec int, loc *time.Location) TimeOfDay {
	return TimeOfDay(time.Date(1970, time.January, 1, hour, min, sec, 0, loc))
}

// Time returns t as time.Time.
func (t TimeOfDay) Time() time.Time { return time.Time(t) }

func (t TimeOfDay) String() string { return time.Time(t).Format(TimeLayout) }

// Array is an array value.
type Array struct {
	Base   DataType
	Values []any
}

func (a *Array) String() string { return fmt.Sprintf("%v", a.Values) }

// Date and time layouts used for string conversions.
const (
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05"
	TimestampLayout = "2006-01-02 15:04:05.999999999"
)

// DataTypeOf returns the canonical type of a runtime value.
// Values of non canonical go types are of type object.
func DataTypeOf(v any) Type {
	switch v := v.(type) {
	case nil:
		return Scalar(DtNull)
	case string:
		return Scalar(DtString)
	case Char:
		return Scalar(DtChar)
	case bool:
		return Scalar(DtBoolean)
	case int8:
		return Scalar(DtByte)
	case int16:
		return Scalar(DtShort)
	case int32:
		return Scalar(DtInteger)
	case int64:
		return Scalar(DtLong)
	case *big.Int:
		return Scalar(DtBigInteger)
	case float32:
		return Scalar(DtFloat)
	case float64:
		return Scalar(DtDouble)
	case *big.Rat:
		return Scalar(DtBigDecimal)
	case Date:
		return Scalar(DtDate)
	case TimeOfDay:
		return Scalar(DtTime)
	case time.Time:
		return Scalar(DtTimestamp)
	case *lob.Blob:
		return Scalar(DtBlob)
	case *lob.Clob:
		return Scalar(DtClob)
	case *lob.XML:
		return Scalar(DtXML)
	case []byte:
		return Scalar(DtVarbinary)
	case *lob.Geography:
		return Scalar(DtGeography)
	case *lob.Geometry:
		return Scalar(DtGeometry)
	case *lob.JSON:
		return Scalar(DtJSON)
	case *Array:
		return ArrayOf(v.Base)
	default:
		return Scalar(DtObject)
	}
}
