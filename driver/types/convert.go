package types

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/lob"
)

/*
Normalize maps go values of non canonical types to their canonical representation:
  - int, uint8, uint16, uint32 to int64
  - uint and uint64 to int64 or *big.Int if out of int64 range
  - []any to an object array

All other values are returned unchanged.
*/
func Normalize(v any) any {
	switch v := v.(type) {
	case int:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		return normalizeUint64(uint64(v))
	case uint64:
		return normalizeUint64(v)
	case []any:
		return &Array{Base: DtObject, Values: v}
	default:
		return v
	}
}

func normalizeUint64(v uint64) any {
	if v > math.MaxInt64 {
		return new(big.Int).SetUint64(v)
	}
	return int64(v)
}

var bigOne = big.NewInt(1)

// maxDecimalScale is the scale used to format non terminating decimal fractions.
const maxDecimalScale = 38

// FormatRat returns the decimal string representation of r.
func FormatRat(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	d := new(big.Int).Set(r.Denom())
	m := new(big.Int)
	twos, fives := 0, 0
	for d.Bit(0) == 0 {
		d.Rsh(d, 1)
		twos++
	}
	five := big.NewInt(5)
	for {
		q, rem := new(big.Int).QuoRem(d, five, m)
		if rem.Sign() != 0 {
			break
		}
		d = q
		fives++
	}
	if d.Cmp(bigOne) != 0 {
		s := r.FloatString(maxDecimalScale)
		return strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return r.FloatString(max(twos, fives))
}

// int conversions

func toInt64(v any) (int64, error) {
	switch v := v.(type) {
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		if !v.IsInt64() {
			return 0, ErrIntegerOutOfRange
		}
		return v.Int64(), nil
	case float32:
		return floatToInt64(float64(v))
	case float64:
		return floatToInt64(v)
	case *big.Rat:
		i := new(big.Int).Quo(v.Num(), v.Denom())
		if !i.IsInt64() {
			return 0, ErrIntegerOutOfRange
		}
		return i.Int64(), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("unexpected integer source %T", v)
}

func floatToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, ErrIntegerOutOfRange
	}
	return int64(f), nil // truncates toward zero
}

func rangeInt(v any, min, max int64) (int64, error) {
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if i < min || i > max {
		return 0, ErrIntegerOutOfRange
	}
	return i, nil
}

func toByte(v any) (any, error) {
	i, err := rangeInt(v, math.MinInt8, math.MaxInt8)
	return int8(i), err
}

func toShort(v any) (any, error) {
	i, err := rangeInt(v, math.MinInt16, math.MaxInt16)
	return int16(i), err
}

func toInteger(v any) (any, error) {
	i, err := rangeInt(v, math.MinInt32, math.MaxInt32)
	return int32(i), err
}

func toLong(v any) (any, error) { return toInt64(v) }

func toBigInteger(v any) (any, error) {
	switch v := v.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case float32:
		return floatToBigInt(float64(v))
	case float64:
		return floatToBigInt(v)
	case *big.Rat:
		return new(big.Int).Quo(v.Num(), v.Denom()), nil
	case string:
		i, ok := new(big.Int).SetString(strings.TrimSpace(v), 10)
		if !ok {
			return nil, ErrInvalidFormat
		}
		return i, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	return big.NewInt(i), nil
}

func floatToBigInt(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrIntegerOutOfRange
	}
	i, _ := new(big.Float).SetFloat64(f).Int(nil)
	return i, nil
}

// float conversions

func toFloat64(v any) (float64, error) {
	switch v := v.(type) {
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(v).Float64()
		return f, nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case *big.Rat:
		f, _ := v.Float64()
		return f, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("unexpected float source %T", v)
}

func toFloat(v any) (any, error) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
		return float32(f), err
	}
	f, err := toFloat64(v)
	if err != nil {
		return nil, err
	}
	if !math.IsInf(f, 0) && !math.IsNaN(f) && math.Abs(f) > math.MaxFloat32 {
		return nil, ErrFloatOutOfRange
	}
	return float32(f), nil
}

func toDouble(v any) (any, error) { return toFloat64(v) }

func toBigDecimal(v any) (any, error) {
	switch v := v.(type) {
	case *big.Rat:
		return new(big.Rat).Set(v), nil
	case *big.Int:
		return new(big.Rat).SetInt(v), nil
	case float32, float64:
		f, _ := toFloat64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, ErrFloatOutOfRange
		}
		if _, ok := v.(float32); ok {
			// use the shortest decimal representation of the float32 value
			r, _ := new(big.Rat).SetString(strconv.FormatFloat(f, 'g', -1, 32))
			return r, nil
		}
		return new(big.Rat).SetFloat64(f), nil
	case string:
		s := strings.TrimSpace(v)
		if strings.ContainsRune(s, '/') {
			return nil, ErrInvalidFormat
		}
		r, ok := new(big.Rat).SetString(s)
		if !ok {
			return nil, ErrInvalidFormat
		}
		return r, nil
	}
	i, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	return new(big.Rat).SetInt64(i), nil
}

func toBoolean(v any) (any, error) {
	if s, ok := v.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, ErrInvalidFormat
	}
	i, err := toBigInteger(v)
	if err != nil {
		return nil, err
	}
	switch i.(*big.Int).Cmp(bigOne) {
	case 0:
		return true, nil
	case -1:
		if i.(*big.Int).Sign() == 0 {
			return false, nil
		}
	}
	return nil, ErrIntegerOutOfRange
}

// string conversions

func toString(v any) (any, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case Char:
		return string(rune(v)), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case *big.Int:
		return v.String(), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case *big.Rat:
		return FormatRat(v), nil
	case Date:
		return v.String(), nil
	case TimeOfDay:
		return v.String(), nil
	case time.Time:
		return v.Format(TimestampLayout), nil
	case *lob.Clob:
		return v.Text(context.Background())
	case *lob.XML:
		return v.Text(context.Background())
	case *lob.JSON:
		return v.Text(context.Background())
	}
	return nil, fmt.Errorf("unexpected string source %T", v)
}

func toChar(v any) (any, error) {
	s := v.(string)
	if n := len([]rune(s)); n != 1 {
		return nil, fmt.Errorf("%w: expected one character - got %d", ErrInvalidFormat, n)
	}
	return Char([]rune(s)[0]), nil
}

// date and time conversions

func toDate(v any) (any, error) {
	switch v := v.(type) {
	case string:
		t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(v), time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
		}
		return Date(t), nil
	case time.Time:
		return Date(time.Date(v.Year(), v.Month(), v.Day(), 0, 0, 0, 0, v.Location())), nil
	}
	return nil, fmt.Errorf("unexpected date source %T", v)
}

func toTimeOfDay(v any) (any, error) {
	switch v := v.(type) {
	case string:
		t, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(v), time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
		}
		return NewTimeOfDay(t.Hour(), t.Minute(), t.Second(), time.Local), nil
	case time.Time:
		return NewTimeOfDay(v.Hour(), v.Minute(), v.Second(), v.Location()), nil
	}
	return nil, fmt.Errorf("unexpected time source %T", v)
}

func toTimestamp(v any) (any, error) {
	switch v := v.(type) {
	case string:
		s := strings.TrimSpace(v)
		t, err := time.ParseInLocation(TimestampLayout, s, time.Local)
		if err != nil {
			if t, rfcErr := time.Parse(time.RFC3339Nano, s); rfcErr == nil {
				return t, nil
			}
			return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
		}
		return t, nil
	case Date:
		return time.Time(v), nil
	case TimeOfDay:
		return time.Time(v), nil
	}
	return nil, fmt.Errorf("unexpected timestamp source %T", v)
}

// lob conversions

func stringToClob(v any) (any, error) { return lob.NewClob(v.(string)), nil }

func stringToXML(v any) (any, error) { return lob.NewXML(v.(string)), nil }

func stringToJSON(v any) (any, error) {
	s := v.(string)
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("%w: invalid json document", ErrInvalidFormat)
	}
	return lob.NewJSON(s), nil
}

func stringToVarbinary(v any) (any, error) { return []byte(v.(string)), nil }

func varbinaryToBlob(v any) (any, error) { return lob.NewBlob(v.([]byte)), nil }

func textOf(v any) (string, error) {
	s, err := toString(v)
	if err != nil {
		return "", err
	}
	return s.(string), nil
}

func clobToXML(v any) (any, error) {
	s, err := textOf(v)
	if err != nil {
		return nil, err
	}
	return lob.NewXML(s), nil
}

func clobToJSON(v any) (any, error) {
	s, err := textOf(v)
	if err != nil {
		return nil, err
	}
	return stringToJSON(s)
}

func textToClob(v any) (any, error) {
	s, err := textOf(v)
	if err != nil {
		return nil, err
	}
	return lob.NewClob(s), nil
}

func blobBytes(v any) ([]byte, error) {
	switch v := v.(type) {
	case *lob.Blob:
		return v.Bytes(context.Background())
	case *lob.Geometry:
		return v.Bytes(context.Background())
	case *lob.Geography:
		return v.Bytes(context.Background())
	}
	return nil, fmt.Errorf("unexpected binary source %T", v)
}

func blobToVarbinary(v any) (any, error) { return blobBytes(v) }

func geoToBlob(v any) (any, error) {
	b, err := blobBytes(v)
	if err != nil {
		return nil, err
	}
	return lob.NewBlob(b), nil
}

func blobToGeometry(v any) (any, error) {
	b, err := blobBytes(v)
	if err != nil {
		return nil, err
	}
	return lob.NewGeometry(b, 0), nil
}

func geographyToGeometry(v any) (any, error) {
	g := v.(*lob.Geography)
	b, err := g.Bytes(context.Background())
	if err != nil {
		return nil, err
	}
	return lob.NewGeometry(b, g.SRID), nil
}
