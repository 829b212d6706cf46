package driver

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrDecimalFormat is returned by Decimal.Scan for strings which are not decimal numbers.
var ErrDecimalFormat = errors.New("invalid decimal format")

// A Decimal is the driver representation of a database decimal field value as big.Rat.
type Decimal big.Rat

// Scan implements the database/sql/Scanner interface.
func (d *Decimal) Scan(src any) error {
	switch src := src.(type) {
	case *big.Rat:
		(*big.Rat)(d).Set(src)
	case string:
		s := strings.TrimSpace(src)
		if strings.ContainsRune(s, '/') {
			return ErrDecimalFormat
		}
		if _, ok := (*big.Rat)(d).SetString(s); !ok {
			return ErrDecimalFormat
		}
	case []byte:
		return d.Scan(string(src))
	case int64:
		(*big.Rat)(d).SetInt64(src)
	case float64:
		if (*big.Rat)(d).SetFloat64(src) == nil {
			return ErrDecimalFormat
		}
	default:
		return fmt.Errorf("decimal: unsupported scan source %T", src)
	}
	return nil
}

// Value implements the database/sql/Valuer interface.
func (d *Decimal) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return new(big.Rat).Set((*big.Rat)(d)), nil
}

// NullDecimal represents an Decimal that may be null.
// NullDecimal implements the Scanner interface so
// it can be used as a scan destination, similar to NullString.
type NullDecimal struct {
	Decimal *Decimal
	Valid   bool // Valid is true if Decimal is not NULL
}

// Scan implements the Scanner interface.
func (n *NullDecimal) Scan(value any) error {
	if value == nil {
		n.Decimal, n.Valid = nil, false
		return nil
	}
	if n.Decimal == nil {
		n.Decimal = new(Decimal)
	}
	if err := n.Decimal.Scan(value); err != nil {
		return err
	}
	n.Valid = true
	return nil
}

// Value implements the driver Valuer interface.
func (n NullDecimal) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.Decimal.Value()
}
