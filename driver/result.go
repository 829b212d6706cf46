package driver

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

// check if rows types do implement all driver row interfaces.
var (
	_ driver.Rows                           = (*rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*rows)(nil)
	_ driver.RowsColumnTypeLength           = (*rows)(nil)
	_ driver.RowsColumnTypeNullable         = (*rows)(nil)
	_ driver.RowsColumnTypePrecisionScale   = (*rows)(nil)
	_ driver.RowsColumnTypeScanType         = (*rows)(nil)
)

var (
	scanTypeString  = reflect.TypeFor[string]()
	scanTypeBool    = reflect.TypeFor[bool]()
	scanTypeInt64   = reflect.TypeFor[int64]()
	scanTypeFloat64 = reflect.TypeFor[float64]()
	scanTypeDecimal = reflect.TypeFor[Decimal]()
	scanTypeTime    = reflect.TypeFor[time.Time]()
	scanTypeBytes   = reflect.TypeFor[[]byte]()
	scanTypeLob     = reflect.TypeFor[Lob]()
	scanTypeAny     = reflect.TypeFor[any]()
)

// rows adapts a ResultSet to the driver.Rows interface.
type rows struct {
	rs       *ResultSet
	_columns []string
}

func newRows(rs *ResultSet) *rows { return &rows{rs: rs} }

// Columns implements the driver.Rows interface.
func (r *rows) Columns() []string {
	if r._columns == nil {
		fields := r.rs.Columns()
		r._columns = make([]string, len(fields))
		for i := range fields {
			r._columns[i] = fields[i].DisplayName()
		}
	}
	return r._columns
}

// Close implements the driver.Rows interface.
func (r *rows) Close() error { return r.rs.Close() }

// Next implements the driver.Rows interface.
func (r *rows) Next(dest []driver.Value) error {
	ok, err := r.rs.Next(context.Background())
	if err != nil {
		return err
	}
	if !ok {
		return io.EOF
	}
	row, err := r.rs.Row()
	if err != nil {
		return err
	}
	for i, v := range row {
		dest[i] = driverValue(v)
	}
	return nil
}

// driverValue converts a canonical value into a value database/sql can assign. Large objects are
// passed unchanged (see Lob).
func driverValue(v any) driver.Value {
	switch v := v.(type) {
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case *big.Int:
		return v.String()
	case *big.Rat:
		return types.FormatRat(v)
	case types.Char:
		return v.String()
	case types.Date:
		return v.Time()
	case types.TimeOfDay:
		return v.Time()
	}
	return v
}

// ColumnTypeDatabaseTypeName implements the driver.RowsColumnTypeDatabaseTypeName interface.
func (r *rows) ColumnTypeDatabaseTypeName(idx int) string {
	c := &r.rs.Columns()[idx]
	if c.TypeName != "" {
		return strings.ToUpper(c.TypeName)
	}
	return strings.ToUpper(c.Type.String())
}

// ColumnTypeLength implements the driver.RowsColumnTypeLength interface.
func (r *rows) ColumnTypeLength(idx int) (int64, bool) {
	c := &r.rs.Columns()[idx]
	if c.Type.Array {
		return 0, false
	}
	switch c.Type.Base {
	case types.DtString, types.DtVarbinary, types.DtClob, types.DtBlob, types.DtXML, types.DtJSON:
		return int64(c.Precision), true
	}
	return 0, false
}

// ColumnTypeNullable implements the driver.RowsColumnTypeNullable interface.
func (r *rows) ColumnTypeNullable(idx int) (bool, bool) {
	switch r.rs.Columns()[idx].Nullable {
	case dqp.NoNulls:
		return false, true
	case dqp.Nullable:
		return true, true
	default:
		return false, false
	}
}

// ColumnTypePrecisionScale implements the driver.RowsColumnTypePrecisionScale interface.
func (r *rows) ColumnTypePrecisionScale(idx int) (int64, int64, bool) {
	c := &r.rs.Columns()[idx]
	if c.Type.Array || c.Type.Base != types.DtBigDecimal {
		return 0, 0, false
	}
	return int64(c.Precision), int64(c.Scale), true
}

// ColumnTypeScanType implements the driver.RowsColumnTypeScanType interface.
func (r *rows) ColumnTypeScanType(idx int) reflect.Type {
	return scanType(r.rs.Columns()[idx].Type)
}

func scanType(t types.Type) reflect.Type {
	if t.Array {
		return scanTypeAny
	}
	switch t.Base {
	case types.DtString, types.DtChar, types.DtBigInteger:
		return scanTypeString
	case types.DtBoolean:
		return scanTypeBool
	case types.DtByte, types.DtShort, types.DtInteger, types.DtLong:
		return scanTypeInt64
	case types.DtFloat, types.DtDouble:
		return scanTypeFloat64
	case types.DtBigDecimal:
		return scanTypeDecimal
	case types.DtDate, types.DtTime, types.DtTimestamp:
		return scanTypeTime
	case types.DtVarbinary:
		return scanTypeBytes
	case types.DtBlob, types.DtClob, types.DtXML, types.DtJSON, types.DtGeometry, types.DtGeography:
		return scanTypeLob
	default:
		return scanTypeAny
	}
}

// ErrNoLastInsertID is returned by LastInsertId if the execution returned no generated keys.
var ErrNoLastInsertID = errors.New("no generated keys - see Statement.SetReturnGeneratedKeys")

// result implements the driver.Result interface.
type result struct {
	rowsAffected int64
	lastInsertID int64
	idErr        error
}

// newResult sums up the update counts. The last insert id is the first column of the last
// generated key row.
func newResult(counts []int, keys *ResultSet) driver.Result {
	r := &result{idErr: ErrNoLastInsertID}
	for _, c := range counts {
		if c > 0 {
			r.rowsAffected += int64(c)
		}
	}
	if keys == nil {
		return r
	}
	keys.mu.Lock()
	defer keys.mu.Unlock()
	if n := len(keys.batch); n > 0 && len(keys.batch[n-1]) > 0 {
		v, err := keys.registry.TransformValue(keys.batch[n-1][0], types.Scalar(types.DtLong))
		if err != nil {
			r.idErr = newSQLError(err)
		} else if id, ok := v.(int64); ok {
			r.lastInsertID, r.idErr = id, nil
		}
	}
	return r
}

// LastInsertId implements the driver.Result interface.
func (r *result) LastInsertId() (int64, error) { return r.lastInsertID, r.idErr }

// RowsAffected implements the driver.Result interface.
func (r *result) RowsAffected() (int64, error) { return r.rowsAffected, nil }
