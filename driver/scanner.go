package driver

import (
	"database/sql"
	"fmt"
	"reflect"
	"strings"
)

// tagKey is the struct tag naming the column a field is mapped to. A tag value of "-" skips the field.
const tagKey = "dbvirt"

// RowMapper maps result rows onto the exported fields of a struct of type S. Columns are
// matched case-insensitively against the field tag or, if untagged, the field name.
type RowMapper[S any] struct {
	fields map[string][]int // upper case column name -> field index
}

// NewRowMapper returns a row mapper for struct type S.
func NewRowMapper[S any]() (*RowMapper[S], error) {
	rt := reflect.TypeFor[S]()
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("row mapper: %s is not a struct", rt)
	}
	fields := map[string][]int{}
	for _, f := range reflect.VisibleFields(rt) {
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup(tagKey); ok {
			if tag, _, _ = strings.Cut(tag, ","); tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		fields[strings.ToUpper(name)] = f.Index
	}
	return &RowMapper[S]{fields: fields}, nil
}

func (m *RowMapper[S]) targets(columns []string, s *S) ([]any, error) {
	rv := reflect.ValueOf(s).Elem()
	targets := make([]any, len(columns))
	for i, name := range columns {
		index, ok := m.fields[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("row mapper: no field for column %q", name)
		}
		targets[i] = rv.FieldByIndex(index).Addr().Interface()
	}
	return targets, nil
}

// Map copies the current row of rs into s.
func (m *RowMapper[S]) Map(rs *ResultSet, s *S) error {
	columns := rs.Columns()
	names := make([]string, len(columns))
	for i := range columns {
		names[i] = columns[i].DisplayName()
	}
	targets, err := m.targets(names, s)
	if err != nil {
		return err
	}
	row, err := rs.Row()
	if err != nil {
		return err
	}
	for i, v := range row {
		if err := assignOut(targets[i], v); err != nil {
			return fmt.Errorf("row mapper: column %q: %w", names[i], err)
		}
	}
	return nil
}

// Scan scans the current row of rows into s.
func (m *RowMapper[S]) Scan(rows *sql.Rows, s *S) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}
	targets, err := m.targets(columns, s)
	if err != nil {
		return err
	}
	return rows.Scan(targets...)
}

// ScanAll scans all remaining rows and closes rows.
func (m *RowMapper[S]) ScanAll(rows *sql.Rows) ([]S, error) {
	defer rows.Close()
	var result []S
	for rows.Next() {
		var s S
		if err := m.Scan(rows, &s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, rows.Close()
}
