package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/dbvirt/go-dbvirt/driver"
	"github.com/dbvirt/go-dbvirt/driver/lob"
	"github.com/dbvirt/go-dbvirt/sqlscript"
)

const maxStatementSize = 16 * 1024 * 1024

// runner executes script statements on a single session, so SET and transaction statements
// apply to the statements following them.
type runner struct {
	conn *sql.Conn
	w    io.Writer
}

func newRunner(ctx context.Context, db *sql.DB, w io.Writer) (*runner, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &runner{conn: conn, w: w}, nil
}

func (r *runner) close() error { return r.conn.Close() }

// runScript executes all statements of script.
func (r *runner) runScript(ctx context.Context, script io.Reader) error {
	scanner := bufio.NewScanner(script)
	scanner.Buffer(nil, maxStatementSize)
	scanner.Split(sqlscript.Scan)
	for scanner.Scan() {
		query := scanner.Text()
		if err := r.run(ctx, query); err != nil {
			return fmt.Errorf("%s: %w", query, err)
		}
	}
	return scanner.Err()
}

func (r *runner) run(ctx context.Context, query string) error {
	return r.conn.Raw(func(driverConn any) error {
		conn, ok := driverConn.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		stmt, err := conn.CreateStatement(driver.TypeForwardOnly, driver.ConcurReadOnly)
		if err != nil {
			return err
		}
		defer stmt.Close()

		hasResultSet, err := stmt.Execute(ctx, query)
		if err != nil {
			return err
		}
		for _, warning := range stmt.Warnings() {
			fmt.Fprintf(r.w, "warning: %s\n", warning)
		}
		if !hasResultSet {
			_, err := fmt.Fprintf(r.w, "%d row(s) affected\n", stmt.UpdateCount())
			return err
		}
		return r.print(ctx, stmt.ResultSet())
	})
}

// print writes the result set as tab-separated lines, starting with the column names.
func (r *runner) print(ctx context.Context, rs *driver.ResultSet) error {
	defer rs.Close()
	columns := rs.Columns()
	names := make([]string, len(columns))
	for i := range columns {
		names[i] = columns[i].DisplayName()
	}
	if _, err := fmt.Fprintln(r.w, strings.Join(names, "\t")); err != nil {
		return err
	}

	values := make([]string, len(columns))
	n := 0
	for {
		ok, err := rs.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for i := range values {
			if values[i], err = formatValue(ctx, rs, i+1); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(r.w, strings.Join(values, "\t")); err != nil {
			return err
		}
		n++
	}
	_, err := fmt.Fprintf(r.w, "%d row(s)\n", n)
	return err
}

func formatValue(ctx context.Context, rs *driver.ResultSet, i int) (string, error) {
	v, err := rs.Get(i)
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case *lob.Blob:
		n, err := v.Length(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<blob %d bytes>", n), nil
	case lob.Value:
		rd, err := v.Reader(ctx)
		if err != nil {
			return "", err
		}
		defer rd.Close()
		b, err := io.ReadAll(rd)
		return string(b), err
	}
	return rs.GetString(i)
}
