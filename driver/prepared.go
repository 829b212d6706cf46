package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"slices"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
)

// countParams returns the number of parameter markers of query. Markers in quoted strings,
// quoted identifiers and comments are ignored.
func countParams(query string) int {
	n := 0
	for i := 0; i < len(query); i++ {
		switch c := query[i]; c {
		case '\'', '"':
			for i++; i < len(query); i++ {
				if query[i] == c {
					if i+1 < len(query) && query[i+1] == c { // escaped quote
						i++
						continue
					}
					break
				}
			}
		case '-':
			if i+1 < len(query) && query[i+1] == '-' {
				for i < len(query) && query[i] != '\n' {
					i++
				}
			}
		case '/':
			if i+1 < len(query) && query[i+1] == '*' {
				i += 2
				for i+1 < len(query) && !(query[i] == '*' && query[i+1] == '/') {
					i++
				}
				i++
			}
		case '?':
			n++
		}
	}
	return n
}

/*
PreparedStatement is a statement with parameter markers (?) executed with bound parameter values.
Parameter indexes are 1-based.
*/
type PreparedStatement struct {
	*Statement
	sqlText   string
	callable  bool
	numParams int

	params      []any
	bound       []bool
	batchParams [][]any
}

func newPreparedStatement(s *Statement, query string, callable bool) *PreparedStatement {
	n := countParams(query)
	return &PreparedStatement{
		Statement: s,
		sqlText:   query,
		callable:  callable,
		numParams: n,
		params:    make([]any, n),
		bound:     make([]bool, n),
	}
}

// Query returns the query of the statement.
func (ps *PreparedStatement) Query() string { return ps.sqlText }

// NumParams returns the number of parameter markers.
func (ps *PreparedStatement) NumParams() int { return ps.numParams }

// SetParameter binds v to parameter i. driver.Valuer values are bound by their value.
func (ps *PreparedStatement) SetParameter(i int, v any) error {
	if err := ps.checkClosed(); err != nil {
		return err
	}
	if i < 1 || i > ps.numParams {
		return newUsageError(fmt.Errorf("invalid parameter index %d - statement has %d parameters", i, ps.numParams))
	}
	nv := &driver.NamedValue{Ordinal: i, Value: v}
	if err := checkNamedValue(nv); err != nil {
		return newUsageError(err)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.params[i-1], ps.bound[i-1] = nv.Value, true
	return nil
}

// ClearParameters removes all bound parameter values.
func (ps *PreparedStatement) ClearParameters() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	clear(ps.params)
	clear(ps.bound)
}

func (ps *PreparedStatement) boundParamsLocked() ([]any, error) {
	if i := slices.Index(ps.bound, false); i != -1 {
		return nil, newUsageError(fmt.Errorf("parameter %d is not bound", i+1))
	}
	return slices.Clone(ps.params), nil
}

func (ps *PreparedStatement) boundParams() ([]any, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.boundParamsLocked()
}

// AddBatch adds the bound parameter values to the batch.
func (ps *PreparedStatement) AddBatch() error {
	if err := ps.checkClosed(); err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	params, err := ps.boundParamsLocked()
	if err != nil {
		return err
	}
	ps.batchParams = append(ps.batchParams, params)
	return nil
}

// ClearBatch removes all parameter sets of the batch.
func (ps *PreparedStatement) ClearBatch() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.batchParams = nil
}

func (ps *PreparedStatement) execute(ctx context.Context, mode dqp.ResultsMode, params [][]any) (*dqp.ResultsFuture[bool], error) {
	return ps.executeSQL(ctx, []string{ps.sqlText}, execOptions{
		mode:          mode,
		synch:         true,
		prepared:      true,
		callable:      ps.callable,
		preparedBatch: len(params) > 1,
		params:        params,
	})
}

// Execute executes the statement with the bound parameters. It returns true if the result is a result set.
func (ps *PreparedStatement) Execute(ctx context.Context) (bool, error) {
	params, err := ps.boundParams()
	if err != nil {
		return false, err
	}
	f, err := ps.execute(ctx, dqp.ResultsModeEither, [][]any{params})
	if err != nil {
		return false, err
	}
	return f.Result()
}

// ExecuteQuery executes the statement with the bound parameters and returns its result set.
func (ps *PreparedStatement) ExecuteQuery(ctx context.Context) (*ResultSet, error) {
	params, err := ps.boundParams()
	if err != nil {
		return nil, err
	}
	f, err := ps.execute(ctx, dqp.ResultsModeResultSet, [][]any{params})
	if err != nil {
		return nil, err
	}
	return ps.resultSetOf(f)
}

// ExecuteUpdate executes the statement with the bound parameters and returns its update count.
func (ps *PreparedStatement) ExecuteUpdate(ctx context.Context) (int, error) {
	params, err := ps.boundParams()
	if err != nil {
		return 0, err
	}
	f, err := ps.execute(ctx, dqp.ResultsModeUpdateCount, [][]any{params})
	if err != nil {
		return 0, err
	}
	counts, err := ps.updateCountsOf(f)
	if err != nil || len(counts) == 0 {
		return 0, err
	}
	return counts[0], nil
}

// ExecuteBatch executes the statement once per parameter set of the batch in a single request
// and clears the batch.
func (ps *PreparedStatement) ExecuteBatch(ctx context.Context) ([]int, error) {
	ps.mu.Lock()
	batch := ps.batchParams
	ps.batchParams = nil
	ps.mu.Unlock()
	if len(batch) == 0 {
		return []int{}, ps.checkClosed()
	}
	f, err := ps.executeSQL(ctx, []string{ps.sqlText}, execOptions{
		mode:          dqp.ResultsModeUpdateCount,
		synch:         true,
		prepared:      true,
		preparedBatch: true,
		params:        batch,
	})
	if err != nil {
		return nil, err
	}
	return ps.updateCountsOf(f)
}

// Metadata returns the result and parameter descriptions of the statement.
func (ps *PreparedStatement) Metadata(ctx context.Context) (*dqp.MetadataResult, error) {
	return ps.conn.Metadata(ctx, ps.sqlText)
}

// database/sql binding

type outArg struct {
	index int
	name  string
	dest  any
}

// bind splits database/sql arguments into parameter values and out destinations.
func (ps *PreparedStatement) bind(nvargs []driver.NamedValue) ([]any, []outArg, error) {
	args := make([]any, len(nvargs))
	var outs []outArg
	for i, nv := range nvargs {
		out, ok := nv.Value.(sql.Out)
		if !ok {
			args[i] = nv.Value
			continue
		}
		rv := reflect.ValueOf(out.Dest)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return nil, nil, newUsageError(fmt.Errorf("out argument %d: destination must be a non nil pointer", i+1))
		}
		if out.In {
			inArg := &driver.NamedValue{Ordinal: i + 1, Value: rv.Elem().Interface()}
			if err := checkNamedValue(inArg); err != nil {
				return nil, nil, newUsageError(err)
			}
			args[i] = inArg.Value
		}
		outs = append(outs, outArg{index: i + 1, name: nv.Name, dest: out.Dest})
	}
	return args, outs, nil
}

func (ps *PreparedStatement) checkArgs(n int) error {
	if n != ps.numParams {
		return newUsageError(fmt.Errorf("invalid number of arguments %d - statement has %d parameters", n, ps.numParams))
	}
	return nil
}

func (ps *PreparedStatement) query(ctx context.Context, nvargs []driver.NamedValue) (*ResultSet, error) {
	args, outs, err := ps.bind(nvargs)
	if err != nil {
		return nil, err
	}
	if err := ps.checkArgs(len(args)); err != nil {
		return nil, err
	}
	f, err := ps.execute(ctx, dqp.ResultsModeResultSet, [][]any{args})
	if err != nil {
		return nil, err
	}
	rs, err := ps.resultSetOf(f)
	if err != nil {
		return nil, err
	}
	if err := ps.writeOuts(ctx, outs); err != nil {
		return nil, err
	}
	return rs, nil
}

// exec executes the statement. The arguments of non procedure statements may hold multiple parameter
// sets which are executed as batch.
func (ps *PreparedStatement) exec(ctx context.Context, nvargs []driver.NamedValue) (driver.Result, error) {
	args, outs, err := ps.bind(nvargs)
	if err != nil {
		return nil, err
	}

	if !ps.callable && ps.numParams > 0 && len(args) > ps.numParams && len(args)%ps.numParams == 0 {
		batch := slices.Collect(slices.Chunk(args, ps.numParams))
		ps.mu.Lock()
		ps.batchParams = batch
		ps.mu.Unlock()
		counts, err := ps.ExecuteBatch(ctx)
		if err != nil {
			return nil, err
		}
		return newResult(counts, nil), nil
	}

	if err := ps.checkArgs(len(args)); err != nil {
		return nil, err
	}
	mode := dqp.ResultsModeUpdateCount
	if ps.callable {
		mode = dqp.ResultsModeEither
	}
	f, err := ps.execute(ctx, mode, [][]any{args})
	if err != nil {
		return nil, err
	}
	if _, err := f.Result(); err != nil {
		return nil, err
	}
	if err := ps.writeOuts(ctx, outs); err != nil {
		return nil, err
	}
	return newResult(ps.UpdateCounts(), ps.GeneratedKeys()), nil
}

func (ps *PreparedStatement) writeOuts(ctx context.Context, outs []outArg) error {
	for _, out := range outs {
		var v any
		var err error
		if out.name != "" {
			v, err = ps.outValueByName(ctx, out.name)
		} else {
			v, err = ps.outValue(ctx, out.index)
		}
		if err != nil {
			return err
		}
		if err := assignOut(out.dest, v); err != nil {
			return newUsageError(fmt.Errorf("out argument %d: %w", out.index, err))
		}
	}
	return nil
}

// assignOut stores v in the out destination dest.
func assignOut(dest, v any) error {
	v = driverValue(v)
	if scanner, ok := dest.(sql.Scanner); ok {
		return scanner.Scan(v)
	}
	dv := reflect.ValueOf(dest).Elem()
	if v == nil {
		dv.SetZero()
		return nil
	}
	rv := reflect.ValueOf(v)
	switch {
	case rv.Type().AssignableTo(dv.Type()):
		dv.Set(rv)
	case rv.Type().ConvertibleTo(dv.Type()):
		dv.Set(rv.Convert(dv.Type()))
	default:
		return fmt.Errorf("cannot assign %T to %s", v, dv.Type())
	}
	return nil
}

func (ps *PreparedStatement) outValue(ctx context.Context, index int) (any, error) {
	ps.mu.Lock()
	column, ok := ps.outParams[index]
	ps.mu.Unlock()
	return ps.readOut(ctx, index, "", ok, column)
}

func (ps *PreparedStatement) outValueByName(ctx context.Context, name string) (any, error) {
	ps.mu.Lock()
	column, ok := ps.outNames[normalizeName(name)]
	ps.mu.Unlock()
	return ps.readOut(ctx, 0, name, ok, column)
}

func (ps *PreparedStatement) readOut(ctx context.Context, index int, name string, ok bool, column int) (any, error) {
	if !ok {
		if name != "" {
			return nil, newUsageError(fmt.Errorf("parameter %q is not an out parameter", name))
		}
		return nil, newUsageError(fmt.Errorf("parameter %d is not an out parameter", index))
	}
	ps.mu.Lock()
	rs := ps.resultSet
	ps.mu.Unlock()
	if rs == nil {
		return nil, newUsageError(ErrResultSetExpected)
	}
	row, err := rs.outParameters(ctx)
	if err != nil {
		return nil, err
	}
	if column < 1 || column > len(row) {
		return nil, newUsageError(fmt.Errorf("out parameter column %d not found", column))
	}
	return row[column-1], nil
}

// CallableStatement executes a procedure call in escape syntax ({call proc(?, ?)} or
// {? = call proc(?)}) and gives access to the values of its out parameters.
type CallableStatement struct {
	*PreparedStatement
}

// OutParameter returns the value of the out, inout or return value parameter index.
func (cs *CallableStatement) OutParameter(ctx context.Context, index int) (any, error) {
	return cs.outValue(ctx, index)
}

// OutParameterByName returns the value of the named out parameter (case-insensitive).
func (cs *CallableStatement) OutParameterByName(ctx context.Context, name string) (any, error) {
	return cs.outValueByName(ctx, name)
}
