package driver

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

func TestCountParams(t *testing.T) {
	tests := []struct {
		query string
		n     int
	}{
		{"SELECT * FROM t", 0},
		{"SELECT * FROM t WHERE a = ? AND b = ?", 2},
		{"SELECT '?', \"?\" FROM t WHERE a = ?", 1},
		{"SELECT 'it''s ?' FROM t WHERE a = ?", 1},
		{"SELECT a -- ?\nFROM t WHERE a = ?", 1},
		{"SELECT /* ? */ a FROM t WHERE a = ?", 1},
		{"{? = call proc(?, ?)}", 3},
		{"SELECT 'unterminated ?", 0},
	}

	for i, test := range tests {
		if n := countParams(test.query); n != test.n {
			t.Fatalf("%d %q: %d parameters - expected %d", i, test.query, n, test.n)
		}
	}
}

func TestPreparedStatement(t *testing.T) {
	rec := new(recorder)
	c, _ := newTestConn(t, rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		if req.PreparedBatch {
			counts := make([]int, len(req.Parameters))
			for i := range counts {
				counts[i] = 1
			}
			return dqp.NewBatchUpdateResult(counts), nil
		}
		return dqp.NewUpdateResult(1), nil
	}))
	ctx := context.Background()

	ps, err := c.PrepareStatement("INSERT INTO t VALUES (?, ?)", TypeForwardOnly, ConcurReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer ps.Close()
	if ps.NumParams() != 2 {
		t.Fatalf("parameters %d - expected 2", ps.NumParams())
	}

	if err := ps.SetParameter(3, 1); sqlState(err) != SQLStateUsage {
		t.Fatalf("invalid parameter index error expected: %v", err)
	}
	if err := ps.SetParameter(1, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := ps.ExecuteUpdate(ctx); sqlState(err) != SQLStateUsage {
		t.Fatalf("unbound parameter error expected: %v", err)
	}
	if err := ps.SetParameter(2, "x"); err != nil {
		t.Fatal(err)
	}
	n, err := ps.ExecuteUpdate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("update count %d - expected 1", n)
	}
	req := rec.last()
	if !req.Prepared || req.PreparedBatch {
		t.Fatalf("prepared request expected: %+v", req)
	}
	if !reflect.DeepEqual(req.Parameters, [][]any{{int64(5), "x"}}) {
		t.Fatalf("parameters %v", req.Parameters)
	}

	if err := ps.AddBatch(); err != nil {
		t.Fatal(err)
	}
	if err := ps.SetParameter(1, 6); err != nil {
		t.Fatal(err)
	}
	if err := ps.AddBatch(); err != nil {
		t.Fatal(err)
	}
	counts, err := ps.ExecuteBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(counts, []int{1, 1}) {
		t.Fatalf("update counts %v", counts)
	}
	req = rec.last()
	if !req.PreparedBatch || !reflect.DeepEqual(req.Parameters, [][]any{{int64(5), "x"}, {int64(6), "x"}}) {
		t.Fatalf("prepared batch request expected: %+v", req)
	}
}

// procResult is the result of a procedure with a result set of one column, a return value,
// an in and an out parameter. The out parameter values are sent as the last row.
func procResult() *dqp.ResultsMessage {
	return &dqp.ResultsMessage{
		Columns: []dqp.Column{intColumn("N"), intColumn("ret"), stringColumn("out1")},
		Rows: [][]any{
			{int32(1), nil, nil},
			{int32(2), nil, nil},
			{nil, int32(42), "done"},
		},
		Parameters: []dqp.ParameterInfo{
			{Kind: dqp.ParamResultSet, NumColumns: 1},
			{Kind: dqp.ParamReturnValue, Name: "ret"},
			{Kind: dqp.ParamIn, Name: "in1"},
			{Kind: dqp.ParamOut, Name: "out1"},
		},
	}
}

func TestCallableStatement(t *testing.T) {
	rec := new(recorder)
	c, _ := newTestConn(t, rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return procResult(), nil
	}))
	ctx := context.Background()

	cs, err := c.PrepareCall("{? = call proc(?, ?)}", TypeForwardOnly, ConcurReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Close()
	for i, v := range []any{nil, 7, nil} {
		if err := cs.SetParameter(i+1, v); err != nil {
			t.Fatal(err)
		}
	}
	hasResultSet, err := cs.Execute(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasResultSet {
		t.Fatal("result set expected")
	}
	if req := rec.last(); !req.Callable {
		t.Fatalf("callable request expected: %+v", req)
	}

	rs := cs.ResultSet()
	if n := len(rs.Columns()); n != 1 {
		t.Fatalf("result set columns %d - expected 1", n)
	}
	// the out parameter row is not part of the result set
	if values := readInts(t, rs); !slices.Equal(values, []int64{1, 2}) {
		t.Fatalf("values %v", values)
	}

	ret, err := cs.OutParameter(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ret != int32(42) {
		t.Fatalf("return value %v", ret)
	}
	out, err := cs.OutParameterByName(ctx, "OUT1")
	if err != nil {
		t.Fatal(err)
	}
	if out != "done" {
		t.Fatalf("out parameter %v", out)
	}
	if _, err := cs.OutParameter(ctx, 2); sqlState(err) != SQLStateUsage {
		t.Fatalf("in parameter error expected: %v", err)
	}
}

func TestDBCall(t *testing.T) {
	connector, _ := newTestConnector(local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return procResult(), nil
	}))
	db := sql.OpenDB(connector)
	defer db.Close()

	var ret int64
	var out string
	if _, err := db.Exec("{? = call proc(?, ?)}", sql.Out{Dest: &ret}, 7, sql.Named("out1", sql.Out{Dest: &out})); err != nil {
		t.Fatal(err)
	}
	if ret != 42 || out != "done" {
		t.Fatalf("return value %d out parameter %q", ret, out)
	}
}

func TestDBExecBatch(t *testing.T) {
	rec := new(recorder)
	connector, _ := newTestConnector(rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		counts := make([]int, len(req.Parameters))
		for i := range counts {
			counts[i] = 1
		}
		return dqp.NewBatchUpdateResult(counts), nil
	}))
	db := sql.OpenDB(connector)
	defer db.Close()

	// arguments holding a multiple of the parameters are executed as batch
	result, err := db.Exec("INSERT INTO t VALUES (?, ?)", 1, "a", 2, "b", 3, "c")
	if err != nil {
		t.Fatal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("rows affected %d - expected 3", n)
	}
	if req := rec.last(); !req.PreparedBatch || len(req.Parameters) != 3 {
		t.Fatalf("prepared batch request expected: %+v", req)
	}

	if _, err := db.Exec("INSERT INTO t VALUES (?, ?)", 1, "a", 2); sqlState(err) != SQLStateUsage {
		t.Fatalf("invalid number of arguments error expected: %v", err)
	}
}

func TestDBQuery(t *testing.T) {
	connector, _ := newTestConnector(local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return &dqp.ResultsMessage{
			Columns: []dqp.Column{intColumn("ID"), stringColumn("NAME")},
			Rows:    [][]any{{int32(1), "a"}, {int32(2), nil}},
		}, nil
	}))
	db := sql.OpenDB(connector)
	defer db.Close()

	rows, err := db.Query("SELECT id, name FROM t WHERE id > ?", 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		t.Fatal(err)
	}
	if name := columnTypes[0].DatabaseTypeName(); name != "INTEGER" {
		t.Fatalf("database type name %s", name)
	}
	if nullable, ok := columnTypes[1].Nullable(); !ok || !nullable {
		t.Fatalf("nullable %t %t", nullable, ok)
	}

	var ids []int64
	var names []sql.NullString
	for rows.Next() {
		var id int64
		var name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			t.Fatal(err)
		}
		ids, names = append(ids, id), append(names, name)
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []int64{1, 2}) || names[0].String != "a" || names[1].Valid {
		t.Fatalf("ids %v names %v", ids, names)
	}
}

func TestLastInsertID(t *testing.T) {
	connector, _ := newTestConnector(local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		m := dqp.NewUpdateResult(1)
		m.GeneratedKeys = &dqp.Table{
			Columns: []dqp.Column{{Name: "id", Type: types.Scalar(types.DtLong)}},
			Rows:    [][]any{{int64(41)}, {int64(42)}},
		}
		return m, nil
	}))
	db := sql.OpenDB(connector)
	defer db.Close()

	result, err := db.Exec("INSERT INTO t (name) VALUES ('a'), ('b')")
	if err != nil {
		t.Fatal(err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		t.Fatal(err)
	}
	if id != 42 {
		t.Fatalf("last insert id %d - expected 42", id)
	}

	if _, err := newResult([]int{1}, nil).LastInsertId(); !errors.Is(err, ErrNoLastInsertID) {
		t.Fatalf("no last insert id error expected: %v", err)
	}
	if n, _ := newResult([]int{2, -2, 3}, nil).RowsAffected(); n != 5 {
		t.Fatalf("rows affected %d - expected 5", n)
	}
}
