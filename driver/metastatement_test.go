package driver

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
	"github.com/dbvirt/go-dbvirt/driver/internal/metastmt"
	"github.com/dbvirt/go-dbvirt/driver/lob"
)

// showString executes a SHOW statement and returns the value of its single row.
func showString(t *testing.T, s *Statement, query string) (string, bool) {
	t.Helper()
	rs, err := s.ExecuteQuery(context.Background(), query)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := rs.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("%s: no row", query)
	}
	v, err := rs.Get(1)
	if err != nil {
		t.Fatal(err)
	}
	if v == nil {
		return "", false
	}
	str, err := rs.GetString(1)
	if err != nil {
		t.Fatal(err)
	}
	return str, true
}

func testSetShow(t *testing.T, c *conn, s *Statement) {
	ctx := context.Background()

	if _, err := s.Execute(ctx, "SET fetchSize 10"); err != nil {
		t.Fatal(err)
	}
	if n := s.UpdateCount(); n != 0 {
		t.Fatalf("update count %d - expected 0", n)
	}
	// SET applies to the session and the executing statement
	if v, _ := c.ExecutionProperty("FETCHSIZE"); v != "10" {
		t.Fatalf("session fetch size %q - expected 10", v)
	}
	if n := s.FetchSize(); n != 10 {
		t.Fatalf("statement fetch size %d - expected 10", n)
	}
	if v, ok := showString(t, s, "SHOW fetchSize"); !ok || v != "10" {
		t.Fatalf("show fetch size %q", v)
	}

	if _, err := s.Execute(ctx, "SET partialResultsMode = true"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Execute(ctx, "SET myProperty TO 'a b'"); err != nil {
		t.Fatal(err)
	}
	if v, ok := showString(t, s, "show myproperty"); !ok || v != "a b" {
		t.Fatalf("show property %q", v)
	}
	if _, ok := showString(t, s, "SHOW unknown"); ok {
		t.Fatal("unknown property has a value")
	}

	rs, err := s.ExecuteQuery(ctx, "SHOW ALL")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		ok, err := rs.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		name, err := rs.GetString(1)
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, name)
	}
	if strings.Join(names, ",") != "fetchSize,myProperty,partialResultsMode" {
		t.Fatalf("property names %v", names)
	}
}

func testSetIsolation(t *testing.T, c *conn, s *Statement) {
	if _, err := s.Execute(context.Background(), "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL SERIALIZABLE"); err != nil {
		t.Fatal(err)
	}
	if level := c.TransactionIsolation(); level != sql.LevelSerializable {
		t.Fatalf("isolation level %s", level)
	}
	v, _ := showString(t, s, "SHOW TRANSACTION ISOLATION LEVEL")
	if v != metastmt.IsolationName(sql.LevelSerializable) {
		t.Fatalf("isolation level name %q", v)
	}
}

func testSetPayload(t *testing.T, c *conn, s *Statement) {
	if _, err := s.Execute(context.Background(), "SET PAYLOAD trace on"); err != nil {
		t.Fatal(err)
	}
	if v := c.Payload()["trace"]; v != "on" {
		t.Fatalf("payload value %q - expected on", v)
	}
}

func testMetaModes(t *testing.T, c *conn, s *Statement) {
	ctx := context.Background()
	if _, err := s.ExecuteQuery(ctx, "SET a b"); !errors.Is(err, ErrResultSetExpected) {
		t.Fatalf("result set expected error: %v", err)
	}
	if _, err := s.ExecuteUpdate(ctx, "SHOW a"); !errors.Is(err, ErrUpdateExpected) {
		t.Fatalf("update expected error: %v", err)
	}
}

func TestMetaStatements(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T, c *conn, s *Statement)
	}{
		{"setShow", testSetShow},
		{"setIsolation", testSetIsolation},
		{"setPayload", testSetPayload},
		{"modes", testMetaModes},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, svc := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
				return numbers(1), nil
			}))
			test.fct(t, c, createStatement(t, c))
			// meta statements are handled by the client
			if n := svc.TotalCalls(); n != 0 {
				t.Fatalf("server calls %d - expected 0", n)
			}
		})
	}
}

func TestShowPlan(t *testing.T) {
	rec := new(recorder)
	c, _ := newTestConn(t, rec.handle(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		m := numbers(1)
		if req.ShowPlan == "ON" {
			m.Plan = dqp.NewPlanNode("ProjectNode").AddProperty("Output Columns", "N")
		}
		return m, nil
	}))
	s := createStatement(t, c)
	ctx := context.Background()

	// no plan before the first query
	rs, err := s.ExecuteQuery(ctx, "SHOW PLAN")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := rs.Next(ctx); err != nil || ok {
		t.Fatalf("no plan row expected: %t %v", ok, err)
	}

	if _, err := s.Execute(ctx, "SET SHOWPLAN ON"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecuteQuery(ctx, "SELECT n FROM t"); err != nil {
		t.Fatal(err)
	}
	if req := rec.last(); req.ShowPlan != "ON" {
		t.Fatalf("show plan %q - expected ON", req.ShowPlan)
	}
	if c.PlanDescription() == nil {
		t.Fatal("plan description expected")
	}

	rs, err = s.ExecuteQuery(ctx, "SHOW PLAN")
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := rs.Next(ctx); err != nil || !ok {
		t.Fatalf("plan row expected: %t %v", ok, err)
	}
	text, err := rs.GetLob(1)
	if err != nil {
		t.Fatal(err)
	}
	clob, ok := text.(*lob.Clob)
	if !ok {
		t.Fatalf("plan text type %T", text)
	}
	s1, err := clob.Text(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s1, "ProjectNode") {
		t.Fatalf("plan text %q", s1)
	}
	if v, err := rs.Get(2); err != nil || v == nil {
		t.Fatalf("plan xml expected: %v", err)
	}
	if v, err := rs.Get(3); err != nil || v != nil {
		t.Fatalf("debug log %v %v", v, err)
	}
}

func TestTransactionMetaStatements(t *testing.T) {
	c, svc := newTestConn(t, local.HandlerFunc(func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return dqp.NewUpdateResult(1), nil
	}))
	s := createStatement(t, c)
	ctx := context.Background()

	if _, err := s.Execute(ctx, "START TRANSACTION READ ONLY, ISOLATION LEVEL REPEATABLE READ"); err != nil {
		t.Fatal(err)
	}
	if c.AutoCommit() || !c.ReadOnly() || c.TransactionIsolation() != sql.LevelRepeatableRead {
		t.Fatalf("auto commit %t read only %t isolation %s", c.AutoCommit(), c.ReadOnly(), c.TransactionIsolation())
	}
	if n := svc.Calls(local.MethodBegin); n != 0 {
		t.Fatalf("begin calls %d - expected 0", n)
	}

	if _, err := s.ExecuteUpdate(ctx, "UPDATE t SET a = 1"); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodBegin); n != 1 {
		t.Fatalf("begin calls %d - expected 1", n)
	}

	if _, err := s.Execute(ctx, "COMMIT"); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodCommit); n != 1 {
		t.Fatalf("commit calls %d - expected 1", n)
	}
	// the characteristics replaced by START TRANSACTION are restored
	if !c.AutoCommit() || c.ReadOnly() || c.TransactionIsolation() != sql.LevelReadCommitted {
		t.Fatalf("auto commit %t read only %t isolation %s", c.AutoCommit(), c.ReadOnly(), c.TransactionIsolation())
	}
}
