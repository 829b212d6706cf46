package driver

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
)

func updateHandler() local.HandlerFunc {
	return func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		return dqp.NewUpdateResult(1), nil
	}
}

func testLocalTxn(t *testing.T, c *conn, svc *local.Service) {
	ctx := context.Background()
	s := createStatement(t, c)

	if err := c.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	// the transaction is started with the first statement
	if n := svc.Calls(local.MethodBegin); n != 0 {
		t.Fatalf("begin calls %d - expected 0", n)
	}
	if _, err := s.ExecuteUpdate(ctx, "UPDATE t SET a = 1"); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodBegin); n != 1 || !svc.InTransaction() {
		t.Fatalf("begin calls %d - expected 1", n)
	}
	if n := c.metrics.stats().OpenTransactions; n != 1 {
		t.Fatalf("open transactions %d - expected 1", n)
	}

	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodCommit); n != 1 || svc.InTransaction() {
		t.Fatalf("commit calls %d - expected 1", n)
	}
	if c.AutoCommit() {
		t.Fatal("commit switched to auto commit mode")
	}

	if _, err := s.ExecuteUpdate(ctx, "UPDATE t SET a = 2"); err != nil {
		t.Fatal(err)
	}
	if err := c.Rollback(ctx); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodBegin); n != 2 {
		t.Fatalf("begin calls %d - expected 2", n)
	}
	if n := svc.Calls(local.MethodRollback); n != 1 {
		t.Fatalf("rollback calls %d - expected 1", n)
	}

	// no transaction is active: switching to auto commit does not call the server
	if err := c.SetAutoCommit(ctx, true); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodCommit); n != 1 {
		t.Fatalf("commit calls %d - expected 1", n)
	}
	if n := c.metrics.stats().OpenTransactions; n != 0 {
		t.Fatalf("open transactions %d - expected 0", n)
	}
}

func testDisableLocalTxn(t *testing.T, c *conn, svc *local.Service) {
	ctx := context.Background()
	c.SetExecutionProperty(PropDisableLocalTxn, "true")
	s := createStatement(t, c)

	if err := c.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecuteUpdate(ctx, "UPDATE t SET a = 1"); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodBegin); n != 0 {
		t.Fatalf("begin calls %d - expected 0", n)
	}
}

func testXAExclusive(t *testing.T, c *conn, svc *local.Service) {
	ctx := context.Background()
	s := createStatement(t, c)
	xid := dqp.XID{FormatID: 1, GlobalTxnID: []byte("gtrid"), BranchQualifier: []byte("bqual")}

	if err := c.SetAutoCommit(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ExecuteUpdate(ctx, "UPDATE t SET a = 1"); err != nil {
		t.Fatal(err)
	}
	if err := c.StartTransaction(ctx, xid, dqp.TMNoFlags, 0); !errors.Is(err, ErrInLocalTxn) {
		t.Fatalf("local transaction error expected: %v", err)
	}
	if n := svc.Calls(local.MethodStart); n != 0 {
		t.Fatalf("start calls %d - expected 0", n)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := c.StartTransaction(ctx, xid, dqp.TMNoFlags, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.SetAutoCommit(ctx, true); !errors.Is(err, ErrInXATransaction) {
		t.Fatalf("xa transaction error expected: %v", err)
	}
	// statements of a global transaction do not start a local one
	if _, err := s.ExecuteUpdate(ctx, "UPDATE t SET a = 2"); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodBegin); n != 1 {
		t.Fatalf("begin calls %d - expected 1", n)
	}

	if err := c.EndTransaction(ctx, xid, dqp.TMSuccess); err != nil {
		t.Fatal(err)
	}
	vote, err := c.PrepareTransaction(ctx, xid)
	if err != nil {
		t.Fatal(err)
	}
	if vote != dqp.XAOk {
		t.Fatalf("vote %d - expected %d", vote, dqp.XAOk)
	}
	xids, err := c.RecoverTransaction(ctx, dqp.TMStartRScan)
	if err != nil {
		t.Fatal(err)
	}
	if len(xids) != 1 || xids[0].String() != xid.String() {
		t.Fatalf("recovered %v", xids)
	}
	if err := c.CommitTransaction(ctx, xid, false); err != nil {
		t.Fatal(err)
	}
	if !c.AutoCommit() {
		t.Fatal("auto commit mode expected")
	}
}

func testXAEndRecycle(t *testing.T, c *conn, svc *local.Service) {
	ctx := context.Background()
	xid := dqp.XID{FormatID: 1, GlobalTxnID: []byte("gtrid"), BranchQualifier: []byte("recycle")}

	if err := c.StartTransaction(ctx, xid, dqp.TMNoFlags, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.EndTransaction(ctx, xid, dqp.TMSuccess); err != nil {
		t.Fatal(err)
	}
	if !c.AutoCommit() {
		t.Fatal("auto commit mode expected")
	}
	// the ended branch is not resolved yet
	if _, err := c.Begin(); !errors.Is(err, ErrNestedTransaction) {
		t.Fatalf("nested transaction error expected: %v", err)
	}
	if n := c.metrics.stats().OpenTransactions; n != 1 {
		t.Fatalf("open transactions %d - expected 1", n)
	}

	c.RecycleConnection(ctx)
	if n := svc.Calls(local.MethodRollbackXA); n != 1 {
		t.Fatalf("rollback xa calls %d - expected 1", n)
	}
	if n := c.metrics.stats().OpenTransactions; n != 0 {
		t.Fatalf("open transactions %d - expected 0", n)
	}
}

func TestTransaction(t *testing.T) {
	tests := []struct {
		name string
		fct  func(t *testing.T, c *conn, svc *local.Service)
	}{
		{"localTxn", testLocalTxn},
		{"disableLocalTxn", testDisableLocalTxn},
		{"xaExclusive", testXAExclusive},
		{"xaEndRecycle", testXAEndRecycle},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c, svc := newTestConn(t, updateHandler())
			test.fct(t, c, svc)
		})
	}
}

func TestBeginTx(t *testing.T) {
	rec := new(recorder)
	connector, newestSvc := newTestConnector(rec.handle(updateHandler()))
	db := sql.OpenDB(connector)
	defer db.Close()
	db.SetMaxOpenConns(1)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE t SET a = 1"); err != nil {
		t.Fatal(err)
	}
	if level := sql.IsolationLevel(rec.last().TransactionIsolation); level != sql.LevelSerializable {
		t.Fatalf("request isolation level %s", level)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	svc := newestSvc()
	if svc.Calls(local.MethodBegin) != 1 || svc.Calls(local.MethodCommit) != 1 {
		t.Fatalf("begin %d commit %d - expected 1 1", svc.Calls(local.MethodBegin), svc.Calls(local.MethodCommit))
	}

	// the isolation level of the transaction is reset
	if _, err := db.ExecContext(ctx, "UPDATE t SET a = 2"); err != nil {
		t.Fatal(err)
	}
	if level := sql.IsolationLevel(rec.last().TransactionIsolation); level != sql.LevelReadCommitted {
		t.Fatalf("request isolation level %s", level)
	}

	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE t SET a = 3"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	if n := svc.Calls(local.MethodRollback); n != 1 {
		t.Fatalf("rollback calls %d - expected 1", n)
	}

	if _, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelLinearizable}); !errors.Is(err, ErrUnsupportedIsolationLevel) {
		t.Fatalf("unsupported isolation level error expected: %v", err)
	}
}

func TestNestedTransaction(t *testing.T) {
	c, _ := newTestConn(t, updateHandler())
	tx, err := c.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Begin(); !errors.Is(err, ErrNestedTransaction) {
		t.Fatalf("nested transaction error expected: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	// closing twice is a no-op
	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
}
