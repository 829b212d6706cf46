package driver

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

func intColumn(name string) dqp.Column {
	return dqp.Column{Name: name, Type: types.Scalar(types.DtInteger), TypeName: "integer", Nullable: dqp.NoNulls}
}

func stringColumn(name string) dqp.Column {
	return dqp.Column{Name: name, Type: types.Scalar(types.DtString), TypeName: "string", Nullable: dqp.Nullable}
}

// numbers returns a query result of n rows holding the numbers 1..n.
func numbers(n int) *dqp.ResultsMessage {
	m := &dqp.ResultsMessage{Columns: []dqp.Column{intColumn("N")}}
	for i := range n {
		m.Rows = append(m.Rows, []any{int32(i + 1)})
	}
	return m
}

// recorder keeps the requests a handler received.
type recorder struct {
	mu   sync.Mutex
	reqs []*dqp.RequestMessage
}

func (r *recorder) add(req *dqp.RequestMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
}

func (r *recorder) last() *dqp.RequestMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reqs) == 0 {
		return nil
	}
	return r.reqs[len(r.reqs)-1]
}

// handle returns a handler recording the requests before passing them to fn.
func (r *recorder) handle(fn local.HandlerFunc) local.HandlerFunc {
	return func(ctx context.Context, req *dqp.RequestMessage) (*dqp.ResultsMessage, error) {
		r.add(req)
		return fn(ctx, req)
	}
}

// newTestConnector returns a connector creating an in-process service per connection.
// The service of the last opened connection is returned by the second result.
func newTestConnector(handler local.Handler) (*Connector, func() *local.Service) {
	var mu sync.Mutex
	var svc *local.Service
	connector := NewLocalConnector("test", "user", func() dqp.Service {
		mu.Lock()
		defer mu.Unlock()
		svc = local.NewService(handler)
		return svc
	})
	return connector, func() *local.Service {
		mu.Lock()
		defer mu.Unlock()
		return svc
	}
}

func openTestConn(t *testing.T, connector *Connector) *conn {
	t.Helper()
	c, err := newConn(context.Background(), connector)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// newTestConn opens a connection to an in-process service executing requests with handler.
func newTestConn(t *testing.T, handler local.Handler) (*conn, *local.Service) {
	t.Helper()
	connector, svc := newTestConnector(handler)
	c := openTestConn(t, connector)
	return c, svc()
}

func createStatement(t *testing.T, c Conn) *Statement {
	t.Helper()
	s, err := c.CreateStatement(TypeForwardOnly, ConcurReadOnly)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sqlState(err error) string {
	var e interface{ SQLState() string }
	if errors.As(err, &e) {
		return e.SQLState()
	}
	return ""
}

// readInts reads the first column of all rows of rs.
func readInts(t *testing.T, rs *ResultSet) []int64 {
	t.Helper()
	var values []int64
	for {
		ok, err := rs.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			return values
		}
		v, err := rs.GetInt64(1)
		if err != nil {
			t.Fatal(err)
		}
		values = append(values, v)
	}
}
