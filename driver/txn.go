package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
)

// AutoCommit implements the Conn interface.
func (c *conn) AutoCommit() bool {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.autoCommit
}

// SetAutoCommit implements the Conn interface. Switching auto commit on commits an active
// local transaction. Switching it off starts a local transaction with the next statement.
func (c *conn) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.setAutoCommit(ctx, autoCommit)
}

func (c *conn) setAutoCommit(ctx context.Context, autoCommit bool) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if autoCommit == c.autoCommit {
		return nil
	}
	if autoCommit {
		if c.xid != nil {
			return newUsageError(ErrInXATransaction)
		}
		return c.commit(ctx, false)
	}
	c.endLocalTxn()
	c.autoCommit = false
	return nil
}

// Commit implements the Conn interface. The connection stays in manual commit mode.
func (c *conn) Commit(ctx context.Context) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.commit(ctx, true)
}

// Rollback implements the Conn interface. The connection stays in manual commit mode.
func (c *conn) Rollback(ctx context.Context) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.rollback(ctx, true)
}

func (c *conn) endLocalTxn() {
	if c.inLocalTxn {
		c.inLocalTxn = false
		c.metrics.addGauge(gaugeTx, -1)
	}
}

// commit ends the local transaction. Without startNewTxn the connection returns to auto commit mode.
func (c *conn) commit(ctx context.Context, startNewTxn bool) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.autoCommit {
		return nil
	}
	var err error
	if c.inLocalTxn {
		start := time.Now()
		_, err = c.svc.Commit().Get(ctx)
		c.metrics.addTime(timeCommit, time.Since(start))
		c.endLocalTxn()
	}
	c.restoreCharacteristics()
	if !startNewTxn {
		c.autoCommit = true
	}
	return newSQLError(err)
}

// rollback ends the local transaction. Without startNewTxn the connection returns to auto commit mode.
func (c *conn) rollback(ctx context.Context, startNewTxn bool) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.autoCommit {
		return nil
	}
	var err error
	if c.inLocalTxn {
		start := time.Now()
		_, err = c.svc.Rollback().Get(ctx)
		c.metrics.addTime(timeRollback, time.Since(start))
		c.endLocalTxn()
	}
	c.restoreCharacteristics()
	if !startNewTxn {
		c.autoCommit = true
	}
	return newSQLError(err)
}

// beginLocalTxnIfNeeded starts a local transaction in manual commit mode. If the transaction
// cannot be started the connection falls back to auto commit mode.
func (c *conn) beginLocalTxnIfNeeded(ctx context.Context) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if c.autoCommit || c.inLocalTxn || c.xid != nil || c.localTxnDisabled() {
		return nil
	}
	if _, err := c.svc.Begin().Get(ctx); err != nil {
		c.autoCommit = true
		return newSQLError(err)
	}
	c.inLocalTxn = true
	c.metrics.addGauge(gaugeTx, 1)
	return nil
}

func (c *conn) saveCharacteristics() {
	if c.saved == nil {
		c.saved = &characteristics{readOnly: c.readOnly, isolation: c.isolation}
	}
}

func (c *conn) restoreCharacteristics() {
	if c.saved != nil {
		c.readOnly, c.isolation = c.saved.readOnly, c.saved.isolation
		c.saved = nil
	}
}

// startTransaction handles START TRANSACTION: the characteristics are applied until the
// transaction ends and the connection switches to manual commit mode.
func (c *conn) startTransaction(ctx context.Context, readOnly *bool, isolation sql.IsolationLevel, hasIsolation bool) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if readOnly != nil || hasIsolation {
		c.saveCharacteristics()
		if readOnly != nil {
			c.readOnly = *readOnly
		}
		if hasIsolation {
			c.isolation = isolation
		}
	}
	return c.setAutoCommit(ctx, false)
}

// endTransaction handles COMMIT and ROLLBACK: the connection returns to auto commit mode.
func (c *conn) endTransaction(ctx context.Context, commit bool) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if commit {
		return c.setAutoCommit(ctx, true)
	}
	if c.xid != nil {
		return newUsageError(ErrInXATransaction)
	}
	return c.rollback(ctx, false)
}

// TransactionIsolation implements the Conn interface.
func (c *conn) TransactionIsolation() sql.IsolationLevel {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.isolation
}

// SetTransactionIsolation implements the Conn interface. The level is sent with each request.
func (c *conn) SetTransactionIsolation(level sql.IsolationLevel) error {
	switch level {
	case sql.LevelReadUncommitted, sql.LevelReadCommitted, sql.LevelRepeatableRead, sql.LevelSerializable:
	default:
		return newUsageError(ErrUnsupportedIsolationLevel)
	}
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.isolation = level
	return nil
}

// ReadOnly implements the Conn interface.
func (c *conn) ReadOnly() bool {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	return c.readOnly
}

// SetReadOnly implements the Conn interface.
func (c *conn) SetReadOnly(readOnly bool) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.readOnly = readOnly
	return nil
}

// BeginTx implements the driver.ConnBeginTx interface. The transaction is started on the
// server with the first statement.
func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	level := sql.IsolationLevel(opts.Isolation)
	switch level {
	case sql.LevelDefault, sql.LevelReadUncommitted, sql.LevelReadCommitted, sql.LevelRepeatableRead, sql.LevelSerializable:
	default:
		return nil, ErrUnsupportedIsolationLevel
	}

	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	if !c.autoCommit || c.xid != nil {
		return nil, ErrNestedTransaction
	}
	c.saveCharacteristics()
	if level != sql.LevelDefault {
		c.isolation = level
	}
	c.readOnly = opts.ReadOnly
	if err := c.setAutoCommit(ctx, false); err != nil {
		c.restoreCharacteristics()
		return nil, err
	}
	return &tx{conn: c}, nil
}

// check if tx implements all required interfaces.
var (
	_ driver.Tx = (*tx)(nil)
)

type tx struct {
	conn   *conn
	closed atomic.Bool
}

func (t *tx) Commit() error   { return t.close(false) }
func (t *tx) Rollback() error { return t.close(true) }

func (t *tx) close(rollback bool) error {
	if t.closed.Swap(true) {
		return nil
	}
	c := t.conn
	if !c.IsValid() {
		return driver.ErrBadConn
	}
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if rollback {
		return c.rollback(context.Background(), false)
	}
	return c.commit(context.Background(), false)
}

// XA transactions

func (c *conn) clearXID() {
	if c.xid != nil {
		c.xid = nil
		c.metrics.addGauge(gaugeTx, -1)
	}
	c.autoCommit = true
}

// StartTransaction implements the Conn interface. It fails while a local transaction is active.
func (c *conn) StartTransaction(ctx context.Context, xid dqp.XID, flags, timeout int) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return err
	}
	if c.inLocalTxn {
		return newUsageError(ErrInLocalTxn)
	}
	if _, err := c.svc.Start(xid, flags, timeout).Get(ctx); err != nil {
		return newSQLError(err)
	}
	if c.xid == nil {
		c.metrics.addGauge(gaugeTx, 1)
	}
	c.autoCommit = false
	c.xid = &xid
	c.logger.Debug("xa transaction started", slog.String("xid", xid.String()))
	return nil
}

// EndTransaction implements the Conn interface. The connection returns to auto commit mode but
// keeps the xid until the branch is committed or rolled back.
func (c *conn) EndTransaction(ctx context.Context, xid dqp.XID, flags int) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.autoCommit = true
	_, err := c.svc.End(xid, flags).Get(ctx)
	return newSQLError(err)
}

// PrepareTransaction implements the Conn interface. It returns dqp.XAOk or dqp.XAReadOnly.
func (c *conn) PrepareTransaction(ctx context.Context, xid dqp.XID) (int, error) {
	if err := c.checkClosed(); err != nil {
		return 0, err
	}
	vote, err := c.svc.Prepare(xid).Get(ctx)
	return vote, newSQLError(err)
}

// CommitTransaction implements the Conn interface.
func (c *conn) CommitTransaction(ctx context.Context, xid dqp.XID, onePhase bool) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.clearXID()
	start := time.Now()
	_, err := c.svc.CommitXA(xid, onePhase).Get(ctx)
	c.metrics.addTime(timeCommit, time.Since(start))
	return newSQLError(err)
}

// RollbackTransaction implements the Conn interface.
func (c *conn) RollbackTransaction(ctx context.Context, xid dqp.XID) error {
	c.txnMu.Lock()
	defer c.txnMu.Unlock()
	if err := c.checkClosed(); err != nil {
		return err
	}
	c.clearXID()
	start := time.Now()
	_, err := c.svc.RollbackXA(xid).Get(ctx)
	c.metrics.addTime(timeRollback, time.Since(start))
	return newSQLError(err)
}

// ForgetTransaction implements the Conn interface.
func (c *conn) ForgetTransaction(ctx context.Context, xid dqp.XID) error {
	if err := c.checkClosed(); err != nil {
		return err
	}
	_, err := c.svc.Forget(xid).Get(ctx)
	return newSQLError(err)
}

// RecoverTransaction implements the Conn interface.
func (c *conn) RecoverTransaction(ctx context.Context, flags int) ([]dqp.XID, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}
	xids, err := c.svc.Recover(flags).Get(ctx)
	if err != nil {
		return nil, newSQLError(err)
	}
	return xids, nil
}
