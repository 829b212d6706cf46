// Package driver is a native Go DBVirt driver for the database/sql package.
//
// Connections are sessions to a DQP (distributed query processor) service, either remote
// (see package dqp/wire) or in-process (see package dqp/local and NewLocalConnector).
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"os"
	"path/filepath"
)

// DriverVersion is the version number of the dbvirt driver.
const DriverVersion = "1.0.0"

// DriverName is the driver name to use with sql.Open for dbvirt databases.
const DriverName = "dbvirt"

var defaultApplicationName, _ = os.Executable()

func init() {
	defaultApplicationName = filepath.Base(defaultApplicationName)
	sql.Register(DriverName, stdDriver)
}

var stdDriver = &Driver{metrics: newMetrics(nil)}

// check if driver implements all required interfaces
var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.DriverContext = (*Driver)(nil)
)

// Driver represents the go sql driver implementation for dbvirt.
type Driver struct {
	metrics *metrics
}

// Open implements the driver.Driver interface.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	connector, err := NewDSNConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector implements the driver.DriverContext interface.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) { return NewDSNConnector(dsn) }

// Name returns the driver name.
func (d *Driver) Name() string { return DriverName }

// Version returns the driver version.
func (d *Driver) Version() string { return DriverVersion }

// Stats returns driver statistics.
func (d *Driver) Stats() *Stats { return d.metrics.stats() }
