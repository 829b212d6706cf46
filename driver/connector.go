package driver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql/driver"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dial"
	"github.com/dbvirt/go-dbvirt/driver/dqp"
	"github.com/dbvirt/go-dbvirt/driver/dqp/local"
	"github.com/dbvirt/go-dbvirt/driver/dqp/wire"
	"github.com/dbvirt/go-dbvirt/driver/internal/dsn"
	"github.com/dbvirt/go-dbvirt/driver/types"
)

// Connector default values.
const (
	DefaultTimeout           = 300 * time.Second // Default value connection timeout (300 seconds = 5 minutes).
	DefaultTCPKeepAlive      = 15 * time.Second  // Default TCP keep-alive value (copied from net.dial.go)
	DefaultFetchSize         = 500               // Default value fetchSize.
	DefaultMaxOpenStatements = 1000              // Default maximum number of open statements per connection.
	DefaultLobChunkSize      = 100 * 1024        // Default value lobChunkSize.
	DefaultQueryTimeout      = 0                 // Default query timeout (no timeout).
	DefaultMetadataCacheSize = 100               // Default number of cached prepared statement metadata entries.
)

// Connector minimal values.
const (
	minTimeout           = 0 * time.Second
	minFetchSize         = 1
	minMaxOpenStatements = 1
	minLobChunkSize      = 128
)

/*
A Connector represents a dbvirt driver in a fixed configuration.
A Connector can be passed to sql.OpenDB allowing users to bypass a string based data source name.
After the connector has been passed to sql.OpenDB it must not be modified.
*/
type Connector struct {
	mu                 sync.RWMutex
	address            string
	username, password string
	vdb, vdbVersion    string
	applicationName    string
	timeout            time.Duration
	tcpKeepAlive       time.Duration
	tlsConfig          *tls.Config
	dialer             dial.Dialer
	compress           bool
	fetchSize          int
	maxOpenStatements  int
	lobChunkSize       int
	metadataCacheSize  int
	queryTimeout       time.Duration
	properties         properties
	logger             *slog.Logger
	sqlTrace           bool
	registry           *types.Registry
	newService         func() dqp.Service

	metrics *metrics
}

var _ driver.Connector = (*Connector)(nil)

// NewConnector returns a new Connector instance with default values.
func NewConnector() *Connector {
	return &Connector{
		applicationName:   defaultApplicationName,
		timeout:           DefaultTimeout,
		tcpKeepAlive:      DefaultTCPKeepAlive,
		dialer:            dial.DefaultDialer,
		fetchSize:         DefaultFetchSize,
		maxOpenStatements: DefaultMaxOpenStatements,
		lobChunkSize:      DefaultLobChunkSize,
		metadataCacheSize: DefaultMetadataCacheSize,
		queryTimeout:      DefaultQueryTimeout,
		properties:        properties{},
		logger:            slog.Default(),
		registry:          types.Default(),
		metrics:           newMetrics(stdDriver.metrics),
	}
}

// NewBasicAuthConnector creates a connector to the vdb at address for user authentication.
func NewBasicAuthConnector(address, vdb, username, password string) *Connector {
	c := NewConnector()
	c.address = address
	c.vdb = vdb
	c.username = username
	c.password = password
	return c
}

// NewLocalConnector creates a connector to in-process DQP services. newService is called
// once per connection.
func NewLocalConnector(vdb, username string, newService func() dqp.Service) *Connector {
	c := NewConnector()
	c.vdb = vdb
	c.username = username
	c.newService = newService
	return c
}

// NewDSNConnector creates a connector from a data source name.
func NewDSNConnector(dsnStr string) (*Connector, error) {
	dsn, err := dsn.Parse(dsnStr)
	if err != nil {
		return nil, err
	}
	c := NewBasicAuthConnector(dsn.Host, dsn.VDB, dsn.Username, dsn.Password)
	c.vdbVersion = dsn.VDBVersion
	if dsn.ApplicationName != "" {
		c.applicationName = dsn.ApplicationName
	}
	if dsn.FetchSize != 0 {
		c.setFetchSize(dsn.FetchSize)
	}
	if dsn.Timeout != 0 {
		c.setTimeout(dsn.Timeout)
	}
	if dsn.MaxOpenStatements != 0 {
		c.setMaxOpenStatements(dsn.MaxOpenStatements)
	}
	c.queryTimeout = dsn.QueryTimeout
	c.compress = dsn.Compress
	for k, v := range dsn.Properties {
		c.properties.set(k, v)
	}
	if dsn.TLS != nil {
		if err := c.setTLS(dsn.TLS.ServerName, dsn.TLS.InsecureSkipVerify, dsn.TLS.RootCAFiles); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Connect implements the database/sql/driver/Connector interface.
func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) { return newConn(ctx, c) }

// Driver implements the database/sql/driver/Connector interface.
func (c *Connector) Driver() driver.Driver { return stdDriver }

// NativeDriver returns the concrete driver of the connector.
func (c *Connector) NativeDriver() *Driver { return stdDriver }

// Stats returns connector statistics.
func (c *Connector) Stats() *Stats { return c.metrics.stats() }

func (c *Connector) logonRequest() dqp.LogonRequest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return dqp.LogonRequest{
		User:            c.username,
		Password:        c.password,
		VDB:             c.vdb,
		VDBVersion:      c.vdbVersion,
		ApplicationName: c.applicationName,
	}
}

func (c *Connector) openServerConnection(ctx context.Context, logger *slog.Logger) (dqp.ServerConnection, error) {
	logon := c.logonRequest()

	c.mu.RLock()
	newService := c.newService
	address := c.address
	timeout := c.timeout
	opts := wire.Options{
		Dialer:        c.dialer,
		DialerOptions: dial.DialerOptions{Timeout: c.timeout, TCPKeepAlive: c.tcpKeepAlive},
		Timeout:       c.timeout,
		Compress:      c.compress,
		Observer:      c.metrics,
		Logger:        logger,
	}
	if c.tlsConfig != nil {
		opts.Dialer = &dial.TLS{Dialer: c.dialer, Config: c.tlsConfig}
	}
	c.mu.RUnlock()

	if newService != nil {
		return local.Connect(newService(), logon, nil)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return wire.Dial(ctx, address, logon, opts)
}

// Address returns the server address of the connector.
func (c *Connector) Address() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.address }

// Username returns the username of the connector.
func (c *Connector) Username() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.username }

// Password returns the password of the connector.
func (c *Connector) Password() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.password }

// SetPassword sets the password of the connector.
func (c *Connector) SetPassword(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.password = password
}

// VDB returns the virtual database name of the connector.
func (c *Connector) VDB() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.vdb }

// VDBVersion returns the virtual database version of the connector.
func (c *Connector) VDBVersion() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.vdbVersion }

// SetVDBVersion sets the virtual database version of the connector.
func (c *Connector) SetVDBVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vdbVersion = version
}

// DriverVersion returns the driver version of the connector.
func (c *Connector) DriverVersion() string { return DriverVersion }

// DriverName returns the driver name of the connector.
func (c *Connector) DriverName() string { return DriverName }

// ApplicationName returns the application name of the connector.
func (c *Connector) ApplicationName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applicationName
}

// SetApplicationName sets the application name of the connector.
func (c *Connector) SetApplicationName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applicationName = name
}

// FetchSize returns the fetchSize of the connector.
func (c *Connector) FetchSize() int { c.mu.RLock(); defer c.mu.RUnlock(); return c.fetchSize }

func (c *Connector) setFetchSize(fetchSize int) { c.fetchSize = max(fetchSize, minFetchSize) }

/*
SetFetchSize sets the fetchSize of the connector.

For more information please see DSNFetchSize.
*/
func (c *Connector) SetFetchSize(fetchSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setFetchSize(fetchSize)
}

// MaxOpenStatements returns the maximum number of open statements per connection.
func (c *Connector) MaxOpenStatements() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxOpenStatements
}

func (c *Connector) setMaxOpenStatements(n int) { c.maxOpenStatements = max(n, minMaxOpenStatements) }

// SetMaxOpenStatements sets the maximum number of open statements per connection.
func (c *Connector) SetMaxOpenStatements(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setMaxOpenStatements(n)
}

// LobChunkSize returns the number of bytes requested per lob chunk.
func (c *Connector) LobChunkSize() int { c.mu.RLock(); defer c.mu.RUnlock(); return c.lobChunkSize }

// SetLobChunkSize sets the number of bytes requested per lob chunk.
func (c *Connector) SetLobChunkSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lobChunkSize = max(size, minLobChunkSize)
}

// MetadataCacheSize returns the number of cached metadata entries per connection.
func (c *Connector) MetadataCacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadataCacheSize
}

// SetMetadataCacheSize sets the number of cached metadata entries per connection.
// A size <= 0 disables the cache.
func (c *Connector) SetMetadataCacheSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadataCacheSize = size
}

// Timeout returns the timeout of the connector.
func (c *Connector) Timeout() time.Duration { c.mu.RLock(); defer c.mu.RUnlock(); return c.timeout }

func (c *Connector) setTimeout(timeout time.Duration) { c.timeout = max(timeout, minTimeout) }

/*
SetTimeout sets the timeout of the connector.

For more information please see DSNTimeout.
*/
func (c *Connector) SetTimeout(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setTimeout(timeout)
}

// TCPKeepAlive returns the tcp keep-alive value of the connector.
func (c *Connector) TCPKeepAlive() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tcpKeepAlive
}

/*
SetTCPKeepAlive sets the tcp keep-alive value of the connector.

For more information please see net.Dialer structure.
*/
func (c *Connector) SetTCPKeepAlive(tcpKeepAlive time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tcpKeepAlive = tcpKeepAlive
}

// QueryTimeout returns the default query timeout of statements.
func (c *Connector) QueryTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queryTimeout
}

// SetQueryTimeout sets the default query timeout of statements. Zero means no timeout.
func (c *Connector) SetQueryTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryTimeout = max(d, 0)
}

// Compress returns true if wire frames are compressed.
func (c *Connector) Compress() bool { c.mu.RLock(); defer c.mu.RUnlock(); return c.compress }

// SetCompress enables or disables wire frame compression.
func (c *Connector) SetCompress(compress bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compress = compress
}

// Dialer returns the dialer object of the connector.
func (c *Connector) Dialer() dial.Dialer { c.mu.RLock(); defer c.mu.RUnlock(); return c.dialer }

// SetDialer sets the dialer object of the connector.
func (c *Connector) SetDialer(dialer dial.Dialer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dialer == nil {
		dialer = dial.DefaultDialer
	}
	c.dialer = dialer
}

// TLSConfig returns the TLS configuration of the connector.
func (c *Connector) TLSConfig() *tls.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tlsConfig.Clone()
}

func (c *Connector) setTLS(serverName string, insecureSkipVerify bool, rootCAFiles []string) error {
	c.tlsConfig = &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecureSkipVerify,
	}
	var certPool *x509.CertPool
	for _, fn := range rootCAFiles {
		rootPEM, err := os.ReadFile(fn)
		if err != nil {
			return err
		}
		if certPool == nil {
			certPool = x509.NewCertPool()
		}
		if ok := certPool.AppendCertsFromPEM(rootPEM); !ok {
			return fmt.Errorf("failed to parse root certificate - filename: %s", fn)
		}
	}
	if certPool != nil {
		c.tlsConfig.RootCAs = certPool
	}
	return nil
}

// SetTLS sets the TLS configuration of the connector with given parameters. An existing connector TLS configuration
// is replaced.
func (c *Connector) SetTLS(serverName string, insecureSkipVerify bool, rootCAFiles ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setTLS(serverName, insecureSkipVerify, rootCAFiles)
}

// SetTLSConfig sets the TLS configuration of the connector.
func (c *Connector) SetTLSConfig(tlsConfig *tls.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsConfig = tlsConfig.Clone()
}

// ExecutionProperties returns a copy of the execution properties of the connector.
func (c *Connector) ExecutionProperties() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.properties.clone()
}

// SetExecutionProperty sets an execution property inherited by all connections. Keys of known
// properties are matched case-insensitively.
func (c *Connector) SetExecutionProperty(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.properties.set(key, value)
}

// Logger returns the logger of the connector.
func (c *Connector) Logger() *slog.Logger { c.mu.RLock(); defer c.mu.RUnlock(); return c.logger }

// SetLogger sets the logger of the connector.
func (c *Connector) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger
}

// SQLTrace returns true if sql tracing is enabled for the connections of the connector.
func (c *Connector) SQLTrace() bool { c.mu.RLock(); defer c.mu.RUnlock(); return c.sqlTrace }

// SetSQLTrace enables or disables sql tracing for the connections of the connector.
func (c *Connector) SetSQLTrace(sqlTrace bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sqlTrace = sqlTrace
}

// TypeRegistry returns the type registry used for value conversions.
func (c *Connector) TypeRegistry() *types.Registry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry
}

// SetTypeRegistry sets the type registry used for value conversions.
func (c *Connector) SetTypeRegistry(registry *types.Registry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if registry == nil {
		registry = types.Default()
	}
	c.registry = registry
}
