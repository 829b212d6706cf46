package driver

import (
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/dbvirt/go-dbvirt/driver/dqp"
)

// Execution property keys.
const (
	PropFetchSize             = "fetchSize"             // Number of rows fetched per batch.
	PropPartialResultsMode    = "partialResultsMode"    // Return partial results if sources are unavailable.
	PropResultSetCacheMode    = "resultSetCacheMode"    // Use the server result set cache.
	PropAnsiQuotedIdentifiers = "ansiQuotedIdentifiers" // Treat double quoted strings as identifiers.
	PropAutoCommitTxn         = "autoCommitTxn"         // Transaction auto wrap mode (ON, OFF, DETECT).
	PropQueryTimeout          = "queryTimeout"          // Default query timeout in seconds.
	PropShowPlan              = "SHOWPLAN"              // Plan mode (ON, OFF, DEBUG).
	PropDisableLocalTxn       = "disableLocalTxn"       // Do not start local transactions in manual commit mode.
	PropNoExec                = "NOEXEC"                // Plan commands without executing them.
)

var knownProps = func() map[string]string {
	m := make(map[string]string)
	for _, k := range []string{
		PropFetchSize, PropPartialResultsMode, PropResultSetCacheMode, PropAnsiQuotedIdentifiers,
		PropAutoCommitTxn, PropQueryTimeout, PropShowPlan, PropDisableLocalTxn, PropNoExec,
	} {
		m[strings.ToLower(k)] = k
	}
	return m
}()

// NormalizePropertyKey returns the canonical spelling of a known execution property key
// (matched case-insensitively) and unknown keys unchanged.
func NormalizePropertyKey(key string) string {
	if k, ok := knownProps[strings.ToLower(key)]; ok {
		return k
	}
	return key
}

// properties is an execution property map with normalized keys.
type properties map[string]string

func (p properties) set(key, value string) { p[NormalizePropertyKey(key)] = value }

func (p properties) get(key string) (string, bool) {
	v, ok := p[NormalizePropertyKey(key)]
	return v, ok
}

func (p properties) clone() properties {
	if p == nil {
		return properties{}
	}
	return maps.Clone(p)
}

func (p properties) boolValue(key string, defValue bool) bool {
	v, ok := p.get(key)
	if !ok {
		return defValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defValue
	}
	return b
}

func (p properties) intValue(key string, defValue int) int {
	v, ok := p.get(key)
	if !ok {
		return defValue
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defValue
	}
	return i
}

func (p properties) upperValue(key, defValue string) string {
	if v, ok := p.get(key); ok {
		return strings.ToUpper(strings.TrimSpace(v))
	}
	return defValue
}

// queryTimeout returns the queryTimeout property (seconds) as duration.
func (p properties) queryTimeout(defValue time.Duration) time.Duration {
	if _, ok := p.get(PropQueryTimeout); !ok {
		return defValue
	}
	return time.Duration(p.intValue(PropQueryTimeout, 0)) * time.Second
}

// apply sets the request options derived from the execution properties.
func (p properties) apply(req *dqp.RequestMessage) {
	req.PartialResults = p.boolValue(PropPartialResultsMode, false)
	req.UseResultSetCache = p.boolValue(PropResultSetCacheMode, false)
	req.AnsiQuotedIdentifiers = p.boolValue(PropAnsiQuotedIdentifiers, true)
	req.TxnAutoWrap = p.upperValue(PropAutoCommitTxn, "DETECT")
	req.ShowPlan = p.upperValue(PropShowPlan, "")
	req.NoExec = p.boolValue(PropNoExec, false)
}
