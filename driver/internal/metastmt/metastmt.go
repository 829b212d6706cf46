// Package metastmt recognizes the session meta statements handled by the driver without a server round trip.
//
// Recognized forms (case-insensitive, optional trailing semicolon):
//
//	SET [PAYLOAD] <key> [TO | =] <value>
//	SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL <level>
//	START TRANSACTION [<characteristic> [, ...]] | COMMIT | ROLLBACK | ABORT
//	SHOW PLAN | ANNOTATIONS | ALL | TRANSACTION ISOLATION LEVEL | <property>
package metastmt

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

const (
	isolationLevels = `read\s+committed|read\s+uncommitted|repeatable\s+read|serializable`
	characteristic  = `read\s+only|read\s+write|isolation\s+level\s+(?:` + isolationLevels + `)`
)

var (
	setRE = regexp.MustCompile(`(?is)^\s*set(?:\s+(payload))?\s+(session\s+authorization|(?:"[^"]*")+|[a-z_][\w.]*)` +
		`(?:\s*=\s*|\s+to\s+|\s+)((?:'[^']*')+|[^\s;']+)\s*;?\s*$`)
	setIsolationRE = regexp.MustCompile(`(?is)^\s*set\s+session\s+characteristics\s+as\s+transaction\s+isolation\s+level\s+(` +
		isolationLevels + `)\s*;?\s*$`)
	transactionRE = regexp.MustCompile(`(?is)^\s*(commit|rollback|abort|start\s+transaction)` +
		`((?:\s*,?\s*(?:` + characteristic + `))*)\s*;?\s*$`)
	characteristicRE = regexp.MustCompile(`(?is)` + characteristic)
	showRE           = regexp.MustCompile(`(?is)^\s*show\s+(transaction\s+isolation\s+level|\w+)\s*;?\s*$`)
	spaceRE          = regexp.MustCompile(`\s+`)
)

// Statement is a recognized meta statement.
type Statement interface {
	metaStatement()
}

// Keys of SET statements with a dedicated meaning.
const (
	KeySessionAuthorization = "SESSION AUTHORIZATION"
	KeyPassword             = "PASSWORD"
)

// Set assigns a value to an execution property, a session payload property,
// the session user (SESSION AUTHORIZATION) or the password.
type Set struct {
	Payload bool
	Key     string
	Value   string
}

// IsAuthorization reports whether s changes the session user.
func (s *Set) IsAuthorization() bool { return !s.Payload && s.Key == KeySessionAuthorization }

// IsPassword reports whether s changes the connection password.
func (s *Set) IsPassword() bool { return !s.Payload && strings.EqualFold(s.Key, KeyPassword) }

// SetIsolation sets the default transaction isolation level of the session.
type SetIsolation struct {
	Level sql.IsolationLevel
}

// TxnOp is a transaction control operation.
type TxnOp int

// Transaction control operations.
const (
	TxnStart TxnOp = iota
	TxnCommit
	TxnRollback
)

// Transaction is a transaction control statement. ABORT is reported as TxnRollback.
type Transaction struct {
	Op TxnOp
	// Start characteristics.
	ReadOnly     *bool
	Isolation    sql.IsolationLevel
	HasIsolation bool
}

// Show requests diagnostic or configuration state. Target is upper case with single blanks.
type Show struct {
	Target string
}

// SHOW targets with a dedicated meaning.
const (
	ShowPlan        = "PLAN"
	ShowAnnotations = "ANNOTATIONS"
	ShowAll         = "ALL"
	ShowIsolation   = "TRANSACTION ISOLATION LEVEL"
)

func (*Set) metaStatement()          {}
func (*SetIsolation) metaStatement() {}
func (*Transaction) metaStatement()  {}
func (*Show) metaStatement()         {}

func normalize(s string) string { return strings.ToUpper(spaceRE.ReplaceAllString(s, " ")) }

func unquote(s string, quote byte) string {
	if len(s) < 2 || s[0] != quote {
		return s
	}
	q := string(quote)
	return strings.ReplaceAll(s[1:len(s)-1], q+q, q)
}

// Parse returns the meta statement query represents or false if query is not a meta statement.
// Candidates are tried in the order SET, SET SESSION CHARACTERISTICS, transaction control, SHOW.
func Parse(query string) (Statement, bool) {
	if m := setRE.FindStringSubmatch(query); m != nil {
		key := m[2]
		if k := normalize(key); k == KeySessionAuthorization {
			key = k
		} else {
			key = unquote(key, '"')
		}
		return &Set{Payload: m[1] != "", Key: key, Value: unquote(m[3], '\'')}, true
	}
	if m := setIsolationRE.FindStringSubmatch(query); m != nil {
		level, err := ParseIsolation(m[1])
		if err != nil {
			return nil, false
		}
		return &SetIsolation{Level: level}, true
	}
	if m := transactionRE.FindStringSubmatch(query); m != nil {
		return parseTransaction(normalize(m[1]), m[2])
	}
	if m := showRE.FindStringSubmatch(query); m != nil {
		return &Show{Target: normalize(m[1])}, true
	}
	return nil, false
}

func parseTransaction(op, characteristics string) (Statement, bool) {
	t := &Transaction{}
	switch op {
	case "COMMIT":
		t.Op = TxnCommit
	case "ROLLBACK", "ABORT":
		t.Op = TxnRollback
	default:
		t.Op = TxnStart
	}
	chars := characteristicRE.FindAllString(characteristics, -1)
	if t.Op != TxnStart && len(chars) != 0 {
		return nil, false
	}
	for _, c := range chars {
		switch c = normalize(c); c {
		case "READ ONLY", "READ WRITE":
			readOnly := c == "READ ONLY"
			t.ReadOnly = &readOnly
		default:
			level, err := ParseIsolation(strings.TrimPrefix(c, "ISOLATION LEVEL "))
			if err != nil {
				return nil, false
			}
			t.Isolation, t.HasIsolation = level, true
		}
	}
	return t, true
}

var isolationNames = map[string]sql.IsolationLevel{
	"READ UNCOMMITTED": sql.LevelReadUncommitted,
	"READ COMMITTED":   sql.LevelReadCommitted,
	"REPEATABLE READ":  sql.LevelRepeatableRead,
	"SERIALIZABLE":     sql.LevelSerializable,
}

// ParseIsolation parses an isolation level name like "read committed".
func ParseIsolation(name string) (sql.IsolationLevel, error) {
	if level, ok := isolationNames[normalize(strings.TrimSpace(name))]; ok {
		return level, nil
	}
	return 0, fmt.Errorf("invalid isolation level %q", name)
}

// IsolationName returns the SQL name of level.
func IsolationName(level sql.IsolationLevel) string {
	for name, l := range isolationNames {
		if l == level {
			return name
		}
	}
	return strings.ToUpper(level.String())
}
