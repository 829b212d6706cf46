package metastmt

import (
	"database/sql"
	"testing"
)

func TestParseSet(t *testing.T) {
	tests := []struct {
		query string
		set   Set
	}{
		{"SET SHOWPLAN ON", Set{Key: "SHOWPLAN", Value: "ON"}},
		{"set showplan on;", Set{Key: "showplan", Value: "on"}},
		{"  SET fetchSize = 100 ; ", Set{Key: "fetchSize", Value: "100"}},
		{"SET fetchSize=100", Set{Key: "fetchSize", Value: "100"}},
		{"set resultSetCacheMode to true", Set{Key: "resultSetCacheMode", Value: "true"}},
		{"SET PAYLOAD trace 'a b'", Set{Payload: true, Key: "trace", Value: "a b"}},
		{"SET payload x", Set{Key: "payload", Value: "x"}},
		{`SET "my""key" 'it''s'`, Set{Key: `my"key`, Value: "it's"}},
		{"SET SESSION AUTHORIZATION bob", Set{Key: KeySessionAuthorization, Value: "bob"}},
		{"set session   authorization 'bob'", Set{Key: KeySessionAuthorization, Value: "bob"}},
		{"SET PASSWORD 'secret'", Set{Key: "PASSWORD", Value: "secret"}},
	}
	for _, test := range tests {
		stmt, ok := Parse(test.query)
		if !ok {
			t.Fatalf("%s: no match", test.query)
		}
		set, ok := stmt.(*Set)
		if !ok {
			t.Fatalf("%s: statement type %T - expected *Set", test.query, stmt)
		}
		if *set != test.set {
			t.Fatalf("%s: %+v - expected %+v", test.query, *set, test.set)
		}
	}

	stmt, _ := Parse("SET SESSION AUTHORIZATION bob")
	if !stmt.(*Set).IsAuthorization() {
		t.Fatal("session authorization not detected")
	}
	stmt, _ = Parse("set password x")
	if !stmt.(*Set).IsPassword() {
		t.Fatal("password not detected")
	}
	stmt, _ = Parse("set payload password x")
	if stmt.(*Set).IsPassword() {
		t.Fatal("payload property detected as password")
	}
}

func TestParseSetIsolation(t *testing.T) {
	tests := []struct {
		query string
		level sql.IsolationLevel
	}{
		{"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL READ COMMITTED", sql.LevelReadCommitted},
		{"set session characteristics as transaction isolation level read  uncommitted;", sql.LevelReadUncommitted},
		{"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL REPEATABLE READ", sql.LevelRepeatableRead},
		{"SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL serializable", sql.LevelSerializable},
	}
	for _, test := range tests {
		stmt, ok := Parse(test.query)
		if !ok {
			t.Fatalf("%s: no match", test.query)
		}
		set, ok := stmt.(*SetIsolation)
		if !ok {
			t.Fatalf("%s: statement type %T - expected *SetIsolation", test.query, stmt)
		}
		if set.Level != test.level {
			t.Fatalf("%s: level %s - expected %s", test.query, set.Level, test.level)
		}
	}
	if _, ok := Parse("SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL snapshot"); ok {
		t.Fatal("unknown isolation level matched")
	}
}

func TestParseTransaction(t *testing.T) {
	tests := []struct {
		query string
		op    TxnOp
	}{
		{"COMMIT", TxnCommit},
		{"commit;", TxnCommit},
		{" ROLLBACK ", TxnRollback},
		{"abort", TxnRollback},
		{"START TRANSACTION", TxnStart},
		{"start  transaction ;", TxnStart},
	}
	for _, test := range tests {
		stmt, ok := Parse(test.query)
		if !ok {
			t.Fatalf("%s: no match", test.query)
		}
		txn, ok := stmt.(*Transaction)
		if !ok {
			t.Fatalf("%s: statement type %T - expected *Transaction", test.query, stmt)
		}
		if txn.Op != test.op {
			t.Fatalf("%s: op %v - expected %v", test.query, txn.Op, test.op)
		}
	}

	stmt, ok := Parse("START TRANSACTION READ ONLY, ISOLATION LEVEL SERIALIZABLE")
	if !ok {
		t.Fatal("no match")
	}
	txn := stmt.(*Transaction)
	if txn.ReadOnly == nil || !*txn.ReadOnly {
		t.Fatal("read only expected")
	}
	if !txn.HasIsolation || txn.Isolation != sql.LevelSerializable {
		t.Fatalf("isolation %t %s - expected serializable", txn.HasIsolation, txn.Isolation)
	}

	stmt, ok = Parse("start transaction read write")
	if !ok {
		t.Fatal("no match")
	}
	txn = stmt.(*Transaction)
	if txn.ReadOnly == nil || *txn.ReadOnly {
		t.Fatal("read write expected")
	}
	if txn.HasIsolation {
		t.Fatal("unexpected isolation level")
	}

	for _, query := range []string{"COMMIT READ ONLY", "COMMIT WORK"} {
		if _, ok := Parse(query); ok {
			t.Fatalf("%s: unexpected match", query)
		}
	}
}

func TestParseShow(t *testing.T) {
	tests := map[string]string{
		"SHOW PLAN":                        ShowPlan,
		"show annotations;":                ShowAnnotations,
		"Show All":                         ShowAll,
		"show transaction isolation level": ShowIsolation,
		"SHOW fetchSize":                   "FETCHSIZE",
	}
	for query, target := range tests {
		stmt, ok := Parse(query)
		if !ok {
			t.Fatalf("%s: no match", query)
		}
		show, ok := stmt.(*Show)
		if !ok {
			t.Fatalf("%s: statement type %T - expected *Show", query, stmt)
		}
		if show.Target != target {
			t.Fatalf("%s: target %s - expected %s", query, show.Target, target)
		}
	}
}

func TestParseNoMatch(t *testing.T) {
	for _, query := range []string{
		"SELECT 1",
		"select * from t where x = 'SET a b'",
		"SET a",
		"SET a b c",
		"SHOW",
		"show plan for select 1",
		"UPDATE t SET a = 1",
		"COMMIT; SELECT 1",
	} {
		if _, ok := Parse(query); ok {
			t.Fatalf("%s: unexpected match", query)
		}
	}
}

func TestIsolation(t *testing.T) {
	for _, level := range []sql.IsolationLevel{sql.LevelReadUncommitted, sql.LevelReadCommitted, sql.LevelRepeatableRead, sql.LevelSerializable} {
		name := IsolationName(level)
		parsed, err := ParseIsolation(name)
		if err != nil {
			t.Fatal(err)
		}
		if parsed != level {
			t.Fatalf("%s: level %s - expected %s", name, parsed, level)
		}
	}
	if _, err := ParseIsolation("chaos"); err == nil {
		t.Fatal("unknown isolation level: error expected")
	}
}
