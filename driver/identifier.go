package driver

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var reIdentifier = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// reserved words which need quoting even if they match reIdentifier.
var reservedWords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "TABLE": true, "VIEW": true, "ORDER": true,
	"GROUP": true, "BY": true, "AS": true, "ON": true, "USER": true, "BEGIN": true, "END": true,
	"CASE": true, "VALUES": true, "INSERT": true, "UPDATE": true, "DELETE": true, "CREATE": true,
	"DROP": true, "NULL": true, "OPTION": true, "TRANSLATE": true, "OBJECT": true, "XML": true,
}

// Identifier is a name component in a virtual database statement, like a schema, table or column name.
type Identifier string

// RandomIdentifier returns a unique identifier starting with prefix, usable as a temporary table name.
func RandomIdentifier(prefix string) Identifier {
	return Identifier(prefix + strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// String returns the identifier, double quoted if it is not a plain identifier.
func (i Identifier) String() string {
	s := string(i)
	if reIdentifier.MatchString(s) && !reservedWords[strings.ToUpper(s)] {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// SplitIdentifier splits a qualified name like schema."table.name" at the unquoted dots.
func SplitIdentifier(s string) []Identifier {
	var ids []Identifier
	var b strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && quoted && i+1 < len(s) && s[i+1] == '"':
			b.WriteByte('"')
			i++
		case c == '"':
			quoted = !quoted
		case c == '.' && !quoted:
			ids = append(ids, Identifier(b.String()))
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(ids, Identifier(b.String()))
}

// JoinIdentifier joins identifiers to a qualified name.
func JoinIdentifier(ids ...Identifier) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ".")
}
