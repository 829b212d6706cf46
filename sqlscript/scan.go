// Package sqlscript splits SQL scripts into single statements.
//
// Statements are separated by a separator rune (default ';'). Separators inside quoted
// literals, quoted identifiers, comments and procedure blocks (BEGIN ... END, CASE ... END)
// do not end a statement, so virtual procedure definitions can be part of a script.
package sqlscript

import (
	"bufio"
	"bytes"
	"unicode"
	"unicode/utf8"
)

// DefaultSeparator is the script statement separator.
const DefaultSeparator = ';'

const (
	lineComment       = "--"
	blockCommentStart = "/*"
	blockCommentEnd   = "*/"
)

type splitter struct {
	separator rune
	comments  bool
}

// Scan is a bufio.SplitFunc returning the statements of a script separated by
// DefaultSeparator. Comments preceding a statement are dropped.
func Scan(data []byte, atEOF bool) (advance int, token []byte, err error) {
	return splitter{separator: DefaultSeparator}.split(data, atEOF)
}

// ScanFunc returns a bufio.SplitFunc using separator as the statement separator. If comments
// is true, the line and block comments preceding a statement are part of the statement token.
func ScanFunc(separator rune, comments bool) bufio.SplitFunc {
	return splitter{separator: separator, comments: comments}.split
}

// skipComment returns the index after the comment starting at i. ok is false if data ends
// before the comment does.
func skipComment(data []byte, i int) (end int, ok bool) {
	if bytes.HasPrefix(data[i:], []byte(lineComment)) {
		j := bytes.IndexByte(data[i:], '\n')
		if j < 0 {
			return len(data), false
		}
		return i + j, true
	}
	j := bytes.Index(data[i+len(blockCommentStart):], []byte(blockCommentEnd))
	if j < 0 {
		return len(data), false
	}
	return i + len(blockCommentStart) + j + len(blockCommentEnd), true
}

func isComment(data []byte, i int) bool {
	return bytes.HasPrefix(data[i:], []byte(lineComment)) || bytes.HasPrefix(data[i:], []byte(blockCommentStart))
}

// skipQuoted returns the index after the literal or identifier quoted by q starting at i.
// A doubled quote is an escaped quote.
func skipQuoted(data []byte, i int, q byte) (end int, ok bool) {
	for j := i + 1; j < len(data); j++ {
		if data[j] != q {
			continue
		}
		if j+1 < len(data) && data[j+1] == q {
			j++
			continue
		}
		if j+1 == len(data) {
			// an escaped quote may follow
			return len(data), false
		}
		return j + 1, true
	}
	return len(data), false
}

func isWordRune(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func (sp splitter) split(data []byte, atEOF bool) (int, []byte, error) {
	var lead []byte
	i := 0

	// leading white space and comments
	for i < len(data) {
		r, w := utf8.DecodeRune(data[i:])
		if unicode.IsSpace(r) {
			i += w
			continue
		}
		if !isComment(data, i) {
			break
		}
		end, ok := skipComment(data, i)
		if !ok && !atEOF {
			return 0, nil, nil
		}
		if sp.comments {
			lead = append(lead, bytes.TrimRight(data[i:end], " \t\r")...)
			lead = append(lead, '\n')
		}
		i = end
	}
	if i == len(data) {
		if !atEOF {
			return 0, nil, nil
		}
		return len(data), nil, nil // comments only
	}

	var stmt []byte
	depth := 0
	for i < len(data) {
		r, w := utf8.DecodeRune(data[i:])
		switch {
		case r == '\'' || r == '"':
			end, ok := skipQuoted(data, i, byte(r))
			if !ok && !atEOF {
				return 0, nil, nil
			}
			stmt = append(stmt, data[i:end]...)
			i = end
			continue

		case isComment(data, i):
			end, ok := skipComment(data, i)
			if !ok && !atEOF {
				return 0, nil, nil
			}
			// comments inside a statement are replaced by a blank
			stmt = blank(stmt)
			i = end
			continue

		case isWordRune(r):
			j := i + w
			for j < len(data) {
				r, w := utf8.DecodeRune(data[j:])
				if !isWordRune(r) {
					break
				}
				j += w
			}
			if j == len(data) && !atEOF {
				return 0, nil, nil
			}
			word := data[i:j]
			switch {
			case bytes.EqualFold(word, []byte("BEGIN")), bytes.EqualFold(word, []byte("CASE")):
				depth++
			case bytes.EqualFold(word, []byte("END")) && depth > 0:
				depth--
			}
			stmt = append(stmt, word...)
			i = j
			continue

		case r == sp.separator && depth == 0:
			return i + w, sp.token(lead, stmt), nil

		case unicode.IsSpace(r):
			stmt = blank(stmt)
			i += w
			continue
		}
		stmt = append(stmt, data[i:i+w]...)
		i += w
	}
	if !atEOF {
		return 0, nil, nil
	}
	return len(data), sp.token(lead, stmt), nil
}

// blank appends a single blank; white space runs collapse into one.
func blank(stmt []byte) []byte {
	if n := len(stmt); n > 0 && stmt[n-1] != ' ' {
		return append(stmt, ' ')
	}
	return stmt
}

func (sp splitter) token(lead, stmt []byte) []byte {
	stmt = bytes.TrimSpace(stmt)
	if len(stmt) == 0 {
		// empty statement: skip it together with its comments
		return nil
	}
	if !sp.comments || len(lead) == 0 {
		return stmt
	}
	return append(lead, stmt...)
}
