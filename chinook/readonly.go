package chinook

import (
	"fmt"
	"strings"

	contractx "github.com/tanpawarit/chinook-data-agent/agent/contract"
)

// Keyword allow list for the leading token of the single statement. Anything
// else is rejected, so new write forms are denied by default.
var readVerbs = map[string]bool{
	"SELECT": true,
	"WITH":   true,
	"VALUES": true,
}

// Write and schema verbs that must not appear at parenthesis depth zero.
// SQLite permits `WITH cte AS (...) INSERT INTO ...`, so checking the leading
// keyword alone is not enough.
var writeVerbs = map[string]bool{
	"INSERT":    true,
	"UPDATE":    true,
	"DELETE":    true,
	"REPLACE":   true,
	"CREATE":    true,
	"DROP":      true,
	"ALTER":     true,
	"PRAGMA":    true,
	"ATTACH":    true,
	"DETACH":    true,
	"VACUUM":    true,
	"REINDEX":   true,
	"ANALYZE":   true,
	"BEGIN":     true,
	"COMMIT":    true,
	"END":       true,
	"SAVEPOINT": true,
	"ROLLBACK":  true,
}

// EnsureReadOnly accepts exactly one read statement. It scans the input with
// comment and string-literal awareness, so disguises via comments, case
// variation, or piggybacked statements after a semicolon do not pass.
func EnsureReadOnly(stmt string) error {
	keywords, statements, err := scanStatement(stmt)
	if err != nil {
		return err
	}
	if statements == 0 || len(keywords) == 0 {
		return fmt.Errorf("%w: statement is empty", contractx.ErrWriteNotAllowed)
	}
	if statements > 1 {
		return fmt.Errorf("%w: multiple statements are not allowed", contractx.ErrWriteNotAllowed)
	}
	if !readVerbs[keywords[0]] {
		return fmt.Errorf("%w: statement must start with SELECT", contractx.ErrWriteNotAllowed)
	}
	for _, kw := range keywords {
		if writeVerbs[kw] {
			return fmt.Errorf("%w: %s is not allowed", contractx.ErrWriteNotAllowed, kw)
		}
	}
	return nil
}

// scanStatement walks the raw SQL once and returns the keywords seen at
// parenthesis depth zero plus the number of non-empty statements. Comments
// and string literals are skipped; an unterminated literal is rejected.
func scanStatement(stmt string) (keywords []string, statements int, err error) {
	s := stmt
	depth := 0
	inStatement := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, 0, fmt.Errorf("%w: unterminated comment", contractx.ErrWriteNotAllowed)
			}
			i += end + 4
		case c == '\'' || c == '"' || c == '`':
			inStatement = true
			close := strings.IndexByte(s[i+1:], c)
			if close < 0 {
				return nil, 0, fmt.Errorf("%w: unterminated literal", contractx.ErrWriteNotAllowed)
			}
			i += close + 2
		case c == '[':
			inStatement = true
			close := strings.IndexByte(s[i+1:], ']')
			if close < 0 {
				return nil, 0, fmt.Errorf("%w: unterminated identifier", contractx.ErrWriteNotAllowed)
			}
			i += close + 2
		case c == '(':
			inStatement = true
			depth++
			i++
		case c == ')':
			depth--
			i++
		case c == ';':
			if inStatement {
				statements++
				inStatement = false
			}
			i++
		case isWordByte(c):
			start := i
			for i < len(s) && isWordByte(s[i]) {
				i++
			}
			inStatement = true
			if depth == 0 {
				keywords = append(keywords, strings.ToUpper(s[start:i]))
			}
		default:
			if !isSpaceByte(c) {
				inStatement = true
			}
			i++
		}
	}
	if inStatement {
		statements++
	}
	return keywords, statements, nil
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
