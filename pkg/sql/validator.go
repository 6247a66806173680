// Package sql prepares configured source queries for execution against
// external databases.
package sql

import (
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrMultipleStatements indicates the query contains multiple SQL statements.
	ErrMultipleStatements = errors.New("multiple SQL statements not allowed; only single statements are permitted")
	// ErrNotReadOnly indicates the query does not start with SELECT or WITH.
	ErrNotReadOnly = errors.New("source query must be a SELECT statement")
	// ErrEmptyQuery indicates no query was configured.
	ErrEmptyQuery = errors.New("source query is empty")
)

// writeKeywords may not appear as a statement keyword in a WITH query.
var writeKeywords = []string{"insert", "update", "delete", "merge", "drop", "alter", "truncate", "create", "grant"}

// ValidateAndNormalize strips a trailing semicolon and rejects queries that
// are empty, contain more than one statement, or are not read-only.
func ValidateAndNormalize(sqlQuery string) (string, error) {
	normalized := stripTrailingSemicolon(strings.TrimSpace(sqlQuery))
	if normalized == "" {
		return "", ErrEmptyQuery
	}

	if hasSemicolonOutsideStrings(normalized) {
		return "", ErrMultipleStatements
	}

	lower := strings.ToLower(normalized)
	switch {
	case strings.HasPrefix(lower, "select"):
	case strings.HasPrefix(lower, "with"):
		words := strings.FieldsFunc(stripStringLiterals(lower), func(r rune) bool {
			return !unicode.IsLetter(r) && r != '_'
		})
		for _, word := range words {
			for _, kw := range writeKeywords {
				if word == kw {
					return "", ErrNotReadOnly
				}
			}
		}
	default:
		return "", ErrNotReadOnly
	}

	return normalized, nil
}

// hasSemicolonOutsideStrings returns true if the SQL contains any semicolon
// outside of string literals.
func hasSemicolonOutsideStrings(sqlQuery string) bool {
	const (
		stateNormal = iota
		stateSingleQuote
		stateDoubleQuote
	)

	state := stateNormal
	prevChar := rune(0)

	for _, char := range sqlQuery {
		switch state {
		case stateNormal:
			switch char {
			case ';':
				return true
			case '\'':
				state = stateSingleQuote
			case '"':
				state = stateDoubleQuote
			}
		case stateSingleQuote:
			// '' re-enters on the next quote, which keeps us in the string
			if char == '\'' && prevChar != '\\' {
				state = stateNormal
			}
		case stateDoubleQuote:
			if char == '"' && prevChar != '\\' {
				state = stateNormal
			}
		}
		prevChar = char
	}

	return false
}

// stripStringLiterals blanks out single-quoted literals so keyword scans
// do not match their contents.
func stripStringLiterals(sqlQuery string) string {
	var b strings.Builder
	inString := false
	for _, char := range sqlQuery {
		if char == '\'' {
			inString = !inString
			b.WriteRune(' ')
			continue
		}
		if inString {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(char)
	}
	return b.String()
}

func stripTrailingSemicolon(sqlQuery string) string {
	sqlQuery = strings.TrimRight(sqlQuery, " \t\n\r")
	if strings.HasSuffix(sqlQuery, ";") {
		sqlQuery = strings.TrimRight(strings.TrimSuffix(sqlQuery, ";"), " \t\n\r")
	}
	return sqlQuery
}
