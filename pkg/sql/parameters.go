package sql

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// parameterRegex matches {{parameter_name}} placeholders in SQL templates.
// Parameter names must start with a letter or underscore.
var parameterRegex = regexp.MustCompile(`\{\{([a-zA-Z_]\w*)\}\}`)

// PlaceholderStyle selects how positional parameters are written for a driver.
type PlaceholderStyle int

const (
	// PlaceholderDollar is PostgreSQL's $1, $2, ...
	PlaceholderDollar PlaceholderStyle = iota
	// PlaceholderAtP is SQL Server's @p1, @p2, ...
	PlaceholderAtP
)

func (s PlaceholderStyle) format(pos int) string {
	if s == PlaceholderAtP {
		return fmt.Sprintf("@p%d", pos)
	}
	return fmt.Sprintf("$%d", pos)
}

// ExtractParameters finds all {{param}} placeholders in SQL and returns
// a deduplicated list of parameter names in order of first appearance.
//
//	ExtractParameters("... WHERE day >= {{since}} AND day < {{until}} OR day = {{since}}")
//	// []string{"since", "until"}
func ExtractParameters(sqlQuery string) []string {
	matches := parameterRegex.FindAllStringSubmatch(sqlQuery, -1)
	seen := make(map[string]bool)
	var params []string

	for _, match := range matches {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			params = append(params, name)
		}
	}

	return params
}

// FindParametersInStringLiterals returns placeholders that sit inside
// single-quoted literals, where the driver would treat them as text.
func FindParametersInStringLiterals(sqlQuery string) []string {
	var problems []string
	seen := make(map[string]bool)

	inString := false
	stringStart := 0
	for i := 0; i < len(sqlQuery); i++ {
		if sqlQuery[i] != '\'' {
			continue
		}
		if !inString {
			inString = true
			stringStart = i
			continue
		}
		if i+1 < len(sqlQuery) && sqlQuery[i+1] == '\'' {
			i++
			continue
		}
		for _, match := range parameterRegex.FindAllStringSubmatch(sqlQuery[stringStart+1:i], -1) {
			if !seen[match[1]] {
				seen[match[1]] = true
				problems = append(problems, match[1])
			}
		}
		inString = false
	}

	return problems
}

// PreparedQuery is a validated source query ready to execute.
type PreparedQuery struct {
	SQL  string
	Args []any
}

// PrepareQuery validates a configured source query and binds its
// {{param}} placeholders. Values come from supplied, falling back to
// defaults; every placeholder needs a value, and every value is screened
// with libinjection even though it is bound positionally.
func PrepareQuery(sqlQuery string, style PlaceholderStyle, defaults, supplied map[string]string) (*PreparedQuery, error) {
	normalized, err := ValidateAndNormalize(sqlQuery)
	if err != nil {
		return nil, err
	}

	if inLiterals := FindParametersInStringLiterals(normalized); len(inLiterals) > 0 {
		return nil, fmt.Errorf("parameters inside string literals: %s", strings.Join(inLiterals, ", "))
	}

	names := ExtractParameters(normalized)
	values := make(map[string]string, len(names))
	var missing []string
	for _, name := range names {
		value, ok := supplied[name]
		if !ok {
			value, ok = defaults[name]
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		if injErr := CheckParameterForInjection(name, value); injErr != nil {
			return nil, injErr
		}
		values[name] = value
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("no value for query parameters: %s", strings.Join(missing, ", "))
	}

	positions := make(map[string]int, len(names))
	args := make([]any, 0, len(names))
	prepared := parameterRegex.ReplaceAllStringFunc(normalized, func(match string) string {
		name := parameterRegex.FindStringSubmatch(match)[1]
		if pos, ok := positions[name]; ok {
			return style.format(pos)
		}
		args = append(args, values[name])
		positions[name] = len(args)
		return style.format(len(args))
	})

	return &PreparedQuery{SQL: prepared, Args: args}, nil
}
