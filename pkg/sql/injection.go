package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionError reports a parameter value that looks like SQL injection.
// The value itself is not included so it never reaches logs.
type InjectionError struct {
	ParamName   string
	Fingerprint string
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("parameter %q rejected: SQL injection pattern detected (fingerprint %s)", e.ParamName, e.Fingerprint)
}

// CheckParameterForInjection uses libinjection to detect SQL injection
// patterns in a parameter value. Returns nil when the value is clean.
//
//	CheckParameterForInjection("since", "2026-01-01")              // nil
//	CheckParameterForInjection("since", "'; DROP TABLE ad_stats--") // *InjectionError
func CheckParameterForInjection(paramName, value string) *InjectionError {
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionError{ParamName: paramName, Fingerprint: string(fingerprint)}
}
