package wafproxy

import (
	"strings"

	"github.com/corazawaf/libinjection-go"
)

// InjectionDetector is the heuristic SQLi/XSS detector behind the
// libinjection operators. Implementations must be pure.
type InjectionDetector interface {
	IsSQLi(input string) (bool, string)
	IsXSS(input string) bool
}

type libinjectionDetector struct{}

func (libinjectionDetector) IsSQLi(input string) (bool, string) {
	return libinjection.IsSQLi(input)
}

func (libinjectionDetector) IsXSS(input string) bool {
	return libinjection.IsXSS(input)
}

// DefaultInjectionDetector uses libinjection-go.
func DefaultInjectionDetector() InjectionDetector {
	return libinjectionDetector{}
}

// matchValue runs the rule operator against one transformed value. The
// returned string is the SQLi fingerprint, kept for diagnostics only.
func (r *Rule) matchValue(value string, det InjectionDetector) (bool, string) {
	switch r.Operator {
	case OpRegex:
		if r.regex == nil {
			return false, ""
		}
		return r.regex.MatchString(value), ""
	case OpContains:
		return strings.Contains(value, r.Pattern), ""
	case OpStartsWith:
		return strings.HasPrefix(value, r.Pattern), ""
	case OpEndsWith:
		return strings.HasSuffix(value, r.Pattern), ""
	case OpEquals:
		return value == r.Pattern, ""
	case OpLibinjectionSQLi:
		if det == nil {
			return false, ""
		}
		return det.IsSQLi(value)
	case OpLibinjectionXSS:
		if det == nil {
			return false, ""
		}
		return det.IsXSS(value), ""
	default:
		return false, ""
	}
}
