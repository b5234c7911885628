package hipaa

import "strings"

// RedactedValue replaces PHI in log output.
const RedactedValue = "[REDACTED]"

// phiKeys are payload keys that carry HIPAA Safe Harbor identifiers
// (45 CFR 164.514(b)(2)): names, contact details, geographic detail below
// state level, dates tied to an individual, and account or record numbers.
var phiKeys = map[string]bool{
	"name":                  true,
	"first_name":            true,
	"last_name":             true,
	"given":                 true,
	"family":                true,
	"ssn":                   true,
	"social_security":       true,
	"birth_date":            true,
	"birthdate":             true,
	"dob":                   true,
	"address":               true,
	"line":                  true,
	"city":                  true,
	"postal_code":           true,
	"zip":                   true,
	"phone":                 true,
	"telecom":               true,
	"fax":                   true,
	"email":                 true,
	"mrn":                   true,
	"medical_record_number": true,
	"insurance_id":          true,
	"member_id":             true,
	"account_number":        true,
	"license_number":        true,
	"photo":                 true,
}

// IsPHIKey reports whether a payload key names a direct identifier. Matching
// ignores case, dashes, and camelCase boundaries.
func IsPHIKey(key string) bool {
	return phiKeys[normalizeKey(key)]
}

func normalizeKey(key string) string {
	var b strings.Builder
	var prev rune
	for _, r := range key {
		switch {
		case r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		case r >= 'A' && r <= 'Z':
			if prev >= 'a' && prev <= 'z' {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// RedactPHI returns a copy of v with the values of PHI keys replaced. Nested
// maps and slices are walked; other values are returned unchanged.
func RedactPHI(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if IsPHIKey(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = RedactPHI(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RedactPHI(val)
		}
		return out
	default:
		return v
	}
}
