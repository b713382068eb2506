package observability

import (
	"regexp"
	"strings"
)

const credentialRedacted = "[CREDENTIAL_REDACTED]"

// credentialPatterns match the secrets backend requests carry: the call-log
// api-key and the CDR login password in query strings, the CDR session
// cookie, and basic or bearer authorization values.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:api-key|apikey|api_key|pass|password|secret|token)=[^&\s"'\[]{3,}`),
	regexp.MustCompile(`(?i)\bPHPSESSID=[^;&\s"'\[]{4,}`),
	regexp.MustCompile(`(?i)\b(?:Basic|Bearer)\s+[a-z0-9_.\-/+=]{8,}`),
}

// ContainsCredential reports whether s matches any known credential pattern.
func ContainsCredential(s string) bool {
	if len(s) < 8 {
		return false
	}
	for _, p := range credentialPatterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// ScrubCredentials replaces the value of every detected credential in s,
// keeping the parameter name so the shape of a URL stays readable.
func ScrubCredentials(s string) string {
	if len(s) < 8 {
		return s
	}
	result := s
	changed := false
	for _, p := range credentialPatterns {
		if !p.MatchString(result) {
			continue
		}
		result = p.ReplaceAllStringFunc(result, redactValue)
		changed = true
	}
	if !changed {
		return s
	}
	return strings.TrimSpace(result)
}

func redactValue(match string) string {
	if i := strings.IndexAny(match, " \t"); i >= 0 {
		return match[:i+1] + credentialRedacted
	}
	if i := strings.IndexByte(match, '='); i >= 0 {
		return match[:i+1] + credentialRedacted
	}
	return credentialRedacted
}
