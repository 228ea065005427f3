package secrets

import (
	"net/url"
	"strings"
)

const redacted = "<redacted>"

// sensitive query parameters stripped from logged URLs.
var sensitiveParams = []string{"token", "access_token", "key", "api_key", "signature"}

// Mask hides a credential, keeping a short prefix for correlation.
func Mask(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return redacted
	}
	return secret[:4] + "…" + redacted
}

// RedactURL strips userinfo and sensitive query parameters from a URL so it
// can be logged safely. Unparseable input is fully redacted.
func RedactURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		u.User = nil
	}
	q := u.Query()
	changed := false
	for _, param := range sensitiveParams {
		if q.Has(param) {
			q.Set(param, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactValue replaces any string containing the given secret with a mask.
// Used before logging config or request payloads.
func RedactValue(value, secret string) string {
	if secret == "" || !strings.Contains(value, secret) {
		return value
	}
	return strings.ReplaceAll(value, secret, redacted)
}
