package issuer

import (
	"strings"
	"time"
)

// expiryLayouts are the date formats issuers have been seen to print.
// openssl x509 -enddate pads single-digit days with a space; runs of
// whitespace are collapsed before matching.
var expiryLayouts = []string{
	"Jan _2 15:04:05 2006 MST",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// ParseExpiry converts an issuer's printed expiry into a UTC timestamp.
func ParseExpiry(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "="); i >= 0 && strings.EqualFold(strings.TrimSpace(s[:i]), "notAfter") {
		s = strings.TrimSpace(s[i+1:])
	}
	if s == "" {
		return time.Time{}, &ParseError{Raw: raw}
	}
	s = strings.Join(strings.Fields(s), " ")

	var lastErr error
	for _, layout := range expiryLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, &ParseError{Raw: raw, Err: lastErr}
}

// FormatExpiry prints t in openssl's -enddate form.
func FormatExpiry(t time.Time) string {
	return t.UTC().Format("Jan _2 15:04:05 2006 GMT")
}
