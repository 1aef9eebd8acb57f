// Package preference parses the Prefer request header (RFC 7240) for the
// status API.
package preference

import (
	"net/http"
	"strings"
)

// Return values of the return preference.
const (
	ReturnMinimal        = "minimal"
	ReturnRepresentation = "representation"
)

// Preferences holds the recognised preferences of one request.
type Preferences struct {
	// Return is ReturnMinimal, ReturnRepresentation or empty.
	Return string
}

// Parse reads every Prefer header of r. Unknown preferences and parameters
// are ignored; for a repeated preference the first one wins.
func Parse(r *http.Request) Preferences {
	var p Preferences
	for _, line := range r.Header.Values("Prefer") {
		for _, item := range strings.Split(line, ",") {
			token, _, _ := strings.Cut(item, ";")
			name, value, _ := strings.Cut(strings.TrimSpace(token), "=")
			name = strings.ToLower(strings.TrimSpace(name))
			value = strings.ToLower(strings.Trim(strings.TrimSpace(value), `"`))
			if name == "return" && p.Return == "" {
				switch value {
				case ReturnMinimal, ReturnRepresentation:
					p.Return = value
				}
			}
		}
	}
	return p
}

// Applied returns the Preference-Applied header value, or "" when nothing
// was honoured.
func (p Preferences) Applied() string {
	if p.Return == "" {
		return ""
	}
	return "return=" + p.Return
}
