// Package response writes the JSON bodies of the status API.
package response

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ContentType is the media type of every body this package writes.
const ContentType = "application/json"

// ErrorDetail is an additional error detail.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// Error is the error body, wrapped as {"error": {...}}.
type Error struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Target  string        `json:"target,omitempty"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(v)
}

// WriteError writes an error body. details may be empty.
func WriteError(w http.ResponseWriter, code int, message string, details string) error {
	return WriteErrorWithTarget(w, code, message, "", details)
}

// WriteErrorWithTarget writes an error body naming the offending input.
func WriteErrorWithTarget(w http.ResponseWriter, code int, message string, target string, details string) error {
	e := &Error{
		Code:    fmt.Sprintf("%d", code),
		Message: message,
		Target:  target,
	}
	if details != "" {
		e.Details = []ErrorDetail{{Message: details, Target: target}}
	}
	return WriteJSON(w, code, map[string]interface{}{"error": e})
}
