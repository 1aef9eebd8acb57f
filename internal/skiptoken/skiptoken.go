// Package skiptoken encodes the opaque continuation used to page through
// task listings. Listings are ordered by id, so the last id seen is enough
// to resume.
package skiptoken

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalid marks a token that was not produced by Encode.
var ErrInvalid = errors.New("skiptoken: invalid token")

// Token is the decoded continuation.
type Token struct {
	// AfterID is the last id of the previous page.
	AfterID int64 `json:"a"`
	// ParentID pins the token to one listing.
	ParentID int64 `json:"p,omitempty"`
}

// Encode returns the URL-safe form of t.
func Encode(t Token) (string, error) {
	if t.AfterID <= 0 {
		return "", fmt.Errorf("%w: after id must be positive", ErrInvalid)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a token. An empty string is the first page.
func Decode(s string) (Token, error) {
	if s == "" {
		return Token{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if t.AfterID <= 0 {
		return Token{}, fmt.Errorf("%w: after id must be positive", ErrInvalid)
	}
	return t, nil
}

// DecodeFor parses a token and checks it belongs to the listing of parentID.
func DecodeFor(s string, parentID int64) (Token, error) {
	t, err := Decode(s)
	if err != nil {
		return t, err
	}
	if s != "" && t.ParentID != parentID {
		return Token{}, fmt.Errorf("%w: token belongs to task %d", ErrInvalid, t.ParentID)
	}
	return t, nil
}
