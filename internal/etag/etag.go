// Package etag computes weak entity tags for status API responses and
// evaluates If-None-Match against them.
package etag

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Weak returns a weak ETag over parts. Equal parts give equal tags.
func Weak(parts ...string) string {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(strconv.Itoa(len(p)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(p)
	}
	return `W/"` + strconv.FormatUint(d.Sum64(), 16) + `"`
}

// Parse strips the weak prefix and the quotes.
func Parse(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	if len(tag) >= 2 && tag[0] == '"' && tag[len(tag)-1] == '"' {
		return tag[1 : len(tag)-1]
	}
	return tag
}

// NotModified reports whether an If-None-Match header value names current.
// The header may list several tags; "*" matches any existing resource.
// Comparison is weak, as required for GET.
func NotModified(ifNoneMatch, current string) bool {
	if ifNoneMatch == "" || current == "" {
		return false
	}
	want := Parse(current)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || Parse(candidate) == want {
			return true
		}
	}
	return false
}
