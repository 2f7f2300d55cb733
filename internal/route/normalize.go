package route

import (
	"net/http"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/dskow/resilient-client/internal/descriptor"
)

// minOpaqueIDLen is the shortest segment treated as a generated document id.
const minOpaqueIDLen = 20

// Normalize returns endpoint in canonical dotted form with a trailing
// dynamic resource segment removed. "diary/entries/42" becomes
// "diary.entries".
func Normalize(endpoint string) string {
	name := descriptor.CanonicalEndpoint(endpoint)
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return name
	}
	if IsDynamicSegment(name[i+1:]) {
		return name[:i]
	}
	return name
}

// IsDynamicSegment reports whether seg looks like a resource identifier
// rather than part of the endpoint name: a number, a UUID, a path
// parameter (":id" or "{id}") or a long opaque document id.
func IsDynamicSegment(seg string) bool {
	if seg == "" {
		return false
	}
	if strings.HasPrefix(seg, ":") ||
		(strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")) {
		return true
	}
	if isDigits(seg) {
		return true
	}
	if len(seg) == 36 {
		if _, err := uuid.Parse(seg); err == nil {
			return true
		}
	}
	return len(seg) >= minOpaqueIDLen && isOpaqueID(seg)
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// isOpaqueID accepts alphanumerics that include at least one digit, which
// rules out long plain words.
func isOpaqueID(s string) bool {
	digit := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-', c == '_':
		default:
			return false
		}
	}
	return digit
}

// Derive builds the operation name a route would mechanically map to:
// the dotted path in camel case, prefixed with create/update/delete for
// mutations. It only appears in diagnostics.
func Derive(endpoint, verb string) string {
	parts := strings.FieldsFunc(Normalize(endpoint), func(r rune) bool {
		return r == '.' || r == '-' || r == '_'
	})
	var b strings.Builder
	switch strings.ToUpper(verb) {
	case http.MethodPost:
		b.WriteString("create")
	case http.MethodPut, http.MethodPatch:
		b.WriteString("update")
	case http.MethodDelete:
		b.WriteString("delete")
	}
	for _, p := range parts {
		if b.Len() == 0 {
			b.WriteString(strings.ToLower(p[:1]) + p[1:])
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// MatchesPrefix checks if path matches prefix with boundary enforcement.
// The path must either equal the prefix, the prefix must end with "/",
// or the character after the prefix in path must be "/".
func MatchesPrefix(path, prefix string) bool {
	if prefix == "" || !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || prefix[len(prefix)-1] == '/' {
		return true
	}
	return path[len(prefix)] == '/'
}
