// Package patch applies JSON-Patch-style edit operations to in-memory trees
// addressed by RFC 6901 pointers, either one at a time (Apply) or as a
// non-atomic batch rebased onto a mount point (Applier).
package patch

import (
	"strconv"
	"strings"

	"github.com/go-openapi/jsonpointer"

	"github.com/pitabwire/wfsync/model"
)

// ParsePointer splits a pointer into unescaped reference tokens. The empty
// pointer addresses the whole document and yields no tokens.
func ParsePointer(pointer string) ([]string, error) {
	p, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, model.NewPointerError(pointer, "pointer must start with /")
	}
	return p.DecodedTokens(), nil
}

// EscapeToken escapes a single reference token.
func EscapeToken(token string) string {
	return jsonpointer.Escape(token)
}

// FormatPointer builds a pointer from unescaped reference tokens.
func FormatPointer(tokens ...string) string {
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteByte('/')
		b.WriteString(EscapeToken(tok))
	}
	return b.String()
}

// JoinPointer prefixes path with mountPrefix. A trailing slash on the prefix
// is ignored and the empty path addresses the mount point itself.
func JoinPointer(mountPrefix, path string) (string, error) {
	mountPrefix = strings.TrimRight(mountPrefix, "/")
	if path == "" {
		return mountPrefix, nil
	}
	if path[0] != '/' {
		return "", model.NewPointerError(path, "pointer must start with /")
	}
	return mountPrefix + path, nil
}

// HasPrefix reports whether pointer equals prefix or lies below it.
func HasPrefix(pointer, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(pointer, prefix) {
		return false
	}
	return len(pointer) == len(prefix) || pointer[len(prefix)] == '/'
}

// parseIndex parses an array index token. Leading zeros are rejected.
func parseIndex(token string) (int, bool) {
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	idx, err := strconv.Atoi(token)
	if err != nil {
		return 0, false
	}
	return idx, true
}
