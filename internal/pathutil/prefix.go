package pathutil

import (
	"net/url"
	"strings"
)

// NormalizePrefix returns a leading-slash prefix without a trailing slash.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

// HasPathPrefix reports whether path equals prefix or is nested under it.
func HasPathPrefix(path, prefix string) bool {
	prefix = NormalizePrefix(prefix)
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// Resource extracts the single unescaped segment that follows prefix, as in
// "/api/traces/{id}". Nested or empty segments are rejected.
func Resource(path, prefix string) (string, bool) {
	prefix = NormalizePrefix(prefix)
	if !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	raw := strings.TrimPrefix(path, prefix+"/")
	if raw == "" || strings.Contains(raw, "/") {
		return "", false
	}
	segment, err := url.PathUnescape(raw)
	if err != nil || strings.TrimSpace(segment) == "" {
		return "", false
	}
	return segment, true
}
